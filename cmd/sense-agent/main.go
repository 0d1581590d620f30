package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/ghalamif/adaptivesense"
	"github.com/ghalamif/adaptivesense/internal/app/config"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	var err error

	switch cmd {
	case "run":
		err = runCommand(os.Args[2:])
	case "validate":
		err = validateCommand(os.Args[2:])
	case "policy":
		err = policyCommand(os.Args[2:])
	case "stats":
		err = statsCommand(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		printUsage()
		err = fmt.Errorf("unknown command %q", cmd)
	}

	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "sense-agent %s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func runCommand(args []string) error {
	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	cfgPath := fs.StringP("config", "c", "./data/config.yaml", "Path to agent configuration file")
	envFile := fs.String("env-file", ".env", "Optional .env file loaded before the config")
	logJSON := fs.Bool("log-json", false, "Write logs as JSON lines")
	logLevel := fs.String("log-level", "info", "Log level: debug, info, warn, error")
	noAdmin := fs.Bool("no-admin", false, "Do not start the admin HTTP server")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if err := config.LoadDotEnv(*envFile); err != nil {
		return err
	}
	logger := newLogger(os.Stderr, *logLevel, *logJSON, os.Getenv("NO_COLOR") != "")

	cfg, err := adaptivesense.LoadConfig(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	opts := []adaptivesense.RuntimeOption{adaptivesense.WithLogger(logger)}
	if *noAdmin {
		opts = append(opts, adaptivesense.WithoutAdmin())
	}
	rt, err := adaptivesense.NewRuntime(cfg, opts...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return rt.Run(ctx)
}

func validateCommand(args []string) error {
	fs := pflag.NewFlagSet("validate", pflag.ContinueOnError)
	cfgPath := fs.StringP("config", "c", "./data/config.yaml", "Path to configuration file to validate")
	envFile := fs.String("env-file", ".env", "Optional .env file loaded before the config")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if err := config.LoadDotEnv(*envFile); err != nil {
		return err
	}
	cfg, err := adaptivesense.LoadConfig(*cfgPath)
	if err != nil {
		return err
	}
	if _, err := adaptivesense.PolicyOptions(cfg.Agent); err != nil {
		return err
	}
	fmt.Printf("config %s looks good (agent=%s)\n", *cfgPath, cfg.Agent.Type)
	return nil
}

func policyCommand(args []string) error {
	fs := pflag.NewFlagSet("policy", pflag.ContinueOnError)
	agentType := fs.StringP("agent", "a", "acceleration", "Agent type: "+fmt.Sprint(adaptivesense.AgentTypes()))
	kind := fs.String("threshold-kind", "", "Observation kind watched by the threshold agent")
	valueKey := fs.String("threshold-value-key", "value", "Value key averaged by the threshold agent")
	file := fs.StringP("file", "f", "", "Policy document (YAML or JSON) to validate")
	list := fs.Bool("list", false, "List the options the agent accepts")
	if err := fs.Parse(args); err != nil {
		return err
	}

	agentCfg := adaptivesense.AgentConfig{
		Type:      *agentType,
		Threshold: adaptivesense.ThresholdAgent{Kind: adaptivesense.Kind(*kind), ValueKey: *valueKey},
	}

	if *list || *file == "" {
		specs, err := adaptivesense.PolicyOptions(agentCfg)
		if err != nil {
			return err
		}
		for _, s := range specs {
			req := ""
			if s.Required {
				req = " (required)"
			}
			fmt.Printf("  %-36s %-8s default=%v%s\n      %s\n", s.Key, s.Kind, s.Default, req, s.Usage)
		}
		return nil
	}

	raw, err := os.ReadFile(*file)
	if err != nil {
		return err
	}
	pol, err := adaptivesense.ValidatePolicy(agentCfg, raw)
	if err != nil {
		return err
	}
	values := pol.Values()
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Printf("policy %s is valid (version=%q)\n", *file, pol.Version)
	for _, k := range keys {
		fmt.Printf("  %-36s %v\n", k, values[k])
	}
	return nil
}

func printUsage() {
	fmt.Printf(`AdaptiveSense agent

Usage:
  sense-agent <command> [flags]

Commands:
  run        Start the sensing agent with the provided config
  validate   Load and validate a config file without starting the agent
  policy     List an agent's policy options or validate a policy document
  stats      Poll the Prometheus metrics endpoint and print live counters

Examples:
  sense-agent run --config ./data/config.yaml
  sense-agent validate -c ./data/config.yaml
  sense-agent policy --agent acceleration --file ./data/policy.yaml
  sense-agent stats --url http://localhost:9100/metrics --interval 1s
`)
}
