package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
)

var statsTargets = []string{
	"sense_agent_state",
	"sense_observations_ingested_total",
	"sense_control_sessions_total",
	"sense_control_failures_total",
	"sense_record_queue_length",
	"sense_journal_size_bytes",
}

func statsCommand(args []string) error {
	fs := pflag.NewFlagSet("stats", pflag.ContinueOnError)
	url := fs.String("url", "http://localhost:9100/metrics", "Prometheus metrics endpoint")
	interval := fs.Duration("interval", 2*time.Second, "Refresh interval")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	client := &http.Client{Timeout: *interval}
	fmt.Printf("Streaming metrics from %s (Ctrl+C to stop)\n", *url)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			values, err := fetchMetrics(ctx, client, *url)
			if err != nil {
				fmt.Fprintf(os.Stderr, "stats error: %v\n", err)
				continue
			}
			fmt.Println(formatSnapshot(time.Now(), values))
		}
	}
}

func fetchMetrics(ctx context.Context, client *http.Client, url string) (map[string]float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	return parseMetrics(resp.Body, statsTargets)
}

// parseMetrics picks unlabeled samples named in targets out of the
// Prometheus text format.
func parseMetrics(r io.Reader, targets []string) (map[string]float64, error) {
	out := make(map[string]float64, len(targets))
	for _, k := range targets {
		out[k] = 0
	}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "#") {
			continue
		}
		for _, key := range targets {
			if strings.HasPrefix(line, key+" ") {
				var value float64
				if _, err := fmt.Sscanf(line, key+" %g", &value); err == nil {
					out[key] = value
				}
			}
		}
	}
	return out, scanner.Err()
}

func formatSnapshot(at time.Time, v map[string]float64) string {
	return fmt.Sprintf("[%s] state=%g ingested=%g sessions=%g failures=%g record_queue=%g journal_bytes=%g",
		at.Format(time.RFC3339),
		v["sense_agent_state"],
		v["sense_observations_ingested_total"],
		v["sense_control_sessions_total"],
		v["sense_control_failures_total"],
		v["sense_record_queue_length"],
		v["sense_journal_size_bytes"],
	)
}
