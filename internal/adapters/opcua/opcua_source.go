package opcua

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"

	"github.com/ghalamif/adaptivesense/internal/domain"
	"github.com/ghalamif/adaptivesense/internal/ports"
)

// Config captures the runtime details required to open an OPC UA session.
type Config struct {
	Name             string        `yaml:"name"`
	Endpoint         string        `yaml:"endpoint"`
	Username         string        `yaml:"username"`
	Password         string        `yaml:"password"`
	SecurityMode     string        `yaml:"security_mode"`
	SecurityPolicy   string        `yaml:"security_policy"`
	ApplicationName  string        `yaml:"application_name"`
	PublishInterval  time.Duration `yaml:"publish_interval"`
	SamplingInterval time.Duration `yaml:"sampling_interval"`
	Nodes            []NodeConfig  `yaml:"nodes"`
}

// NodeConfig maps a monitored node to an observation kind. A scalar node
// fills ValueKey; an array node fills ValueKeys element by element, which
// is how a three-axis accelerometer is usually exposed.
type NodeConfig struct {
	NodeID    string      `yaml:"node_id"`
	Kind      domain.Kind `yaml:"kind"`
	ValueKey  string      `yaml:"value_key"`
	ValueKeys []string    `yaml:"value_keys"`
}

func (c *Config) ApplyDefaults() {
	if c.Name == "" {
		c.Name = "opcua"
	}
	if c.SecurityMode == "" {
		c.SecurityMode = "None"
	}
	if c.SecurityPolicy == "" {
		c.SecurityPolicy = "None"
	}
	if c.ApplicationName == "" {
		c.ApplicationName = "adaptivesense"
	}
	if c.PublishInterval <= 0 {
		c.PublishInterval = 250 * time.Millisecond
	}
	if c.SamplingInterval < 0 {
		c.SamplingInterval = 0
	}
	for i := range c.Nodes {
		if c.Nodes[i].Kind == "" {
			c.Nodes[i].Kind = domain.Kind(c.Nodes[i].NodeID)
		}
		if c.Nodes[i].ValueKey == "" && len(c.Nodes[i].ValueKeys) == 0 {
			c.Nodes[i].ValueKey = "value"
		}
	}
}

func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("endpoint is required")
	}
	if len(c.Nodes) == 0 {
		return errors.New("at least one node must be configured")
	}
	return nil
}

// Source streams monitored OPC UA nodes as observations. It is also the
// RateController for those nodes: the max rate maps to the requested
// sampling interval and Restart re-creates the subscription.
type Source struct {
	cfg    Config
	logger *slog.Logger

	restartMu sync.Mutex // serializes Start, Stop and Restart

	mu        sync.Mutex
	client    *opcua.Client
	sub       *opcua.Subscription
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	handleMap map[uint32]NodeConfig
	seq       map[domain.Kind]uint64
	out       chan<- domain.Observation
	started   bool
	interval  time.Duration
}

var (
	_ ports.ObservationSource = (*Source)(nil)
	_ ports.RateController    = (*Source)(nil)
)

func NewSource(cfg Config, logger *slog.Logger) (*Source, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{
		cfg:      cfg,
		logger:   logger.With("source", cfg.Name),
		seq:      make(map[domain.Kind]uint64),
		interval: cfg.SamplingInterval,
	}, nil
}

func (s *Source) Name() string { return s.cfg.Name }

func (s *Source) Kinds() []domain.Kind {
	seen := make(map[domain.Kind]bool)
	var kinds []domain.Kind
	for _, n := range s.cfg.Nodes {
		if !seen[n.Kind] {
			seen[n.Kind] = true
			kinds = append(kinds, n.Kind)
		}
	}
	return kinds
}

func (s *Source) Start(out chan<- domain.Observation) error {
	s.restartMu.Lock()
	defer s.restartMu.Unlock()
	return s.start(out)
}

func (s *Source) Stop() error {
	s.restartMu.Lock()
	defer s.restartMu.Unlock()
	return s.stop()
}

// MaxRate reports samples per second; 0 means the server default.
func (s *Source) MaxRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.interval <= 0 {
		return 0
	}
	return float64(time.Second) / float64(s.interval)
}

func (s *Source) SetMaxRate(_ context.Context, perSecond float64) error {
	if perSecond < 0 {
		return fmt.Errorf("opcua: negative rate %v", perSecond)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if perSecond == 0 {
		s.interval = 0
		return nil
	}
	s.interval = time.Duration(float64(time.Second) / perSecond)
	return nil
}

// Restart re-subscribes with the current sampling interval. A source that
// was never started only records the interval.
func (s *Source) Restart(ctx context.Context) error {
	s.restartMu.Lock()
	defer s.restartMu.Unlock()

	s.mu.Lock()
	out, started := s.out, s.started
	s.mu.Unlock()
	if !started {
		return nil
	}
	if err := s.stop(); err != nil {
		s.logger.Warn("opcua_restart_stop_failed", "err", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.start(out)
}

func (s *Source) start(out chan<- domain.Observation) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("opcua source %s already started", s.cfg.Name)
	}
	interval := s.interval
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	client, err := opcua.NewClient(s.cfg.Endpoint, s.clientOptions()...)
	if err != nil {
		cancel()
		return fmt.Errorf("opcua new client: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		cancel()
		return fmt.Errorf("opcua connect: %w", err)
	}

	notifyCh := make(chan *opcua.PublishNotificationData, len(s.cfg.Nodes)*4)
	sub, err := client.Subscribe(ctx, &opcua.SubscriptionParameters{
		Interval: s.cfg.PublishInterval,
	}, notifyCh)
	if err != nil {
		cancel()
		_ = client.Close(ctx)
		return fmt.Errorf("opcua subscribe: %w", err)
	}

	handleMap := make(map[uint32]NodeConfig, len(s.cfg.Nodes))
	for i, node := range s.cfg.Nodes {
		nodeID, err := ua.ParseNodeID(node.NodeID)
		if err != nil {
			cleanup(ctx, cancel, sub, client)
			return fmt.Errorf("parse node id %q: %w", node.NodeID, err)
		}
		handle := uint32(i + 1)
		req := opcua.NewMonitoredItemCreateRequestWithDefaults(nodeID, ua.AttributeIDValue, handle)
		if interval > 0 {
			req.RequestedParameters.SamplingInterval = float64(interval) / float64(time.Millisecond)
		}
		res, err := sub.Monitor(ctx, ua.TimestampsToReturnBoth, req)
		if err != nil {
			cleanup(ctx, cancel, sub, client)
			return fmt.Errorf("monitor node %q: %w", node.NodeID, err)
		}
		if len(res.Results) == 0 {
			cleanup(ctx, cancel, sub, client)
			return fmt.Errorf("monitor node %q failed: empty result", node.NodeID)
		}
		if res.Results[0].StatusCode != ua.StatusOK {
			cleanup(ctx, cancel, sub, client)
			return fmt.Errorf("monitor node %q failed: %s", node.NodeID, res.Results[0].StatusCode)
		}
		handleMap[handle] = node
	}

	s.mu.Lock()
	s.client = client
	s.sub = sub
	s.cancel = cancel
	s.handleMap = handleMap
	s.out = out
	s.started = true
	s.mu.Unlock()

	s.logger.Info("opcua_subscribed", "nodes", len(handleMap), "sampling_interval", interval)
	s.wg.Add(1)
	go s.consume(ctx, notifyCh, out)
	return nil
}

func (s *Source) stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	sub := s.sub
	client := s.client
	s.started = false
	s.cancel = nil
	s.sub = nil
	s.client = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	ctx, ctxCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer ctxCancel()

	var err error
	if sub != nil {
		if e := sub.Cancel(ctx); e != nil && !errors.Is(e, context.Canceled) {
			err = errors.Join(err, e)
		}
	}
	if client != nil {
		if e := client.Close(ctx); e != nil && !errors.Is(e, context.Canceled) {
			err = errors.Join(err, e)
		}
	}

	s.wg.Wait()
	return err
}

func (s *Source) consume(ctx context.Context, ch <-chan *opcua.PublishNotificationData, out chan<- domain.Observation) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case notif := <-ch:
			if notif == nil {
				continue
			}
			if notif.Error != nil {
				s.logger.Error("opcua_notification_error", "err", notif.Error)
				continue
			}
			s.processNotification(ctx, notif.Value, out)
		}
	}
}

func (s *Source) processNotification(ctx context.Context, val interface{}, out chan<- domain.Observation) {
	data, ok := val.(*ua.DataChangeNotification)
	if !ok {
		return
	}

	for _, item := range data.MonitoredItems {
		s.mu.Lock()
		node, ok := s.handleMap[item.ClientHandle]
		s.mu.Unlock()
		if !ok {
			continue
		}
		values, ok := nodeValues(node, item.Value.Value)
		if !ok {
			s.logger.Warn("opcua_unsupported_value", "node", node.NodeID, "type", variantType(item.Value.Value))
			continue
		}

		ts := item.Value.SourceTimestamp
		if ts.IsZero() {
			ts = item.Value.ServerTimestamp
		}
		if ts.IsZero() {
			ts = time.Now()
		}

		obs := domain.Observation{
			Kind:      node.Kind,
			Timestamp: ts,
			Seq:       s.nextSeq(node.Kind),
			Values:    values,
			Source:    s.cfg.Name,
		}

		select {
		case <-ctx.Done():
			return
		case out <- obs:
		}
	}
}

func (s *Source) nextSeq(kind domain.Kind) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.seq[kind] + 1
	s.seq[kind] = next
	return next
}

func (s *Source) clientOptions() []opcua.Option {
	opts := []opcua.Option{
		opcua.SecurityModeString(normalizeSecurityMode(s.cfg.SecurityMode)),
		opcua.SecurityPolicy(normalizeSecurityPolicy(s.cfg.SecurityPolicy)),
		opcua.ApplicationName(s.cfg.ApplicationName),
		opcua.AutoReconnect(true),
	}
	if s.cfg.Username != "" {
		opts = append(opts, opcua.AuthUsername(s.cfg.Username, s.cfg.Password))
	} else {
		opts = append(opts, opcua.AuthAnonymous())
	}
	return opts
}

func cleanup(ctx context.Context, cancel context.CancelFunc, sub *opcua.Subscription, client *opcua.Client) {
	cancel()
	if sub != nil {
		_ = sub.Cancel(ctx)
	}
	if client != nil {
		_ = client.Close(ctx)
	}
}

// nodeValues maps a variant onto the node's value keys.
func nodeValues(node NodeConfig, v *ua.Variant) (map[string]float64, bool) {
	if v == nil {
		return nil, false
	}
	if len(node.ValueKeys) > 0 {
		elems, ok := toFloats(v.Value())
		if !ok || len(elems) < len(node.ValueKeys) {
			return nil, false
		}
		out := make(map[string]float64, len(node.ValueKeys))
		for i, key := range node.ValueKeys {
			out[key] = elems[i]
		}
		return out, true
	}
	f, ok := toFloat(v.Value())
	if !ok {
		return nil, false
	}
	return map[string]float64{node.ValueKey: f}, true
}

func variantType(v *ua.Variant) string {
	if v == nil {
		return "nil"
	}
	return fmt.Sprintf("%T", v.Value())
}

func toFloats(v any) ([]float64, bool) {
	switch vals := v.(type) {
	case []float64:
		return vals, true
	case []float32:
		out := make([]float64, len(vals))
		for i, f := range vals {
			out[i] = float64(f)
		}
		return out, true
	case []int32:
		out := make([]float64, len(vals))
		for i, f := range vals {
			out[i] = float64(f)
		}
		return out, true
	case []int16:
		out := make([]float64, len(vals))
		for i, f := range vals {
			out[i] = float64(f)
		}
		return out, true
	default:
		return nil, false
	}
}

func toFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case float32:
		return float64(val), true
	case float64:
		return val, true
	case int8:
		return float64(val), true
	case uint8:
		return float64(val), true
	case int16:
		return float64(val), true
	case uint16:
		return float64(val), true
	case int32:
		return float64(val), true
	case uint32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint64:
		return float64(val), true
	case bool:
		if val {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

func normalizeSecurityMode(mode string) string {
	switch strings.ToLower(mode) {
	case "sign":
		return "Sign"
	case "signandencrypt", "signencrypt", "sign_and_encrypt", "sign+encrypt":
		return "SignAndEncrypt"
	default:
		return "None"
	}
}

func normalizeSecurityPolicy(policy string) string {
	if policy == "" {
		return "None"
	}
	return policy
}
