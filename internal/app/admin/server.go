// Package admin exposes the agent over HTTP: metrics, health, state, and
// server-delivered policy documents.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ghalamif/adaptivesense/internal/agent"
	"github.com/ghalamif/adaptivesense/internal/domain"
	"github.com/ghalamif/adaptivesense/internal/ports"
)

const maxPolicyBytes = 1 << 20

// Controller is the part of *agent.Agent the admin surface drives.
type Controller interface {
	Name() string
	State() domain.State
	Session() (domain.ControlSession, bool)
	CooldownUntil() time.Time
	WakeHeld() bool
	Policy() *agent.Policy
	ApplyPolicyBytes(raw []byte) (*agent.Policy, error)
	Cancel()
}

// Device is the settable interactive flag, see device.State.
type Device interface {
	Interactive() bool
	SetInteractive(bool)
}

type Handler struct {
	ctrl     Controller
	device   Device
	gatherer prometheus.Gatherer
	obs      ports.Observability
}

// NewRouter builds the admin routes. device and gatherer may be nil; the
// corresponding routes then answer 404.
func NewRouter(ctrl Controller, device Device, gatherer prometheus.Gatherer, obs ports.Observability) http.Handler {
	h := &Handler{ctrl: ctrl, device: device, gatherer: gatherer, obs: obs}

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.Recoverer)

	r.Get("/healthz", h.Health)
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	r.Get("/state", h.GetState)
	r.Get("/policy", h.GetPolicy)
	r.Put("/policy", h.PutPolicy)
	r.Post("/session/cancel", h.CancelSession)
	if device != nil {
		r.Get("/device", h.GetDevice)
		r.Put("/device/interactive", h.PutInteractive)
	}
	return r
}

func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// StateView is the JSON body of GET /state.
type StateView struct {
	Agent         string       `json:"agent"`
	State         string       `json:"state"`
	WakeLockHeld  bool         `json:"wake_lock_held"`
	CooldownUntil *time.Time   `json:"cooldown_until,omitempty"`
	Session       *SessionView `json:"session,omitempty"`
	PolicyRev     uint64       `json:"policy_revision"`
}

type SessionView struct {
	ID          string    `json:"id"`
	Mode        string    `json:"mode"`
	TriggerKind string    `json:"trigger_kind,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	Deadline    time.Time `json:"deadline"`
}

func (h *Handler) GetState(w http.ResponseWriter, _ *http.Request) {
	view := StateView{
		Agent:        h.ctrl.Name(),
		State:        h.ctrl.State().String(),
		WakeLockHeld: h.ctrl.WakeHeld(),
		PolicyRev:    h.ctrl.Policy().Revision,
	}
	if until := h.ctrl.CooldownUntil(); !until.IsZero() {
		view.CooldownUntil = &until
	}
	if s, ok := h.ctrl.Session(); ok {
		view.Session = &SessionView{
			ID:          s.ID,
			Mode:        s.Mode.String(),
			TriggerKind: string(s.TriggerKind),
			StartedAt:   s.StartedAt,
			Deadline:    s.Deadline,
		}
	}
	JSON(w, http.StatusOK, view)
}

// PolicyView is the JSON body of GET and PUT /policy.
type PolicyView struct {
	Revision  uint64         `json:"revision"`
	Version   string         `json:"version,omitempty"`
	AppliedAt *time.Time     `json:"applied_at,omitempty"`
	Values    map[string]any `json:"values"`
}

func policyView(p *agent.Policy) PolicyView {
	values := p.Values()
	for k, v := range values {
		if d, ok := v.(time.Duration); ok {
			values[k] = d.String()
		}
	}
	view := PolicyView{Revision: p.Revision, Version: p.Version, Values: values}
	if !p.AppliedAt.IsZero() {
		at := p.AppliedAt
		view.AppliedAt = &at
	}
	return view
}

func (h *Handler) GetPolicy(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, policyView(h.ctrl.Policy()))
}

// PutPolicy applies a YAML or JSON policy document. A rejected document
// answers 400 and leaves the current policy in place.
func (h *Handler) PutPolicy(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxPolicyBytes+1))
	if err != nil {
		Error(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	if len(raw) > maxPolicyBytes {
		Error(w, http.StatusRequestEntityTooLarge, "policy document too large")
		return
	}

	pol, err := h.ctrl.ApplyPolicyBytes(raw)
	if err != nil {
		var cfgErr *agent.ConfigurationError
		if errors.As(err, &cfgErr) {
			Error(w, http.StatusBadRequest, cfgErr.Error())
			return
		}
		h.obs.LogError("admin_policy_failed", err)
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	JSON(w, http.StatusOK, policyView(pol))
}

func (h *Handler) CancelSession(w http.ResponseWriter, _ *http.Request) {
	h.ctrl.Cancel()
	w.WriteHeader(http.StatusNoContent)
}

type interactiveBody struct {
	Interactive *bool `json:"interactive"`
}

func (h *Handler) GetDevice(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]bool{"interactive": h.device.Interactive()})
}

func (h *Handler) PutInteractive(w http.ResponseWriter, r *http.Request) {
	var body interactiveBody
	if err := json.NewDecoder(io.LimitReader(r.Body, 1024)).Decode(&body); err != nil || body.Interactive == nil {
		Error(w, http.StatusBadRequest, `expected {"interactive": true|false}`)
		return
	}
	h.device.SetInteractive(*body.Interactive)
	h.obs.LogInfo("device_interactive_changed", ports.Field{Key: "interactive", Value: *body.Interactive})
	JSON(w, http.StatusOK, map[string]bool{"interactive": *body.Interactive})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// Server runs the admin router on its own listener.
type Server struct {
	srv *http.Server
	obs ports.Observability
}

func NewServer(addr string, handler http.Handler, obs ports.Observability) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		obs: obs,
	}
}

// Start listens in the background. Listener errors are logged.
func (s *Server) Start() {
	go func() {
		s.obs.LogInfo("admin_listening", ports.Field{Key: "addr", Value: s.srv.Addr})
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.obs.LogError("admin_server_exited", err, ports.Field{Key: "addr", Value: s.srv.Addr})
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("admin shutdown: %w", err)
	}
	return nil
}
