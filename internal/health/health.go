// Package health serves the liveness and readiness endpoints.
//
// /healthz answers 200 while the process can serve HTTP. /readyz runs every
// registered [Checker] concurrently and answers 503 when a required check
// fails. A failing optional check only marks the server "degraded": study
// generation may be down while voice sessions still work.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultTimeout bounds each readiness check.
const DefaultTimeout = 5 * time.Second

// Overall and per-check states reported in responses.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusFail     = "fail"
)

// Checker checks one dependency. Check must honour ctx.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error

	// Optional checks cannot make the server unready.
	Optional bool
}

// Pinger is implemented by stores that can verify their connection.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping returns a required [Checker] that calls p.Ping.
func Ping(name string, p Pinger) Checker {
	return Checker{Name: name, Check: p.Ping}
}

type report struct {
	Status  string            `json:"status"`
	Version string            `json:"version,omitempty"`
	Uptime  string            `json:"uptime,omitempty"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// Handler serves both endpoints. The checker list is fixed at construction.
type Handler struct {
	checkers []Checker
	timeout  time.Duration
	version  string
	started  time.Time
	log      *slog.Logger
}

// Option configures a [Handler].
type Option func(*Handler)

// WithTimeout overrides [DefaultTimeout].
func WithTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// WithVersion sets the build version reported by /healthz.
func WithVersion(v string) Option {
	return func(h *Handler) { h.version = v }
}

// WithLogger sets the logger used for failed checks.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// New creates a [Handler] for checkers.
func New(checkers []Checker, opts ...Option) *Handler {
	h := &Handler{
		checkers: append([]Checker(nil), checkers...),
		timeout:  DefaultTimeout,
		started:  time.Now(),
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Register adds GET /healthz and GET /readyz to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Healthz reports liveness with the build version and uptime.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, report{
		Status:  StatusOK,
		Version: h.version,
		Uptime:  time.Since(h.started).Round(time.Second).String(),
	})
}

// Readyz runs all checks and reports the aggregate.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks, status := h.run(r.Context())
	code := http.StatusOK
	if status == StatusFail {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, report{Status: status, Checks: checks})
}

// run evaluates every checker and folds the results into an overall status.
func (h *Handler) run(ctx context.Context) (map[string]string, string) {
	var (
		mu      sync.Mutex
		g       errgroup.Group
		checks  = make(map[string]string, len(h.checkers))
		overall = StatusOK
	)
	for _, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, h.timeout)
			defer cancel()
			start := time.Now()
			err := c.Check(cctx)

			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				checks[c.Name] = StatusOK
				return nil
			}
			checks[c.Name] = StatusFail + ": " + err.Error()
			h.log.Warn("health: check failed",
				"check", c.Name,
				"optional", c.Optional,
				"duration_ms", time.Since(start).Milliseconds(),
				"err", err,
			)
			switch {
			case !c.Optional:
				overall = StatusFail
			case overall == StatusOK:
				overall = StatusDegraded
			}
			return nil
		})
	}
	_ = g.Wait()
	return checks, overall
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
