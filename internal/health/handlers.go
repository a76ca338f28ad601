package health

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/noah-isme/quote-composer/internal/common"
)

const defaultProbeTimeout = 500 * time.Millisecond

var ready atomic.Bool

func init() { ready.Store(true) }

// SetReady toggles readiness. The API flips it to false before draining on shutdown.
func SetReady(v bool) { ready.Store(v) }

// IsReady reports the current readiness flag.
func IsReady() bool { return ready.Load() }

// Probe is one named dependency check.
type Probe struct {
	Name    string
	Timeout time.Duration
	Check   func(ctx context.Context) error
}

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Postgres probes a database pool.
func Postgres(p Pinger, timeout time.Duration) Probe {
	return Probe{Name: "db", Timeout: timeout, Check: func(ctx context.Context) error {
		if p == nil {
			return errNotConfigured
		}
		return p.Ping(ctx)
	}}
}

// Redis probes a redis client.
func Redis(client *redis.Client, timeout time.Duration) Probe {
	return Probe{Name: "redis", Timeout: timeout, Check: func(ctx context.Context) error {
		if client == nil {
			return errNotConfigured
		}
		return client.Ping(ctx).Err()
	}}
}

// Handler exposes HTTP handlers for health endpoints.
type Handler struct {
	Probes []Probe
}

// Live reports liveness status.
func (h Handler) Live(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Ready runs every probe and answers 503 when any fails or the process is draining.
func (h Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if !IsReady() {
		common.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "shutting_down"})
		return
	}
	status := make(map[string]string, len(h.Probes))
	healthy := true
	for _, probe := range h.Probes {
		if err := run(r.Context(), probe); err != nil {
			status[probe.Name] = err.Error()
			healthy = false
			continue
		}
		status[probe.Name] = "ok"
	}
	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	common.JSON(w, code, status)
}

func run(ctx context.Context, probe Probe) error {
	timeout := probe.Timeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return probe.Check(ctx)
}

type probeError string

func (e probeError) Error() string { return string(e) }

const errNotConfigured = probeError("not configured")
