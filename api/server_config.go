package api

import (
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
)

// HTTPServerConfig configures the escrow HTTP server.
type HTTPServerConfig struct {
	ListenAddr string
	// MetricsAddr disables the metrics listener when empty.
	MetricsAddr string
	EnablePprof bool
	Log         *slog.Logger

	// DrainDuration is how long /drain keeps the server unready before
	// load balancers are assumed to have noticed.
	DrainDuration            time.Duration
	GracefulShutdownDuration time.Duration
	ReadTimeout              time.Duration
	WriteTimeout             time.Duration

	// MaxBodyBytes bounds escrow request bodies. Zero selects the handler default.
	MaxBodyBytes int64
	// Clock stamps escrow records. Nil uses the wall clock.
	Clock clock.Clock
}
