package agentsdk

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/agent-sdk/agentsdk-go/internal/config"
)

// Option configures a Client at construction time. Options override
// whatever NewClient resolved from AGENTSDK_* environment variables;
// WithConfigFile is the exception and only fills fields still unset.
type Option func(*Client)

// WithServerPath sets the CLI server executable to spawn. Mutually
// exclusive with WithServerAddr.
func WithServerPath(path string, args ...string) Option {
	return func(c *Client) {
		c.cfg.ServerPath = path
		c.cfg.ServerArgs = args
	}
}

// WithServerAddr attaches to an already-running CLI server at addr
// ("host:port") instead of spawning one. Mutually exclusive with
// WithServerPath.
func WithServerAddr(addr string) Option {
	return func(c *Client) { c.cfg.ServerAddr = addr }
}

// WithSpawnTimeout bounds how long Start waits for a spawned server to
// become reachable.
func WithSpawnTimeout(d time.Duration) Option {
	return func(c *Client) { c.cfg.SpawnTimeout = d }
}

// WithRequestTimeout sets the default per-request deadline applied when a
// caller's context has no deadline of its own.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) { c.cfg.RequestTimeout = d }
}

// WithConfigFile overlays Client configuration with settings resolved from
// a YAML file (gopkg.in/yaml.v3, via viper), filling in whatever
// AGENTSDK_* environment variables left unset. Place it before any Option
// that should win over the file's values — Options apply in the order
// passed to NewClient, and a later Option always overrides an earlier one.
func WithConfigFile(path string) Option {
	return func(c *Client) {
		if c.optErr != nil {
			return
		}
		fileCfg, err := config.LoadPartial(path)
		if err != nil {
			c.optErr = fmt.Errorf("agentsdk: load config file %s: %w", path, err)
			return
		}
		c.cfg.Overlay(fileCfg)
	}
}

// WithMaxFrameSize overrides the inbound frame-size ceiling.
func WithMaxFrameSize(n int64) Option {
	return func(c *Client) { c.cfg.MaxFrameSize = n }
}

// WithAutoRestart enables or disables the single-retry reconnect policy.
func WithAutoRestart(enabled bool) Option {
	return func(c *Client) { c.cfg.AutoRestart = enabled }
}

// WithDedupWindow enables content-hash deduplication of notifications
// redelivered across a reconnect race.
func WithDedupWindow(d time.Duration) Option {
	return func(c *Client) { c.cfg.DedupWindow = d }
}

// WithLogger attaches a structured logger used by the Client and by the
// rpc engines it creates. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetricsRegisterer registers Prometheus metrics against reg instead of
// the private registry NewClient otherwise creates for each Client. Pass
// this when the host already owns a *prometheus.Registry it scrapes.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(c *Client) { c.metricsReg = reg }
}

// WithTracerProvider wires an OpenTelemetry TracerProvider for spans around
// outbound requests and inbound tool/permission dispatch. Defaults to a
// stdout exporter.
func WithTracerProvider(provider trace.TracerProvider) Option {
	return func(c *Client) { c.tracerProvider = provider }
}

// WithHistoryCache enables Session.GetHistory's optional read-through cache,
// off by default. See SPEC_FULL.md's supplemented-features section.
func WithHistoryCache(enabled bool) Option {
	return func(c *Client) { c.historyCache = enabled }
}
