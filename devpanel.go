// Package devpanel runs and supervises the servers of a local development
// stack (web servers, language runtimes, databases, caches) as one unit.
package devpanel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/devpanel/internal/bus"
	"github.com/loykin/devpanel/internal/config"
	"github.com/loykin/devpanel/internal/descriptor"
	"github.com/loykin/devpanel/internal/history"
	"github.com/loykin/devpanel/internal/history/factory"
	"github.com/loykin/devpanel/internal/metrics"
	"github.com/loykin/devpanel/internal/orchestrator"
	"github.com/loykin/devpanel/internal/server"
	"github.com/loykin/devpanel/internal/status"
	"github.com/loykin/devpanel/internal/tls"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Descriptor = descriptor.Descriptor

type Status = status.Status

type Event = status.Event

type Result = orchestrator.Result

type AggregateResult = orchestrator.AggregateResult

type UnitStatus = orchestrator.UnitStatus

type Orchestrator = orchestrator.Orchestrator

type Option = orchestrator.Option

type Config = config.FileConfig

type HistorySink = history.Sink

var (
	WithBus           = orchestrator.WithBus
	WithLogger        = orchestrator.WithLogger
	WithGlobalEnv     = orchestrator.WithGlobalEnv
	WithMaxParallel   = orchestrator.WithMaxParallel
	WithTailLines     = orchestrator.WithTailLines
	WithProbeInterval = orchestrator.WithProbeInterval
	WithOutput        = orchestrator.WithOutput
)

// New validates descs and returns an orchestrator with every server stopped.
func New(descs []Descriptor, opts ...Option) (*Orchestrator, error) {
	return orchestrator.New(descs, opts...)
}

// LoadConfig reads a configuration file (TOML, YAML or JSON).
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// RegisterMetrics registers the control panel metrics with r.
func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }

// NewHTTPServer returns an http.Server exposing the control API of o under
// basePath. The caller runs ListenAndServe.
func NewHTTPServer(addr, basePath string, o *Orchestrator, opts ...server.Option) *http.Server {
	return server.NewServer(addr, server.NewRouter(o, basePath, opts...))
}

// Panel is a fully assembled control panel: orchestrator, event bus and
// history recorder built from one configuration.
type Panel struct {
	Orchestrator *Orchestrator
	Bus          *bus.Bus
	log          *slog.Logger
	recorder     *history.Recorder
	path         string

	mu  sync.Mutex
	cfg *Config
}

// Open assembles a Panel from fc. No server is started.
func Open(fc *Config, log *slog.Logger) (*Panel, error) {
	if log == nil {
		log = slog.Default()
	}
	environ, err := fc.GlobalEnv()
	if err != nil {
		return nil, err
	}
	b := bus.New(bus.WithQueueSize(fc.Bus.QueueSize), bus.WithLogger(log))
	o, err := orchestrator.New(fc.Descriptors(),
		orchestrator.WithBus(b),
		orchestrator.WithLogger(log),
		orchestrator.WithGlobalEnv(environ),
		orchestrator.WithMaxParallel(fc.Orchestrator.MaxParallel),
		orchestrator.WithTailLines(fc.Orchestrator.TailLines),
		orchestrator.WithProbeInterval(fc.Orchestrator.ProbeInterval),
		orchestrator.WithOutput(fc.Output),
	)
	if err != nil {
		b.Close()
		return nil, err
	}
	p := &Panel{cfg: fc, path: fc.Path(), Orchestrator: o, Bus: b, log: log}

	if len(fc.History.Sinks) > 0 {
		sinks := make([]history.Sink, 0, len(fc.History.Sinks))
		for _, dsn := range fc.History.Sinks {
			s, err := factory.NewSinkFromDSN(dsn)
			if err != nil {
				// a missing analytics backend must not keep the stack down
				log.Warn("history sink disabled", "dsn", dsn, "error", err)
				continue
			}
			sinks = append(sinks, s)
		}
		if len(sinks) > 0 {
			p.recorder = history.NewRecorder(log, sinks...)
			p.recorder.SetTimeout(fc.History.Timeout)
			p.recorder.Attach(b)
		}
	}
	return p, nil
}

// RegisterMetrics registers the metrics plus a per-server resource collector.
func (p *Panel) RegisterMetrics(r prometheus.Registerer) error {
	if err := metrics.Register(r); err != nil {
		return err
	}
	err := r.Register(metrics.NewResourceCollector(p.Orchestrator.PIDs, p.log))
	var are prometheus.AlreadyRegisteredError
	if err != nil && !errors.As(err, &are) {
		return err
	}
	return nil
}

// Config returns the configuration currently in effect.
func (p *Panel) Config() *Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

func (p *Panel) setConfig(fc *Config) {
	p.mu.Lock()
	p.cfg = fc
	p.mu.Unlock()
}

// Reload re-reads the configuration file and applies the server set. It
// fails with orchestrator.ErrBusy while operations are in flight.
func (p *Panel) Reload(ctx context.Context) error {
	if p.path == "" {
		return errors.New("no configuration file to reload")
	}
	fc, err := config.Load(p.path)
	if err != nil {
		return err
	}
	if err := p.Orchestrator.Reload(ctx, fc.Descriptors()); err != nil {
		return err
	}
	p.setConfig(fc)
	return nil
}

// Watch reloads the server set whenever the configuration file changes,
// waiting for in-flight operations to finish first.
func (p *Panel) Watch(ctx context.Context) error {
	if p.path == "" {
		return errors.New("no configuration file to watch")
	}
	return config.Watch(p.path, p.log, func(fc *config.FileConfig, err error) {
		if err != nil {
			p.log.Error("config reload rejected", "error", err)
			return
		}
		if err := p.Orchestrator.ReloadWhenIdle(ctx, fc.Descriptors()); err != nil {
			p.log.Error("config reload failed", "error", err)
			return
		}
		p.setConfig(fc)
	})
}

// HTTPServer returns the API server configured by the [server] section.
// ctx bounds asynchronous aggregate operations started over HTTP. When
// [server.tls] is enabled TLSConfig is set and the caller should use
// ListenAndServeTLS("", "").
func (p *Panel) HTTPServer(ctx context.Context) (*http.Server, error) {
	sc := p.Config().Server
	tlsCfg, err := tls.Setup(sc.TLS)
	if err != nil {
		return nil, fmt.Errorf("server tls: %w", err)
	}
	r := server.NewRouter(p.Orchestrator, sc.BasePath,
		server.WithContext(ctx),
		server.WithLogger(p.log),
		server.WithMetrics(sc.Metrics),
		server.WithReload(p.Reload),
	)
	srv := server.NewServer(sc.Listen, r)
	srv.TLSConfig = tlsCfg
	return srv, nil
}

// Close stops every server, then the bus and the history sinks.
func (p *Panel) Close(ctx context.Context) error {
	err := p.Orchestrator.Close(ctx)
	if p.recorder != nil {
		if cerr := p.recorder.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("history: %w", cerr))
		}
	}
	p.Bus.Close()
	return err
}
