// Package daemon implements the flowcounter daemon lifecycle.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/psaab/flowcounter/pkg/api"
	"github.com/psaab/flowcounter/pkg/config"
	"github.com/psaab/flowcounter/pkg/dataplane"
	"github.com/psaab/flowcounter/pkg/grpcapi"
	"github.com/psaab/flowcounter/pkg/iface"
	"github.com/psaab/flowcounter/pkg/logging"
	"github.com/psaab/flowcounter/pkg/pktgen"
	"github.com/psaab/flowcounter/pkg/port"
	"github.com/psaab/flowcounter/pkg/stats"
)

// Options configures the daemon.
type Options struct {
	ConfigFile string

	// Override, if set, is applied to the loaded configuration before it is
	// validated. Command-line flags use it.
	Override func(*config.Config)

	// Syslog, if set, receives the syslog clients named in the configuration.
	Syslog *logging.SyslogHandler

	// Resolver maps interface names; nil uses netlink.
	Resolver iface.Resolver
}

// Daemon is the main flowcounter daemon.
type Daemon struct {
	opts   Options
	cfg    *config.Config
	ifaces *iface.Registry
	stats  *stats.Registry
	dp     *dataplane.Manager
}

// New creates a new Daemon.
func New(opts Options) *Daemon {
	if opts.ConfigFile == "" {
		opts.ConfigFile = config.DefaultPath
	}
	return &Daemon{opts: opts}
}

// Run starts the daemon and blocks until shutdown. Errors before the
// workers start (configuration, table memory, sockets) are returned and
// are fatal.
func (d *Daemon) Run(ctx context.Context) error {
	slog.Info("starting flowcounter daemon",
		"config", d.opts.ConfigFile,
		"pid", os.Getpid())

	cfg, err := d.loadConfig()
	if err != nil {
		return err
	}
	d.cfg = cfg

	if d.opts.Syslog != nil {
		applySyslogConfig(d.opts.Syslog, cfg)
	}

	d.ifaces = iface.NewRegistry(d.opts.Resolver)
	d.stats = stats.NewRegistry(cfg.Workers)
	d.dp, err = dataplane.New(dataplane.Config{
		Variant:        cfg.Variant,
		Cores:          cfg.Workers,
		Buckets:        cfg.Table.Buckets,
		SlotsPerBucket: cfg.Table.Depth,
		MemoryBudget:   uint64(cfg.Table.Memory),
		PipelineDepth:  cfg.Pipeline.Depth,
		BatchSize:      cfg.Pipeline.BatchSize,
		PinCPUs:        cfg.PinCPUs,
		Gates:          d.ifaces,
		Stats:          d.stats,
	})
	if err != nil {
		return fmt.Errorf("dataplane: %w", err)
	}
	if err := d.dp.Initialize(); err != nil {
		return fmt.Errorf("initialize dataplane: %w", err)
	}
	defer d.dp.Close()

	src, dst, closer, err := d.openPorts(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	// Handle signals for clean shutdown
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// WaitGroup for coordinated shutdown of background goroutines
	var wg sync.WaitGroup

	if cfg.APIAddr != "" {
		apiCfg := api.Config{
			Addr:       cfg.APIAddr,
			DP:         d.dp,
			Stats:      d.stats,
			Interfaces: d.ifaces,
			Auth:       cfg.APIAuth,
		}
		srv := api.NewServer(apiCfg)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Run(ctx); err != nil {
				slog.Error("HTTP API server failed", "err", err)
			}
		}()
	}

	if cfg.GRPCAddr != "" {
		srv := grpcapi.NewServer(cfg.GRPCAddr, grpcapi.Config{
			DP:         d.dp,
			Stats:      d.stats,
			Interfaces: d.ifaces,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Run(ctx); err != nil {
				slog.Error("gRPC server failed", "err", err)
			}
		}()
	}

	if cfg.StatsInterval > 0 {
		rep := stats.NewReporter(d.stats, d.dp.TableStats, cfg.StatsInterval)
		wg.Add(1)
		go func() {
			defer wg.Done()
			rep.Run(ctx)
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.dp.Run(ctx, src, dst)
	}()

	var runErr error
	select {
	case err := <-errCh:
		if err != nil {
			runErr = fmt.Errorf("dataplane: %w", err)
		}
	case <-ctx.Done():
		slog.Info("signal received, shutting down")
		if err := <-errCh; err != nil {
			runErr = fmt.Errorf("dataplane: %w", err)
		}
	}

	// Cancel context to stop background goroutines, then wait for them.
	stop()
	wg.Wait()

	logFinalStats(d.stats, d.dp)
	slog.Info("shutdown complete")
	return runErr
}

// loadConfig reads the file (defaults when it does not exist), applies
// overrides and validates.
func (d *Daemon) loadConfig() (*config.Config, error) {
	var cfg *config.Config
	data, err := os.ReadFile(d.opts.ConfigFile)
	switch {
	case errors.Is(err, os.ErrNotExist):
		slog.Warn("config file not found, using defaults", "file", d.opts.ConfigFile)
		cfg = config.Defaults()
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if cfg, err = config.Decode(data); err != nil {
			return nil, err
		}
		slog.Info("configuration loaded", "file", d.opts.ConfigFile)
	}
	if d.opts.Override != nil {
		d.opts.Override(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openPorts enables counting on the configured interfaces and opens the
// packet source and sink.
func (d *Daemon) openPorts(cfg *config.Config) (dataplane.Source, dataplane.Sink, io.Closer, error) {
	switch cfg.Source {
	case config.SourceSynthetic:
		d.ifaces.SetIndex(cfg.Synthetic.Ifindex, "synthetic", true)
		src, err := pktgen.NewSource(cfg.Synthetic.Flows, cfg.Workers, cfg.Synthetic.Ifindex)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("synthetic source: %w", err)
		}
		slog.Info("synthetic traffic source", "flows", cfg.Synthetic.Flows, "ifindex", cfg.Synthetic.Ifindex)
		return src, &pktgen.Discard{}, closeFunc(func() error { return nil }), nil

	default:
		for _, name := range cfg.Interfaces {
			if err := d.ifaces.Enable(name); err != nil {
				return nil, nil, nil, fmt.Errorf("interface %s: %w", name, err)
			}
		}
		var ifcs []port.Interface
		for _, l := range d.ifaces.List() {
			ifcs = append(ifcs, port.Interface{Name: l.Name, Index: l.Index})
		}
		p, err := port.Open(port.Config{
			Interfaces: ifcs,
			Cores:      cfg.Workers,
			BatchSize:  cfg.Pipeline.BatchSize,
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open ports: %w", err)
		}
		return p, p, p, nil
	}
}

type closeFunc func() error

func (f closeFunc) Close() error { return f() }

// logFinalStats logs the counter totals before shutdown.
func logFinalStats(reg *stats.Registry, dp *dataplane.Manager) {
	t := reg.Totals()
	var flows uint64
	for _, st := range dp.TableStats() {
		flows += st.Entries
	}
	slog.Info("final statistics",
		"packets", t.Packets,
		"new_flows", t.NewFlows,
		"flows", flows,
		"malformed", t.Malformed,
		"dropped", t.Dropped,
		"bypassed", t.Bypassed,
		"batches", t.Batches)
}

// applySyslogConfig constructs syslog clients from the config and hands
// them to the log handler.
func applySyslogConfig(h *logging.SyslogHandler, cfg *config.Config) {
	var clients []*logging.SyslogClient
	for _, s := range cfg.Syslog {
		client, err := logging.NewSyslogClient(s.Protocol, s.Address)
		if err != nil {
			slog.Warn("failed to create syslog client", "addr", s.Address, "err", err)
			continue
		}
		client.Facility = logging.ParseFacility(s.Facility)
		client.MinSeverity = logging.ParseSeverity(s.Severity)
		slog.Info("syslog configured", "addr", s.Address, "protocol", s.Protocol, "severity", s.Severity)
		clients = append(clients, client)
	}
	h.SetClients(clients)
}
