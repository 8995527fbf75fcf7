// flowcounterd is the flow counting dataplane daemon.
//
// It receives packets on one worker per core, counts every IPv4 flow in a
// per-core table, and reflects each packet back out its ingress interface.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/psaab/flowcounter/pkg/config"
	"github.com/psaab/flowcounter/pkg/daemon"
	"github.com/psaab/flowcounter/pkg/logging"
	"github.com/psaab/flowcounter/pkg/pipeline"
)

func main() {
	configFile := flag.String("config", config.DefaultPath, "configuration file path")
	apiAddr := flag.String("api-addr", "127.0.0.1:8080", "HTTP API listen address (empty to disable)")
	grpcAddr := flag.String("grpc-addr", "127.0.0.1:50051", "gRPC API listen address (empty to disable)")
	workers := flag.Int("workers", 0, "worker count (default: config file, else one per CPU)")
	variant := flag.String("variant", "", "counting variant: "+strings.Join(pipeline.VariantNames(), ", "))
	source := flag.String("source", "", "packet source: afpacket or synthetic")
	ifaces := flag.String("interfaces", "", "comma-separated interfaces to count on")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	// Set up structured logging
	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	handler := logging.NewSyslogHandler(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	defer handler.Close()
	slog.SetDefault(slog.New(handler))

	// Flags given on the command line override the file.
	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	override := func(cfg *config.Config) {
		if set["api-addr"] {
			cfg.APIAddr = *apiAddr
		}
		if set["grpc-addr"] {
			cfg.GRPCAddr = *grpcAddr
		}
		if set["workers"] {
			cfg.Workers = *workers
		}
		if set["variant"] {
			cfg.Variant = *variant
		}
		if set["source"] {
			cfg.Source = *source
		}
		if set["interfaces"] {
			cfg.Interfaces = strings.Split(*ifaces, ",")
		}
	}

	d := daemon.New(daemon.Options{
		ConfigFile: *configFile,
		Override:   override,
		Syslog:     handler,
	})

	if err := d.Run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "flowcounterd: %v\n", err)
		handler.Close()
		os.Exit(1)
	}
}
