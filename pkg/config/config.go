// Package config loads the flowcounterd configuration file.
//
// The file is YAML. Every key is optional; Defaults returns the values the
// daemon uses when the file (or a key in it) is absent, and command-line
// flags override both.
package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/psaab/flowcounter/pkg/flowtable"
	"github.com/psaab/flowcounter/pkg/pipeline"
)

// Packet sources.
const (
	SourceAFPacket  = "afpacket" // default
	SourceSynthetic = "synthetic"
)

// DefaultPath is where flowcounterd looks for its configuration.
const DefaultPath = "/etc/flowcounter/flowcounter.yaml"

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the daemon configuration.
type Config struct {
	Variant       string          `yaml:"variant"`
	Workers       int             `yaml:"workers"`
	PinCPUs       bool            `yaml:"pin-cpus"`
	Table         TableConfig     `yaml:"table"`
	Pipeline      PipelineConfig  `yaml:"pipeline"`
	Interfaces    []string        `yaml:"interfaces"`
	Source        string          `yaml:"source"`
	Synthetic     SyntheticConfig `yaml:"synthetic"`
	APIAddr       string          `yaml:"api-addr"`
	APIAuth       *AuthConfig     `yaml:"api-auth"`
	GRPCAddr      string          `yaml:"grpc-addr"`
	StatsInterval time.Duration   `yaml:"stats-interval"`
	Syslog        []SyslogConfig  `yaml:"syslog"`
}

// TableConfig sizes each per-core flow table.
type TableConfig struct {
	Buckets uint32   `yaml:"buckets"` // 0 = variant default
	Depth   int      `yaml:"depth"`   // slots per bucket
	Memory  ByteSize `yaml:"memory"`  // budget per table
}

// PipelineConfig tunes the batch engine.
type PipelineConfig struct {
	Depth     int `yaml:"depth"` // 0 = variant default
	BatchSize int `yaml:"batch-size"`
}

// SyntheticConfig drives the built-in traffic generator.
type SyntheticConfig struct {
	Flows   int    `yaml:"flows"`
	Ifindex uint32 `yaml:"ifindex"`
}

// AuthConfig protects the HTTP API. Absent means no authentication.
type AuthConfig struct {
	Users   map[string]string `yaml:"users"` // username -> password
	APIKeys []string          `yaml:"api-keys"`
}

// SyslogConfig forwards daemon logs to a remote collector.
type SyslogConfig struct {
	Address  string `yaml:"address"`  // host:port
	Protocol string `yaml:"protocol"` // udp (default) or tcp
	Facility string `yaml:"facility"` // user, daemon, local0-7; default local0
	Severity string `yaml:"severity"` // error, warning, info, debug; empty = all
}

// Defaults returns the configuration used when no file is present.
func Defaults() *Config {
	return &Config{
		Variant: pipeline.VariantFlowCounter,
		Workers: runtime.NumCPU(),
		Table: TableConfig{
			Depth:  flowtable.DefaultDepth,
			Memory: 1 << 30,
		},
		Pipeline: PipelineConfig{
			BatchSize: pipeline.DefaultBatchSize,
		},
		Source: SourceAFPacket,
		Synthetic: SyntheticConfig{
			Flows:   1024,
			Ifindex: 1,
		},
		APIAddr:       "127.0.0.1:8080",
		GRPCAddr:      "127.0.0.1:50051",
		StatsInterval: 10 * time.Second,
	}
}

// Load reads path on top of Defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of Defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg, err := Decode(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode decodes YAML on top of Defaults without validating, so callers
// can apply overrides first.
func Decode(data []byte) (*Config, error) {
	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Validate checks ranges and fills variant-dependent defaults.
func (c *Config) Validate() error {
	v, err := pipeline.LookupVariant(c.Variant)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	c.Variant = v.Name
	if c.Table.Buckets == 0 {
		c.Table.Buckets = v.Buckets
	}
	if c.Pipeline.Depth == 0 {
		c.Pipeline.Depth = v.PipelineDepth
	}

	switch {
	case c.Workers < 1:
		return fmt.Errorf("%w: workers must be at least 1, got %d", ErrInvalid, c.Workers)
	case c.Table.Buckets&(c.Table.Buckets-1) != 0:
		return fmt.Errorf("%w: table.buckets must be a power of two, got %d", ErrInvalid, c.Table.Buckets)
	case c.Table.Depth < 1 || c.Table.Depth > flowtable.MaxDepth:
		return fmt.Errorf("%w: table.depth must be 1..%d, got %d", ErrInvalid, flowtable.MaxDepth, c.Table.Depth)
	case uint64(c.Table.Memory) < uint64(c.Table.Buckets)*flowtable.BucketBytes(c.Table.Depth):
		return fmt.Errorf("%w: table.memory %s cannot hold %d buckets", ErrInvalid, c.Table.Memory, c.Table.Buckets)
	case c.Pipeline.Depth < 1 || c.Pipeline.Depth > pipeline.MaxDepth:
		return fmt.Errorf("%w: pipeline.depth must be 1..%d, got %d", ErrInvalid, pipeline.MaxDepth, c.Pipeline.Depth)
	case c.Pipeline.BatchSize < 1:
		return fmt.Errorf("%w: pipeline.batch-size must be positive, got %d", ErrInvalid, c.Pipeline.BatchSize)
	case c.StatsInterval < 0:
		return fmt.Errorf("%w: stats-interval must not be negative", ErrInvalid)
	}

	switch c.Source {
	case SourceAFPacket:
		if len(c.Interfaces) == 0 {
			return fmt.Errorf("%w: source %s needs at least one interface", ErrInvalid, c.Source)
		}
	case SourceSynthetic:
		if c.Synthetic.Flows < 1 {
			return fmt.Errorf("%w: synthetic.flows must be positive, got %d", ErrInvalid, c.Synthetic.Flows)
		}
	default:
		return fmt.Errorf("%w: unknown source %q (valid: %s, %s)", ErrInvalid, c.Source, SourceAFPacket, SourceSynthetic)
	}

	if a := c.APIAuth; a != nil && len(a.Users) == 0 && len(a.APIKeys) == 0 {
		return fmt.Errorf("%w: api-auth needs at least one user or api key", ErrInvalid)
	}

	for _, s := range c.Syslog {
		if s.Address == "" {
			return fmt.Errorf("%w: syslog entry without address", ErrInvalid)
		}
		if s.Protocol != "" && s.Protocol != "udp" && s.Protocol != "tcp" {
			return fmt.Errorf("%w: syslog %s: unknown protocol %q", ErrInvalid, s.Address, s.Protocol)
		}
	}
	return nil
}

// ByteSize is a byte count that accepts K, M and G suffixes (powers of
// 1024) in YAML, e.g. "512M" or "1G".
type ByteSize uint64

// ParseByteSize parses a byte count with an optional suffix.
func ParseByteSize(s string) (ByteSize, error) {
	s = strings.TrimSpace(s)
	u := strings.ToUpper(s)
	u = strings.TrimSuffix(u, "IB")
	u = strings.TrimSuffix(u, "B")

	mult := uint64(1)
	if n := len(u); n > 0 {
		switch u[n-1] {
		case 'K':
			mult = 1 << 10
		case 'M':
			mult = 1 << 20
		case 'G':
			mult = 1 << 30
		}
		if mult != 1 {
			u = u[:n-1]
		}
	}
	n, err := strconv.ParseUint(u, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	if n > (1<<64-1)/mult {
		return 0, fmt.Errorf("size %q overflows", s)
	}
	return ByteSize(n * mult), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	v, err := ParseByteSize(value.Value)
	if err != nil {
		return err
	}
	*b = v
	return nil
}

func (b ByteSize) String() string {
	switch {
	case b >= 1<<30 && b%(1<<30) == 0:
		return fmt.Sprintf("%dG", b>>30)
	case b >= 1<<20 && b%(1<<20) == 0:
		return fmt.Sprintf("%dM", b>>20)
	case b >= 1<<10 && b%(1<<10) == 0:
		return fmt.Sprintf("%dK", b>>10)
	}
	return strconv.FormatUint(uint64(b), 10)
}
