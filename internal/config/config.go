// Package config loads unvme-bench settings from YAML and maps them onto
// device parameters. Values missing from the file keep their defaults.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ehrlich-b/go-unvme"
	"github.com/ehrlich-b/go-unvme/emu"
	"github.com/ehrlich-b/go-unvme/internal/logging"
)

// Target modes
const (
	ModeEmu = "emu"
	ModePCI = "pci"
)

// Workloads run by the CLI
const (
	WorkloadVerify   = "verify"
	WorkloadBatch    = "batch"
	WorkloadRandRead = "randread"
)

// Size is a byte count written as "64M", "1G" or a plain number
type Size int64

// UnmarshalYAML implements yaml.Unmarshaler
func (s *Size) UnmarshalYAML(node *yaml.Node) error {
	n, err := ParseSize(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*s = Size(n)
	return nil
}

type Config struct {
	Device DeviceConfig `yaml:"device"`
	Target TargetConfig `yaml:"target"`
	Log    LogConfig    `yaml:"log"`
	Bench  BenchConfig  `yaml:"bench"`

	// Listen is the address of the status and metrics server; empty disables it
	Listen string `yaml:"listen"`
}

type DeviceConfig struct {
	Queues          int    `yaml:"queues"`
	QueueDepth      int    `yaml:"queue_depth"`
	AdminQueueDepth int    `yaml:"admin_queue_depth"`
	Namespace       uint32 `yaml:"namespace"`
	BatchCapacity   int    `yaml:"batch_capacity"`
	BufferCache     int    `yaml:"buffer_cache"`

	Coalescing struct {
		Threshold int   `yaml:"threshold"`
		Time      uint8 `yaml:"time"`
	} `yaml:"coalescing"`

	CommandTimeout    time.Duration `yaml:"command_timeout"`
	PollAttempts      int           `yaml:"poll_attempts"`
	ReadyPollInterval time.Duration `yaml:"ready_poll_interval"`
	MaxReadyPolls     int           `yaml:"max_ready_polls"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	LostAfterDrains   int           `yaml:"lost_after_drains"`
}

// TargetConfig selects the controller: the emulator with memory or file
// media, or a real device through its PCI address.
type TargetConfig struct {
	Mode string `yaml:"mode"`

	// emulator
	Size            Size   `yaml:"size"`
	BlockSize       int    `yaml:"block_size"`
	File            string `yaml:"file"`
	MaxQueueEntries int    `yaml:"max_queue_entries"`
	MDTS            uint8  `yaml:"mdts"`
	MaxIOQueues     int    `yaml:"max_io_queues"`
	Vectors         int    `yaml:"vectors"`
	Serial          string `yaml:"serial"`

	// pci
	PCIAddr   string `yaml:"pci_addr"`
	BAR       string `yaml:"bar"`
	HugePages bool   `yaml:"huge_pages"`
}

type LogConfig struct {
	Level   string `yaml:"level"`
	Format  string `yaml:"format"`
	NoColor bool   `yaml:"no_color"`
}

type BenchConfig struct {
	Workload   string        `yaml:"workload"`
	Iterations int           `yaml:"iterations"`
	BatchSize  int           `yaml:"batch_size"`
	IOSize     Size          `yaml:"io_size"`
	Duration   time.Duration `yaml:"duration"`
	Workers    int           `yaml:"workers"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	p := unvme.DefaultParams()
	return &Config{
		Device: DeviceConfig{
			Queues:            p.NumQueues,
			QueueDepth:        p.QueueDepth,
			AdminQueueDepth:   p.AdminQueueDepth,
			Namespace:         p.NamespaceID,
			BatchCapacity:     p.BatchCapacity,
			BufferCache:       p.BufferCache,
			CommandTimeout:    p.CommandTimeout,
			PollAttempts:      p.PollAttempts,
			ReadyPollInterval: p.ReadyPollInterval,
			MaxReadyPolls:     p.MaxReadyPolls,
			ShutdownTimeout:   p.ShutdownTimeout,
			LostAfterDrains:   p.LostAfterDrains,
		},
		Target: TargetConfig{
			Mode:      ModeEmu,
			Size:      64 << 20,
			BlockSize: emu.DefaultBlockSize,
		},
		Log: LogConfig{Level: "info", Format: "text"},
		Bench: BenchConfig{
			Workload:   WorkloadVerify,
			Iterations: 1,
			BatchSize:  256,
			IOSize:     4096,
			Duration:   5 * time.Second,
			Workers:    4,
		},
	}
}

// Load reads path over Default. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Parse decodes YAML over Default and validates the result
func Parse(data []byte) (*Config, error) {
	c := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks the settings the driver does not check itself
func (c *Config) Validate() error {
	switch c.Target.Mode {
	case ModeEmu:
		if c.Target.BlockSize != 512 && c.Target.BlockSize != 4096 {
			return fmt.Errorf("target.block_size must be 512 or 4096, got %d", c.Target.BlockSize)
		}
		if c.Target.Size <= 0 || int64(c.Target.Size)%int64(c.Target.BlockSize) != 0 {
			return fmt.Errorf("target.size %d is not a positive multiple of the block size", c.Target.Size)
		}
	case ModePCI:
		if c.Target.PCIAddr == "" && c.Target.BAR == "" {
			return fmt.Errorf("target.pci_addr or target.bar is required in pci mode")
		}
	default:
		return fmt.Errorf("unknown target.mode %q", c.Target.Mode)
	}

	switch c.Bench.Workload {
	case WorkloadVerify, WorkloadBatch, WorkloadRandRead:
	default:
		return fmt.Errorf("unknown bench.workload %q", c.Bench.Workload)
	}
	if c.Bench.BatchSize < 1 {
		return fmt.Errorf("bench.batch_size must be positive")
	}
	if c.Bench.IOSize <= 0 {
		return fmt.Errorf("bench.io_size must be positive")
	}
	if c.Bench.Workers < 1 {
		return fmt.Errorf("bench.workers must be positive")
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// Params returns the device parameters described by the device section
func (c *Config) Params() unvme.DeviceParams {
	d := c.Device
	p := unvme.DefaultParams()
	p.NumQueues = d.Queues
	p.QueueDepth = d.QueueDepth
	p.AdminQueueDepth = d.AdminQueueDepth
	p.NamespaceID = d.Namespace
	p.BatchCapacity = d.BatchCapacity
	p.BufferCache = d.BufferCache
	p.CoalescingThreshold = d.Coalescing.Threshold
	p.CoalescingTime = d.Coalescing.Time
	p.CommandTimeout = d.CommandTimeout
	p.PollAttempts = d.PollAttempts
	p.ReadyPollInterval = d.ReadyPollInterval
	p.MaxReadyPolls = d.MaxReadyPolls
	p.ShutdownTimeout = d.ShutdownTimeout
	p.LostAfterDrains = d.LostAfterDrains
	return p
}

// EmuOptions returns emulator options for the target section. Media is left
// for the caller to open.
func (c *Config) EmuOptions() *emu.Options {
	t := c.Target
	vectors := t.Vectors
	// one vector per I/O queue plus the admin queue
	if vectors == 0 && c.Device.Queues+1 > emu.DefaultVectors {
		vectors = c.Device.Queues + 1
	}
	maxIO := t.MaxIOQueues
	if maxIO == 0 && c.Device.Queues > emu.DefaultMaxIOQueues {
		maxIO = c.Device.Queues
	}
	return &emu.Options{
		BlockSize:       t.BlockSize,
		MaxQueueEntries: t.MaxQueueEntries,
		MDTS:            t.MDTS,
		MaxIOQueues:     maxIO,
		Vectors:         vectors,
		Serial:          t.Serial,
	}
}

// LogConfig returns the logger configuration of the log section
func (c *Config) LogConfig() *logging.Config {
	lc := logging.DefaultConfig()
	lc.Level = logging.ParseLevel(c.Log.Level)
	lc.Format = c.Log.Format
	lc.NoColor = c.Log.NoColor
	return lc
}

// ParseSize parses a size string like "64M", "1G", "512K"
func ParseSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.TrimSuffix(s, "B")

	var multiplier int64 = 1
	switch {
	case strings.HasSuffix(s, "K"):
		multiplier = 1 << 10
	case strings.HasSuffix(s, "M"):
		multiplier = 1 << 20
	case strings.HasSuffix(s, "G"):
		multiplier = 1 << 30
	case strings.HasSuffix(s, "T"):
		multiplier = 1 << 40
	}
	if multiplier != 1 {
		s = s[:len(s)-1]
	}

	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	if num < 0 {
		return 0, fmt.Errorf("negative size %d", num)
	}
	return num * multiplier, nil
}

// FormatSize formats a byte count as a human-readable string
func FormatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	units := []string{"K", "M", "G", "T"}
	return fmt.Sprintf("%.1f %sB", float64(bytes)/float64(div), units[exp])
}
