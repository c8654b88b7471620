package admin

import (
	"time"

	"github.com/ehrlich-b/go-unvme/hw"
	"github.com/ehrlich-b/go-unvme/internal/constants"
	"github.com/ehrlich-b/go-unvme/internal/logging"
)

// State is the controller bring-up state as seen by the admin queue
type State int

const (
	StateDisabled   State = iota // CC.EN clear, CSTS.RDY clear
	StateConfigured              // admin queue registers programmed
	StateEnabled                 // CC.EN set, waiting for CSTS.RDY
	StateReady                   // CSTS.RDY set, admin commands accepted
)

func (s State) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateConfigured:
		return "configured"
	case StateEnabled:
		return "enabled"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// Config describes the controller the admin queue drives
type Config struct {
	Regs  hw.Registers
	Alloc hw.Allocator
	// Intr delivers vector 0. When nil, completions are polled.
	Intr   hw.Interrupts
	Depth  int
	Logger *logging.Logger

	ReadyPollInterval time.Duration
	MaxReadyPolls     int
	CommandTimeout    time.Duration // one wait for vector 0
	PollAttempts      int           // waits before a command is declared lost
	ShutdownTimeout   time.Duration
}

func (c *Config) setDefaults() {
	if c.Depth == 0 {
		c.Depth = constants.DefaultAdminQueueDepth
	}
	if c.Logger == nil {
		c.Logger = logging.Default()
	}
	if c.ReadyPollInterval <= 0 {
		c.ReadyPollInterval = constants.ReadyPollInterval
	}
	if c.MaxReadyPolls <= 0 {
		c.MaxReadyPolls = constants.MaxReadyPolls
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = constants.AdminCommandTimeout
	}
	if c.PollAttempts <= 0 {
		c.PollAttempts = constants.AdminPollAttempts
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = constants.ShutdownTimeout
	}
}

// FormatOptions selects the format applied by FormatNVM
type FormatOptions struct {
	LBAFormat   uint8
	SecureErase uint8 // SES: 0 none, 1 user data erase, 2 cryptographic erase
	// Confirm must be set; formatting destroys every block of the namespace
	Confirm bool
}
