package constants

import "time"

// Default configuration constants
const (
	// DefaultIOQueueDepth is the default number of entries per I/O queue
	DefaultIOQueueDepth = 256

	// DefaultAdminQueueDepth is the default number of admin queue entries
	DefaultAdminQueueDepth = 32

	// DefaultNumIOQueues is the default number of I/O queue pairs
	DefaultNumIOQueues = 1

	// DefaultNamespaceID is the namespace used for I/O when none is given
	DefaultNamespaceID = 1

	// DefaultBatchRingCapacity is the number of outstanding batches tracked per queue
	DefaultBatchRingCapacity = 16

	// MaxQueueDepth caps queue depth independent of CAP.MQES
	MaxQueueDepth = 4096

	// HostPageSize is the memory page size programmed into CC.MPS
	HostPageSize = 4096
)

// Timing and retry constants for bring-up and admin commands
const (
	// ReadyPollInterval is the interval between CSTS.RDY polls
	ReadyPollInterval = 1 * time.Millisecond

	// MaxReadyPolls bounds CSTS polling independent of CAP.TO
	MaxReadyPolls = 20000

	// AdminCommandTimeout bounds a single interrupt wait for an admin completion
	AdminCommandTimeout = 2 * time.Second

	// AdminPollAttempts is the number of interrupt waits before an admin command is declared lost
	AdminPollAttempts = 5

	// ShutdownTimeout bounds the CC.SHN handshake
	ShutdownTimeout = 5 * time.Second

	// LostAfterDrains is how many completion drains may pass after the
	// controller fetched an I/O command before it is declared lost
	LostAfterDrains = 32
)

// Memory allocation constants
const (
	// IdentifyDataSize is the size of every Identify data structure
	IdentifyDataSize = 4096

	// MaxTransferPages bounds a single command's PRP list
	MaxTransferPages = HostPageSize / 8
)
