package unvme

import "github.com/ehrlich-b/go-unvme/internal/constants"

// Re-export constants for public API
const (
	DefaultIOQueueDepth      = constants.DefaultIOQueueDepth
	DefaultAdminQueueDepth   = constants.DefaultAdminQueueDepth
	DefaultNumIOQueues       = constants.DefaultNumIOQueues
	DefaultNamespaceID       = constants.DefaultNamespaceID
	DefaultBatchRingCapacity = constants.DefaultBatchRingCapacity
	MaxQueueDepth            = constants.MaxQueueDepth
)
