package amqp10

import "sync/atomic"

// IDAllocator hands out session identifiers. Values start at 1 and are
// strictly increasing for the allocator's lifetime.
type IDAllocator struct {
	last atomic.Uint64
}

// NewIDAllocator creates an allocator whose first ID is 1.
func NewIDAllocator() *IDAllocator {
	return &IDAllocator{}
}

// Next returns the next identifier. Safe for concurrent use.
func (a *IDAllocator) Next() uint64 {
	return a.last.Add(1)
}

var defaultIDs = NewIDAllocator()

// DefaultIDAllocator returns the process-wide allocator used when a
// SessionManager is not given its own.
func DefaultIDAllocator() *IDAllocator {
	return defaultIDs
}
