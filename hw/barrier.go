package hw

import "sync/atomic"

// barrierDummy is used for atomic operations that provide memory barrier semantics.
// On x86-64, atomic.AddInt64 compiles to LOCK XADD which has full fence semantics.
var barrierDummy int64

// Sfence orders all prior stores (queue entries written into DMA memory)
// before any later store, in particular a doorbell register write.
func Sfence() {
	atomic.AddInt64(&barrierDummy, 0)
}

// Mfence issues a full memory fence equivalent. Used before reading a
// completion entry's payload after its phase bit was observed.
func Mfence() {
	atomic.AddInt64(&barrierDummy, 0)
}
