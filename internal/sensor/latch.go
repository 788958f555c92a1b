package sensor

import "sync/atomic"

// TriggerLatch is the single-producer/single-consumer flag between a
// hardware edge callback and the scheduler tick. The callback's only
// permitted side effect is Signal — it runs on the GPIO event
// goroutine and must not block, allocate meaningfully, or perform I/O.
// The scheduler consumes the flag with TakeAndClear on its next tick.
type TriggerLatch struct {
	fired atomic.Bool
}

// NewTriggerLatch returns an unarmed latch.
func NewTriggerLatch() *TriggerLatch {
	return &TriggerLatch{}
}

// Signal latches the trigger. Safe to call from an event handler at
// any time, including repeatedly.
func (l *TriggerLatch) Signal() {
	l.fired.Store(true)
}

// TakeAndClear consumes the latch: it reports whether the trigger has
// fired since the previous call and clears it in the same atomic step,
// so an edge arriving between the read and the clear is never lost.
func (l *TriggerLatch) TakeAndClear() bool {
	return l.fired.Swap(false)
}
