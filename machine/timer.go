package machine

// PeriodicInterrupt arms a recurring timer that interrupts an in-flight
// KVM_RUN roughly every interval, causing RunOnce to observe ExitINTR
// and loop back around (spec.md §4.7). The returned stop function
// disarms the timer; it is safe to call at most once.
type PeriodicInterrupt func() (stop func(), err error)
