//go:build linux

package machine

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// tickInterval is the periodic interrupt period spec.md §4.7 mandates:
// roughly 1ms, delivered via a POSIX interval timer.
const tickInterval = time.Millisecond

// ArmPeriodicInterrupt installs an empty SIGALRM handler (so the signal
// doesn't terminate the process) and arms ITIMER_REAL to fire every
// tickInterval. The signal lands on whichever OS thread is executing
// KVM_RUN at delivery time, so the ioctl returns EINTR and RunOnce sees
// ExitINTR -- no second goroutine or LockOSThread juggling required.
func ArmPeriodicInterrupt() (stop func(), err error) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGALRM)

	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-sigCh:
			case <-done:
				return
			}
		}
	}()

	it := unix.Itimerval{
		Interval: unix.NsecToTimeval(tickInterval.Nanoseconds()),
		Value:    unix.NsecToTimeval(tickInterval.Nanoseconds()),
	}

	if err := unix.Setitimer(unix.ITIMER_REAL, &it, nil); err != nil {
		signal.Stop(sigCh)
		close(done)

		return nil, fmt.Errorf("setitimer: %w", err)
	}

	stop = func() {
		zero := unix.Itimerval{}
		_ = unix.Setitimer(unix.ITIMER_REAL, &zero, nil)
		signal.Stop(sigCh)
		close(done)
	}

	return stop, nil
}
