//go:build unix

package relock

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// Lifecycle maps terminal job control onto app states until ctx is done.
// Ctrl-Z (SIGTSTP) reports Background and then stops the process; fg/bg
// (SIGCONT) reports Active. handle runs before the process is stopped so the
// background timestamp is taken at suspend time.
func Lifecycle(ctx context.Context, handle func(AppState)) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTSTP, syscall.SIGCONT)
	defer signal.Stop(sigs)

	for {
		select {
		case <-ctx.Done():
			return
		case s := <-sigs:
			switch s {
			case syscall.SIGTSTP:
				handle(Background)
				_ = syscall.Kill(os.Getpid(), syscall.SIGSTOP)
			case syscall.SIGCONT:
				handle(Active)
			}
		}
	}
}
