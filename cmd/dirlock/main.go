// Command dirlock holds a directory lock around other commands and inspects
// the tickets of a lock namespace.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	dlerrors "github.com/mirkobrombin/go-dirlock/v1/errors"
	"github.com/mirkobrombin/go-dirlock/v1/lock"
)

// exitTempFail is EX_TEMPFAIL from sysexits.h, returned when the lock could
// not be acquired in time.
const exitTempFail = 75

func main() {
	os.Exit(run())
}

func run() int {
	// SIGINT cancels gracefully: a pending attempt removes its ticket and a
	// running child is killed before the lock is released. SIGTERM sweeps
	// the held locks and exits at once.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	stop := lock.SweepOnSignal(context.Background(), lock.DefaultRegistry, os.Exit, syscall.SIGTERM)
	defer stop()
	defer lock.ReleaseAll()

	err := newRootCmd().ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "dirlock:", err)
	}
	return exitCode(err)
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var xe *exec.ExitError
	switch {
	case errors.As(err, &xe):
		return xe.ExitCode()
	case errors.Is(err, dlerrors.ErrTimeout):
		return exitTempFail
	}
	return 1
}
