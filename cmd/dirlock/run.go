package main

import (
	"context"
	"os/exec"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mirkobrombin/go-dirlock/v1/lock"
)

func newRunCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [flags] -- command [args...]",
		Short: "Run a command while holding the lock",
		Long: `run acquires the lock of --path, runs the command with the inherited
standard streams and releases the lock when the command exits. The exit
status of the command becomes the exit status of dirlock.`,
		Args: cobra.MinimumNArgs(1),
	}
	cmd.RunE = a.runE(func(cmd *cobra.Command, args []string) error {
		opts, err := a.lockOptions()
		if err != nil {
			return err
		}
		l, err := lock.NewFileLocker(a.cfg.Path, opts...)
		if err != nil {
			return err
		}
		a.log.Debug("waiting for lock",
			zap.Stringer("namespace", l.Namespace()),
			zap.Duration("timeout", l.Timeout()),
		)
		return l.Do(cmd.Context(), func(ctx context.Context) error {
			a.log.Info("lock acquired",
				zap.Stringer("namespace", l.Namespace()),
				zap.Int("ticket", l.TicketID()),
			)
			start := time.Now()
			child := exec.CommandContext(ctx, args[0], args[1:]...)
			child.Stdin = cmd.InOrStdin()
			child.Stdout = cmd.OutOrStdout()
			child.Stderr = cmd.ErrOrStderr()
			err := child.Run()
			a.log.Info("command finished",
				zap.String("command", args[0]),
				zap.Duration("held", time.Since(start)),
				zap.Error(err),
			)
			return err
		})
	})
	return cmd
}
