package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mirkobrombin/go-dirlock/v1/lock"
)

func newTicketsCmd(a *app) *cobra.Command {
	var reap bool
	cmd := &cobra.Command{
		Use:   "tickets",
		Short: "List the tickets of a lock",
		Long: `tickets prints every ticket of the lock at --path with its age by the
reference clock. With --reap, tickets older than --timeout are deleted
first and only the survivors are printed.`,
		Args: cobra.NoArgs,
	}
	cmd.Flags().BoolVar(&reap, "reap", false, "delete stale tickets before listing")

	cmd.RunE = a.runE(func(cmd *cobra.Command, _ []string) error {
		fs := afero.NewOsFs()
		ns, err := lock.ResolveNamespace(fs, a.cfg.Path)
		if err != nil {
			return err
		}
		store := lock.NewTicketStore(fs, ns)
		now, err := a.referenceClock(fs, ns).Now(cmd.Context())
		if err != nil {
			return err
		}
		tickets, err := store.List()
		if err != nil {
			return err
		}
		reaper := lock.NewReaper(store, a.cfg.Timeout, a.slogger())
		if reap {
			before := len(tickets)
			tickets = reaper.Reap(now, tickets, -1)
			a.log.Info("reaped stale tickets",
				zap.Stringer("namespace", ns),
				zap.Int("removed", before-len(tickets)),
			)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tAGE\tSTALE\tPATH")
		for _, t := range tickets {
			fmt.Fprintf(w, "%06d\t%s\t%t\t%s\n",
				t.ID, now.Sub(t.ModTime).Round(time.Millisecond), reaper.Stale(now, t), t.Path)
		}
		return w.Flush()
	})
	return cmd
}
