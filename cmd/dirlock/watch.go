package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mirkobrombin/go-dirlock/v1/lock"
	"github.com/mirkobrombin/go-dirlock/v1/watchbus"
)

// snapshot is the state of a namespace as streamed by the watch command.
type snapshot struct {
	Namespace string       `json:"namespace"`
	Time      time.Time    `json:"time"`
	Holder    *int         `json:"holder"`
	Tickets   []ticketView `json:"tickets"`
}

type ticketView struct {
	ID    int     `json:"id"`
	Age   float64 `json:"age_seconds"`
	Stale bool    `json:"stale"`
}

func newSnapshot(ns lock.Namespace, now time.Time, tickets []lock.Ticket, reaper *lock.Reaper) snapshot {
	s := snapshot{Namespace: ns.String(), Time: now, Tickets: make([]ticketView, 0, len(tickets))}
	for _, t := range tickets {
		s.Tickets = append(s.Tickets, ticketView{
			ID:    t.ID,
			Age:   now.Sub(t.ModTime).Seconds(),
			Stale: reaper.Stale(now, t),
		})
	}
	if len(tickets) > 0 {
		id := tickets[0].ID
		s.Holder = &id
	}
	return s
}

func (s snapshot) ids() []int {
	ids := make([]int, len(s.Tickets))
	for i, t := range s.Tickets {
		ids[i] = t.ID
	}
	return ids
}

func newWatchCmd(a *app) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream the tickets of a lock as JSON",
		Long: `watch prints a JSON snapshot of the tickets of --path every time the set
of tickets changes, until interrupted. The lowest ticket is reported as the
holder. With --listen the snapshots are also served over Server-Sent Events
on /events and over WebSocket on /ws. Tickets are never reaped.`,
		Args: cobra.NoArgs,
	}
	cmd.Flags().StringVar(&listen, "listen", "", "serve the snapshots on this address")

	cmd.RunE = a.runE(func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		fs := afero.NewOsFs()
		ns, err := lock.ResolveNamespace(fs, a.cfg.Path)
		if err != nil {
			return err
		}
		feed := watchbus.NewInMemory()
		if listen != "" {
			if err := a.serveWatch(listen, feed, ns.Key()); err != nil {
				return err
			}
		}

		var wake <-chan struct{}
		bus, err := a.bus()
		if err != nil {
			return err
		}
		if bus != nil {
			if wake, err = bus.Subscribe(ctx, ns.Key()); err != nil {
				a.log.Warn("release notifications unavailable", zap.Error(err))
			}
		}

		store := lock.NewTicketStore(fs, ns)
		w := &watcher{
			store:  store,
			reaper: lock.NewReaper(store, a.cfg.Timeout, a.slogger()),
			clock:  a.referenceClock(fs, ns),
			feed:   feed,
			key:    ns.Key(),
			enc:    json.NewEncoder(cmd.OutOrStdout()),
		}
		ticker := time.NewTicker(a.cfg.PollInterval)
		defer ticker.Stop()
		for {
			if err := w.scan(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			case _, ok := <-wake:
				if !ok {
					wake = nil
				}
			}
		}
	})
	return cmd
}

type watcher struct {
	store  *lock.TicketStore
	reaper *lock.Reaper
	clock  lock.Clock
	feed   watchbus.WatchBus
	key    string
	enc    *json.Encoder
	last   []int
	seen   bool
}

// scan publishes a snapshot when the set of tickets differs from the last
// one published.
func (w *watcher) scan(ctx context.Context) error {
	now, err := w.clock.Now(ctx)
	if err != nil {
		return err
	}
	tickets, err := w.store.List()
	if err != nil {
		return err
	}
	s := newSnapshot(w.store.Namespace(), now, tickets, w.reaper)
	if w.seen && slices.Equal(s.ids(), w.last) {
		return nil
	}
	w.seen, w.last = true, s.ids()

	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	if err := w.feed.Publish(ctx, w.key, data); err != nil {
		return err
	}
	return w.enc.Encode(s)
}

func (a *app) serveWatch(addr string, feed watchbus.WatchBus, key string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("watch listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/events", watchbus.SSEHandler(feed, key))
	mux.Handle("/ws", watchbus.WebSocketHandler(feed, key))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Warn("watch server stopped", zap.Error(err))
		}
	}()
	a.log.Info("serving ticket snapshots", zap.String("addr", ln.Addr().String()))
	// streams never go idle, so close instead of a graceful shutdown
	a.closers = append(a.closers, srv.Close)
	return nil
}
