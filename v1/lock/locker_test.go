package lock

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"golang.org/x/sync/errgroup"

	dlerrors "github.com/mirkobrombin/go-dirlock/v1/errors"
	"github.com/mirkobrombin/go-dirlock/v1/metrics"
)

const testPoll = 20 * time.Millisecond

func newTestLocker(t *testing.T, path string, opts ...Option) *FileLocker {
	t.Helper()
	base := []Option{WithPollInterval(testPoll), WithTimeout(5 * time.Second), WithRegistry(NewRegistry())}
	l, err := NewFileLocker(path, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new locker: %v", err)
	}
	return l
}

func ticketFiles(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "locker.[0-9][0-9][0-9][0-9][0-9][0-9]"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	return matches
}

func seedTicket(t *testing.T, dir string, id int, mtime time.Time) string {
	t.Helper()
	p := filepath.Join(dir, TicketName(DefaultBaseName, id))
	if err := os.WriteFile(p, nil, 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := os.Chtimes(p, mtime, mtime); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	return p
}

func TestNewFileLockerMissingDirectory(t *testing.T) {
	_, err := NewFileLocker(filepath.Join(t.TempDir(), "missing", "results.npz"))
	if !errors.Is(err, dlerrors.ErrNoDirectory) {
		t.Fatalf("expected ErrNoDirectory, got %v", err)
	}
}

func TestNewFileLockerFileTarget(t *testing.T) {
	dir := t.TempDir()
	l := newTestLocker(t, filepath.Join(dir, "compMat_user1.npz"))
	ctx := context.Background()
	if err := l.Lock(ctx); err != nil {
		t.Fatalf("lock: %v", err)
	}
	defer func() { _ = l.Unlock() }()
	want := filepath.Join(dir, TicketName("compMat_user1.npz", l.TicketID()))
	if _, err := os.Stat(want); err != nil {
		t.Fatalf("expected ticket %s: %v", want, err)
	}
}

func TestSoloAcquisition(t *testing.T) {
	dir := t.TempDir()
	const poll = 100 * time.Millisecond
	l := newTestLocker(t, dir, WithPollInterval(poll))
	ctx := context.Background()

	start := time.Now()
	if err := l.Lock(ctx); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if elapsed := time.Since(start); elapsed >= 2*poll {
		t.Fatalf("solo acquisition took %v, more than one poll cycle", elapsed)
	}
	if !l.Locked() || l.State() != StateAcquired {
		t.Fatalf("expected acquired, got %v", l.State())
	}
	files := ticketFiles(t, dir)
	if len(files) != 1 || filepath.Base(files[0]) != TicketName(DefaultBaseName, l.TicketID()) {
		t.Fatalf("expected exactly our ticket, got %v", files)
	}

	if err := l.Unlock(); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if l.Locked() || l.TicketID() != -1 {
		t.Fatal("handle still reports the lock")
	}
	if files := ticketFiles(t, dir); len(files) != 0 {
		t.Fatalf("ticket left behind: %v", files)
	}
}

func TestLockTwiceFails(t *testing.T) {
	dir := t.TempDir()
	l := newTestLocker(t, dir)
	ctx := context.Background()
	if err := l.Lock(ctx); err != nil {
		t.Fatalf("lock: %v", err)
	}
	defer func() { _ = l.Unlock() }()
	before := ticketFiles(t, dir)

	if err := l.Lock(ctx); !errors.Is(err, dlerrors.ErrAlreadyLocked) {
		t.Fatalf("expected ErrAlreadyLocked, got %v", err)
	}
	after := ticketFiles(t, dir)
	if len(before) != 1 || len(after) != 1 || before[0] != after[0] {
		t.Fatalf("second lock touched the directory: %v -> %v", before, after)
	}
	if !l.Locked() {
		t.Fatal("failed second lock released the first")
	}
}

func TestUnlockWithoutLock(t *testing.T) {
	l := newTestLocker(t, t.TempDir())
	if err := l.Unlock(); !errors.Is(err, dlerrors.ErrNotLocked) {
		t.Fatalf("expected ErrNotLocked, got %v", err)
	}
}

func TestRelockAfterUnlock(t *testing.T) {
	l := newTestLocker(t, t.TempDir())
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := l.Lock(ctx); err != nil {
			t.Fatalf("lock %d: %v", i, err)
		}
		if err := l.Unlock(); err != nil {
			t.Fatalf("unlock %d: %v", i, err)
		}
	}
}

func TestTimeoutLeavesNoTicket(t *testing.T) {
	dir := t.TempDir()
	blocker := seedTicket(t, dir, 0, time.Now())
	l, err := NewFileLocker(dir, WithTimeout(time.Second), WithRegistry(NewRegistry()))
	if err != nil {
		t.Fatalf("new locker: %v", err)
	}

	before := testutil.ToFloat64(metrics.TimeoutCounter)
	start := time.Now()
	err = l.Lock(context.Background())
	elapsed := time.Since(start)

	if !errors.Is(err, dlerrors.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed < time.Second || elapsed > 2500*time.Millisecond {
		t.Fatalf("timed out after %v, want ~1-2s", elapsed)
	}
	files := ticketFiles(t, dir)
	if len(files) != 1 || files[0] != blocker {
		t.Fatalf("expected only the blocking ticket, got %v", files)
	}
	if l.State() != StateIdle || l.TicketID() != -1 {
		t.Fatalf("handle not reset: %v ticket %d", l.State(), l.TicketID())
	}
	if got := testutil.ToFloat64(metrics.TimeoutCounter) - before; got != 1 {
		t.Fatalf("timeout counter moved by %v", got)
	}
}

func TestTimeoutRemovesOwnTicket(t *testing.T) {
	dir := t.TempDir()
	// a lower ticket shows up right after ours is drawn and never goes away
	l := newTestLocker(t, dir, WithTimeout(300*time.Millisecond), WithTicketIDs(func() int {
		seedTicket(t, dir, 1, time.Now())
		return 500
	}))
	if err := l.Lock(context.Background()); !errors.Is(err, dlerrors.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	files := ticketFiles(t, dir)
	if len(files) != 1 || filepath.Base(files[0]) != TicketName(DefaultBaseName, 1) {
		t.Fatalf("own ticket left behind: %v", files)
	}
}

func TestStaleTicketReclaimed(t *testing.T) {
	dir := t.TempDir()
	stale := seedTicket(t, dir, 0, time.Now().Add(-time.Hour))
	l := newTestLocker(t, dir, WithTimeout(2*time.Second))

	if err := l.Lock(context.Background()); err != nil {
		t.Fatalf("lock: %v", err)
	}
	defer func() { _ = l.Unlock() }()
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("stale ticket not reclaimed: %v", err)
	}
}

func TestReferenceClockIsCached(t *testing.T) {
	var calls atomic.Int32
	clock := ClockFunc(func(context.Context) (time.Time, error) {
		calls.Add(1)
		return time.Now(), nil
	})
	dir := t.TempDir()
	seedTicket(t, dir, 3, time.Now())
	l := newTestLocker(t, dir, WithClock(clock), WithTimeout(200*time.Millisecond))
	_ = l.Lock(context.Background())
	if calls.Load() != 1 {
		t.Fatalf("clock read %d times, want once per attempt", calls.Load())
	}
}

func TestReferenceClockPerAttempt(t *testing.T) {
	var calls atomic.Int32
	clock := ClockFunc(func(context.Context) (time.Time, error) {
		calls.Add(1)
		return time.Now(), nil
	})
	l := newTestLocker(t, t.TempDir(), WithClock(clock))
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := l.Lock(ctx); err != nil {
			t.Fatalf("lock %d: %v", i, err)
		}
		if err := l.Unlock(); err != nil {
			t.Fatalf("unlock %d: %v", i, err)
		}
	}
	if calls.Load() != 2 {
		t.Fatalf("clock read %d times over two attempts, want 2", calls.Load())
	}
}

func TestReferenceClockDrivesReaping(t *testing.T) {
	dir := t.TempDir()
	// the ticket is fresh by local time but an hour old by the shared clock
	seedTicket(t, dir, 3, time.Now())
	future := time.Now().Add(time.Hour)
	clock := ClockFunc(func(context.Context) (time.Time, error) { return future, nil })
	l := newTestLocker(t, dir, WithClock(clock))
	if err := l.Lock(context.Background()); err != nil {
		t.Fatalf("lock: %v", err)
	}
	_ = l.Unlock()
}

func TestClockErrorAbortsLock(t *testing.T) {
	boom := errors.New("clock down")
	clock := ClockFunc(func(context.Context) (time.Time, error) { return time.Time{}, boom })
	l := newTestLocker(t, t.TempDir(), WithClock(clock))
	if err := l.Lock(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected clock error, got %v", err)
	}
	if l.State() != StateIdle {
		t.Fatalf("state %v after failure", l.State())
	}
}

func TestTieBreakLowestIDWins(t *testing.T) {
	dir := t.TempDir()
	aSawEmpty := make(chan struct{})
	bPicked := make(chan struct{})
	var aOnce, bOnce sync.Once

	a := newTestLocker(t, dir, WithTicketIDs(func() int {
		aOnce.Do(func() { close(aSawEmpty) })
		<-bPicked
		return 10
	}))
	b := newTestLocker(t, dir, WithTicketIDs(func() int {
		bOnce.Do(func() { close(bPicked) })
		return 20
	}))

	ctx := context.Background()
	aDone := make(chan error, 1)
	bDone := make(chan error, 1)
	go func() { aDone <- a.Lock(ctx) }()
	<-aSawEmpty
	go func() { bDone <- b.Lock(ctx) }()

	if err := <-aDone; err != nil {
		t.Fatalf("a lock: %v", err)
	}
	time.Sleep(10 * testPoll)
	if b.State() != StateAttempting || b.TicketID() != 20 {
		t.Fatalf("b should wait with ticket 20, got %v ticket %d", b.State(), b.TicketID())
	}

	if err := a.Unlock(); err != nil {
		t.Fatalf("a unlock: %v", err)
	}
	select {
	case err := <-bDone:
		if err != nil {
			t.Fatalf("b lock: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("b did not acquire after a released")
	}
	_ = b.Unlock()
}

func TestMutualExclusion(t *testing.T) {
	dir := t.TempDir()
	const workers = 6
	const rounds = 3

	handles := make([][]*FileLocker, workers)
	for w := range handles {
		for r := 0; r < rounds; r++ {
			handles[w] = append(handles[w], newTestLocker(t, dir, WithTimeout(30*time.Second)))
		}
	}

	var inside, maxInside, total atomic.Int32
	var g errgroup.Group
	for _, own := range handles {
		g.Go(func() error {
			for _, l := range own {
				err := l.Do(context.Background(), func(context.Context) error {
					n := inside.Add(1)
					for {
						m := maxInside.Load()
						if n <= m || maxInside.CompareAndSwap(m, n) {
							break
						}
					}
					total.Add(1)
					time.Sleep(2 * time.Millisecond)
					inside.Add(-1)
					return nil
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("worker: %v", err)
	}
	if maxInside.Load() != 1 {
		t.Fatalf("%d holders inside the critical section at once", maxInside.Load())
	}
	if total.Load() != workers*rounds {
		t.Fatalf("ran %d sections, want %d", total.Load(), workers*rounds)
	}
	if files := ticketFiles(t, dir); len(files) != 0 {
		t.Fatalf("tickets left behind: %v", files)
	}
}

func TestContextCancellation(t *testing.T) {
	dir := t.TempDir()
	seedTicket(t, dir, 0, time.Now())
	l := newTestLocker(t, dir)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := l.Lock(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if l.State() != StateIdle {
		t.Fatalf("state %v after cancellation", l.State())
	}
}

func TestTicketLost(t *testing.T) {
	fs := afero.NewMemMapFs()
	_ = fs.MkdirAll("/locks", 0o755)
	l := newTestLocker(t, "/locks", WithFs(fs), WithPollInterval(50*time.Millisecond), WithTicketIDs(func() int {
		go func() {
			// wait for the ticket to be created, then remove it as a peer would
			for i := 0; i < 100; i++ {
				if ok, _ := afero.Exists(fs, "/locks/locker.000077"); ok {
					_ = fs.Remove("/locks/locker.000077")
					return
				}
				time.Sleep(time.Millisecond)
			}
		}()
		return 77
	}))
	if err := l.Lock(context.Background()); !errors.Is(err, dlerrors.ErrTicketLost) {
		t.Fatalf("expected ErrTicketLost, got %v", err)
	}
}

func TestCreateFailureIsReturned(t *testing.T) {
	fs := afero.NewMemMapFs()
	_ = fs.MkdirAll("/locks", 0o755)
	l := newTestLocker(t, "/locks", WithFs(afero.NewReadOnlyFs(fs)), WithClock(ClockFunc(func(context.Context) (time.Time, error) {
		return time.Now(), nil
	})))
	err := l.Lock(context.Background())
	if err == nil {
		t.Fatal("expected create failure")
	}
	if errors.Is(err, dlerrors.ErrTimeout) {
		t.Fatalf("create failure must not be retried until timeout: %v", err)
	}
	if l.State() != StateIdle {
		t.Fatalf("state %v after failure", l.State())
	}
}

func TestLockRegistersHandle(t *testing.T) {
	reg := NewRegistry()
	l := newTestLocker(t, t.TempDir(), WithRegistry(reg))
	if err := l.Lock(context.Background()); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if reg.Len() != 1 || reg.Held()[0] != l {
		t.Fatalf("handle not registered")
	}
	if err := l.Unlock(); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if reg.Len() != 0 {
		t.Fatal("handle still registered after unlock")
	}
}

func TestLockMetrics(t *testing.T) {
	acquired := testutil.ToFloat64(metrics.AcquireCounter)
	released := testutil.ToFloat64(metrics.ReleaseCounter)
	l := newTestLocker(t, t.TempDir())
	if err := l.Lock(context.Background()); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := l.Unlock(); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if testutil.ToFloat64(metrics.AcquireCounter)-acquired != 1 {
		t.Fatal("acquire not counted")
	}
	if testutil.ToFloat64(metrics.ReleaseCounter)-released != 1 {
		t.Fatal("release not counted")
	}
}

func TestLockTracing(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr)))

	l := newTestLocker(t, t.TempDir(), WithTracing())
	if err := l.Lock(context.Background()); err != nil {
		t.Fatalf("lock: %v", err)
	}
	ticket := l.TicketID()
	_ = l.Unlock()

	spans := sr.Ended()
	if len(spans) != 1 || spans[0].Name() != "FileLocker.Lock" {
		t.Fatalf("unexpected spans: %v", spans)
	}
	var found bool
	for _, kv := range spans[0].Attributes() {
		if kv.Key == attribute.Key("dirlock.ticket") && kv.Value.AsInt64() == int64(ticket) {
			found = true
		}
	}
	if !found {
		t.Fatalf("ticket attribute missing: %v", spans[0].Attributes())
	}
}

func TestStateString(t *testing.T) {
	tests := map[State]string{
		StateIdle:       "idle",
		StateAttempting: "attempting",
		StateAcquired:   "acquired",
		State(9):        "State(9)",
	}
	for s, want := range tests {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", int(s), s.String(), want)
		}
	}
}
