package lock

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/spf13/afero"
)

// Clock is the reference time source used to age tickets. Cooperating
// processes may run on hosts whose wall clocks disagree, so the reading
// should come from something they all share.
type Clock interface {
	Now(ctx context.Context) (time.Time, error)
}

// ClockFunc adapts a plain function to Clock.
type ClockFunc func(ctx context.Context) (time.Time, error)

// Now implements Clock.Now.
func (f ClockFunc) Now(ctx context.Context) (time.Time, error) {
	return f(ctx)
}

// FSClock reads "now" from the storage medium: it creates a throwaway file
// in Dir, takes its modification time and removes it again. The reading is
// as good as the mtime resolution of the filesystem.
type FSClock struct {
	Fs  afero.Fs
	Dir string
}

// NewFSClock returns a Clock backed by the modification times of fs.
func NewFSClock(fs afero.Fs, dir string) *FSClock {
	return &FSClock{Fs: fs, Dir: dir}
}

// Now implements Clock.Now.
func (c *FSClock) Now(ctx context.Context) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	f, err := afero.TempFile(c.Fs, c.Dir, ".dirlock-clock-*")
	if err != nil {
		return time.Time{}, fmt.Errorf("reference clock: %w", err)
	}
	name := f.Name()
	info, statErr := f.Stat()
	_ = f.Close()
	_ = c.Fs.Remove(name)
	if statErr != nil {
		return time.Time{}, fmt.Errorf("reference clock: %w", statErr)
	}
	return info.ModTime(), nil
}

// RedisClock reads the server time of a Redis instance shared by every
// cooperating host. Useful when the shared filesystem reports unreliable
// modification times but a common Redis is reachable.
type RedisClock struct {
	client redis.UniversalClient
}

// NewRedisClock returns a Clock using the TIME command of client.
func NewRedisClock(client redis.UniversalClient) *RedisClock {
	return &RedisClock{client: client}
}

// Now implements Clock.Now.
func (c *RedisClock) Now(ctx context.Context) (time.Time, error) {
	t, err := c.client.Time(ctx).Result()
	if err != nil {
		return time.Time{}, fmt.Errorf("reference clock: %w", err)
	}
	return t, nil
}
