package lock

import "context"

// Do runs fn while holding the lock. The lock is released on every exit
// path, including a panic in fn. An Unlock failure is reported only when fn
// itself succeeded.
func (l *FileLocker) Do(ctx context.Context, fn func(context.Context) error) (err error) {
	if err := l.Lock(ctx); err != nil {
		return err
	}
	defer func() {
		if uerr := l.Unlock(); uerr != nil && err == nil {
			err = uerr
		}
	}()
	return fn(ctx)
}

// WithLock runs fn under a new handle on path.
func WithLock(ctx context.Context, path string, fn func(context.Context) error, opts ...Option) error {
	l, err := NewFileLocker(path, opts...)
	if err != nil {
		return err
	}
	return l.Do(ctx, fn)
}

// Wrap returns fn guarded by the lock of l. Every call uses a fresh clone of
// l, so the wrapped function may be called concurrently. When cond is not
// nil and returns false for the argument, fn is called without locking.
func Wrap[T, R any](l *FileLocker, fn func(context.Context, T) (R, error), cond func(T) bool) func(context.Context, T) (R, error) {
	return func(ctx context.Context, arg T) (R, error) {
		if cond != nil && !cond(arg) {
			return fn(ctx, arg)
		}
		var out R
		err := l.Clone().Do(ctx, func(ctx context.Context) error {
			var err error
			out, err = fn(ctx, arg)
			return err
		})
		return out, err
	}
}

// WrapFunc is Wrap for functions without argument or result.
func WrapFunc(l *FileLocker, fn func(context.Context) error, cond func() bool) func(context.Context) error {
	return func(ctx context.Context) error {
		if cond != nil && !cond() {
			return fn(ctx)
		}
		return l.Clone().Do(ctx, fn)
	}
}

// Patch replaces the function stored at target with its wrapped form.
func Patch[T, R any](l *FileLocker, target *func(context.Context, T) (R, error), cond func(T) bool) {
	*target = Wrap(l, *target, cond)
}
