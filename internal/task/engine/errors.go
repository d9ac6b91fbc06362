package engine

import "github.com/juju/errors"

const (
	ErrStopped     = errors.ConstError("task engine stopped")
	ErrQueueFull   = errors.ConstError("task engine queue full")
	ErrOverlapSkip = errors.ConstError("task skipped: previous run still in flight")
)

// permanent is a task failure that retrying cannot fix.
type permanent struct{ error }

func (p permanent) Unwrap() error { return p.error }

// NoRetry marks err permanent; the engine reports it once without retrying.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return permanent{err}
}

func IsNoRetry(err error) bool {
	var p permanent
	return errors.As(err, &p)
}
