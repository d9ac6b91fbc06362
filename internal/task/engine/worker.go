package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"time"

	"rcbot/internal/eventbus"
	"rcbot/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan queued) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qt := <-queue:
			s.exec(ctx, stopCh, qt)
		}
	}
}

func (s *Service) exec(ctx context.Context, stopCh <-chan struct{}, qt queued) {
	if qt.state != nil {
		defer qt.state.release()
	}
	start := time.Now()
	item := HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: max(start.Sub(qt.enqueuedAt), 0)}
	s.bus.Publish(eventbus.Event{Type: eventbus.TaskStarted, Time: start, Data: item})

	var err error
	maxAttempts := 1 + qt.opt.RetryMax
attempts:
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		item.Attempts = attempt
		err = s.runOnce(ctx, qt)
		if err == nil {
			break
		}
		var p permanent
		if errors.As(err, &p) {
			err = p.error
			break
		}
		if attempt == maxAttempts {
			break
		}

		delay := backoffDelay(qt.opt, attempt)
		s.log.Debug("task retry scheduled", logx.String("task", qt.task.Name), logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			err = ctx.Err()
			break attempts
		case <-stopCh:
			tmr.Stop()
			err = ErrStopped
			break attempts
		case <-tmr.C:
		}
	}

	item.Duration = time.Since(start)
	if err != nil {
		item.Error = err.Error()
		s.log.Warn("task failed", logx.String("task", qt.task.Name), logx.Err(err), logx.Int("attempts", item.Attempts), logx.Duration("dur", item.Duration))
		s.bus.Publish(eventbus.Event{Type: eventbus.TaskFailed, Data: item})
	} else {
		s.log.Debug("task completed", logx.String("task", qt.task.Name), logx.Duration("dur", item.Duration), logx.Int("attempts", item.Attempts))
		s.bus.Publish(eventbus.Event{Type: eventbus.TaskSuccess, Data: item})
	}
	s.record(item)
}

// runOnce runs one attempt under the task timeout, turning a panic into an error.
func (s *Service) runOnce(ctx context.Context, qt queued) (err error) {
	if qt.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, qt.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("task panicked", logx.String("task", qt.task.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return qt.task.Run(ctx)
}

// backoffDelay doubles RetryBase per attempt up to RetryMaxDelay, with 20% jitter.
func backoffDelay(opt TaskOptions, attempt int) time.Duration {
	d := opt.RetryBase
	for i := 1; i < attempt && d < opt.RetryMaxDelay; i++ {
		d *= 2
	}
	d = min(d, opt.RetryMaxDelay)
	jitter := (rand.Float64()*2 - 1) * 0.2
	return min(time.Duration(float64(d)*(1+jitter)), opt.RetryMaxDelay)
}
