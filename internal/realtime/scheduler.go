package realtime

import (
	"context"
	"time"
)

// Resume continues a handler once awaited work finished. It runs on the hub
// loop, so other events may have been handled in between and state must be
// checked again.
type Resume func(err error) []Notification

// Scheduler runs collaborator calls for the hub loop.
type Scheduler interface {
	Await(ctx context.Context, work func(ctx context.Context) error, resume Resume) []Notification
}

// InlineScheduler runs work synchronously and resumes immediately. It is meant
// for tests and tools that drive the hub without its loop.
type InlineScheduler struct{}

func (InlineScheduler) Await(ctx context.Context, work func(ctx context.Context) error, resume Resume) []Notification {
	return resume(work(ctx))
}

// loopScheduler runs work off-loop and posts the resume back onto the hub loop.
type loopScheduler struct {
	hub     *Hub
	timeout time.Duration
}

func (s *loopScheduler) Await(ctx context.Context, work func(ctx context.Context) error, resume Resume) []Notification {
	go func() {
		workCtx, cancel := context.WithTimeout(ctx, s.timeout)
		err := work(workCtx)
		cancel()
		s.hub.post(func() []Notification {
			return resume(err)
		})
	}()
	return nil
}
