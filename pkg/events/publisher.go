package events

import "context"

// EventPublisher announces worktree lifecycle events.
type EventPublisher interface {
	PublishWorktree(ctx context.Context, event *WorktreeEvent) error
}

// NoOpPublisher discards every event. Used by transports that have no message bus.
type NoOpPublisher struct{}

// PublishWorktree is a no-op.
func (p *NoOpPublisher) PublishWorktree(_ context.Context, _ *WorktreeEvent) error {
	return nil
}

// CallbackPublisher hands every event to a function.
type CallbackPublisher struct {
	callback func(ctx context.Context, event *WorktreeEvent) error
}

// NewCallbackPublisher creates a new CallbackPublisher.
func NewCallbackPublisher(cb func(ctx context.Context, event *WorktreeEvent) error) *CallbackPublisher {
	return &CallbackPublisher{callback: cb}
}

// PublishWorktree calls the callback.
func (p *CallbackPublisher) PublishWorktree(ctx context.Context, event *WorktreeEvent) error {
	return p.callback(ctx, event)
}
