package events

import (
	"context"
	"fmt"
	"log/slog"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/remote-server/pkg/commsutil"
)

const commsPublisherLogPrefix = "events:comms_publisher"

// CommsPublisherOpts configures CommsPublisher. Nil or zero values use defaults.
type CommsPublisherOpts struct {
	// GlobalSubject overrides the subject every event is mirrored to (REMOTE_EVENT_SUBJECT).
	GlobalSubject string
	// Service is stamped on events that do not name one and selects the granular subject.
	Service string
}

// CommsPublisher publishes worktree events to COMMS subjects.
type CommsPublisher struct {
	nc            *comms.Conn
	globalSubject string
	service       string
}

// NewCommsPublisher creates a new CommsPublisher. Pass nil for opts to use defaults.
func NewCommsPublisher(nc *comms.Conn, opts *CommsPublisherOpts) *CommsPublisher {
	p := &CommsPublisher{nc: nc, globalSubject: commsutil.SubjectWorktreeEvent, service: commsutil.DefaultService}
	if opts != nil {
		if opts.GlobalSubject != "" {
			p.globalSubject = opts.GlobalSubject
		}
		if opts.Service != "" {
			p.service = opts.Service
		}
	}
	return p
}

// PublishWorktree publishes a WorktreeEvent to its granular subject
// (remote.worktree.<action>.<service>) and to the global subject.
func (p *CommsPublisher) PublishWorktree(_ context.Context, event *WorktreeEvent) error {
	if event.Service == "" {
		event.Service = p.service
	}
	data, err := commsutil.EncodePayload(event)
	if err != nil {
		return fmt.Errorf("%s - failed to encode event: %w", commsPublisherLogPrefix, err)
	}

	granularSubject := commsutil.BuildWorktreeSubject(event.Action, event.Service)
	if err := p.nc.Publish(granularSubject, data); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to publish to %s: %v", commsPublisherLogPrefix, granularSubject, err))
		return err
	}

	if err := p.nc.Publish(p.globalSubject, data); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to publish to %s: %v", commsPublisherLogPrefix, p.globalSubject, err))
		return err
	}

	slog.Debug(fmt.Sprintf("%s - Published worktree %s event for %d (%s)", commsPublisherLogPrefix, event.Action, event.WorktreeID, event.AbsPath))
	return nil
}
