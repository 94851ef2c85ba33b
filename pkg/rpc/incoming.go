package rpc

import (
	"errors"

	"github.com/morezero/remote-server/pkg/proto"
)

// ErrNotRequest is returned by NewIncoming for envelopes that cannot start a request: replies,
// completion markers, and bare envelopes.
var ErrNotRequest = errors.New("rpc: envelope is not a request")

// Incoming is an inbound request whose concrete payload type is only known at run time.
type Incoming struct {
	ID               uint32
	OriginalSenderID *uint32
	payload          proto.Payload
}

// NewIncoming wraps an inbound envelope for dispatch.
func NewIncoming(env proto.Envelope) (Incoming, error) {
	if env.Payload == nil || env.RespondingTo != nil {
		return Incoming{}, ErrNotRequest
	}
	return Incoming{ID: env.ID, OriginalSenderID: env.OriginalSenderID, payload: env.Payload}, nil
}

// Kind is the kind of the wrapped payload.
func (m Incoming) Kind() proto.Kind {
	if m.payload == nil {
		return proto.KindUnknown
	}
	return m.payload.Kind()
}

// KindName is the kind's wire name, or the raw name for an unrecognized payload.
func (m Incoming) KindName() string {
	if u, ok := m.payload.(proto.Unrecognized); ok {
		return u.Name
	}
	return m.Kind().String()
}
