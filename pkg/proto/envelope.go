package proto

// Envelope is the unit exchanged with a peer. An envelope with RespondingTo set is the terminal
// frame for that request; one with a nil Payload as well is a bare completion marker.
type Envelope struct {
	ID               uint32
	OriginalSenderID *uint32
	Payload          Payload
	RespondingTo     *uint32
}

// Reply builds a terminal envelope for request id carrying payload.
func Reply(id uint32, payload Payload) Envelope {
	return Envelope{Payload: payload, RespondingTo: &id}
}

// Completion builds the empty completion marker for request id.
func Completion(id uint32) Envelope {
	return Envelope{RespondingTo: &id}
}

// Push builds an unsolicited envelope that answers no request.
func Push(payload Payload) Envelope {
	return Envelope{Payload: payload}
}

// IsCompletion reports whether the envelope is a contentless completion marker.
func (e Envelope) IsCompletion() bool {
	return e.RespondingTo != nil && e.Payload == nil
}

// IsReply reports whether the envelope concludes a request.
func (e Envelope) IsReply() bool {
	return e.RespondingTo != nil
}

// Kind reports the payload kind, or KindUnknown for a bare envelope.
func (e Envelope) Kind() Kind {
	if e.Payload == nil {
		return KindUnknown
	}
	return e.Payload.Kind()
}
