package proto

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

const logPrefix = "proto:codec"

// ErrUnknownKind is returned when encoding a payload that has no wire name.
var ErrUnknownKind = errors.New("proto: payload kind has no wire name")

// PayloadError is returned by Unmarshal when the envelope header decoded but its payload did
// not. The header fields let a server still answer the request.
type PayloadError struct {
	ID           uint32
	RespondingTo *uint32
	Kind         string
	Err          error
}

func (e *PayloadError) Error() string {
	return e.Err.Error()
}

func (e *PayloadError) Unwrap() error {
	return e.Err
}

// IsRequest reports whether the undecodable envelope was a request, which is still owed a
// terminal frame.
func (e *PayloadError) IsRequest() bool {
	return e.RespondingTo == nil
}

// Codec turns envelopes into bytes and back.
type Codec interface {
	Marshal(env Envelope) ([]byte, error)
	Unmarshal(data []byte) (Envelope, error)
}

// JSONCodec encodes envelopes as JSON objects. Used by the NATS and WebSocket transports.
type JSONCodec struct{}

// MsgpackCodec encodes envelopes as msgpack maps. Used by the framed stdio transport.
type MsgpackCodec struct{}

type jsonEnvelope struct {
	ID               uint32          `json:"id"`
	OriginalSenderID *uint32         `json:"original_sender_id,omitempty"`
	RespondingTo     *uint32         `json:"responding_to,omitempty"`
	Kind             string          `json:"kind,omitempty"`
	Payload          json.RawMessage `json:"payload,omitempty"`
}

type msgpackEnvelope struct {
	ID               uint32             `msgpack:"id"`
	OriginalSenderID *uint32            `msgpack:"original_sender_id,omitempty"`
	RespondingTo     *uint32            `msgpack:"responding_to,omitempty"`
	Kind             string             `msgpack:"kind,omitempty"`
	Payload          msgpack.RawMessage `msgpack:"payload,omitempty"`
}

// Marshal implements Codec.
func (JSONCodec) Marshal(env Envelope) ([]byte, error) {
	wire := jsonEnvelope{
		ID:               env.ID,
		OriginalSenderID: env.OriginalSenderID,
		RespondingTo:     env.RespondingTo,
	}
	if env.Payload != nil {
		name, err := wireName(env.Payload)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(env.Payload)
		if err != nil {
			return nil, fmt.Errorf("%s - failed to encode %s payload: %w", logPrefix, name, err)
		}
		wire.Kind = name
		wire.Payload = raw
	}
	return json.Marshal(wire)
}

// Unmarshal implements Codec.
func (JSONCodec) Unmarshal(data []byte) (Envelope, error) {
	var wire jsonEnvelope
	if err := json.Unmarshal(data, &wire); err != nil {
		return Envelope{}, fmt.Errorf("%s - failed to decode envelope: %w", logPrefix, err)
	}
	env := Envelope{
		ID:               wire.ID,
		OriginalSenderID: wire.OriginalSenderID,
		RespondingTo:     wire.RespondingTo,
	}
	payload, err := decodePayload(wire.Kind, len(wire.Payload) > 0, func(v any) error {
		return json.Unmarshal(wire.Payload, v)
	})
	if err != nil {
		return Envelope{}, &PayloadError{ID: wire.ID, RespondingTo: wire.RespondingTo, Kind: wire.Kind, Err: err}
	}
	env.Payload = payload
	return env, nil
}

// Marshal implements Codec.
func (MsgpackCodec) Marshal(env Envelope) ([]byte, error) {
	wire := msgpackEnvelope{
		ID:               env.ID,
		OriginalSenderID: env.OriginalSenderID,
		RespondingTo:     env.RespondingTo,
	}
	if env.Payload != nil {
		name, err := wireName(env.Payload)
		if err != nil {
			return nil, err
		}
		raw, err := msgpack.Marshal(env.Payload)
		if err != nil {
			return nil, fmt.Errorf("%s - failed to encode %s payload: %w", logPrefix, name, err)
		}
		wire.Kind = name
		wire.Payload = raw
	}
	return msgpack.Marshal(&wire)
}

// Unmarshal implements Codec.
func (MsgpackCodec) Unmarshal(data []byte) (Envelope, error) {
	var wire msgpackEnvelope
	if err := msgpack.Unmarshal(data, &wire); err != nil {
		return Envelope{}, fmt.Errorf("%s - failed to decode envelope: %w", logPrefix, err)
	}
	env := Envelope{
		ID:               wire.ID,
		OriginalSenderID: wire.OriginalSenderID,
		RespondingTo:     wire.RespondingTo,
	}
	payload, err := decodePayload(wire.Kind, len(wire.Payload) > 0, func(v any) error {
		return msgpack.Unmarshal(wire.Payload, v)
	})
	if err != nil {
		return Envelope{}, &PayloadError{ID: wire.ID, RespondingTo: wire.RespondingTo, Kind: wire.Kind, Err: err}
	}
	env.Payload = payload
	return env, nil
}

func wireName(p Payload) (string, error) {
	if u, ok := p.(Unrecognized); ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, u.Name)
	}
	k := p.Kind()
	if _, ok := kindNames[k]; !ok || k == KindUnknown {
		return "", fmt.Errorf("%w: %s", ErrUnknownKind, k)
	}
	return k.String(), nil
}

// decodePayload builds the concrete payload for a wire kind name. An empty name means the
// envelope carries no payload.
func decodePayload(name string, hasBody bool, unmarshal func(any) error) (Payload, error) {
	if name == "" {
		return nil, nil
	}
	kind, ok := ParseKind(name)
	if !ok {
		return Unrecognized{Name: name}, nil
	}
	if !hasBody {
		unmarshal = func(any) error { return nil }
	}
	switch kind {
	case KindError:
		return decodeAs[Error](unmarshal)
	case KindAck:
		return decodeAs[Ack](unmarshal)
	case KindPing:
		return decodeAs[Ping](unmarshal)
	case KindWriteFile:
		return decodeAs[WriteFile](unmarshal)
	case KindStat:
		return decodeAs[Stat](unmarshal)
	case KindStatResponse:
		return decodeAs[StatResponse](unmarshal)
	case KindCanonicalize:
		return decodeAs[Canonicalize](unmarshal)
	case KindReadLink:
		return decodeAs[ReadLink](unmarshal)
	case KindPathResponse:
		return decodeAs[PathResponse](unmarshal)
	case KindReadDir:
		return decodeAs[ReadDir](unmarshal)
	case KindReadDirResponse:
		return decodeAs[ReadDirResponse](unmarshal)
	case KindReadFile:
		return decodeAs[ReadFile](unmarshal)
	case KindReadFileResponse:
		return decodeAs[ReadFileResponse](unmarshal)
	case KindAddWorktree:
		return decodeAs[AddWorktree](unmarshal)
	case KindAddWorktreeResponse:
		return decodeAs[AddWorktreeResponse](unmarshal)
	case KindUpdateWorktree:
		return decodeAs[UpdateWorktree](unmarshal)
	default:
		return Unrecognized{Name: name}, nil
	}
}

func decodeAs[T Payload](unmarshal func(any) error) (Payload, error) {
	var v T
	if err := unmarshal(&v); err != nil {
		return nil, fmt.Errorf("%s - failed to decode %s payload: %w", logPrefix, v.Kind(), err)
	}
	return v, nil
}
