package commsutil

import (
	"encoding/json"
	"fmt"
)

const codecLogPrefix = "commsutil:codec"

// EncodePayload serializes an event body to JSON bytes.
func EncodePayload(v any) ([]byte, error) {
	return json.Marshal(v)
}

// DecodePayload deserializes JSON bytes into a new T.
func DecodePayload[T any](data []byte) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("%s - failed to decode %T: %w", codecLogPrefix, v, err)
	}
	return v, nil
}
