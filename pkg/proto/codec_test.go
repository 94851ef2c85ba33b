package proto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

var codecs = []struct {
	name  string
	codec Codec
}{
	{"json", JSONCodec{}},
	{"msgpack", MsgpackCodec{}},
}

func TestCodec_RequestAndReply(t *testing.T) {
	for _, tc := range codecs {
		t.Run(tc.name, func(t *testing.T) {
			req := Envelope{ID: 7, Payload: WriteFile{Path: "/tmp/a.txt", Content: "a\nb", LineEnding: LineEndingWindows}}
			data, err := tc.codec.Marshal(req)
			require.NoError(t, err)

			got, err := tc.codec.Unmarshal(data)
			require.NoError(t, err)
			assert.Equal(t, uint32(7), got.ID)
			assert.Nil(t, got.RespondingTo)
			assert.Equal(t, req.Payload, got.Payload)

			reply := Reply(7, ReadDirResponse{Paths: []string{"/a", "/b"}})
			data, err = tc.codec.Marshal(reply)
			require.NoError(t, err)
			got, err = tc.codec.Unmarshal(data)
			require.NoError(t, err)
			require.NotNil(t, got.RespondingTo)
			assert.Equal(t, uint32(7), *got.RespondingTo)
			assert.Equal(t, ReadDirResponse{Paths: []string{"/a", "/b"}}, got.Payload)
		})
	}
}

func TestCodec_CompletionMarker(t *testing.T) {
	for _, tc := range codecs {
		t.Run(tc.name, func(t *testing.T) {
			data, err := tc.codec.Marshal(Completion(42))
			require.NoError(t, err)

			got, err := tc.codec.Unmarshal(data)
			require.NoError(t, err)
			assert.True(t, got.IsCompletion())
			assert.Equal(t, uint32(42), *got.RespondingTo)
			assert.Equal(t, KindUnknown, got.Kind())
		})
	}
}

func TestCodec_EmptyPayloadKinds(t *testing.T) {
	for _, tc := range codecs {
		t.Run(tc.name, func(t *testing.T) {
			data, err := tc.codec.Marshal(Envelope{ID: 1, Payload: Ping{}})
			require.NoError(t, err)

			got, err := tc.codec.Unmarshal(data)
			require.NoError(t, err)
			assert.Equal(t, Ping{}, got.Payload)
			assert.False(t, got.IsCompletion())
		})
	}
}

func TestCodec_UpdateWorktree(t *testing.T) {
	update := UpdateWorktree{
		WorktreeID: 3,
		RootName:   "project",
		AbsPath:    "/home/me/project",
		UpdatedEntries: []Entry{
			{ID: 1, Path: "", IsDir: true},
			{ID: 2, Path: "main.go", Mtime: 1700000000000, Inode: 99, Size: 12},
		},
		RemovedEntries: []uint64{5, 6},
		ScanID:         2,
		IsLastUpdate:   true,
	}
	for _, tc := range codecs {
		t.Run(tc.name, func(t *testing.T) {
			data, err := tc.codec.Marshal(Push(update))
			require.NoError(t, err)
			got, err := tc.codec.Unmarshal(data)
			require.NoError(t, err)
			assert.False(t, got.IsReply())
			assert.Equal(t, update, got.Payload)
		})
	}
}

func TestJSONCodec_UnknownKindDecodesAsUnrecognized(t *testing.T) {
	got, err := JSONCodec{}.Unmarshal([]byte(`{"id":9,"kind":"open_buffer","payload":{"path":"/x"}}`))
	require.NoError(t, err)
	assert.Equal(t, Unrecognized{Name: "open_buffer"}, got.Payload)
	assert.Equal(t, KindUnknown, got.Kind())
}

func TestJSONCodec_PayloadWithoutBody(t *testing.T) {
	got, err := JSONCodec{}.Unmarshal([]byte(`{"id":3,"kind":"ping"}`))
	require.NoError(t, err)
	assert.Equal(t, Ping{}, got.Payload)
}

func TestCodec_RejectsUnrecognizedPayload(t *testing.T) {
	for _, tc := range codecs {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.codec.Marshal(Envelope{ID: 1, Payload: Unrecognized{Name: "bogus"}})
			assert.ErrorIs(t, err, ErrUnknownKind)
		})
	}
}

func TestJSONCodec_InvalidJSON(t *testing.T) {
	_, err := JSONCodec{}.Unmarshal([]byte(`{invalid}`))
	assert.Error(t, err)
}

func TestParseKind(t *testing.T) {
	k, ok := ParseKind("add_worktree")
	assert.True(t, ok)
	assert.Equal(t, KindAddWorktree, k)

	_, ok = ParseKind("unknown")
	assert.False(t, ok)
	_, ok = ParseKind("nope")
	assert.False(t, ok)
}

func TestJSONCodec_BadPayloadKeepsHeader(t *testing.T) {
	_, err := JSONCodec{}.Unmarshal([]byte(`{"id":5,"kind":"read_file","payload":{"path":123}}`))
	var payloadErr *PayloadError
	require.ErrorAs(t, err, &payloadErr)
	assert.Equal(t, uint32(5), payloadErr.ID)
	assert.Equal(t, "read_file", payloadErr.Kind)
	assert.True(t, payloadErr.IsRequest())
	assert.Contains(t, payloadErr.Error(), "read_file")
}

func TestJSONCodec_BadReplyPayloadIsNotRequest(t *testing.T) {
	_, err := JSONCodec{}.Unmarshal([]byte(`{"id":1,"responding_to":9,"kind":"read_file_response","payload":{"content":false}}`))
	var payloadErr *PayloadError
	require.ErrorAs(t, err, &payloadErr)
	assert.False(t, payloadErr.IsRequest())
}

func TestMsgpackCodec_BadPayloadKeepsHeader(t *testing.T) {
	body, err := msgpack.Marshal(map[string]any{"path": 123})
	require.NoError(t, err)
	data, err := msgpack.Marshal(&msgpackEnvelope{ID: 6, Kind: "stat", Payload: body})
	require.NoError(t, err)

	_, err = MsgpackCodec{}.Unmarshal(data)
	var payloadErr *PayloadError
	require.ErrorAs(t, err, &payloadErr)
	assert.Equal(t, uint32(6), payloadErr.ID)
	assert.True(t, payloadErr.IsRequest())
}
