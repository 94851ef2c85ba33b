package transport

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/morezero/remote-server/pkg/proto"
	"github.com/morezero/remote-server/pkg/remote"
)

// streamPeer is the requester end of an in-memory stream session.
type streamPeer struct {
	conn   *StreamConn
	raw    *FrameEncoder
	toSrv  *io.PipeWriter
	served chan error
}

func startStreamSession(t *testing.T, ctx context.Context) *streamPeer {
	t.Helper()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	srv := remote.NewServer(remote.Options{})
	t.Cleanup(func() { srv.Close(context.Background()) })
	t.Cleanup(func() {
		_ = inW.Close()
		_ = outR.Close()
	})

	served := make(chan error, 1)
	go func() {
		served <- Serve(ctx, srv, NewStreamConn(inR, outW, StreamOptions{Closer: inR}))
		_ = outW.Close()
	}()

	return &streamPeer{
		conn:   NewStreamConn(outR, inW, StreamOptions{Closer: outR}),
		raw:    NewFrameEncoder(inW, 0),
		toSrv:  inW,
		served: served,
	}
}

func (p *streamPeer) send(t *testing.T, id uint32, payload proto.Payload) {
	t.Helper()
	env := proto.Push(payload)
	env.ID = id
	require.NoError(t, p.conn.WriteEnvelope(env))
}

func (p *streamPeer) read(t *testing.T) proto.Envelope {
	t.Helper()
	env, err := p.conn.ReadEnvelope()
	require.NoError(t, err)
	return env
}

func (p *streamPeer) waitServed(t *testing.T) error {
	t.Helper()
	select {
	case err := <-p.served:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end")
		return nil
	}
}

func TestServe_PingOverStream(t *testing.T) {
	peer := startStreamSession(t, context.Background())

	peer.send(t, 7, proto.Ping{})
	env := peer.read(t)
	require.NotNil(t, env.RespondingTo)
	assert.Equal(t, uint32(7), *env.RespondingTo)
	assert.Equal(t, proto.Ack{}, env.Payload)
	assert.Equal(t, uint32(1), env.ID)

	require.NoError(t, peer.toSrv.Close())
	assert.NoError(t, peer.waitServed(t))
}

func TestServe_SkipsBadFramesAndNonRequests(t *testing.T) {
	peer := startStreamSession(t, context.Background())

	// 0xc1 is never a valid msgpack byte.
	require.NoError(t, peer.raw.WriteFrame([]byte{0xc1}))
	require.NoError(t, peer.conn.WriteEnvelope(proto.Completion(3)))
	peer.send(t, 4, proto.Ping{})

	env := peer.read(t)
	require.NotNil(t, env.RespondingTo)
	assert.Equal(t, uint32(4), *env.RespondingTo)

	require.NoError(t, peer.toSrv.Close())
	assert.NoError(t, peer.waitServed(t))
}

func TestServe_AnswersRequestWithBadPayload(t *testing.T) {
	peer := startStreamSession(t, context.Background())

	frame, err := msgpack.Marshal(map[string]any{
		"id":      5,
		"kind":    "read_file",
		"payload": map[string]any{"path": 123},
	})
	require.NoError(t, err)
	require.NoError(t, peer.raw.WriteFrame(frame))
	peer.send(t, 6, proto.Ping{})

	env := peer.read(t)
	require.NotNil(t, env.RespondingTo)
	assert.Equal(t, uint32(5), *env.RespondingTo)
	e, ok := env.Payload.(proto.Error)
	require.True(t, ok, "got %T", env.Payload)
	assert.Contains(t, e.Message, "read_file")

	env = peer.read(t)
	require.NotNil(t, env.RespondingTo)
	assert.Equal(t, uint32(6), *env.RespondingTo)
	assert.Equal(t, proto.Ack{}, env.Payload)

	require.NoError(t, peer.toSrv.Close())
	assert.NoError(t, peer.waitServed(t))
}

func TestServe_FatalFrameEndsSession(t *testing.T) {
	peer := startStreamSession(t, context.Background())

	_, err := peer.toSrv.Write([]byte{0xff, 0xff, 0xff, 0xff})
	require.NoError(t, err)
	assert.True(t, IsFatalFrameError(peer.waitServed(t)))
}

func TestServe_ContextCancelEndsSession(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	peer := startStreamSession(t, ctx)

	peer.send(t, 1, proto.Ping{})
	peer.read(t)
	cancel()
	assert.NoError(t, peer.waitServed(t))
}

func TestServe_WorktreeUpdatesFollowResponse(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0o644))
	peer := startStreamSession(t, context.Background())

	peer.send(t, 9, proto.AddWorktree{Path: dir})
	resp := peer.read(t)
	require.NotNil(t, resp.RespondingTo)
	assert.Equal(t, uint32(9), *resp.RespondingTo)
	added, ok := resp.Payload.(proto.AddWorktreeResponse)
	require.True(t, ok, "got %T", resp.Payload)

	update := peer.read(t)
	assert.Nil(t, update.RespondingTo)
	assert.Greater(t, update.ID, resp.ID)
	u, ok := update.Payload.(proto.UpdateWorktree)
	require.True(t, ok, "got %T", update.Payload)
	assert.Equal(t, added.WorktreeID, u.WorktreeID)
	assert.Equal(t, "a.txt", u.UpdatedEntries[1].Path)
}
