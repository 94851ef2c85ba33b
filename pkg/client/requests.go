package client

import (
	"context"
	"fmt"

	"github.com/morezero/remote-server/pkg/proto"
)

// call sends a request whose response type is fixed by its declaration and returns the typed
// reply. ok is false when the request ended with the completion marker only.
func call[Resp proto.Payload](ctx context.Context, c *Client, req proto.RequestMessage[Resp]) (resp Resp, ok bool, err error) {
	payload, err := c.Request(ctx, req)
	if err != nil || payload == nil {
		return resp, false, err
	}
	resp, ok = payload.(Resp)
	if !ok {
		return resp, false, fmt.Errorf("%w: %s answered with %s", ErrUnexpectedResponse, req.Kind(), payload.Kind())
	}
	return resp, true, nil
}

// must is call for requests that always carry a reply.
func must[Resp proto.Payload](ctx context.Context, c *Client, req proto.RequestMessage[Resp]) (Resp, error) {
	resp, ok, err := call(ctx, c, req)
	if err == nil && !ok {
		err = fmt.Errorf("%w: %s", ErrEmptyResponse, req.Kind())
	}
	return resp, err
}

// Ping checks that the server is answering.
func (c *Client) Ping(ctx context.Context) error {
	_, err := must[proto.Ack](ctx, c, proto.Ping{})
	return err
}

// ReadFile returns the content of path.
func (c *Client) ReadFile(ctx context.Context, path string) (string, error) {
	resp, err := must[proto.ReadFileResponse](ctx, c, proto.ReadFile{Path: path})
	return resp.Content, err
}

// WriteFile stores content at path with the given line endings.
func (c *Client) WriteFile(ctx context.Context, path, content string, lineEnding proto.LineEnding) error {
	_, _, err := call[proto.Ack](ctx, c, proto.WriteFile{Path: path, Content: content, LineEnding: lineEnding})
	return err
}

// Stat returns the metadata of path, or nil if it does not exist.
func (c *Client) Stat(ctx context.Context, path string) (*proto.StatResponse, error) {
	resp, ok, err := call[proto.StatResponse](ctx, c, proto.Stat{Path: path})
	if err != nil || !ok {
		return nil, err
	}
	return &resp, nil
}

// Canonicalize resolves path to its absolute canonical form on the server.
func (c *Client) Canonicalize(ctx context.Context, path string) (string, error) {
	resp, err := must[proto.PathResponse](ctx, c, proto.Canonicalize{Path: path})
	return resp.Path, err
}

// ReadLink returns the target of the symlink at path.
func (c *Client) ReadLink(ctx context.Context, path string) (string, error) {
	resp, err := must[proto.PathResponse](ctx, c, proto.ReadLink{Path: path})
	return resp.Path, err
}

// ReadDir lists the full paths of the entries of the directory at path.
func (c *Client) ReadDir(ctx context.Context, path string) ([]string, error) {
	resp, err := must[proto.ReadDirResponse](ctx, c, proto.ReadDir{Path: path})
	return resp.Paths, err
}

// AddWorktree opens a worktree at path. Its updates arrive on Updates.
func (c *Client) AddWorktree(ctx context.Context, path string) (uint64, error) {
	resp, err := must[proto.AddWorktreeResponse](ctx, c, proto.AddWorktree{Path: path})
	return resp.WorktreeID, err
}
