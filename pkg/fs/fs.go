// Package fs is the filesystem capability the remote server answers requests with.
package fs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/morezero/remote-server/pkg/proto"
)

const logPrefix = "fs:fs"

// ErrInvalidUTF8 is returned by Load for files that are not valid UTF-8 text.
var ErrInvalidUTF8 = errors.New("stream did not contain valid UTF-8")

// readDirBatch is how many directory entries are read per syscall while streaming a listing.
const readDirBatch = 64

// Metadata describes one filesystem object. For a symlink, IsSymlink is set and the remaining
// fields describe the link target when it resolves.
type Metadata struct {
	Inode     uint64
	Mtime     time.Time
	Size      int64
	IsDir     bool
	IsSymlink bool
}

// MtimeMillis is Mtime as milliseconds since the Unix epoch; zero times map to 0.
func (m *Metadata) MtimeMillis() uint64 {
	if m.Mtime.IsZero() || m.Mtime.Before(time.Unix(0, 0)) {
		return 0
	}
	return uint64(m.Mtime.UnixMilli())
}

// FileSystem is the set of operations the server performs on the host.
type FileSystem interface {
	// Load reads the whole file at path as text. Content that is not valid UTF-8 is an error.
	Load(ctx context.Context, path string) (string, error)
	// Save writes text to path, creating parent directories and converting line endings.
	Save(ctx context.Context, path string, text string, ending proto.LineEnding) error
	// Metadata returns nil and no error when nothing exists at path, including when a parent
	// component is not a directory.
	Metadata(ctx context.Context, path string) (*Metadata, error)
	// Canonicalize resolves path to an absolute path with no symlinks.
	Canonicalize(ctx context.Context, path string) (string, error)
	// ReadLink returns the target of the symlink at path.
	ReadLink(ctx context.Context, path string) (string, error)
	// ReadDir streams the full path of every entry in the directory at path. The iteration
	// stops at the first error, which is yielded with an empty path.
	ReadDir(ctx context.Context, path string) (iter.Seq2[string, error], error)
}

// RealFS implements FileSystem on the host operating system.
type RealFS struct{}

// NewRealFS returns the host filesystem.
func NewRealFS() *RealFS {
	return &RealFS{}
}

func (RealFS) Load(ctx context.Context, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%s - %s: %w", logPrefix, path, ErrInvalidUTF8)
	}
	return string(data), nil
}

func (RealFS) Save(ctx context.Context, path string, text string, ending proto.LineEnding) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("%s - failed to create %s: %w", logPrefix, dir, err)
		}
	}
	return os.WriteFile(path, []byte(ConvertLineEndings(text, ending)), 0o644)
}

func (RealFS) Metadata(ctx context.Context, path string) (*Metadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	info, err := os.Lstat(path)
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	isSymlink := info.Mode()&os.ModeSymlink != 0
	if isSymlink {
		// Report the target when the link resolves; a dangling link keeps its own metadata.
		if target, err := os.Stat(path); err == nil {
			info = target
		}
	}
	return &Metadata{
		Inode:     inodeOf(info),
		Mtime:     info.ModTime(),
		Size:      info.Size(),
		IsDir:     info.IsDir(),
		IsSymlink: isSymlink,
	}, nil
}

func (RealFS) Canonicalize(ctx context.Context, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}

func (RealFS) ReadLink(ctx context.Context, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return os.Readlink(path)
}

func (RealFS) ReadDir(ctx context.Context, path string) (iter.Seq2[string, error], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := dir.Stat()
	if err != nil {
		dir.Close()
		return nil, err
	}
	if !info.IsDir() {
		dir.Close()
		return nil, &os.PathError{Op: "readdir", Path: path, Err: errors.New("not a directory")}
	}

	return func(yield func(string, error) bool) {
		defer dir.Close()
		for {
			if err := ctx.Err(); err != nil {
				yield("", err)
				return
			}
			entries, err := dir.ReadDir(readDirBatch)
			for _, entry := range entries {
				if !yield(filepath.Join(path, entry.Name()), nil) {
					return
				}
			}
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield("", err)
				return
			}
		}
	}, nil
}

// ConvertLineEndings normalizes every line break in text to "\n", then rewrites them to "\r\n"
// unless ending is LineEndingUnix. Values other than the two known endings are treated as
// Windows.
func ConvertLineEndings(text string, ending proto.LineEnding) string {
	normalized := strings.ReplaceAll(text, "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\r", "\n")
	if ending == proto.LineEndingUnix {
		return normalized
	}
	return strings.ReplaceAll(normalized, "\n", "\r\n")
}
