package fs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/morezero/remote-server/pkg/proto"
)

func TestConvertLineEndings(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		ending proto.LineEnding
		want   string
	}{
		{"unix keeps lf", "a\nb\n", proto.LineEndingUnix, "a\nb\n"},
		{"unix normalizes crlf", "a\r\nb\r\n", proto.LineEndingUnix, "a\nb\n"},
		{"unix normalizes lone cr", "a\rb", proto.LineEndingUnix, "a\nb"},
		{"windows from lf", "a\nb", proto.LineEndingWindows, "a\r\nb"},
		{"windows from mixed", "a\r\nb\nc", proto.LineEndingWindows, "a\r\nb\r\nc"},
		{"unknown falls back to windows", "a\nb", proto.LineEnding(7), "a\r\nb"},
		{"empty", "", proto.LineEndingWindows, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ConvertLineEndings(tt.text, tt.ending))
		})
	}
}

func TestRealFS_SaveLoad(t *testing.T) {
	ctx := context.Background()
	fsys := NewRealFS()
	path := filepath.Join(t.TempDir(), "nested", "dir", "a.txt")

	require.NoError(t, fsys.Save(ctx, path, "x\ny", proto.LineEndingUnix))
	got, err := fsys.Load(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, "x\ny", got)

	require.NoError(t, fsys.Save(ctx, path, "x\ny", proto.LineEndingWindows))
	got, err = fsys.Load(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, "x\r\ny", got)
}

func TestRealFS_LoadMissing(t *testing.T) {
	_, err := NewRealFS().Load(context.Background(), filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestRealFS_LoadRejectsInvalidUTF8(t *testing.T) {
	path := filepath.Join(t.TempDir(), "binary.bin")
	require.NoError(t, os.WriteFile(path, []byte{0xff, 0xfe, 'a', 0x80}, 0o644))

	content, err := NewRealFS().Load(context.Background(), path)
	require.ErrorIs(t, err, ErrInvalidUTF8)
	assert.Empty(t, content)
}

func TestRealFS_LoadKeepsMultibyteText(t *testing.T) {
	path := filepath.Join(t.TempDir(), "text.txt")
	require.NoError(t, os.WriteFile(path, []byte("grüße 世界"), 0o644))

	content, err := NewRealFS().Load(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "grüße 世界", content)
}

func TestRealFS_MetadataUnderFileIsMissing(t *testing.T) {
	file := filepath.Join(t.TempDir(), "f.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	md, err := NewRealFS().Metadata(context.Background(), filepath.Join(file, "child"))
	require.NoError(t, err)
	assert.Nil(t, md)
}

func TestRealFS_Metadata(t *testing.T) {
	ctx := context.Background()
	fsys := NewRealFS()
	dir := t.TempDir()
	file := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(file, []byte("hello"), 0o644))

	md, err := fsys.Metadata(ctx, file)
	require.NoError(t, err)
	require.NotNil(t, md)
	assert.False(t, md.IsDir)
	assert.False(t, md.IsSymlink)
	assert.Equal(t, int64(5), md.Size)
	assert.InDelta(t, time.Now().UnixMilli(), int64(md.MtimeMillis()), float64(time.Minute.Milliseconds()))

	md, err = fsys.Metadata(ctx, dir)
	require.NoError(t, err)
	require.NotNil(t, md)
	assert.True(t, md.IsDir)

	md, err = fsys.Metadata(ctx, filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.Nil(t, md)
}

func TestRealFS_Symlinks(t *testing.T) {
	ctx := context.Background()
	fsys := NewRealFS()
	dir := t.TempDir()
	target := filepath.Join(dir, "target")
	require.NoError(t, os.Mkdir(target, 0o755))
	link := filepath.Join(dir, "link")
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	md, err := fsys.Metadata(ctx, link)
	require.NoError(t, err)
	require.NotNil(t, md)
	assert.True(t, md.IsSymlink)
	assert.True(t, md.IsDir)

	got, err := fsys.ReadLink(ctx, link)
	require.NoError(t, err)
	assert.Equal(t, target, got)

	canonical, err := fsys.Canonicalize(ctx, link)
	require.NoError(t, err)
	want, err := filepath.EvalSymlinks(target)
	require.NoError(t, err)
	assert.Equal(t, want, canonical)

	_, err = fsys.ReadLink(ctx, target)
	assert.Error(t, err)
}

func TestRealFS_CanonicalizeMissing(t *testing.T) {
	_, err := NewRealFS().Canonicalize(context.Background(), filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestRealFS_ReadDir(t *testing.T) {
	ctx := context.Background()
	fsys := NewRealFS()
	dir := t.TempDir()
	var want []string
	for i := 0; i < readDirBatch+5; i++ {
		p := filepath.Join(dir, fmt.Sprintf("f%03d", i))
		require.NoError(t, os.WriteFile(p, nil, 0o644))
		want = append(want, p)
	}

	entries, err := fsys.ReadDir(ctx, dir)
	require.NoError(t, err)
	var got []string
	for p, err := range entries {
		require.NoError(t, err)
		got = append(got, p)
	}
	slices.Sort(got)
	slices.Sort(want)
	assert.Equal(t, want, got)
}

func TestRealFS_ReadDirErrors(t *testing.T) {
	ctx := context.Background()
	fsys := NewRealFS()
	dir := t.TempDir()

	_, err := fsys.ReadDir(ctx, filepath.Join(dir, "missing"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	file := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	_, err = fsys.ReadDir(ctx, file)
	assert.Error(t, err)
}

func TestRealFS_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewRealFS().Load(ctx, "/")
	assert.ErrorIs(t, err, context.Canceled)
}
