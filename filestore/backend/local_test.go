package backend_test

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/corestratum/dataplatform/filestore/backend"
)

func TestLocalBackend_WriteStatReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	b, err := backend.NewLocalBackend(t.TempDir())
	require.NoError(t, err)

	res, err := b.WriteBlob(ctx, "a/b.bin", bytes.NewReader([]byte{1, 2, 3}))
	require.NoError(t, err)
	require.EqualValues(t, 3, res.SizeBytes)
	require.NotEmpty(t, res.Checksum)

	st, err := b.Stat(ctx, "a/b.bin")
	require.NoError(t, err)
	require.True(t, st.Exists)
	require.Equal(t, backend.KindFile, st.Kind)
	require.Equal(t, res.Checksum, st.Checksum)

	rc, err := b.ReadStream(ctx, "a/b.bin")
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, data)
}

func TestLocalBackend_StatMissingDoesNotError(t *testing.T) {
	ctx := context.Background()
	b, err := backend.NewLocalBackend(t.TempDir())
	require.NoError(t, err)

	st, err := b.Stat(ctx, "missing.bin")
	require.NoError(t, err)
	require.False(t, st.Exists)
}

func TestLocalBackend_EmptyFileChecksum(t *testing.T) {
	ctx := context.Background()
	b, err := backend.NewLocalBackend(t.TempDir())
	require.NoError(t, err)

	res, err := b.WriteBlob(ctx, "empty.bin", bytes.NewReader(nil))
	require.NoError(t, err)
	require.EqualValues(t, 0, res.SizeBytes)
	require.Equal(t, "sha256:e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", res.Checksum)
}

func TestLocalBackend_PathEscapeRejected(t *testing.T) {
	ctx := context.Background()
	b, err := backend.NewLocalBackend(t.TempDir())
	require.NoError(t, err)

	_, err = b.WriteBlob(ctx, "../../etc/passwd", bytes.NewReader([]byte("x")))
	require.Error(t, err)
}

func TestLocalBackend_MoveThenMoveBackRestoresContent(t *testing.T) {
	ctx := context.Background()
	b, err := backend.NewLocalBackend(t.TempDir())
	require.NoError(t, err)

	_, err = b.WriteBlob(ctx, "a.bin", bytes.NewReader([]byte("hello")))
	require.NoError(t, err)

	require.NoError(t, b.Move(ctx, "a.bin", "b.bin"))
	require.NoError(t, b.Move(ctx, "b.bin", "a.bin"))

	rc, err := b.ReadStream(ctx, "a.bin")
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))
}

func TestLocalBackend_ListSortedByName(t *testing.T) {
	ctx := context.Background()
	b, err := backend.NewLocalBackend(t.TempDir())
	require.NoError(t, err)

	for _, name := range []string{"c.bin", "a.bin", "b.bin"} {
		_, err := b.WriteBlob(ctx, name, bytes.NewReader([]byte("x")))
		require.NoError(t, err)
	}

	entries, err := b.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, "a.bin", entries[0].Name)
	require.Equal(t, "b.bin", entries[1].Name)
	require.Equal(t, "c.bin", entries[2].Name)
}
