package kvstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestWAL(t *testing.T) *WAL {
	t.Helper()
	wal, err := openWAL(filepath.Join(t.TempDir(), "wal.log"), false)
	require.NoError(t, err)
	t.Cleanup(func() { wal.close() })
	return wal
}

func TestWAL_clear(t *testing.T) {
	wal := openTestWAL(t)

	_, err := wal.appendEntry(NewSet("key", "value"))
	require.NoError(t, err)

	require.NoError(t, wal.clear())

	// Check if the file is empty after clear
	fileInfo, err := wal.logFile.Stat()
	require.NoError(t, err)
	require.Zero(t, fileInfo.Size())
	require.Zero(t, wal.bytes())
}

func TestWAL_clearKeepsHandle(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "wal")
	require.NoError(t, os.MkdirAll(dir, 0755))
	wal, err := openWAL(filepath.Join(dir, "wal.log"), true)
	require.NoError(t, err)
	defer wal.close()

	_, err = wal.appendEntry(NewSet("key", "value"))
	require.NoError(t, err)
	handle := wal.logFile

	// the path is gone, but the open file can still be cleared and written
	require.NoError(t, os.RemoveAll(dir))
	require.NoError(t, wal.clear())
	require.Same(t, handle, wal.logFile)

	offset, err := wal.appendEntry(NewSet("next", "value"))
	require.NoError(t, err)
	require.Zero(t, offset)
	require.Equal(t, int64(len(encodeRecord(NewSet("next", "value")))), wal.bytes())
}

func TestWAL_clearAfterClose(t *testing.T) {
	wal, err := openWAL(filepath.Join(t.TempDir(), "wal.log"), false)
	require.NoError(t, err)
	require.NoError(t, wal.close())

	require.ErrorIs(t, wal.clear(), ErrClosed)
}

func TestWAL_appendEntry(t *testing.T) {
	wal := openTestWAL(t)

	first := NewSet("testKey", "testValue")
	second := NewRemove("testKey")

	offset, err := wal.appendEntry(first)
	require.NoError(t, err)
	require.Zero(t, offset)

	offset, err = wal.appendEntry(second)
	require.NoError(t, err)
	require.Equal(t, int64(len(encodeRecord(first))), offset)

	// Read the content of the file and check if it matches the expected framing
	fileContent, err := os.ReadFile(wal.walPath)
	require.NoError(t, err)

	expected := append(encodeRecord(first), encodeRecord(second)...)
	require.Equal(t, expected, fileContent)
}

func TestWAL_replayInOrder(t *testing.T) {
	wal := openTestWAL(t)

	commands := []Command{
		NewSet("key1", "value1"),
		NewSet("key2", "value2"),
		NewRemove("key1"),
	}
	for _, cmd := range commands {
		_, err := wal.appendEntry(cmd)
		require.NoError(t, err)
	}

	var got []Command
	replayed, discarded, err := wal.replay(func(cmd Command) { got = append(got, cmd) })
	require.NoError(t, err)
	require.Equal(t, 3, replayed)
	require.Zero(t, discarded)
	require.Equal(t, commands, got)
}

func TestWAL_replayDiscardsTruncatedTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")

	complete := append(encodeRecord(NewSet("a", "1")), encodeRecord(NewSet("b", "2"))...)
	partial := encodeRecord(NewSet("c", "3"))
	partial = partial[:len(partial)-2]
	require.NoError(t, os.WriteFile(path, append(complete, partial...), 0600))

	wal, err := openWAL(path, false)
	require.NoError(t, err)
	defer wal.close()

	var got []Command
	replayed, discarded, err := wal.replay(func(cmd Command) { got = append(got, cmd) })
	require.NoError(t, err)
	require.Equal(t, 2, replayed)
	require.Equal(t, int64(len(partial)), discarded)
	require.Equal(t, []Command{NewSet("a", "1"), NewSet("b", "2")}, got)

	// the partial frame is gone, so a new append lands on a record boundary
	_, err = wal.appendEntry(NewSet("d", "4"))
	require.NoError(t, err)

	got = nil
	_, discarded, err = wal.replay(func(cmd Command) { got = append(got, cmd) })
	require.NoError(t, err)
	require.Zero(t, discarded)
	require.Equal(t, []Command{NewSet("a", "1"), NewSet("b", "2"), NewSet("d", "4")}, got)
}

func TestWAL_replayStopsAtMalformedRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")

	good := encodeRecord(NewSet("a", "1"))
	bad := []byte{0x00, 0x00, 0x00, 0x02, 0x09, 0x09}
	require.NoError(t, os.WriteFile(path, append(good, bad...), 0600))

	wal, err := openWAL(path, false)
	require.NoError(t, err)
	defer wal.close()

	replayed, discarded, err := wal.replay(func(Command) {})
	require.NoError(t, err)
	require.Equal(t, 1, replayed)
	require.Equal(t, int64(len(bad)), discarded)
	require.Equal(t, int64(len(good)), wal.bytes())
}

func TestWAL_appendAfterClose(t *testing.T) {
	wal, err := openWAL(filepath.Join(t.TempDir(), "wal.log"), true)
	require.NoError(t, err)
	require.NoError(t, wal.close())
	require.NoError(t, wal.close())

	_, err = wal.appendEntry(NewSet("a", "1"))
	require.ErrorIs(t, err, ErrClosed)
}
