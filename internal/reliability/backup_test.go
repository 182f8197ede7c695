package reliability

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBackupTime(t *testing.T) {
	at, ok := parseBackupTime("pipeline-backup-20260828-031500.tar.gz")
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 8, 28, 3, 15, 0, 0, time.UTC), at)

	_, ok = parseBackupTime("pipeline-backup-garbage.tar.gz")
	assert.False(t, ok)

	_, ok = parseBackupTime("unrelated-object.bin")
	assert.False(t, ok)
}

func TestFileChecksum(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	checksum, size, err := fileChecksum(path)
	require.NoError(t, err)
	assert.Equal(t, int64(5), size)
	// sha256("hello")
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", checksum)
}

func TestWriteArchiveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "ledger.db")
	require.NoError(t, os.WriteFile(src, []byte("snapshot-bytes"), 0o644))

	dest := filepath.Join(dir, "out.tar.gz")
	require.NoError(t, writeArchive(dest, []string{src}))

	info, err := os.Stat(dest)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}
