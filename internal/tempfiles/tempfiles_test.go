package tempfiles

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateMakesMissingDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "spool", "nested")

	f, err := Create(dir, "recall-test-*")
	require.NoError(t, err)
	defer func() {
		_ = f.Close()
		_ = os.Remove(f.Name())
	}()

	require.Equal(t, dir, filepath.Dir(f.Name()))

	info, err := os.Stat(dir)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o700), info.Mode().Perm())
}

func TestDeleteOnCloseUnlinksAfterRead(t *testing.T) {
	f, err := Create(t.TempDir(), "recall-test-*")
	require.NoError(t, err)

	_, err = f.WriteString("spooled")
	require.NoError(t, err)
	_, err = f.Seek(0, io.SeekStart)
	require.NoError(t, err)

	path := f.Name()
	rc := NewDeleteOnClose(f)

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "spooled", string(data))

	require.NoError(t, rc.Close())
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))

	// Second close reports nothing even though the file is gone.
	require.NoError(t, rc.Close())
}
