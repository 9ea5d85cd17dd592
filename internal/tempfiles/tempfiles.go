// Package tempfiles creates the spool files the blob stores and the response
// recorder stage data through.
package tempfiles

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// Create opens a new temp file under dir, creating dir first when missing.
// The directory is private to the service user.
func Create(dir string, pattern string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create temp dir %q: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	return f, nil
}

// NewDeleteOnClose hands a spooled file to a caller that will read it once.
// Closing the reader unlinks the file; a second Close is a no-op.
func NewDeleteOnClose(file *os.File) io.ReadCloser {
	return &unlinkOnClose{file: file, path: file.Name()}
}

type unlinkOnClose struct {
	file *os.File
	path string
	once sync.Once
}

func (u *unlinkOnClose) Read(p []byte) (int, error) {
	return u.file.Read(p)
}

func (u *unlinkOnClose) Close() error {
	var err error
	u.once.Do(func() {
		closeErr := u.file.Close()
		removeErr := os.Remove(u.path)
		if removeErr != nil && os.IsNotExist(removeErr) {
			removeErr = nil
		}
		err = errors.Join(closeErr, removeErr)
	})
	return err
}
