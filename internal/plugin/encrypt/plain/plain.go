// Package plain registers the "plain" passthrough provider. It writes no MSEH
// envelope and returns data unchanged, which makes it the right primary for
// deployments without at-rest encryption and a safe decrypt fallback during
// migration to an encrypting provider.
package plain

import (
	"context"
	"io"

	"github.com/recallio/recall/internal/config"
	"github.com/recallio/recall/internal/registry/encrypt"
)

func init() {
	encrypt.Register(encrypt.Plugin{
		Name: "plain",
		Loader: func(_ context.Context, cfg *config.Config) (encrypt.Provider, error) {
			return &plainProvider{cfg: cfg}, nil
		},
	})
}

type plainProvider struct {
	cfg *config.Config
}

func (p *plainProvider) ID() string { return "plain" }

func (p *plainProvider) Encrypt(_ string, plaintext []byte) ([]byte, error) {
	return plaintext, nil
}

func (p *plainProvider) Decrypt(_ string, ciphertext []byte) ([]byte, error) {
	return ciphertext, nil
}

func (p *plainProvider) EncryptStream(_ string, dst io.Writer) (io.WriteCloser, error) {
	return &nopWriteCloser{dst}, nil
}

func (p *plainProvider) DecryptStream(_ string, src io.Reader, _ *encrypt.Header) (io.Reader, error) {
	return src, nil
}

// AttachmentSigningKeys derives signing keys from cfg.EncryptionKey when set,
// so signed download URLs work even without at-rest encryption.
func (p *plainProvider) AttachmentSigningKeys(_ context.Context) ([][]byte, error) {
	return p.cfg.AttachmentSigningKeys()
}

type nopWriteCloser struct{ io.Writer }

func (n *nopWriteCloser) Close() error { return nil }
