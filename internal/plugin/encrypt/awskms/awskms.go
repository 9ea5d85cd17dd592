// Package awskms registers the "kms" encryption provider. Data keys live in
// the application database (encryption_deks table) wrapped by an AWS KMS key;
// KMS is only consulted to wrap and unwrap DEKs at load time, never per
// request.
package awskms

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"

	"github.com/recallio/recall/internal/config"
	"github.com/recallio/recall/internal/plugin/encrypt/dek"
	"github.com/recallio/recall/internal/plugin/encrypt/dekstore"
	"github.com/recallio/recall/internal/registry/encrypt"
)

func init() {
	encrypt.Register(encrypt.Plugin{
		Name: "kms",
		Loader: func(ctx context.Context, cfg *config.Config) (encrypt.Provider, error) {
			if cfg.EncryptionKMSKeyID == "" {
				return nil, fmt.Errorf("kms provider: RECALL_ENCRYPTION_KMS_KEY_ID is required")
			}
			awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
			if err != nil {
				return nil, fmt.Errorf("kms provider: loading AWS config: %w", err)
			}
			wrapper := &kmsWrapper{client: kms.NewFromConfig(awsCfg), keyID: cfg.EncryptionKMSKeyID}
			return dek.New("kms", dekstore.NewKeyCache(cfg, "kms", wrapper)), nil
		},
	})
}

// kmsWrapper wraps DEKs with an AWS KMS customer master key.
type kmsWrapper struct {
	client *kms.Client
	keyID  string
}

func (w *kmsWrapper) Wrap(ctx context.Context, plaintext []byte) ([]byte, error) {
	out, err := w.client.Encrypt(ctx, &kms.EncryptInput{
		KeyId:     aws.String(w.keyID),
		Plaintext: plaintext,
	})
	if err != nil {
		return nil, fmt.Errorf("kms: Encrypt: %w", err)
	}
	return out.CiphertextBlob, nil
}

func (w *kmsWrapper) Unwrap(ctx context.Context, wrapped []byte) ([]byte, error) {
	out, err := w.client.Decrypt(ctx, &kms.DecryptInput{
		CiphertextBlob: wrapped,
		KeyId:          aws.String(w.keyID),
	})
	if err != nil {
		return nil, fmt.Errorf("kms: Decrypt: %w", err)
	}
	return out.Plaintext, nil
}
