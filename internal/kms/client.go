package kms

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/awnumar/memguard"
)

// ErrInvalidKey is returned when key material is not a 32-byte secp256k1 scalar.
var ErrInvalidKey = errors.New("kms: invalid private key material")

const keyLen = 32

// api is the subset of the KMS SDK the client calls.
type api interface {
	Decrypt(ctx context.Context, in *kms.DecryptInput, opts ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// Decrypter turns a ciphertext blob into plaintext. *Client satisfies it.
type Decrypter interface {
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

// Client wraps the AWS KMS SDK to perform decryption operations.
type Client struct {
	kms api
}

// New creates a KMS Client. If localStackEndpoint is non-empty, the client
// targets that endpoint with dummy credentials (for local development).
// Otherwise it uses the AWS default credential chain (IAM Roles in production).
func New(ctx context.Context, region, localStackEndpoint string) (*Client, error) {
	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(region))

	if localStackEndpoint != "" {
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("test", "test", "test")),
		)
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("kms: load aws config: %w", err)
	}

	var kmsOpts []func(*kms.Options)
	if localStackEndpoint != "" {
		kmsOpts = append(kmsOpts, func(o *kms.Options) {
			o.BaseEndpoint = aws.String(localStackEndpoint)
		})
	}

	return &Client{
		kms: kms.NewFromConfig(cfg, kmsOpts...),
	}, nil
}

// Decrypt sends the ciphertext blob to KMS and returns the decrypted plaintext bytes.
// The caller is responsible for wiping the returned bytes.
func (c *Client) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	out, err := c.kms.Decrypt(ctx, &kms.DecryptInput{
		CiphertextBlob: ciphertext,
	})
	if err != nil {
		return nil, fmt.Errorf("kms: decrypt: %w", err)
	}
	return out.Plaintext, nil
}

// DecryptKeyFile reads the ciphertext blob at path and returns the operator
// key it wraps. The plaintext may be the raw 32 bytes or hex text.
func DecryptKeyFile(ctx context.Context, d Decrypter, path string) ([]byte, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("kms: read key file: %w", err)
	}
	plain, err := d.Decrypt(ctx, blob)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(plain)
	return ParseKey(plain)
}

// ParseKey normalizes key material into a fresh 32-byte slice. Hex input may
// carry a 0x prefix and surrounding whitespace.
func ParseKey(material []byte) ([]byte, error) {
	if len(material) == keyLen {
		return bytes.Clone(material), nil
	}
	text := bytes.TrimSpace(material)
	text = bytes.TrimPrefix(bytes.TrimPrefix(text, []byte("0x")), []byte("0X"))
	if len(text) != 2*keyLen {
		return nil, ErrInvalidKey
	}
	key := make([]byte, keyLen)
	if _, err := hex.Decode(key, text); err != nil {
		return nil, ErrInvalidKey
	}
	return key, nil
}

// OperatorKey resolves the operator key from either a hex string or a
// KMS-encrypted file. The hex form wins when both are set.
func OperatorKey(ctx context.Context, hexKey, encryptedPath, region, localStackEndpoint string) ([]byte, error) {
	if hexKey != "" {
		return ParseKey([]byte(hexKey))
	}
	if encryptedPath == "" {
		return nil, fmt.Errorf("%w: no key configured", ErrInvalidKey)
	}
	client, err := New(ctx, region, localStackEndpoint)
	if err != nil {
		return nil, err
	}
	return DecryptKeyFile(ctx, client, encryptedPath)
}
