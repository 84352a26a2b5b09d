package keyexchange

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"

	"github.com/ehr/rxvault/internal/platform/hipaa"
)

const (
	localTokenPrefix  = "lk1:"
	localPseudoPrefix = "psn:"
	dataKeySize       = 32
	minSecretSize     = 32
)

var errMalformedToken = errors.New("malformed key token")

// LocalClient is an in-process key exchange for development and tests.
// Two subkeys are expanded from one master secret with HKDF-SHA256: one keys
// the pseudonym HMAC, the other wraps issued data keys with AES-GCM.
type LocalClient struct {
	pseudonymKey []byte
	wrap         cipher.AEAD
}

// NewLocalClient builds a LocalClient from a master secret of at least 32 bytes.
func NewLocalClient(secret []byte) (*LocalClient, error) {
	if len(secret) < minSecretSize {
		return nil, fmt.Errorf("local key exchange: secret must be at least %d bytes, got %d", minSecretSize, len(secret))
	}

	pseudonymKey, err := expand(secret, "rxvault pseudonym")
	if err != nil {
		return nil, err
	}
	wrapKey, err := expand(secret, "rxvault key wrap")
	if err != nil {
		return nil, err
	}
	defer hipaa.Zero(wrapKey)

	block, err := aes.NewCipher(wrapKey)
	if err != nil {
		return nil, fmt.Errorf("local key exchange: wrap cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("local key exchange: wrap GCM: %w", err)
	}
	return &LocalClient{pseudonymKey: pseudonymKey, wrap: aead}, nil
}

// NewLocalClientHex decodes a hex master secret, the form used in config.
func NewLocalClientHex(secret string) (*LocalClient, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(secret))
	if err != nil {
		return nil, fmt.Errorf("local key exchange: decode secret: %w", err)
	}
	defer hipaa.Zero(raw)
	return NewLocalClient(raw)
}

func expand(secret []byte, info string) ([]byte, error) {
	out := make([]byte, dataKeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(info)), out); err != nil {
		return nil, fmt.Errorf("local key exchange: expand %s: %w", info, err)
	}
	return out, nil
}

func (c *LocalClient) Pseudonymize(ctx context.Context, plainIdentifier string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if plainIdentifier == "" {
		return "", errors.New("pseudonymize: empty identifier")
	}
	mac := hmac.New(sha256.New, c.pseudonymKey)
	mac.Write([]byte(plainIdentifier))
	return localPseudoPrefix + hex.EncodeToString(mac.Sum(nil)), nil
}

func (c *LocalClient) IdentifyPseudonymInTransit(ctx context.Context, token PseudonymInTransit) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	encoded, ok := strings.CutPrefix(string(token), localTokenPrefix)
	if !ok {
		return nil, errMalformedToken
	}
	sealed, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformedToken, err)
	}
	nonceSize := c.wrap.NonceSize()
	if len(sealed) < nonceSize {
		return nil, errMalformedToken
	}
	raw, err := c.wrap.Open(nil, sealed[:nonceSize], sealed[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("unwrap key token: %w", err)
	}
	return raw, nil
}

func (c *LocalClient) IssueKey(ctx context.Context) (PseudonymInTransit, []byte, error) {
	if err := ctx.Err(); err != nil {
		return "", nil, err
	}
	raw := make([]byte, dataKeySize)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", nil, fmt.Errorf("generate data key: %w", err)
	}
	nonce := make([]byte, c.wrap.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		hipaa.Zero(raw)
		return "", nil, fmt.Errorf("generate wrap nonce: %w", err)
	}
	sealed := c.wrap.Seal(nonce, nonce, raw, nil)
	return PseudonymInTransit(localTokenPrefix + base64.RawURLEncoding.EncodeToString(sealed)), raw, nil
}
