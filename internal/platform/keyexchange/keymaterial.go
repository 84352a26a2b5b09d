package keyexchange

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ehr/rxvault/internal/platform/hipaa"
	"github.com/ehr/rxvault/internal/platform/resource"
)

var (
	// ErrKeyDerivation matches every KeyDerivationError.
	ErrKeyDerivation = errors.New("key derivation failed")
	// ErrKeyTokenMissing is returned when a record whose template has
	// free-text fields carries no key token.
	ErrKeyTokenMissing = errors.New("record has no key token")
)

// KeyDerivationError records the stage of LoadKeyMaterial that failed.
type KeyDerivationError struct {
	Stage string
	Cause error
}

func (e *KeyDerivationError) Error() string {
	return fmt.Sprintf("key derivation failed during %s: %v", e.Stage, e.Cause)
}

func (e *KeyDerivationError) Unwrap() error { return e.Cause }

func (e *KeyDerivationError) Is(target error) bool { return target == ErrKeyDerivation }

const (
	StageIdentify = "identify"
	StageImport   = "import"
)

// KeyMaterial is the derived key of one record, owned by the view session
// that loaded it. It is never shared across records.
type KeyMaterial struct {
	mu     sync.Mutex
	raw    []byte
	handle hipaa.KeyHandle
}

// NewKeyMaterial takes ownership of raw and its imported handle.
func NewKeyMaterial(raw []byte, handle hipaa.KeyHandle) *KeyMaterial {
	return &KeyMaterial{raw: raw, handle: handle}
}

// Handle returns the imported key, or nil for a nil or destroyed KeyMaterial.
func (k *KeyMaterial) Handle() hipaa.KeyHandle {
	if k == nil {
		return nil
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.handle
}

// Destroy zeroes the raw bytes and releases the imported handle. Safe to
// call more than once and on nil.
func (k *KeyMaterial) Destroy() {
	if k == nil {
		return
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	hipaa.Zero(k.raw)
	k.raw = nil
	if k.handle != nil {
		k.handle.Destroy()
		k.handle = nil
	}
}

// LoadKeyMaterial unwraps token through client and imports the result.
// Every failure yields Failed(*KeyDerivationError); bytes obtained before a
// failed import are zeroed so no partial key survives.
func LoadKeyMaterial(ctx context.Context, client Client, importer hipaa.KeyImporter, token PseudonymInTransit) resource.State[*KeyMaterial] {
	raw, err := client.IdentifyPseudonymInTransit(ctx, token)
	if err != nil {
		hipaa.Zero(raw)
		return resource.Fail[*KeyMaterial](&KeyDerivationError{Stage: StageIdentify, Cause: err})
	}
	if err := ctx.Err(); err != nil {
		hipaa.Zero(raw)
		return resource.Fail[*KeyMaterial](&KeyDerivationError{Stage: StageIdentify, Cause: err})
	}

	handle, err := importer.ImportKey(raw)
	if err != nil {
		hipaa.Zero(raw)
		return resource.Fail[*KeyMaterial](&KeyDerivationError{Stage: StageImport, Cause: err})
	}
	return resource.Ready(NewKeyMaterial(raw, handle))
}

// ResolveKey decides whether a record needs key material at all. A record
// without a token resolves to Success(nil) only when its schema has no
// free-text fields; otherwise the missing token is a failure.
func ResolveKey(ctx context.Context, client Client, importer hipaa.KeyImporter, token PseudonymInTransit, requiresEncryption bool) resource.State[*KeyMaterial] {
	if token == "" {
		if requiresEncryption {
			return resource.Fail[*KeyMaterial](ErrKeyTokenMissing)
		}
		return resource.Ready[*KeyMaterial](nil)
	}
	return LoadKeyMaterial(ctx, client, importer, token)
}
