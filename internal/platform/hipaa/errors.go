package hipaa

import (
	"errors"
	"fmt"
)

var (
	// ErrKeyDestroyed is returned by a KeyHandle used after Destroy.
	ErrKeyDestroyed = errors.New("key handle destroyed")
	// ErrNoKey is returned when a protected field is processed without key material.
	ErrNoKey = errors.New("no key material for protected field")
	// ErrRecordDecrypt is the only error RecordCodec.Decrypt hands to callers.
	// The field-level cause stays reachable through errors.As for logging.
	ErrRecordDecrypt = errors.New("record could not be decrypted")
)

// FieldDecryptionError reports which protected field failed to decrypt.
// It must never be rendered to API clients.
type FieldDecryptionError struct {
	FieldID string
	Path    string
	Cause   error
}

func (e *FieldDecryptionError) Error() string {
	return fmt.Sprintf("decrypt field %q: %v", e.Path, e.Cause)
}

func (e *FieldDecryptionError) Unwrap() error { return e.Cause }

// FieldEncryptionError reports a protected field that was left in plaintext
// because encryption failed during submission. Path locates the value inside
// the record (see FieldPath); FieldID alone is ambiguous once a sub-form
// repeats.
type FieldEncryptionError struct {
	FieldID string
	Path    string
	Cause   error
}

func (e *FieldEncryptionError) Error() string {
	return fmt.Sprintf("encrypt field %q: %v", e.Path, e.Cause)
}

func (e *FieldEncryptionError) Unwrap() error { return e.Cause }

// recordDecryptError keeps the field cause while matching ErrRecordDecrypt.
type recordDecryptError struct {
	cause error
}

func (e *recordDecryptError) Error() string { return ErrRecordDecrypt.Error() }

func (e *recordDecryptError) Is(target error) bool { return target == ErrRecordDecrypt }

func (e *recordDecryptError) Unwrap() error { return e.cause }
