package hipaa

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Envelope prefix format: "v{version}:" prepended to ciphertext.
const envelopePrefix = "v"
const envelopeSeparator = ":"

// CurrentEnvelopeVersion is written on every newly encrypted field.
const CurrentEnvelopeVersion = 1

// Envelope errors carry no part of the rejected value; they end up in logs.
var (
	errNoEnvelope      = errors.New("no envelope prefix")
	errNoSeparator     = errors.New("no envelope separator")
	errEnvelopeVersion = errors.New("invalid envelope version")
)

// FieldCodec seals and opens single protected values. The two directions
// have different failure contracts; see RecordCodec.
type FieldCodec struct {
	version int
}

// NewFieldCodec returns a codec writing the current envelope version.
func NewFieldCodec() FieldCodec {
	return FieldCodec{version: CurrentEnvelopeVersion}
}

// EncryptField encrypts value under key and prepends the envelope version.
func (c FieldCodec) EncryptField(key KeyHandle, value string) (string, error) {
	if key == nil {
		return "", ErrNoKey
	}
	ciphertext, err := key.Encrypt(value)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s%d%s%s", envelopePrefix, c.versionOrDefault(), envelopeSeparator, ciphertext), nil
}

// DecryptField checks the envelope and decrypts. Values without a known
// envelope are rejected rather than passed through.
func (c FieldCodec) DecryptField(key KeyHandle, ciphertext string) (string, error) {
	if key == nil {
		return "", ErrNoKey
	}
	version, data, err := parseEnvelope(ciphertext)
	if err != nil {
		return "", err
	}
	if version != CurrentEnvelopeVersion {
		return "", fmt.Errorf("unsupported envelope version %d", version)
	}
	return key.Decrypt(data)
}

func (c FieldCodec) versionOrDefault() int {
	if c.version == 0 {
		return CurrentEnvelopeVersion
	}
	return c.version
}

func parseEnvelope(s string) (int, string, error) {
	if !strings.HasPrefix(s, envelopePrefix) {
		return 0, "", errNoEnvelope
	}

	idx := strings.Index(s, envelopeSeparator)
	if idx < 0 {
		return 0, "", errNoSeparator
	}

	version, err := strconv.Atoi(s[len(envelopePrefix):idx])
	if err != nil {
		return 0, "", errEnvelopeVersion
	}

	return version, s[idx+1:], nil
}
