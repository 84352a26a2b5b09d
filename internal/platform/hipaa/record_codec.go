package hipaa

import (
	"context"
	"strconv"

	"github.com/rs/zerolog"
)

// Record is a form response keyed by field id. Values are strings, numbers,
// booleans, nil, nested Records (map[string]any) or lists of those.
type Record = map[string]any

// Classification is how a schema treats one field id.
type Classification int

const (
	// Unknown means the id is not in the schema. It is handled as Passthrough.
	Unknown Classification = iota
	Passthrough
	Protected
)

func (c Classification) String() string {
	switch c {
	case Protected:
		return "protected"
	case Passthrough:
		return "passthrough"
	default:
		return "unknown"
	}
}

// Classifier answers classification questions for RecordCodec. scope is the
// chain of parent field ids leading to the map that holds fieldID; it is
// empty for top-level fields.
type Classifier interface {
	ClassifyIn(scope []string, fieldID string) Classification
}

// RecordCodec applies a Classifier and a FieldCodec across a whole record.
// Decrypt is all-or-nothing; Encrypt is best-effort per field.
type RecordCodec struct {
	fields FieldCodec
	logger zerolog.Logger
}

// NewRecordCodec creates a RecordCodec that logs field failures to logger.
func NewRecordCodec(fields FieldCodec, logger zerolog.Logger) *RecordCodec {
	return &RecordCodec{fields: fields, logger: logger}
}

// DecryptOption tunes a single Decrypt call.
type DecryptOption func(*decryptOptions)

type decryptOptions struct {
	plaintext map[string]bool
}

// WithPlaintextPaths lists field paths known to have been stored in
// plaintext because their encryption failed at submission. Exactly those
// values are passed through; the same field id elsewhere in the record is
// still decrypted.
func WithPlaintextPaths(paths ...string) DecryptOption {
	return func(o *decryptOptions) {
		if o.plaintext == nil {
			o.plaintext = make(map[string]bool, len(paths))
		}
		for _, p := range paths {
			o.plaintext[p] = true
		}
	}
}

// FieldPath joins a parent path and a field id. Top-level paths are the bare
// field id.
func FieldPath(parent, id string) string {
	if parent == "" {
		return id
	}
	return parent + "/" + id
}

// ItemPath is the path of item i of the list at path, e.g. "items[0]".
func ItemPath(path string, i int) string {
	return path + "[" + strconv.Itoa(i) + "]"
}

// Decrypt returns a decrypted copy of rec. Any failure on any protected field
// aborts the walk; the partial copy is discarded and ErrRecordDecrypt is
// returned. The input record is not modified.
func (c *RecordCodec) Decrypt(ctx context.Context, rec Record, schema Classifier, key KeyHandle, opts ...DecryptOption) (Record, error) {
	var o decryptOptions
	for _, opt := range opts {
		opt(&o)
	}

	w := decryptWalk{ctx: ctx, codec: c.fields, schema: schema, key: key, plaintext: o.plaintext}
	out, err := w.record(nil, "", rec)
	if err != nil {
		c.logger.Warn().Err(err).Msg("record decryption aborted")
		return nil, &recordDecryptError{cause: err}
	}
	return out, nil
}

type decryptWalk struct {
	ctx       context.Context
	codec     FieldCodec
	schema    Classifier
	key       KeyHandle
	plaintext map[string]bool
}

func (w decryptWalk) record(scope []string, path string, rec Record) (Record, error) {
	if rec == nil {
		return nil, nil
	}
	out := make(Record, len(rec))
	for id, value := range rec {
		if err := w.ctx.Err(); err != nil {
			return nil, err
		}
		v, err := w.value(scope, FieldPath(path, id), id, value)
		if err != nil {
			return nil, err
		}
		out[id] = v
	}
	return out, nil
}

func (w decryptWalk) value(scope []string, path, id string, value any) (any, error) {
	switch typed := value.(type) {
	case string:
		if w.schema.ClassifyIn(scope, id) != Protected || w.plaintext[path] {
			return typed, nil
		}
		plain, err := w.codec.DecryptField(w.key, typed)
		if err != nil {
			return nil, &FieldDecryptionError{FieldID: id, Path: path, Cause: err}
		}
		return plain, nil
	case map[string]any:
		return w.record(childScope(scope, id), path, typed)
	case []any:
		return w.list(scope, path, id, typed)
	default:
		return value, nil
	}
}

// list walks maps and nested lists inside a list. A bare string item is not
// a field value of its own and is returned as is.
func (w decryptWalk) list(scope []string, path, id string, items []any) ([]any, error) {
	out := make([]any, len(items))
	for i, item := range items {
		switch typed := item.(type) {
		case map[string]any:
			v, err := w.record(childScope(scope, id), ItemPath(path, i), typed)
			if err != nil {
				return nil, err
			}
			out[i] = v
		case []any:
			v, err := w.list(scope, ItemPath(path, i), id, typed)
			if err != nil {
				return nil, err
			}
			out[i] = v
		default:
			out[i] = item
		}
	}
	return out, nil
}

// Encrypt returns an encrypted copy of rec and the fields that had to be left
// in plaintext. It never fails as a whole: a field whose encryption fails is
// logged and kept as submitted, and the walk continues. Once ctx is done the
// remaining protected fields are reported with ctx's error; callers must not
// store such a result.
func (c *RecordCodec) Encrypt(ctx context.Context, rec Record, schema Classifier, key KeyHandle) (Record, []FieldEncryptionError) {
	w := &encryptWalk{ctx: ctx, codec: c.fields, schema: schema, key: key}
	out := w.record(nil, "", rec)
	for _, f := range w.failures {
		c.logger.Error().
			Str("field_id", f.FieldID).
			Str("path", f.Path).
			AnErr("cause", f.Cause).
			Msg("field left unencrypted on submission")
	}
	return out, w.failures
}

type encryptWalk struct {
	ctx      context.Context
	codec    FieldCodec
	schema   Classifier
	key      KeyHandle
	failures []FieldEncryptionError
}

func (w *encryptWalk) record(scope []string, path string, rec Record) Record {
	if rec == nil {
		return nil
	}
	out := make(Record, len(rec))
	for id, value := range rec {
		out[id] = w.value(scope, FieldPath(path, id), id, value)
	}
	return out
}

func (w *encryptWalk) value(scope []string, path, id string, value any) any {
	switch typed := value.(type) {
	case string:
		if w.schema.ClassifyIn(scope, id) != Protected {
			return typed
		}
		if err := w.ctx.Err(); err != nil {
			w.failures = append(w.failures, FieldEncryptionError{FieldID: id, Path: path, Cause: err})
			return typed
		}
		sealed, err := w.codec.EncryptField(w.key, typed)
		if err != nil {
			w.failures = append(w.failures, FieldEncryptionError{FieldID: id, Path: path, Cause: err})
			return typed
		}
		return sealed
	case map[string]any:
		return w.record(childScope(scope, id), path, typed)
	case []any:
		return w.list(scope, path, id, typed)
	default:
		return value
	}
}

func (w *encryptWalk) list(scope []string, path, id string, items []any) []any {
	out := make([]any, len(items))
	for i, item := range items {
		switch typed := item.(type) {
		case map[string]any:
			out[i] = w.record(childScope(scope, id), ItemPath(path, i), typed)
		case []any:
			out[i] = w.list(scope, ItemPath(path, i), id, typed)
		default:
			out[i] = item
		}
	}
	return out
}

func childScope(scope []string, id string) []string {
	next := make([]string, len(scope)+1)
	copy(next, scope)
	next[len(scope)] = id
	return next
}
