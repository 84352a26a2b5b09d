package view

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/ehr/rxvault/internal/platform/hipaa"
	"github.com/ehr/rxvault/internal/platform/keyexchange"
)

// fakeSchema protects the listed field ids wherever they appear.
type fakeSchema map[string]bool

func (s fakeSchema) ClassifyIn(_ []string, fieldID string) hipaa.Classification {
	if s[fieldID] {
		return hipaa.Protected
	}
	return hipaa.Passthrough
}

func (s fakeSchema) RequiresEncryption() bool { return len(s) > 0 }

// gate blocks a load until released or the load's context ends.
type gate chan struct{}

func (g gate) wait(ctx context.Context) error {
	if g == nil {
		return nil
	}
	select {
	case <-g:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type fakeKeys struct {
	mu     sync.Mutex
	raw    map[keyexchange.PseudonymInTransit][]byte
	gates  map[keyexchange.PseudonymInTransit]gate
	err    error
	issued [][]byte
}

func (f *fakeKeys) Pseudonymize(context.Context, string) (string, error) { return "psn", nil }

func (f *fakeKeys) IdentifyPseudonymInTransit(ctx context.Context, token keyexchange.PseudonymInTransit) ([]byte, error) {
	f.mu.Lock()
	g := f.gates[token]
	f.mu.Unlock()
	if err := g.wait(ctx); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	raw, ok := f.raw[token]
	if !ok {
		return nil, errors.New("unknown token")
	}
	out := append([]byte(nil), raw...)
	f.issued = append(f.issued, out)
	return out, nil
}

func (f *fakeKeys) lastIssued() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.issued) == 0 {
		return nil
	}
	return f.issued[len(f.issued)-1]
}

type fixture struct {
	t           *testing.T
	codec       *hipaa.RecordCodec
	keys        *fakeKeys
	recordLoads atomic.Int64

	mu          sync.Mutex
	records     map[string]*Record
	recordGates map[string]gate
	schemas     map[string]Schema
	schemaGates map[string]gate
}

func newFixture(t *testing.T) *fixture {
	return &fixture{
		t:           t,
		codec:       hipaa.NewRecordCodec(hipaa.NewFieldCodec(), zerolog.Nop()),
		keys:        &fakeKeys{raw: map[keyexchange.PseudonymInTransit][]byte{}, gates: map[keyexchange.PseudonymInTransit]gate{}},
		records:     map[string]*Record{},
		recordGates: map[string]gate{},
		schemas:     map[string]Schema{},
		schemaGates: map[string]gate{},
	}
}

func (f *fixture) sources() Sources {
	return Sources{
		Records: func(ctx context.Context, id string) (*Record, error) {
			f.recordLoads.Inc()
			f.mu.Lock()
			g := f.recordGates[id]
			f.mu.Unlock()
			if err := g.wait(ctx); err != nil {
				return nil, err
			}
			f.mu.Lock()
			defer f.mu.Unlock()
			rec, ok := f.records[id]
			if !ok {
				return nil, ErrRecordNotFound
			}
			return rec, nil
		},
		Schemas: func(ctx context.Context, code string, _ int) (Schema, error) {
			f.mu.Lock()
			g := f.schemaGates[code]
			f.mu.Unlock()
			if err := g.wait(ctx); err != nil {
				return nil, err
			}
			f.mu.Lock()
			defer f.mu.Unlock()
			s, ok := f.schemas[code]
			if !ok {
				return nil, errors.New("template not found")
			}
			return s, nil
		},
		Keys:     f.keys,
		Importer: hipaa.AESImporter{},
		Codec:    f.codec,
	}
}

func (f *fixture) assembler() *Assembler {
	return f.assemblerWithLogger(zerolog.Nop())
}

func (f *fixture) assemblerWithLogger(logger zerolog.Logger) *Assembler {
	a := NewAssembler(context.Background(), f.sources(), logger)
	f.t.Cleanup(a.Close)
	return a
}

// logBuffer is a bytes.Buffer safe for concurrent zerolog writes.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// refusingKey fails to encrypt one plaintext.
type refusingKey struct {
	hipaa.KeyHandle
	refuse string
}

func (k refusingKey) Encrypt(p string) (string, error) {
	if p == k.refuse {
		return "", errors.New("cipher rejected input")
	}
	return k.KeyHandle.Encrypt(p)
}

func testKey(seed byte) []byte {
	b := make([]byte, 32)
	for i := range b {
		b[i] = seed + byte(i)
	}
	return b
}

// addEncrypted stores a record whose protected fields are encrypted under a
// key derived from seed and reachable through token.
func (f *fixture) addEncrypted(id, code string, token keyexchange.PseudonymInTransit, seed byte, schema fakeSchema, plain hipaa.Record) {
	f.t.Helper()
	handle, err := hipaa.AESImporter{}.ImportKey(testKey(seed))
	require.NoError(f.t, err)
	defer handle.Destroy()

	enc, failures := f.codec.Encrypt(context.Background(), plain, schema, handle)
	require.Empty(f.t, failures)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[id] = &Record{ID: id, TemplateCode: code, KeyToken: token, Responses: enc}
	f.schemas[code] = schema
	f.keys.mu.Lock()
	f.keys.raw[token] = testKey(seed)
	f.keys.mu.Unlock()
}

func (f *fixture) holdRecord(id string) gate {
	g := make(gate)
	f.mu.Lock()
	f.recordGates[id] = g
	f.mu.Unlock()
	return g
}

func (f *fixture) holdSchema(code string) gate {
	g := make(gate)
	f.mu.Lock()
	f.schemaGates[code] = g
	f.mu.Unlock()
	return g
}

func (f *fixture) holdKey(token keyexchange.PseudonymInTransit) gate {
	g := make(gate)
	f.keys.mu.Lock()
	f.keys.gates[token] = g
	f.keys.mu.Unlock()
	return g
}
