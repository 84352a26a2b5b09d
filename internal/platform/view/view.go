// Package view assembles decrypted prescription views. A view is exposed only
// once the record, its template schema and its key material have all loaded;
// until then callers see a blocked view and never a partial one.
package view

import (
	"context"
	"errors"

	"github.com/ehr/rxvault/internal/platform/hipaa"
	"github.com/ehr/rxvault/internal/platform/keyexchange"
)

var (
	// ErrViewUnavailable is the only failure shown to callers. Causes are logged.
	ErrViewUnavailable = errors.New("prescription view unavailable")
	// ErrRecordNotFound is returned by a RecordLoader for an unknown id.
	ErrRecordNotFound = errors.New("prescription not found")
	// ErrSuperseded is returned by Await when another record was selected
	// while waiting.
	ErrSuperseded = errors.New("view superseded by another record")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("view session closed")
)

// Phase is the lifecycle position of an Assembler.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseResolving
	PhaseBlocked
	PhaseReady
	PhaseErrored
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseResolving:
		return "resolving"
	case PhaseBlocked:
		return "blocked"
	case PhaseReady:
		return "ready"
	case PhaseErrored:
		return "errored"
	default:
		return "unknown"
	}
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Terminal reports whether the phase will not change without a new selection.
func (p Phase) Terminal() bool {
	return p == PhaseReady || p == PhaseErrored
}

// Record is the stored, still encrypted form of a prescription as the
// assembler needs it. TemplateVersion is the version the record was written
// under; zero means unknown and resolves to the latest. PlaintextPaths are
// the field paths left unencrypted at submission.
type Record struct {
	ID              string
	TemplateCode    string
	TemplateVersion int
	KeyToken        keyexchange.PseudonymInTransit
	Responses       hipaa.Record
	PlaintextPaths  []string
}

// Schema classifies fields of one template version.
type Schema interface {
	hipaa.Classifier
	RequiresEncryption() bool
}

// RecordLoader fetches a record by id. It must honor ctx cancellation.
type RecordLoader func(ctx context.Context, id string) (*Record, error)

// SchemaLoader fetches the schema of one version of a template code, or of
// the latest version when version is zero. It must honor ctx cancellation.
type SchemaLoader func(ctx context.Context, templateCode string, version int) (Schema, error)

// Sources are the collaborators an Assembler loads from.
type Sources struct {
	Records  RecordLoader
	Schemas  SchemaLoader
	Keys     keyexchange.Client
	Importer hipaa.KeyImporter
	Codec    *hipaa.RecordCodec
}

// DecryptedView is a snapshot of an Assembler. Responses is set only in
// PhaseReady; Err is ErrViewUnavailable in PhaseErrored.
type DecryptedView struct {
	Phase        Phase        `json:"status"`
	RecordID     string       `json:"id"`
	TemplateCode string       `json:"template_code,omitempty"`
	Responses    hipaa.Record `json:"responses,omitempty"`
	Err          error        `json:"-"`
}
