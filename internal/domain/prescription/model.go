package prescription

import (
	"time"

	"github.com/google/uuid"

	"github.com/ehr/rxvault/internal/platform/hipaa"
	"github.com/ehr/rxvault/internal/platform/keyexchange"
)

// Record maps to the prescription_record table. Responses hold ciphertext
// envelopes for every free-text field except the paths listed in
// UnencryptedFields, which failed to encrypt on submission.
type Record struct {
	ID                uuid.UUID                      `db:"id" json:"id"`
	TemplateCode      string                         `db:"template_code" json:"template_code"`
	TemplateVersion   int                            `db:"template_version" json:"template_version"`
	SubjectPseudonym  *string                        `db:"subject_pseudonym" json:"subject_pseudonym,omitempty"`
	PseudonymizedKey  keyexchange.PseudonymInTransit `db:"pseudonymized_key" json:"pseudonymized_key,omitempty"`
	Responses         hipaa.Record                   `db:"responses" json:"responses"`
	UnencryptedFields []string                       `db:"unencrypted_fields" json:"unencrypted_fields,omitempty"`
	CreatedBy         *string                        `db:"created_by" json:"created_by,omitempty"`
	CreatedAt         time.Time                      `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time                      `db:"updated_at" json:"updated_at"`
}

// Submission is a prescription as entered, before encryption.
type Submission struct {
	TemplateCode string       `json:"template_code"`
	SubjectID    string       `json:"subject_id,omitempty"`
	Responses    hipaa.Record `json:"responses"`
}

// Prepared is a submission ready to be stored. Failures lists protected
// fields that stayed in plaintext; UnencryptedFields holds their paths.
type Prepared struct {
	TemplateCode      string                         `json:"template_code"`
	TemplateVersion   int                            `json:"template_version"`
	SubjectPseudonym  string                         `json:"subject_pseudonym,omitempty"`
	PseudonymizedKey  keyexchange.PseudonymInTransit `json:"pseudonymized_key,omitempty"`
	Responses         hipaa.Record                   `json:"responses"`
	UnencryptedFields []string                       `json:"unencrypted_fields,omitempty"`
	Failures          []hipaa.FieldEncryptionError   `json:"-"`
}

// Summary is the list form of a record. Responses are left out.
type Summary struct {
	ID                uuid.UUID `json:"id"`
	TemplateCode      string    `json:"template_code"`
	TemplateVersion   int       `json:"template_version"`
	SubjectPseudonym  *string   `json:"subject_pseudonym,omitempty"`
	UnencryptedFields []string  `json:"unencrypted_fields,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

func (r *Record) Summary() Summary {
	return Summary{
		ID:                r.ID,
		TemplateCode:      r.TemplateCode,
		TemplateVersion:   r.TemplateVersion,
		SubjectPseudonym:  r.SubjectPseudonym,
		UnencryptedFields: r.UnencryptedFields,
		CreatedAt:         r.CreatedAt,
	}
}
