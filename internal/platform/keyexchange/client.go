// Package keyexchange derives per-record key material from a
// privacy-preserving key exchange backend. The wire protocol belongs to the
// backend; this package only consumes it through Client and Issuer.
package keyexchange

import "context"

// PseudonymInTransit is the opaque wrapped key token stored with a record.
// Only the backend that issued it can turn it back into key bytes.
type PseudonymInTransit string

// Client is the read side of the key exchange.
type Client interface {
	// Pseudonymize maps a plain identifier to a stable pseudonym.
	Pseudonymize(ctx context.Context, plainIdentifier string) (string, error)
	// IdentifyPseudonymInTransit unwraps token into raw key bytes. The caller
	// owns the returned slice and must zero it.
	IdentifyPseudonymInTransit(ctx context.Context, token PseudonymInTransit) ([]byte, error)
}

// Issuer mints a fresh data key for a new record together with the token
// that will later unwrap it.
type Issuer interface {
	IssueKey(ctx context.Context) (PseudonymInTransit, []byte, error)
}

// Backend is a key exchange able to serve both reads and submissions.
type Backend interface {
	Client
	Issuer
}
