package domain

import "time"

// ArtifactRef describes content stored in the artifact store. The digest is
// the identity; the remaining fields are metadata recorded at write time.
// References are cheap to copy and safe to embed in envelopes and manifests
// while the bytes themselves stay in the store.
type ArtifactRef struct {
	// Digest is the SHA-256 content address of the stored bytes.
	Digest Digest `json:"digest"`

	// Size is the stored content length in bytes.
	Size int64 `json:"size" validate:"min=0"`

	// ContentType is an advisory hint recorded by the producer
	// (e.g. "text/plain", "application/json"). It is never trusted for
	// parsing; the store and core treat all content as opaque bytes.
	ContentType string `json:"content_type,omitempty"`

	// StoredAt records when the artifact was first written.
	// Re-putting identical bytes does not update it.
	StoredAt time.Time `json:"stored_at,omitempty"`
}

// Validate checks the reference for structural problems.
func (a ArtifactRef) Validate() error {
	if a.Digest.IsZero() {
		return ErrInvalidDigest
	}
	return validate.Struct(a)
}

// IsZero reports whether the reference has no meaningful value set.
// Enables value semantics with JSON omitempty behavior on embedding structs.
func (a ArtifactRef) IsZero() bool {
	return a.Digest.IsZero() && a.Size == 0 && a.ContentType == ""
}
