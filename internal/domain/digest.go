// Package domain contains the pure types shared across the orchestration
// core: content digests, artifact references, money, task and run
// specifications, and the events emitted as tasks reach terminal states.
// Nothing in this package performs I/O.
package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// DigestSize is the width in bytes of an artifact digest.
// SHA-256 provides the collision resistance required for content identity;
// two artifacts with equal bytes always share a digest, and distinct content
// colliding is not a practical concern at this width.
const DigestSize = sha256.Size

// Digest-specific errors.
var (
	// ErrInvalidDigest indicates a digest string that is not valid
	// lowercase hex of the expected width.
	ErrInvalidDigest = errors.New("invalid digest")
)

// Digest is the content address of an artifact. The digest is the identity:
// there is no separate ID space, and deduplication of equal content is a
// consequence of the type rather than a store policy.
type Digest [DigestSize]byte

// ComputeDigest returns the SHA-256 digest of raw content bytes.
// No transformation or encoding is applied before hashing.
func ComputeDigest(data []byte) Digest { return Digest(sha256.Sum256(data)) }

// ParseDigest parses a lowercase hex digest string.
// Returns ErrInvalidDigest for malformed input rather than a partial value.
func ParseDigest(s string) (Digest, error) {
	if len(s) != hex.EncodedLen(DigestSize) {
		return Digest{}, fmt.Errorf("%w: length %d, want %d", ErrInvalidDigest, len(s), hex.EncodedLen(DigestSize))
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Digest{}, fmt.Errorf("%w: %v", ErrInvalidDigest, err)
	}
	var d Digest
	copy(d[:], raw)
	return d, nil
}

// String returns the lowercase hex encoding of the digest.
func (d Digest) String() string { return hex.EncodeToString(d[:]) }

// IsZero reports whether the digest is the zero value.
// A zero digest never addresses stored content.
func (d Digest) IsZero() bool { return d == Digest{} }

// MarshalText implements encoding.TextMarshaler using hex encoding.
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Digest) UnmarshalText(text []byte) error {
	parsed, err := ParseDigest(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// MarshalYAML encodes the digest as its hex string.
func (d Digest) MarshalYAML() (any, error) { return d.String(), nil }

// UnmarshalYAML decodes a hex digest string from YAML run specs.
func (d *Digest) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

// DigestStrings converts a digest slice to its hex string form,
// preserving order. Order is significant for task identity.
func DigestStrings(digests []Digest) []string {
	out := make([]string, len(digests))
	for i, d := range digests {
		out[i] = d.String()
	}
	return out
}

// ParseDigests parses an ordered list of hex digest strings.
func ParseDigests(values []string) ([]Digest, error) {
	out := make([]Digest, len(values))
	for i, v := range values {
		d, err := ParseDigest(v)
		if err != nil {
			return nil, fmt.Errorf("digest %d: %w", i, err)
		}
		out[i] = d
	}
	return out, nil
}
