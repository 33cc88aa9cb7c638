// Package envelope defines the task envelope protocol: the wire format for
// units of work on the router and the deterministic task key that gives each
// unit its cache identity. Workers of any implementation join the pool by
// speaking this envelope format.
package envelope

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ahrav/go-loom/internal/domain"
)

// CurrentKeyVersion is the task key derivation format version.
// Increment when canonicalization changes so stale manifests never satisfy
// keys computed under a different format.
const CurrentKeyVersion = "v1"

// TaskKey is the deterministic SHA-256 hex identity of a unit of work.
// Identical {type, input digests, params} always produce identical keys,
// across independent computations and process restarts. The key is the
// foundation of resumability: the manifest records resolutions per key, and
// redundant re-execution of a key is harmless because its output is
// byte-identical.
type TaskKey string

// String returns the key as a plain string.
func (k TaskKey) String() string { return string(k) }

// canonicalTask is the normalized, stable form hashed into a task key.
// Field order is fixed by the struct definition; encoding/json emits struct
// fields in declaration order, so marshalling is deterministic without a
// map-sorting pass.
type canonicalTask struct {
	Version      string   `json:"version"`
	TaskType     string   `json:"task_type"`
	InputDigests []string `json:"input_digests"`
	// ParamsDigest is the SHA-256 of the raw params bytes. Params are
	// opaque by contract; hashing them keeps the canonical form bounded
	// regardless of params size.
	ParamsDigest string `json:"params_digest"`
}

// BuildTaskKey derives the cache identity of a task from its declared
// inputs. Input digest order is significant and preserved: reordering inputs
// is a different task.
func BuildTaskKey(taskType domain.TaskType, inputs []domain.Digest, params []byte) (TaskKey, error) {
	normalized := strings.TrimSpace(string(taskType))
	if normalized == "" {
		return "", fmt.Errorf("task key: %w", ErrTaskTypeRequired)
	}

	paramsDigest := sha256.Sum256(params)

	canonical := canonicalTask{
		Version:      CurrentKeyVersion,
		TaskType:     normalized,
		InputDigests: domain.DigestStrings(inputs),
		ParamsDigest: hex.EncodeToString(paramsDigest[:]),
	}

	raw, err := json.Marshal(canonical)
	if err != nil {
		return "", fmt.Errorf("task key: marshal canonical form: %w", err)
	}

	sum := sha256.Sum256(raw)
	return TaskKey(hex.EncodeToString(sum[:])), nil
}
