// Package canonical produces deterministic JSON for hashing txgate artifacts.
//
// Canonicalization normalizes a value before serialization:
//   - map keys sorted lexicographically (RFC 8785)
//   - keys whose value is null are dropped
//   - sequence order preserved
//   - integers too large for a float64 mantissa rendered as decimal strings
//   - no extraneous whitespace, no HTML escaping
//
// The SHA-256 digest of the canonical text is reported together with a schema
// version and the algorithm name so external verifiers can recompute it
// without this codebase.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gowebpki/jcs"
)

// SchemaVersion tags the canonicalization rules in effect. Bump on any change
// to the normalization above; recorded hashes embed it.
const SchemaVersion = "txgate/1"

// Algorithm names the digest function.
const Algorithm = "sha256"

// maxExactIntDigits is the decimal-digit count beyond which an integer may no
// longer round-trip through a float64. Such integers are normalized to strings.
const maxExactIntDigits = 15

// ErrHashMismatch is returned by Verify when a recomputed hash disagrees with
// the recorded one. Callers must treat it as an internal invariant violation.
var ErrHashMismatch = errors.New("canonical: hash mismatch")

// HashRef is the hash triple attached to prepared artifacts and memory records.
type HashRef struct {
	SchemaVersion string `json:"schemaVersion"`
	Alg           string `json:"hashAlg"`
	Hash          string `json:"hash"`
}

// Marshal returns the canonical JSON encoding of v.
func Marshal(v any) ([]byte, error) {
	// Round-trip through encoding/json first so struct tags are honored, then
	// normalize the generic tree and hand the result to the RFC 8785 transform
	// for final ordering and number formatting.
	intermediate, err := marshalNoEscape(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: pre-marshal failed: %w", err)
	}

	var generic any
	dec := json.NewDecoder(bytes.NewReader(intermediate))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonical: intermediate decode failed: %w", err)
	}

	normalized, err := marshalNoEscape(normalize(generic))
	if err != nil {
		return nil, fmt.Errorf("canonical: normalize marshal failed: %w", err)
	}

	out, err := jcs.Transform(normalized)
	if err != nil {
		return nil, fmt.Errorf("canonical: jcs transform failed: %w", err)
	}
	return out, nil
}

// Hash returns the hash triple for v.
func Hash(v any) (HashRef, error) {
	b, err := Marshal(v)
	if err != nil {
		return HashRef{}, err
	}
	sum := sha256.Sum256(b)
	return HashRef{
		SchemaVersion: SchemaVersion,
		Alg:           Algorithm,
		Hash:          hex.EncodeToString(sum[:]),
	}, nil
}

// Verify recomputes the hash of v and compares it against ref.
func Verify(v any, ref HashRef) error {
	got, err := Hash(v)
	if err != nil {
		return err
	}
	if got.Hash != ref.Hash || got.Alg != ref.Alg || got.SchemaVersion != ref.SchemaVersion {
		return fmt.Errorf("%w: recomputed %s, recorded %s", ErrHashMismatch, got.Hash, ref.Hash)
	}
	return nil
}

// normalize walks the decoded tree applying the txgate-specific rules the
// plain RFC 8785 transform does not cover: null-valued keys are dropped and
// oversized integers become decimal strings.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if val == nil {
				continue
			}
			out[k] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, elem := range t {
			out[i] = normalize(elem)
		}
		return out
	case json.Number:
		s := t.String()
		if isOversizedInt(s) {
			return s
		}
		return t
	default:
		return v
	}
}

func isOversizedInt(s string) bool {
	if strings.ContainsAny(s, ".eE") {
		return false
	}
	digits := strings.TrimPrefix(s, "-")
	return len(digits) > maxExactIntDigits
}

func marshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}
