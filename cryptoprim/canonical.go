// Package cryptoprim implements C2: canonical JSON serialization,
// sign/verify, hybrid encrypt/decrypt, key fingerprinting and token
// generation. Canonical JSON is, per spec section 4.2, "the single
// source of authority for what bytes are signed" — every other
// component that needs signable bytes goes through Canonicalize.
package cryptoprim

import (
	"bytes"
	"encoding/json"
	"sort"

	"github.com/openbtps/btps-node-sub001/berrors"
)

// Canonicalize renders v as canonical JSON: object keys sorted
// lexicographically at every depth, arrays left in their given order, no
// insignificant whitespace, numbers in their shortest round-tripping
// decimal form, strings UTF-8. v is first round-tripped through
// encoding/json (via json.Number to avoid float64 precision loss on
// integers) so that both a freshly-built Go struct and a value freshly
// parsed off the wire canonicalize identically — the round-trip
// invariant spec section 8 requires.
func Canonicalize(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, berrors.Wrap(berrors.InvalidJSON, err, "canonicalize: marshal")
	}
	return CanonicalizeRaw(raw)
}

// CanonicalizeRaw re-serializes an already-marshalled JSON document into
// canonical form. Calling Canonicalize on already-canonical input must be
// idempotent (spec section 8's "canonicalize ∘ parse is idempotent on
// already-canonical inputs" law); CanonicalizeRaw is what makes that true
// for bytes received off the wire.
func CanonicalizeRaw(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, berrors.Wrap(berrors.InvalidJSON, err, "canonicalize: decode")
	}
	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(string(val))
	case string:
		enc, err := json.Marshal(val)
		if err != nil {
			return berrors.Wrap(berrors.InvalidJSON, err, "canonicalize: string")
		}
		buf.Write(enc)
	case []interface{}:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return berrors.Wrap(berrors.InvalidJSON, err, "canonicalize: key")
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return berrors.InvalidJSONError("canonicalize: unsupported type %T", v)
	}
	return nil
}

// WithoutFields returns a canonical-JSON-ready map[string]interface{}
// copy of v with the named top-level fields removed, used to strip
// `signature` before signing and before verifying (spec section 4.2:
// "the artifact stripped of its signature field").
func WithoutFields(v interface{}, fields ...string) (map[string]interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, berrors.Wrap(berrors.InvalidJSON, err, "strip fields: marshal")
	}
	var m map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return nil, berrors.Wrap(berrors.InvalidJSON, err, "strip fields: decode")
	}
	for _, f := range fields {
		delete(m, f)
	}
	return m, nil
}
