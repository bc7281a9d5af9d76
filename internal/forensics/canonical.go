// Package forensics builds, hashes, stores and guards the canonical
// forensic records behind every alert. Records are canonicalized before
// hashing so that byte-identical digests can be recomputed from disk at any
// later time, which is what anchor verification depends on.
package forensics

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrNotObject is returned when a document to hash is not a JSON object.
	ErrNotObject = errors.New("forensics: canonical document must be a JSON object")
	// ErrTrailingData is returned when a document continues past the first value.
	ErrTrailingData = errors.New("forensics: trailing data after JSON document")
)

// hashField is stripped before hashing so the digest covers everything else.
const hashField = "hash"

// Canonicalize re-encodes a JSON document into its canonical form: object
// keys sorted byte-wise, compact separators, numbers kept verbatim from the
// input, strings in standard JSON escaping without HTML mangling.
func Canonicalize(doc []byte) ([]byte, error) {
	v, err := decodeVerbatim(doc)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// CanonicalHash parses a record document, removes the hash field, and
// digests the canonical form. The input is not modified.
func CanonicalHash(doc []byte) (string, error) {
	v, err := decodeVerbatim(doc)
	if err != nil {
		return "", err
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return "", ErrNotObject
	}
	delete(obj, hashField)

	var buf bytes.Buffer
	if err := writeCanonical(&buf, obj); err != nil {
		return "", err
	}
	sum := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:]), nil
}

// decodeVerbatim parses JSON keeping numbers as their source literals.
func decodeVerbatim(doc []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("forensics: parse document: %w", err)
	}
	if dec.More() {
		return nil, ErrTrailingData
	}
	return v, nil
}

// writeCanonical emits one value in canonical form.
func writeCanonical(buf *bytes.Buffer, v any) error {
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
		buf.WriteString(val.String())

	case string:
		return writeCanonicalString(buf, val)

	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')

	case map[string]any:
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
			if err := writeCanonicalString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')

	default:
		return fmt.Errorf("forensics: unsupported value type %T", v)
	}
	return nil
}

// writeCanonicalString encodes a string with standard JSON escaping,
// leaving HTML-significant characters alone.
func writeCanonicalString(buf *bytes.Buffer, s string) error {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return err
	}
	// Encode appends a newline; canonical form has none.
	b := buf.Bytes()
	if len(b) > 0 && b[len(b)-1] == '\n' {
		buf.Truncate(len(b) - 1)
	}
	return nil
}
