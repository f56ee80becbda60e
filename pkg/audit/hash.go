// Package audit produces and checks the governance trail of a migration.
//
// Every written entity gets an AuditEntry holding the SHA-256 of its canonical
// serialization. An auditor can recompute the hash from a snapshot of the
// canonical store and compare it with the entry without trusting the write
// path that produced either.
package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/agentstation/migrator/pkg/records"
)

// CanonicalStringify renders v deterministically: object keys sorted, array
// order kept, no insignificant whitespace. Object keys whose value is
// records.Absent are dropped; nil is kept as null.
func CanonicalStringify(v any) (string, error) {
	var sb strings.Builder
	if err := writeCanonical(&sb, v); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// HashCanonical returns the hex-encoded SHA-256 of CanonicalStringify(v).
func HashCanonical(v any) (string, error) {
	s, err := CanonicalStringify(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:]), nil
}

// EntityHash hashes the canonical content of an entity: its identity and
// fields. Provenance such as the legacy id is not part of the hash.
func EntityHash(e records.CanonicalEntity) (string, error) {
	fields := e.Fields
	if fields == nil {
		fields = map[string]any{}
	}
	return HashCanonical(map[string]any{
		"entityType": e.EntityType,
		"orgId":      e.OrgID,
		"id":         e.ID,
		"fields":     fields,
	})
}

func writeCanonical(sb *strings.Builder, v any) error {
	switch t := v.(type) {
	case nil:
		sb.WriteString("null")
	case map[string]any:
		return writeObject(sb, t)
	case records.Values:
		return writeObject(sb, t)
	case []any:
		sb.WriteByte('[')
		for i, el := range t {
			if i > 0 {
				sb.WriteByte(',')
			}
			if records.IsAbsent(el) {
				el = nil
			}
			if err := writeCanonical(sb, el); err != nil {
				return err
			}
		}
		sb.WriteByte(']')
	case json.Number:
		sb.WriteString(t.String())
	case string, bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		b, err := encodeLeaf(t)
		if err != nil {
			return err
		}
		sb.Write(b)
	default:
		if records.IsAbsent(v) {
			sb.WriteString("null")
			return nil
		}
		// Structs, typed maps and slices: normalize through JSON.
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("canonicalize %T: %w", v, err)
		}
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.UseNumber()
		var generic any
		if err := dec.Decode(&generic); err != nil {
			return fmt.Errorf("canonicalize %T: %w", v, err)
		}
		return writeCanonical(sb, generic)
	}
	return nil
}

func writeObject[M ~map[string]any](sb *strings.Builder, m M) error {
	sb.WriteByte('{')
	first := true
	for _, k := range slices.Sorted(maps.Keys(m)) {
		val := m[k]
		if records.IsAbsent(val) {
			continue
		}
		if !first {
			sb.WriteByte(',')
		}
		first = false
		key, err := encodeLeaf(k)
		if err != nil {
			return err
		}
		sb.Write(key)
		sb.WriteByte(':')
		if err := writeCanonical(sb, val); err != nil {
			return err
		}
	}
	sb.WriteByte('}')
	return nil
}

func encodeLeaf(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("canonicalize %T: %w", v, err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
