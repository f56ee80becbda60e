package canonical

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/agentstation/migrator/pkg/records"
)

// EncodeFields serializes entity fields for storage. Absent values are left
// out so that the decoded snapshot hashes like the written entity.
func EncodeFields(fields map[string]any) (string, error) {
	compact := records.CanonicalEntity{Fields: fields}.Compact().Fields
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(compact); err != nil {
		return "", fmt.Errorf("encode fields: %w", err)
	}
	return string(bytes.TrimSuffix(buf.Bytes(), []byte("\n"))), nil
}

// DecodeFields parses stored fields, keeping numbers as json.Number so they
// render exactly as they were written.
func DecodeFields(s string) (map[string]any, error) {
	fields := map[string]any{}
	if s == "" {
		return fields, nil
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("decode fields: %w", err)
	}
	return fields, nil
}
