package sources

import (
	"context"
	"encoding/csv"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/agentstation/migrator/pkg/errors"
	"github.com/agentstation/migrator/pkg/records"
)

// CSVConfig configures both CSV adapters.
type CSVConfig struct {
	Path string
	// Table names the source in cursors and replay keys; defaults to the
	// file name.
	Table string
	// IDColumn holds the legacy id; defaults to "id".
	IDColumn string
	// Encoding is the file's character set: utf-8 (default), windows-1252,
	// iso-8859-1 or any other WHATWG encoding label.
	Encoding string
	Comma    rune
	// Required columns must be present and non-empty in every row.
	Required []string
}

func (c *CSVConfig) normalize() error {
	if c.Path == "" {
		return errors.NewConfigError("csv source", "path is required", nil)
	}
	if c.IDColumn == "" {
		c.IDColumn = "id"
	}
	if c.Table == "" {
		c.Table = filepath.Base(c.Path)
	}
	if c.Comma == 0 {
		c.Comma = ','
	}
	if _, err := decoder(c.Encoding); err != nil {
		return err
	}
	return nil
}

func decoder(name string) (transform.Transformer, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "utf-8", "utf8":
		// keep raw bytes so invalid UTF-8 can be detected and skipped
		return unicode.BOMOverride(transform.Nop), nil
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, errors.NewConfigError("csv source", fmt.Sprintf("unsupported encoding %q", name), err)
	}
	return unicode.BOMOverride(enc.NewDecoder()), nil
}

// csvStream reads data rows one at a time. line counts data rows consumed,
// so it doubles as the offset cursor.
type csvStream struct {
	cfg    CSVConfig
	f      *os.File
	r      *csv.Reader
	header []string
	line   int64
}

func openCSV(cfg CSVConfig) (*csvStream, error) {
	f, err := os.Open(cfg.Path)
	if err != nil {
		return nil, errors.WrapIO("open", cfg.Path, err)
	}
	t, err := decoder(cfg.Encoding)
	if err != nil {
		f.Close()
		return nil, err
	}
	r := csv.NewReader(transform.NewReader(f, t))
	r.Comma = cfg.Comma
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.ReuseRecord = false

	header, err := r.Read()
	if err != nil {
		f.Close()
		if stderrors.Is(err, io.EOF) {
			return nil, errors.NewParseError("csv", cfg.Path, "empty file: no header row found", err)
		}
		return nil, errors.WrapParse("csv", cfg.Path, err)
	}
	for i, h := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
	}
	if !slices.Contains(header, cfg.IDColumn) {
		f.Close()
		return nil, errors.NewParseError("csv", cfg.Path, fmt.Sprintf("header has no id column %q", cfg.IDColumn), nil)
	}
	return &csvStream{cfg: cfg, f: f, r: r, header: header}, nil
}

// next returns the next data row. A malformed row yields a SkippedRow
// instead of a record; io.EOF ends the stream.
func (s *csvStream) next(kind records.SourceKind) (records.LegacyRecord, *SkippedRow, error) {
	row, err := s.r.Read()
	if stderrors.Is(err, io.EOF) {
		return records.LegacyRecord{}, nil, io.EOF
	}
	s.line++
	var perr *csv.ParseError
	if stderrors.As(err, &perr) {
		return records.LegacyRecord{}, s.skip(fmt.Sprintf("parse error: %v", perr.Err)), nil
	}
	if err != nil {
		return records.LegacyRecord{}, nil, err
	}
	rec, skipped := toRecord(s.cfg, kind, s.header, row, s.line)
	return rec, skipped, nil
}

func (s *csvStream) skip(reason string) *SkippedRow {
	return &SkippedRow{Position: strconv.FormatInt(s.line, 10), Reason: reason}
}

func (s *csvStream) close() error {
	if s == nil || s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func toRecord(cfg CSVConfig, kind records.SourceKind, header, row []string, line int64) (records.LegacyRecord, *SkippedRow) {
	pos := strconv.FormatInt(line, 10)
	if len(row) > len(header) {
		return records.LegacyRecord{}, &SkippedRow{Position: pos,
			Reason: fmt.Sprintf("row has %d columns, header has %d", len(row), len(header))}
	}
	values := make(records.Values, len(header))
	for i, col := range header {
		if i >= len(row) {
			values[col] = records.Absent
			continue
		}
		if !utf8.ValidString(row[i]) {
			return records.LegacyRecord{}, &SkippedRow{Position: pos, Reason: fmt.Sprintf("invalid UTF-8 in column %s", col)}
		}
		values[col] = row[i]
	}

	id, ok := values.String(cfg.IDColumn)
	id = strings.TrimSpace(id)
	if !ok || id == "" {
		return records.LegacyRecord{}, &SkippedRow{Position: pos, Reason: fmt.Sprintf("missing id column %s", cfg.IDColumn)}
	}
	for _, col := range cfg.Required {
		if v, ok := values.String(col); !ok || v == "" {
			return records.LegacyRecord{}, &SkippedRow{Position: pos, Reason: fmt.Sprintf("missing required column %s", col)}
		}
	}
	return records.LegacyRecord{
		Kind:        kind,
		SourceTable: cfg.Table,
		LegacyID:    id,
		Position:    pos,
		Values:      values,
	}, nil
}

// retryPage splits off at most limit retry keys and returns the matching
// records from rows, plus the cursor with the served keys removed.
func retryPage(cursor records.Cursor, limit int, match func(keys map[string]bool) ([]records.LegacyRecord, error)) (Page, error) {
	n := min(limit, len(cursor.RetryKeys))
	if limit <= 0 {
		n = len(cursor.RetryKeys)
	}
	keys := make(map[string]bool, n)
	for _, k := range cursor.RetryKeys[:n] {
		keys[k] = true
	}
	recs, err := match(keys)
	if err != nil {
		return Page{}, err
	}
	next := cursor
	next.RetryKeys = slices.Clone(cursor.RetryKeys[n:])
	if len(next.RetryKeys) == 0 {
		next.RetryKeys = nil
	}
	return Page{Records: recs, Next: next}, nil
}

func checkLimit(limit int) error {
	if limit <= 0 {
		return errors.NewValidationError("limit", limit, "limit must be positive")
	}
	return nil
}

func canceled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", errors.ErrCanceled, err)
	}
	return nil
}
