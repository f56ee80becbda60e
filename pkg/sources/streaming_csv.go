package sources

import (
	"context"
	"io"
	"sync"

	"github.com/agentstation/migrator/pkg/errors"
	"github.com/agentstation/migrator/pkg/records"
)

// StreamingCSV reads a CSV file incrementally in constant memory. It keeps
// one open stream; an Extract whose cursor does not match the stream
// position reopens the file and skips forward without retaining rows.
type StreamingCSV struct {
	cfg CSVConfig

	mu     sync.Mutex
	stream *csvStream
	opened bool
	eof    bool
}

var _ Adapter = (*StreamingCSV)(nil)

// NewStreamingCSV creates a streaming CSV adapter.
func NewStreamingCSV(cfg CSVConfig) (*StreamingCSV, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &StreamingCSV{cfg: cfg}, nil
}

// Kind implements Adapter.
func (a *StreamingCSV) Kind() records.SourceKind { return records.SourceStreamingCSV }

// Table implements Adapter.
func (a *StreamingCSV) Table() string { return a.cfg.Table }

// Open implements Adapter. It validates the header and positions the stream
// at the first data row.
func (a *StreamingCSV) Open(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.opened {
		return nil
	}
	if err := a.reopen(); err != nil {
		return errors.WrapAdapter(a.cfg.Table, "", err)
	}
	a.opened = true
	return nil
}

func (a *StreamingCSV) reopen() error {
	_ = a.stream.close()
	s, err := openCSV(a.cfg)
	if err != nil {
		return err
	}
	a.stream = s
	a.eof = false
	return nil
}

// seek positions the stream so that offset data rows have been consumed.
func (a *StreamingCSV) seek(ctx context.Context, offset int64) error {
	if a.stream == nil || a.stream.line > offset {
		if err := a.reopen(); err != nil {
			return err
		}
	}
	for a.stream.line < offset && !a.eof {
		if a.stream.line%1024 == 0 {
			if err := canceled(ctx); err != nil {
				return err
			}
		}
		if _, _, err := a.stream.next(records.SourceStreamingCSV); err == io.EOF {
			a.eof = true
		} else if err != nil {
			return err
		}
	}
	return nil
}

// Extract implements Adapter. It consumes at most limit data rows from the
// cursor offset; Done is set once a read reaches the end of the file, so a
// file whose size is a multiple of limit ends with an empty page.
func (a *StreamingCSV) Extract(ctx context.Context, cursor records.Cursor, limit int) (Page, error) {
	if err := checkLimit(limit); err != nil {
		return Page{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.opened {
		return Page{}, errors.NewAdapterError(a.cfg.Table, cursor.String(), errors.New("source is not open"))
	}
	if err := canceled(ctx); err != nil {
		return Page{}, errors.NewAdapterError(a.cfg.Table, cursor.String(), err)
	}

	if len(cursor.RetryKeys) > 0 {
		page, err := retryPage(cursor, limit, func(keys map[string]bool) ([]records.LegacyRecord, error) {
			return a.scanKeys(ctx, keys)
		})
		if err != nil {
			return Page{}, errors.WrapAdapter(a.cfg.Table, cursor.String(), err)
		}
		return page, nil
	}

	if err := a.seek(ctx, max(cursor.Offset, 0)); err != nil {
		return Page{}, errors.WrapAdapter(a.cfg.Table, cursor.String(), err)
	}
	page := Page{}
	for consumed := 0; consumed < limit && !a.eof; consumed++ {
		rec, skipped, err := a.stream.next(records.SourceStreamingCSV)
		if err == io.EOF {
			a.eof = true
			break
		}
		if err != nil {
			return Page{}, errors.NewAdapterError(a.cfg.Table, cursor.String(), errors.WrapParse("csv", a.cfg.Path, err))
		}
		if skipped != nil {
			page.Skipped = append(page.Skipped, *skipped)
			continue
		}
		page.Records = append(page.Records, rec)
	}
	page.Next = records.Cursor{Offset: a.stream.line}
	page.Done = a.eof
	return page, nil
}

// scanKeys reads the whole file once in a separate stream and returns the
// rows whose legacy id is in keys.
func (a *StreamingCSV) scanKeys(ctx context.Context, keys map[string]bool) ([]records.LegacyRecord, error) {
	s, err := openCSV(a.cfg)
	if err != nil {
		return nil, err
	}
	defer s.close()
	var out []records.LegacyRecord
	for {
		if s.line%1024 == 0 {
			if err := canceled(ctx); err != nil {
				return nil, err
			}
		}
		rec, skipped, err := s.next(records.SourceStreamingCSV)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		if skipped == nil && keys[rec.LegacyID] {
			out = append(out, rec)
		}
	}
}

// Close implements Adapter.
func (a *StreamingCSV) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.opened = false
	err := a.stream.close()
	a.stream = nil
	return errors.WrapIO("close", a.cfg.Path, err)
}
