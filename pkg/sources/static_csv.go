package sources

import (
	"context"
	"io"
	"strconv"
	"sync"

	"github.com/agentstation/migrator/pkg/errors"
	"github.com/agentstation/migrator/pkg/records"
)

// StaticCSV parses a whole CSV file into memory on Open and paginates over
// it. It suits small one-shot loads.
type StaticCSV struct {
	cfg CSVConfig

	mu      sync.RWMutex
	loaded  bool
	entries []csvEntry
}

type csvEntry struct {
	rec     records.LegacyRecord
	skipped *SkippedRow
}

var _ Adapter = (*StaticCSV)(nil)

// NewStaticCSV creates a static CSV adapter.
func NewStaticCSV(cfg CSVConfig) (*StaticCSV, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &StaticCSV{cfg: cfg}, nil
}

// Kind implements Adapter.
func (a *StaticCSV) Kind() records.SourceKind { return records.SourceCSV }

// Table implements Adapter.
func (a *StaticCSV) Table() string { return a.cfg.Table }

// Open implements Adapter. It parses the file; calling it again is a no-op.
func (a *StaticCSV) Open(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.loaded {
		return nil
	}
	s, err := openCSV(a.cfg)
	if err != nil {
		return errors.WrapAdapter(a.cfg.Table, "", err)
	}
	defer s.close()

	var entries []csvEntry
	for {
		if s.line%1024 == 0 {
			if err := canceled(ctx); err != nil {
				return errors.NewAdapterError(a.cfg.Table, "", err)
			}
		}
		rec, skipped, err := s.next(records.SourceCSV)
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.NewAdapterError(a.cfg.Table, "", errors.WrapParse("csv", a.cfg.Path, err))
		}
		entries = append(entries, csvEntry{rec: rec, skipped: skipped})
	}
	a.entries = entries
	a.loaded = true
	return nil
}

// Len returns the number of data rows parsed, malformed ones included.
func (a *StaticCSV) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.entries)
}

// Extract implements Adapter. The cursor offset counts data rows consumed.
func (a *StaticCSV) Extract(ctx context.Context, cursor records.Cursor, limit int) (Page, error) {
	if err := checkLimit(limit); err != nil {
		return Page{}, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.loaded {
		return Page{}, errors.NewAdapterError(a.cfg.Table, cursor.String(), errors.New("source is not open"))
	}
	if err := canceled(ctx); err != nil {
		return Page{}, errors.NewAdapterError(a.cfg.Table, cursor.String(), err)
	}

	if len(cursor.RetryKeys) > 0 {
		return retryPage(cursor, limit, func(keys map[string]bool) ([]records.LegacyRecord, error) {
			var out []records.LegacyRecord
			for _, e := range a.entries {
				if e.skipped == nil && keys[e.rec.LegacyID] {
					out = append(out, e.rec)
				}
			}
			return out, nil
		})
	}

	start := min(max(cursor.Offset, 0), int64(len(a.entries)))
	end := min(start+int64(limit), int64(len(a.entries)))
	page := Page{Next: records.Cursor{Offset: end}, Done: end >= int64(len(a.entries))}
	for _, e := range a.entries[start:end] {
		if e.skipped != nil {
			page.Skipped = append(page.Skipped, *e.skipped)
			continue
		}
		page.Records = append(page.Records, e.rec)
	}
	return page, nil
}

// Close implements Adapter and releases the parsed rows.
func (a *StaticCSV) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = nil
	a.loaded = false
	return nil
}

func (a *StaticCSV) String() string {
	return "csv:" + a.cfg.Table + " (" + strconv.Itoa(a.Len()) + " rows)"
}
