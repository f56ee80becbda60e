package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/agentstation/migrator/pkg/constants"
	"github.com/agentstation/migrator/pkg/errors"
	"github.com/agentstation/migrator/pkg/records"
)

// Sink is an append-only destination for audit entries.
type Sink interface {
	Append(ctx context.Context, entries ...records.AuditEntry) error
	Close() error
}

// Reader reads back every entry a sink holds, in append order.
type Reader interface {
	Entries(ctx context.Context) ([]records.AuditEntry, error)
}

// MemorySink keeps entries in memory.
type MemorySink struct {
	mu      sync.Mutex
	entries []records.AuditEntry
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Append implements Sink.
func (s *MemorySink) Append(_ context.Context, entries ...records.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entries...)
	return nil
}

// Entries implements Reader.
func (s *MemorySink) Entries(context.Context) ([]records.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.entries), nil
}

// Close implements Sink.
func (s *MemorySink) Close() error { return nil }

// jsonLog is an append-only JSON Lines file.
type jsonLog[T any] struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

func openJSONLog[T any](path string) (*jsonLog[T], error) {
	if err := os.MkdirAll(filepath.Dir(path), constants.DirPermissions); err != nil {
		return nil, errors.WrapIO("create", filepath.Dir(path), err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, constants.FilePermissions)
	if err != nil {
		return nil, errors.WrapIO("open", path, err)
	}
	return &jsonLog[T]{path: path, f: f}, nil
}

func (l *jsonLog[T]) append(items []T) error {
	if len(items) == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return errors.NewIOError("write", l.path, os.ErrClosed)
	}
	w := bufio.NewWriter(l.f)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for _, item := range items {
		if err := enc.Encode(item); err != nil {
			return errors.WrapIO("write", l.path, err)
		}
	}
	if err := w.Flush(); err != nil {
		return errors.WrapIO("write", l.path, err)
	}
	return errors.WrapIO("sync", l.path, l.f.Sync())
}

func (l *jsonLog[T]) close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return errors.WrapIO("close", l.path, err)
}

func readJSONLog[T any](ctx context.Context, path string) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.WrapIO("open", path, err)
	}
	defer f.Close()

	var out []T
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if line%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if len(sc.Bytes()) == 0 {
			continue
		}
		var item T
		if err := json.Unmarshal(sc.Bytes(), &item); err != nil {
			perr := errors.NewParseError("jsonl", path, err.Error(), err)
			perr.Line = line
			return nil, perr
		}
		out = append(out, item)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.WrapIO("read", path, err)
	}
	return out, nil
}

// FileSink appends entries to a JSON Lines file and syncs after every append.
type FileSink struct {
	log *jsonLog[records.AuditEntry]

	mu    sync.Mutex
	index map[records.Identity]string
}

// OpenFileSink opens (creating if needed) a JSON Lines audit file.
func OpenFileSink(path string) (*FileSink, error) {
	l, err := openJSONLog[records.AuditEntry](path)
	if err != nil {
		return nil, err
	}
	return &FileSink{log: l}, nil
}

// Append implements Sink.
func (s *FileSink) Append(ctx context.Context, entries ...records.AuditEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.log.append(entries); err != nil {
		return err
	}
	if s.index != nil {
		for _, e := range entries {
			s.index[e.Identity()] = e.CanonicalHash
		}
	}
	return nil
}

// Entries implements Reader.
func (s *FileSink) Entries(ctx context.Context) ([]records.AuditEntry, error) {
	return ReadFile(ctx, s.log.path)
}

// Path returns the file the sink appends to.
func (s *FileSink) Path() string { return s.log.path }

// Close implements Sink.
func (s *FileSink) Close() error { return s.log.close() }

// ReadFile reads every entry of a JSON Lines audit file. A missing file holds
// no entries.
func ReadFile(ctx context.Context, path string) ([]records.AuditEntry, error) {
	return readJSONLog[records.AuditEntry](ctx, path)
}

// ConflictLog appends conflict records to a JSON Lines file for manual review.
type ConflictLog struct {
	log *jsonLog[records.ConflictRecord]
}

// OpenConflictLog opens (creating if needed) a conflict log.
func OpenConflictLog(path string) (*ConflictLog, error) {
	l, err := openJSONLog[records.ConflictRecord](path)
	if err != nil {
		return nil, err
	}
	return &ConflictLog{log: l}, nil
}

// Append writes conflicts to the log.
func (c *ConflictLog) Append(ctx context.Context, conflicts ...records.ConflictRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.log.append(conflicts)
}

// Close closes the log.
func (c *ConflictLog) Close() error { return c.log.close() }

// ReadConflicts reads every record of a conflict log.
func ReadConflicts(ctx context.Context, path string) ([]records.ConflictRecord, error) {
	return readJSONLog[records.ConflictRecord](ctx, path)
}
