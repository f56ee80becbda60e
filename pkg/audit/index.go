package audit

import (
	"context"
	"fmt"

	"github.com/agentstation/migrator/pkg/querybuilder"
	"github.com/agentstation/migrator/pkg/records"
)

// Index looks up the latest audited hash of identities. Identities without
// an entry are absent from the result.
type Index interface {
	Latest(ctx context.Context, ids []records.Identity) (map[records.Identity]string, error)
}

// Latest returns the latest audited hash of each of ids held by sink. It
// uses Index when the sink implements it and scans Reader entries
// otherwise. ok is false when the sink can be neither queried nor read.
func Latest(ctx context.Context, sink Sink, ids []records.Identity) (latest map[records.Identity]string, ok bool, err error) {
	if len(ids) == 0 {
		return map[records.Identity]string{}, true, nil
	}
	if ix, isIndex := sink.(Index); isIndex {
		latest, err = ix.Latest(ctx, ids)
		return latest, true, err
	}
	r, isReader := sink.(Reader)
	if !isReader {
		return nil, false, nil
	}
	entries, err := r.Entries(ctx)
	if err != nil {
		return nil, true, err
	}
	return latestOf(entries, ids), true, nil
}

// latestOf picks the last entry per identity among ids, in append order.
func latestOf(entries []records.AuditEntry, ids []records.Identity) map[records.Identity]string {
	want := make(map[records.Identity]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	out := make(map[records.Identity]string, len(ids))
	for _, e := range entries {
		if id := e.Identity(); want[id] {
			out[id] = e.CanonicalHash
		}
	}
	return out
}

// Latest implements Index.
func (s *MemorySink) Latest(_ context.Context, ids []records.Identity) (map[records.Identity]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return latestOf(s.entries, ids), nil
}

// Latest implements Index. The file is read once; later appends keep the
// index current.
func (s *FileSink) Latest(ctx context.Context, ids []records.Identity) (map[records.Identity]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.index == nil {
		entries, err := ReadFile(ctx, s.log.path)
		if err != nil {
			return nil, err
		}
		s.index = make(map[records.Identity]string, len(entries))
		for _, e := range entries {
			s.index[e.Identity()] = e.CanonicalHash
		}
	}
	out := make(map[records.Identity]string, len(ids))
	for _, id := range ids {
		if h, ok := s.index[id]; ok {
			out[id] = h
		}
	}
	return out, nil
}

// Latest implements Index with one query per (org, entity type) pair.
func (s *SQLSink) Latest(ctx context.Context, ids []records.Identity) (map[records.Identity]string, error) {
	type group struct{ orgID, entityType string }
	keys := make(map[group][]any)
	var order []group
	for _, id := range ids {
		g := group{id.OrgID, id.EntityType}
		if _, ok := keys[g]; !ok {
			order = append(order, g)
		}
		keys[g] = append(keys[g], id.ID)
	}

	out := make(map[records.Identity]string, len(ids))
	for _, g := range order {
		b := querybuilder.NewBuilder(s.dialect).
			WriteString("SELECT ").Ident("id").WriteString(", ").Ident("canonical_hash").
			WriteString(" FROM ").Ident(s.table).
			WriteString(" WHERE ").Ident("org_id").WriteString(" = ").Arg(g.orgID).
			WriteString(" AND ").Ident("entity_type").WriteString(" = ").Arg(g.entityType).
			WriteString(" AND ")
		b.In("id", keys[g], 0)
		b.WriteString(" ORDER BY ").Ident("recorded_at").WriteString(", ").Ident("entry_id")

		if err := s.scanLatest(ctx, b, g.orgID, g.entityType, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *SQLSink) scanLatest(ctx context.Context, b *querybuilder.Builder, orgID, entityType string, out map[records.Identity]string) error {
	rows, err := s.db.QueryContext(ctx, b.String(), b.Args()...)
	if err != nil {
		return fmt.Errorf("query audited hashes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, hash string
		if err := rows.Scan(&id, &hash); err != nil {
			return fmt.Errorf("scan audited hash: %w", err)
		}
		out[records.Identity{EntityType: entityType, OrgID: orgID, ID: id}] = hash
	}
	return rows.Err()
}

// Unaudited returns the stored identities that no entry covers, in the order
// given.
func Unaudited(entries []records.AuditEntry, stored []records.Identity) []records.Identity {
	audited := make(map[records.Identity]bool, len(entries))
	for _, e := range entries {
		audited[e.Identity()] = true
	}
	var out []records.Identity
	for _, id := range stored {
		if !audited[id] {
			out = append(out, id)
		}
	}
	return out
}
