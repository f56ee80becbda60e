package canonical

import (
	"strings"

	"github.com/agentstation/migrator/pkg/errors"
	"github.com/agentstation/migrator/pkg/records"
)

// Router decides the entity type of a legacy row.
type Router interface {
	Route(rec records.LegacyRecord) (string, error)
}

// StaticRouter routes every row to one entity type.
type StaticRouter string

// Route implements Router.
func (r StaticRouter) Route(records.LegacyRecord) (string, error) {
	return string(r), nil
}

// ColumnRouter routes rows by a discriminator column. Aliases translate
// legacy discriminator values into entity types; other values are used as-is
// after trimming and lower-casing.
type ColumnRouter struct {
	Column  string
	Aliases map[string]string
}

// Route implements Router. A row without a discriminator is a mapping error.
func (r ColumnRouter) Route(rec records.LegacyRecord) (string, error) {
	v, ok := rec.Values.String(r.Column)
	v = strings.TrimSpace(v)
	if !ok || v == "" {
		return "", errors.NewMappingError("", rec.LegacyID, r.Column, "discriminator column is empty")
	}
	if t, ok := r.Aliases[v]; ok {
		return t, nil
	}
	if t, ok := r.Aliases[strings.ToLower(v)]; ok {
		return t, nil
	}
	return strings.ToLower(v), nil
}
