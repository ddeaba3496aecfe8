// Package closure computes the per-node closure aggregate: for each node its
// own ID plus every ancestor from the closure relation, and the matching labels.
package closure

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"closurizer/internal/config"
	"closurizer/internal/database/relational"
	"closurizer/internal/kgx"
	kgerr "closurizer/pkg/errors"
)

// unitSep joins list values when reading them back; it never occurs in CURIEs.
const unitSep = "\x1f"

// Stats summarizes an aggregation.
type Stats struct {
	Nodes         int64 // rows in the aggregate
	WithAncestors int64 // rows whose closure has more than the node itself
	Statement     string
}

// Entry is one node's aggregate as read back from the store.
type Entry struct {
	ID        string
	Name      string
	Category  string
	Namespace string
	Closure   Set
	Labels    []string
	Found     bool
}

// Aggregator is the Closure Aggregator.
type Aggregator struct {
	store       *relational.Store
	labelPolicy string
	idDelimiter string
	dryRun      bool
	logger      *slog.Logger
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Aggregator) {
		a.logger = logger
	}
}

// WithLabelPolicy selects how closure members without a resolvable label are
// rendered: config.LabelPolicyOmit or config.LabelPolicyFallback.
func WithLabelPolicy(policy string) Option {
	return func(a *Aggregator) {
		a.labelPolicy = policy
	}
}

// WithIDDelimiter sets the namespace delimiter used by Lookup.
func WithIDDelimiter(delim string) Option {
	return func(a *Aggregator) {
		a.idDelimiter = delim
	}
}

// WithDryRun makes Aggregate log its statement and define node_closure as a
// view instead of computing it.
func WithDryRun(dryRun bool) Option {
	return func(a *Aggregator) {
		a.dryRun = dryRun
	}
}

// New creates an Aggregator over a loaded store.
func New(store *relational.Store, opts ...Option) *Aggregator {
	a := &Aggregator{
		store:       store,
		labelPolicy: config.LabelPolicyOmit,
		idDelimiter: kgx.DefaultIDDelimiter,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Statement builds the statement that (re)creates the aggregate relation.
func (a *Aggregator) Statement(ctx context.Context) (string, error) {
	cols, err := a.store.Columns(ctx, "", kgx.NodesTable)
	if err != nil {
		return "", err
	}
	if !cols.Has(kgx.ColumnID) {
		return "", kgerr.New(kgerr.CodeEngineFieldUnknown, "nodes has no id column",
			kgerr.FieldRelation(kgx.NodesTable), kgerr.FieldColumn(kgx.ColumnID))
	}

	labels := "SELECT NULL::VARCHAR AS id, NULL::VARCHAR AS name WHERE false"
	if cols.Has(kgx.ColumnName) {
		labels = fmt.Sprintf(`SELECT DISTINCT ON (id) id, CAST(%s AS VARCHAR) AS name
        FROM nodes
        WHERE %s IS NOT NULL AND CAST(%s AS VARCHAR) <> ''`,
			kgx.QuoteIdent(kgx.ColumnName), kgx.QuoteIdent(kgx.ColumnName), kgx.QuoteIdent(kgx.ColumnName))
	}

	const order = "ORDER BY m.member <> m.id, m.member"
	labelAgg := fmt.Sprintf("coalesce(list(l.name %s) FILTER (WHERE l.name IS NOT NULL), []::VARCHAR[])", order)
	if a.labelPolicy == config.LabelPolicyFallback {
		labelAgg = fmt.Sprintf("list(coalesce(l.name, m.member) %s)", order)
	}

	return fmt.Sprintf(`CREATE OR REPLACE TABLE %s AS
WITH members AS (
    SELECT id, id AS member FROM nodes WHERE id IS NOT NULL
    UNION
    SELECT subject_id AS id, object_id AS member FROM closure
    WHERE subject_id IS NOT NULL AND object_id IS NOT NULL
    UNION
    SELECT subject_id AS id, subject_id AS member FROM closure
    WHERE subject_id IS NOT NULL
),
labels AS (
    %s
)
SELECT m.id AS %s,
       list(m.member %s) AS %s,
       %s AS %s
FROM members m
LEFT JOIN labels l ON l.id = m.member
GROUP BY m.id`,
		kgx.QuoteIdent(kgx.NodeClosureTable),
		labels,
		kgx.QuoteIdent(kgx.ColumnID),
		order, kgx.QuoteIdent(kgx.ColumnClosure),
		labelAgg, kgx.QuoteIdent(kgx.ColumnClosureLabel),
	), nil
}

// Aggregate recomputes the node_closure relation from nodes and closure.
func (a *Aggregator) Aggregate(ctx context.Context) (Stats, error) {
	stmt, err := a.Statement(ctx)
	if err != nil {
		return Stats{}, err
	}
	a.logger.Debug("sql", "statement", stmt)
	if a.dryRun {
		// A view keeps the relation's shape visible to later stages.
		if err := a.store.DefineView(ctx, stmt); err != nil {
			return Stats{}, err
		}
		return Stats{Statement: stmt}, nil
	}

	if _, err := a.store.DB().ExecContext(ctx, stmt); err != nil {
		return Stats{}, kgerr.Wrap(err, kgerr.CodeEngineAggregateFailure, "building "+kgx.NodeClosureTable,
			kgerr.FieldRelation(kgx.NodeClosureTable))
	}

	st := Stats{Statement: stmt}
	err = a.store.DB().QueryRowContext(ctx, fmt.Sprintf(
		"SELECT count(*), count(*) FILTER (WHERE len(%s) > 1) FROM %s",
		kgx.QuoteIdent(kgx.ColumnClosure), kgx.QuoteIdent(kgx.NodeClosureTable),
	)).Scan(&st.Nodes, &st.WithAncestors)
	if err != nil {
		return Stats{}, kgerr.Wrap(err, kgerr.CodeStoreQueryFailure, "counting "+kgx.NodeClosureTable)
	}

	a.logger.Info("closure aggregated",
		"label_policy", a.labelPolicy,
		"nodes", st.Nodes,
		"with_ancestors", st.WithAncestors)
	return st, nil
}

// Lookup reads the aggregate of each id, in the order given. IDs without an
// aggregate row come back with Found unset.
func (a *Aggregator) Lookup(ctx context.Context, ids ...string) ([]Entry, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if err := a.store.RequireRelations(ctx, "", kgx.NodesTable, kgx.NodeClosureTable); err != nil {
		return nil, err
	}
	cols, err := a.store.Columns(ctx, "", kgx.NodesTable)
	if err != nil {
		return nil, err
	}

	text := func(name string) string {
		c, ok := cols.Lookup(name)
		switch {
		case !ok:
			return "NULL::VARCHAR"
		case c.IsList():
			return fmt.Sprintf("array_to_string(n.%s, '|')", kgx.QuoteIdent(name))
		default:
			return fmt.Sprintf("CAST(n.%s AS VARCHAR)", kgx.QuoteIdent(name))
		}
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	query := fmt.Sprintf(`
		SELECT c.id, %s, %s,
		       array_to_string(c.closure, chr(31)),
		       array_to_string(c.closure_label, chr(31))
		FROM node_closure c
		LEFT JOIN (SELECT DISTINCT ON (id) * FROM nodes) n ON n.id = c.id
		WHERE c.id IN (%s)
	`, text(kgx.ColumnName), text(kgx.ColumnCategory), placeholders)

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := a.store.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, kgerr.Wrap(err, kgerr.CodeStoreQueryFailure, "looking up closures")
	}
	defer rows.Close()

	found := make(map[string]Entry, len(ids))
	for rows.Next() {
		var (
			id                    string
			name, category        *string
			closureStr, labelsStr *string
		)
		if err := rows.Scan(&id, &name, &category, &closureStr, &labelsStr); err != nil {
			return nil, kgerr.Wrap(err, kgerr.CodeStoreQueryFailure, "scanning closure row")
		}
		e := Entry{
			ID:        id,
			Name:      deref(name),
			Category:  deref(category),
			Namespace: kgx.Namespace(id, a.idDelimiter),
			Closure:   Set(split(deref(closureStr))),
			Labels:    split(deref(labelsStr)),
			Found:     true,
		}
		found[id] = e
	}
	if err := rows.Err(); err != nil {
		return nil, kgerr.Wrap(err, kgerr.CodeStoreQueryFailure, "looking up closures")
	}

	out := make([]Entry, len(ids))
	for i, id := range ids {
		if e, ok := found[id]; ok {
			out[i] = e
			continue
		}
		out[i] = Entry{ID: id, Namespace: kgx.Namespace(id, a.idDelimiter)}
	}
	return out, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func split(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, unitSep)
}
