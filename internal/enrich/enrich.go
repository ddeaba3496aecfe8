// Package enrich builds the denormalized edge and node relations: every
// configured node-reference field gets the referenced node's label, category,
// namespace and closure as extra columns.
package enrich

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

// Internal row-order columns, never exported.
const (
	edgeRowColumn = "__edge_row"
	nodeRowColumn = "__node_row"
)

// Engine is the Edge Enrichment Engine. It also produces the node relation
// written by the materializer.
type Engine struct {
	store *relational.Store
	cfg   config.Config

	dryRun bool
	logger *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithDryRun makes the engine log its statements and define the relations as
// views instead of computing them.
func WithDryRun(dryRun bool) Option {
	return func(e *Engine) {
		e.dryRun = dryRun
	}
}

// New creates an Engine over the loaded store. cfg must already be validated.
func New(store *relational.Store, cfg config.Config, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Result describes a built relation.
type Result struct {
	Relation  string
	Rows      int64
	Added     []string // enrichment columns, in output order
	Statement string
}

// EnrichEdges builds denormalized_edges. The row count always equals that of
// edges; a mismatch is reported as an internal failure.
func (e *Engine) EnrichEdges(ctx context.Context) (Result, error) {
	stmt, added, err := e.EdgeStatement(ctx)
	if err != nil {
		return Result{}, err
	}
	res := Result{Relation: kgx.DenormalizedEdgesTable, Added: added, Statement: stmt}
	if err := e.run(ctx, stmt, kgx.DenormalizedEdgesTable); err != nil || e.dryRun {
		return res, err
	}

	in, err := e.store.Count(ctx, kgx.EdgesTable)
	if err != nil {
		return res, err
	}
	if res.Rows, err = e.store.Count(ctx, kgx.DenormalizedEdgesTable); err != nil {
		return res, err
	}
	if in != res.Rows {
		return res, kgerr.New(kgerr.CodeInternalFailure,
			fmt.Sprintf("denormalized edge count %d differs from input edge count %d", res.Rows, in))
	}

	e.logger.Info("edges enriched",
		"fields", strings.Join(e.cfg.EdgeFields, ","),
		"rows", res.Rows,
		"columns_added", len(added))
	return res, nil
}

// EnrichNodes builds denormalized_nodes: nodes plus closure/closure_label
// (when node closure is on) and the node-field enrichment.
func (e *Engine) EnrichNodes(ctx context.Context) (Result, error) {
	stmt, added, err := e.NodeStatement(ctx)
	if err != nil {
		return Result{}, err
	}
	res := Result{Relation: kgx.DenormalizedNodesTable, Added: added, Statement: stmt}
	if err := e.run(ctx, stmt, kgx.DenormalizedNodesTable); err != nil || e.dryRun {
		return res, err
	}

	if res.Rows, err = e.store.Count(ctx, kgx.DenormalizedNodesTable); err != nil {
		return res, err
	}
	e.logger.Info("nodes enriched",
		"node_closure", e.cfg.NodeClosure,
		"rows", res.Rows,
		"columns_added", len(added))
	return res, nil
}

func (e *Engine) run(ctx context.Context, stmt, relation string) error {
	e.logger.Debug("sql", "statement", stmt)
	if e.dryRun {
		return e.store.DefineView(ctx, stmt)
	}
	if _, err := e.store.DB().ExecContext(ctx, stmt); err != nil {
		return kgerr.Wrap(err, kgerr.CodeEngineEnrichFailure, "building "+relation,
			kgerr.FieldRelation(relation))
	}
	return nil
}

// nodeLookup is the CTE giving one row per node ID with the attributes
// enrichment reads. Duplicate node IDs collapse to one row so joins never
// multiply edges.
func (e *Engine) nodeLookup(nodeCols relational.Columns) (cte string, hasTaxon bool) {
	attr := func(name string) string {
		if !nodeCols.Has(name) {
			return "NULL::VARCHAR"
		}
		return kgx.QuoteIdent(name)
	}
	id := "CAST(" + kgx.QuoteIdent(kgx.ColumnID) + " AS VARCHAR)"

	sel := []string{
		id + " AS id",
		attr(kgx.ColumnName) + " AS name",
		attr(kgx.ColumnCategory) + " AS category",
		kgx.NamespaceExpr(id, e.cfg.IDDelimiter) + " AS namespace",
	}
	hasTaxon = nodeCols.Has(kgx.ColumnInTaxon) || nodeCols.Has(kgx.ColumnInTaxonLabel)
	if hasTaxon {
		sel = append(sel,
			attr(kgx.ColumnInTaxon)+" AS taxon",
			attr(kgx.ColumnInTaxonLabel)+" AS taxon_label")
	}

	cte = fmt.Sprintf("node_lookup AS (\n    SELECT DISTINCT ON (%s) %s\n    FROM %s\n    WHERE %s IS NOT NULL\n)",
		kgx.QuoteIdent(kgx.ColumnID), strings.Join(sel, ", "),
		kgx.QuoteIdent(kgx.NodesTable), kgx.QuoteIdent(kgx.ColumnID))
	return cte, hasTaxon
}

// projection accumulates appended columns and detects collisions with the
// input relation.
type projection struct {
	input relational.Columns
	exprs []string
	names []string
	seen  map[string]bool
}

func newProjection(input relational.Columns) *projection {
	return &projection{input: input, seen: make(map[string]bool)}
}

func (p *projection) add(name, expr string) error {
	if p.seen[name] {
		return kgerr.Wrap(&config.ConfigError{Field: name, Message: "is produced by more than one enrichment"},
			kgerr.CodeConfigValidateInvalidValue, "conflicting enrichment columns", kgerr.FieldColumn(name))
	}
	p.seen[name] = true
	p.names = append(p.names, name)
	p.exprs = append(p.exprs, expr+" AS "+kgx.QuoteIdent(name))
	return nil
}

// star is alias.* without the internal row column and without input columns
// that an enrichment column replaces.
func (p *projection) star(alias, rowColumn string) string {
	exclude := []string{kgx.QuoteIdent(rowColumn)}
	for _, c := range p.input {
		if p.seen[c.Name] {
			exclude = append(exclude, kgx.QuoteIdent(c.Name))
		}
	}
	return fmt.Sprintf("%s.* EXCLUDE (%s)", alias, strings.Join(exclude, ", "))
}

func (p *projection) selectList(alias, rowColumn string) string {
	return strings.Join(append([]string{p.star(alias, rowColumn)}, p.exprs...), ",\n       ")
}

// baseCTE numbers the rows of relation in scan order. Views carry no rowid.
func (e *Engine) baseCTE(ctx context.Context, relation, rowColumn string) (string, error) {
	view, err := e.store.IsView(ctx, "", relation)
	if err != nil {
		return "", err
	}
	order := "rowid"
	if view {
		order = "row_number() OVER ()"
	}
	return fmt.Sprintf("base AS (SELECT *, %s AS %s FROM %s)",
		order, kgx.QuoteIdent(rowColumn), kgx.QuoteIdent(relation)), nil
}

func unknownField(relation, field, setting string) error {
	return kgerr.New(kgerr.CodeEngineFieldUnknown,
		fmt.Sprintf("%s field %q is not a column of %s", setting, field, relation),
		kgerr.FieldRelation(relation), kgerr.FieldColumn(field))
}

func asText(expr string) string {
	return "CAST(" + expr + " AS VARCHAR)"
}

// unnestMembers is the subquery expanding a list column of base into one row
// per member, keeping the list position.
func unnestMembers(rowColumn, column string) string {
	col := kgx.QuoteIdent(column)
	return fmt.Sprintf("SELECT %s, unnest(%s) AS member, unnest(range(1, len(%s) + 1)) AS pos FROM base",
		kgx.QuoteIdent(rowColumn), col, col)
}
