// Package loader materializes the node, edge and closure relations of a run
// into the relational store.
package loader

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"closurizer/internal/archive"
	"closurizer/internal/config"
	"closurizer/internal/database/relational"
	"closurizer/internal/kgx"
	kgerr "closurizer/pkg/errors"
)

// SourceAlias is the catalog name an input store is attached under.
const SourceAlias = "kg_source"

// Result describes what a Load call materialized.
type Result struct {
	Mode         config.SourceMode
	NodesFile    string
	EdgesFile    string
	NodeCount    int64
	EdgeCount    int64
	ClosureCount int64
	Statements   []string

	bundle *archive.Bundle
}

// Cleanup removes files extracted from the archive, if any.
func (r *Result) Cleanup() error {
	if r == nil {
		return nil
	}
	return r.bundle.Cleanup()
}

// Loader is the Relation Store Loader.
type Loader struct {
	store     *relational.Store
	cfg       config.Config
	extractor *archive.Extractor
	logger    *slog.Logger
	views     bool

	statements []string
	sources    map[string]string
}

// Option configures a Loader.
type Option func(*Loader)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loader) {
		l.logger = logger
	}
}

// WithExtractor overrides the archive extractor.
func WithExtractor(ex *archive.Extractor) Option {
	return func(l *Loader) {
		l.extractor = ex
	}
}

// WithViews registers the relations as views over their sources instead of
// copying rows. Used for dry runs: the catalog is populated, no data is read.
func WithViews(views bool) Option {
	return func(l *Loader) {
		l.views = views
	}
}

// New creates a Loader writing into store. cfg must already be validated.
func New(store *relational.Store, cfg config.Config, opts ...Option) *Loader {
	l := &Loader{
		store:     store,
		cfg:       cfg,
		extractor: archive.NewExtractor(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	if l.extractor.TempDir == "" {
		l.extractor.TempDir = cfg.TempDirectory
	}
	return l
}

// Load materializes nodes, edges and closure. On error, extracted files are
// already removed.
func (l *Loader) Load(ctx context.Context) (*Result, error) {
	res := &Result{Mode: l.cfg.Mode()}
	l.statements = nil
	l.sources = make(map[string]string)

	var err error
	switch res.Mode {
	case config.SourceArchive:
		err = l.loadArchive(ctx, res)
	case config.SourceStore:
		err = l.loadStore(ctx)
	default:
		err = kgerr.New(kgerr.CodeConfigSourceMissing, "kg_archive must be specified or database_path must exist")
	}
	if err == nil {
		err = l.loadClosure(ctx)
	}
	if err == nil {
		err = l.splitMultivalued(ctx)
	}
	if err == nil && !l.views {
		err = l.count(ctx, res)
	}
	res.Statements = l.statements
	if err != nil {
		_ = res.Cleanup()
		return nil, err
	}

	l.logger.Info("relations loaded",
		"mode", res.Mode.String(),
		"nodes", res.NodeCount,
		"edges", res.EdgeCount,
		"closure_rows", res.ClosureCount)
	return res, nil
}

func (l *Loader) loadArchive(ctx context.Context, res *Result) error {
	l.logger.Info("extracting kg archive", "path", l.cfg.KGArchive)
	bundle, err := l.extractor.Extract(ctx, l.cfg.KGArchive)
	if err != nil {
		return err
	}
	res.bundle = bundle
	res.NodesFile = bundle.NodesFile
	res.EdgesFile = bundle.EdgesFile
	l.logger.Debug("archive members", "node_file", bundle.NodesFile, "edge_file", bundle.EdgesFile)

	for _, member := range []struct{ table, path string }{
		{kgx.NodesTable, bundle.NodesFile},
		{kgx.EdgesTable, bundle.EdgesFile},
	} {
		header, err := ReadHeader(member.path)
		if err != nil {
			return kgerr.Wrap(err, kgerr.CodeEngineLoadFailure, "loading "+member.table,
				kgerr.FieldRelation(member.table), kgerr.FieldPath(member.path))
		}
		if err := l.stage(ctx, member.table, ReadTSV(member.path, header)); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loader) loadStore(ctx context.Context) error {
	src := l.cfg.SourceStorePath()

	// Working in place: the relations must already be in the open store.
	if !l.views && !l.cfg.PersistsCopy() {
		return l.store.RequireRelations(ctx, "", kgx.NodesTable, kgx.EdgesTable)
	}

	if err := l.store.Attach(ctx, src, SourceAlias, true); err != nil {
		return err
	}
	if err := l.store.RequireRelations(ctx, SourceAlias, kgx.NodesTable, kgx.EdgesTable); err != nil {
		_ = l.store.Detach(ctx, SourceAlias)
		return fmt.Errorf("input store %s: %w", src, err)
	}

	if l.views {
		// Views keep reading from the attached store.
		for _, name := range []string{kgx.NodesTable, kgx.EdgesTable} {
			if err := l.stage(ctx, name, "SELECT * FROM "+SourceAlias+"."+kgx.QuoteIdent(name)); err != nil {
				return err
			}
		}
		return nil
	}

	l.logger.Info("copying relations", "from", src, "to", l.cfg.DatabasePath)
	l.record(fmt.Sprintf("-- copy nodes, edges from %s", src))
	if err := l.store.CopyRelations(ctx, SourceAlias, kgx.NodesTable, kgx.EdgesTable); err != nil {
		_ = l.store.Detach(ctx, SourceAlias)
		return fmt.Errorf("copying relations from %s: %w", src, err)
	}
	return l.store.Detach(ctx, SourceAlias)
}

func (l *Loader) loadClosure(ctx context.Context) error {
	return l.stage(ctx, kgx.ClosureTable, ReadClosure(l.cfg.ClosureFile))
}

// splitMultivalued converts the configured multivalued columns of nodes and
// edges from delimited text into lists. Columns that are already lists are
// left alone.
func (l *Loader) splitMultivalued(ctx context.Context) error {
	if len(l.cfg.MultivaluedFields) == 0 {
		return nil
	}
	for _, table := range []string{kgx.NodesTable, kgx.EdgesTable} {
		cols, err := l.store.Columns(ctx, "", table)
		if err != nil {
			return err
		}

		var replace []string
		for _, field := range l.cfg.MultivaluedFields {
			col, ok := cols.Lookup(field)
			if !ok || col.IsList() {
				continue
			}
			replace = append(replace, SplitExpr(col.Name, l.cfg.ListDelimiter)+" AS "+kgx.QuoteIdent(col.Name))
		}
		if len(replace) == 0 {
			continue
		}

		l.logger.Debug("splitting multivalued columns", "relation", table, "columns", len(replace))
		if l.views {
			sel := fmt.Sprintf("SELECT * REPLACE (%s) FROM (%s)", strings.Join(replace, ", "), l.sources[table])
			if err := l.stage(ctx, table, sel); err != nil {
				return err
			}
			continue
		}

		sel := fmt.Sprintf("SELECT * REPLACE (%s) FROM %s", strings.Join(replace, ", "), kgx.QuoteIdent(table))
		l.record(sel)
		if err := l.store.ReplaceTable(ctx, table, sel); err != nil {
			return fmt.Errorf("splitting multivalued columns of %s: %w", table, err)
		}
	}
	return nil
}

// stage creates relation name from selectSQL, as a table or a view.
func (l *Loader) stage(ctx context.Context, name, selectSQL string) error {
	kind := "TABLE"
	if l.views {
		kind = "VIEW"
	}
	stmt := fmt.Sprintf("CREATE OR REPLACE %s %s AS %s", kind, kgx.QuoteIdent(name), selectSQL)
	l.sources[name] = selectSQL
	l.record(stmt)
	if _, err := l.store.DB().ExecContext(ctx, stmt); err != nil {
		return kgerr.Wrap(err, kgerr.CodeEngineLoadFailure, "loading "+name, kgerr.FieldRelation(name))
	}
	return nil
}

func (l *Loader) record(stmt string) {
	l.statements = append(l.statements, stmt)
	l.logger.Debug("sql", "statement", stmt)
}

func (l *Loader) count(ctx context.Context, res *Result) error {
	var err error
	if res.NodeCount, err = l.store.Count(ctx, kgx.NodesTable); err != nil {
		return err
	}
	if res.EdgeCount, err = l.store.Count(ctx, kgx.EdgesTable); err != nil {
		return err
	}
	res.ClosureCount, err = l.store.Count(ctx, kgx.ClosureTable)
	return err
}

// ReadHeader returns the column names on the first line of a TSV file.
func ReadHeader(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	line, err := bufio.NewReader(f).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return nil, fmt.Errorf("%s: missing header", path)
	}
	return strings.Split(line, "\t"), nil
}

// ReadTSV is the bulk scan of a headed KGX TSV file with the given header.
// The columns come from the header, never from sniffing, and are all read as
// text so IDs and flags are never re-typed. Short rows are padded with NULL;
// rows with more cells than the header are skipped.
func ReadTSV(path string, header []string) string {
	return fmt.Sprintf("SELECT * FROM read_csv(%s, delim='\\t', header=true, auto_detect=false, quote='', escape='', "+
		"null_padding=true, ignore_errors=true, columns=%s)",
		kgx.QuoteLiteral(path), varcharColumns(header...))
}

// ReadClosure is the bulk scan of a headerless subject/predicate/object file.
// An empty file is an empty relation.
func ReadClosure(path string) string {
	return fmt.Sprintf("SELECT * FROM read_csv(%s, delim='\\t', header=false, auto_detect=false, quote='', escape='', "+
		"columns=%s)",
		kgx.QuoteLiteral(path), varcharColumns("subject_id", "predicate_id", "object_id"))
}

func varcharColumns(names ...string) string {
	cols := make([]string, len(names))
	for i, n := range names {
		cols[i] = kgx.QuoteLiteral(n) + ": 'VARCHAR'"
	}
	return "{" + strings.Join(cols, ", ") + "}"
}

// SplitExpr turns a delimited text column into a list, mapping NULL and empty
// text to NULL.
func SplitExpr(column, delim string) string {
	c := "CAST(" + kgx.QuoteIdent(column) + " AS VARCHAR)"
	return fmt.Sprintf("CASE WHEN %s IS NULL OR %s = '' THEN NULL ELSE string_split(%s, %s) END",
		c, c, c, kgx.QuoteLiteral(delim))
}
