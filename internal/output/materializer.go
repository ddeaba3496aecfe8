package output

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"closurizer/internal/database/relational"
	"closurizer/internal/kgx"
	kgerr "closurizer/pkg/errors"
)

// OutputFile describes one written flat file.
type OutputFile struct {
	Relation string   `yaml:"relation"`
	Path     string   `yaml:"path"`
	Rows     int64    `yaml:"rows"`
	Columns  []string `yaml:"columns"`

	Statement string `yaml:"-"`
}

// Materializer is the Output Materializer: it writes store relations as
// headed, tab-separated files. List columns are joined with the list
// delimiter; NULL becomes an empty cell.
type Materializer struct {
	store         *relational.Store
	listDelimiter string
	dryRun        bool
	logger        *slog.Logger
}

// MaterializerOption configures a Materializer.
type MaterializerOption func(*Materializer)

// WithMaterializerLogger sets the logger.
func WithMaterializerLogger(logger *slog.Logger) MaterializerOption {
	return func(m *Materializer) {
		m.logger = logger
	}
}

// WithListDelimiter sets the delimiter list cells are joined with.
func WithListDelimiter(delim string) MaterializerOption {
	return func(m *Materializer) {
		m.listDelimiter = delim
	}
}

// WithMaterializerDryRun logs the export statement instead of running it.
func WithMaterializerDryRun(dryRun bool) MaterializerOption {
	return func(m *Materializer) {
		m.dryRun = dryRun
	}
}

// NewMaterializer creates a Materializer exporting from store.
func NewMaterializer(store *relational.Store, opts ...MaterializerOption) *Materializer {
	m := &Materializer{
		store:         store,
		listDelimiter: kgx.DefaultListDelimiter,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Statement builds the COPY statement exporting relation to path.
func (m *Materializer) Statement(ctx context.Context, relation, path string) (string, relational.Columns, error) {
	cols, err := m.store.Columns(ctx, "", relation)
	if err != nil {
		return "", nil, err
	}
	if len(cols) == 0 {
		return "", nil, kgerr.New(kgerr.CodeStoreRelationMissing,
			fmt.Sprintf("relation %q not found", relation), kgerr.FieldRelation(relation))
	}

	sel := make([]string, len(cols))
	for i, c := range cols {
		ident := kgx.QuoteIdent(c.Name)
		if c.IsList() {
			sel[i] = fmt.Sprintf("array_to_string(%s, %s) AS %s", ident, kgx.QuoteLiteral(m.listDelimiter), ident)
			continue
		}
		sel[i] = ident
	}

	stmt := fmt.Sprintf("COPY (SELECT %s FROM %s) TO %s (HEADER, DELIMITER %s)",
		strings.Join(sel, ", "), kgx.QuoteIdent(relation), kgx.QuoteLiteral(path), kgx.QuoteLiteral("\t"))
	return stmt, cols, nil
}

// Write exports relation to path. The file appears atomically: rows go to a
// temporary sibling that is renamed into place once complete.
func (m *Materializer) Write(ctx context.Context, relation, path string) (OutputFile, error) {
	out := OutputFile{Relation: relation, Path: path}
	// Same directory and suffix, so the rename stays on one filesystem and
	// DuckDB still infers compression from the extension.
	tmp := filepath.Join(filepath.Dir(path), ".partial-"+filepath.Base(path))

	stmt, cols, err := m.Statement(ctx, relation, tmp)
	if err != nil {
		return out, err
	}
	out.Columns = cols.Names()
	out.Statement = stmt
	m.logger.Debug("sql", "statement", stmt)
	if m.dryRun {
		return out, nil
	}

	if _, err := m.store.DB().ExecContext(ctx, stmt); err != nil {
		_ = os.Remove(tmp)
		return out, kgerr.Wrap(err, kgerr.CodeIOOutputWriteFailure, "writing "+path, kgerr.FieldPath(path))
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return out, kgerr.Wrap(err, kgerr.CodeIOOutputWriteFailure, "writing "+path, kgerr.FieldPath(path))
	}

	if out.Rows, err = m.store.Count(ctx, relation); err != nil {
		return out, err
	}
	m.logger.Info("output written", "relation", relation, "path", path, "rows", out.Rows)
	return out, nil
}
