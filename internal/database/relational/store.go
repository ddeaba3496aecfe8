package relational

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"closurizer/internal/kgx"
	kgerr "closurizer/pkg/errors"
)

// Column describes one column of a relation.
type Column struct {
	Name string
	Type string
}

// IsList reports whether the column holds a LIST value (e.g. VARCHAR[]).
func (c Column) IsList() bool {
	return strings.HasSuffix(c.Type, "[]")
}

// Columns is an ordered column set.
type Columns []Column

// Names returns the column names in order.
func (cs Columns) Names() []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.Name
	}
	return out
}

// Lookup returns the column called name.
func (cs Columns) Lookup(name string) (Column, bool) {
	for _, c := range cs {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// Has reports whether a column called name exists.
func (cs Columns) Has(name string) bool {
	_, ok := cs.Lookup(name)
	return ok
}

// Store wraps a connection with catalog helpers. The caller owns the *sql.DB.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying connection.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Exec runs a single statement.
func (s *Store) Exec(ctx context.Context, stmt string, args ...any) error {
	if _, err := s.db.ExecContext(ctx, stmt, args...); err != nil {
		return kgerr.Wrap(err, kgerr.CodeStoreQueryFailure, "executing statement")
	}
	return nil
}

// RelationExists reports whether the main schema of catalog holds a table or
// view called name. An empty catalog means the current database.
func (s *Store) RelationExists(ctx context.Context, catalog, name string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*)
		FROM information_schema.tables
		WHERE table_catalog = coalesce(nullif(?, ''), current_database())
		  AND table_schema = 'main'
		  AND table_name = ?
	`, catalog, name).Scan(&n)
	if err != nil {
		return false, kgerr.Wrap(err, kgerr.CodeStoreQueryFailure, "checking relation "+name,
			kgerr.FieldRelation(name))
	}
	return n > 0, nil
}

// IsView reports whether name in the main schema of catalog is a view.
func (s *Store) IsView(ctx context.Context, catalog, name string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*)
		FROM information_schema.tables
		WHERE table_catalog = coalesce(nullif(?, ''), current_database())
		  AND table_schema = 'main'
		  AND table_name = ?
		  AND table_type = 'VIEW'
	`, catalog, name).Scan(&n)
	if err != nil {
		return false, kgerr.Wrap(err, kgerr.CodeStoreQueryFailure, "checking relation "+name,
			kgerr.FieldRelation(name))
	}
	return n > 0, nil
}

// RequireRelations fails with CodeStoreRelationMissing naming the first absent relation.
func (s *Store) RequireRelations(ctx context.Context, catalog string, names ...string) error {
	for _, name := range names {
		ok, err := s.RelationExists(ctx, catalog, name)
		if err != nil {
			return err
		}
		if !ok {
			where := "database"
			if catalog != "" {
				where = catalog
			}
			return kgerr.New(kgerr.CodeStoreRelationMissing,
				fmt.Sprintf("required table %q not found in %s", name, where),
				kgerr.FieldRelation(name))
		}
	}
	return nil
}

// Columns lists the columns of a relation in ordinal order.
func (s *Store) Columns(ctx context.Context, catalog, table string) (Columns, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT column_name, data_type
		FROM information_schema.columns
		WHERE table_catalog = coalesce(nullif(?, ''), current_database())
		  AND table_schema = 'main'
		  AND table_name = ?
		ORDER BY ordinal_position
	`, catalog, table)
	if err != nil {
		return nil, kgerr.Wrap(err, kgerr.CodeStoreQueryFailure, "listing columns of "+table,
			kgerr.FieldRelation(table))
	}
	defer rows.Close()

	cols := Columns{}
	for rows.Next() {
		var c Column
		if err := rows.Scan(&c.Name, &c.Type); err != nil {
			return nil, kgerr.Wrap(err, kgerr.CodeStoreQueryFailure, "scanning columns of "+table)
		}
		cols = append(cols, c)
	}
	if err := rows.Err(); err != nil {
		return nil, kgerr.Wrap(err, kgerr.CodeStoreQueryFailure, "listing columns of "+table)
	}
	return cols, nil
}

// Count returns the number of rows in table.
func (s *Store) Count(ctx context.Context, table string) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT count(*) FROM "+kgx.QuoteIdent(table)).Scan(&n); err != nil {
		return 0, kgerr.Wrap(err, kgerr.CodeStoreQueryFailure, "counting "+table, kgerr.FieldRelation(table))
	}
	return n, nil
}

// Attach makes another database file visible under alias.
func (s *Store) Attach(ctx context.Context, path, alias string, readOnly bool) error {
	stmt := fmt.Sprintf("ATTACH %s AS %s", kgx.QuoteLiteral(path), kgx.QuoteIdent(alias))
	if readOnly {
		stmt += " (READ_ONLY)"
	}
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return kgerr.Wrap(err, kgerr.CodeStoreOpenFailure, "attaching "+path, kgerr.FieldPath(path))
	}
	return nil
}

// Detach removes an attached database.
func (s *Store) Detach(ctx context.Context, alias string) error {
	if _, err := s.db.ExecContext(ctx, "DETACH "+kgx.QuoteIdent(alias)); err != nil {
		return kgerr.Wrap(err, kgerr.CodeStoreQueryFailure, "detaching "+alias)
	}
	return nil
}

// CopyRelations materializes catalog.name as a table of the current database
// for each name, replacing existing tables.
func (s *Store) CopyRelations(ctx context.Context, catalog string, names ...string) error {
	for _, name := range names {
		stmt := fmt.Sprintf("CREATE OR REPLACE TABLE %s AS SELECT * FROM %s.%s",
			kgx.QuoteIdent(name), kgx.QuoteIdent(catalog), kgx.QuoteIdent(name))
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return kgerr.Wrap(err, kgerr.CodeStoreQueryFailure, "copying "+name,
				kgerr.FieldRelation(name))
		}
	}
	return nil
}

// ReplaceTable swaps table for the result of selectSQL, keeping the name.
func (s *Store) ReplaceTable(ctx context.Context, table, selectSQL string) error {
	tmp := table + "__replace"
	stmts := []string{
		fmt.Sprintf("DROP TABLE IF EXISTS %s", kgx.QuoteIdent(tmp)),
		fmt.Sprintf("CREATE TABLE %s AS %s", kgx.QuoteIdent(tmp), selectSQL),
		fmt.Sprintf("DROP TABLE %s", kgx.QuoteIdent(table)),
		fmt.Sprintf("ALTER TABLE %s RENAME TO %s", kgx.QuoteIdent(tmp), kgx.QuoteIdent(table)),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return kgerr.Wrap(err, kgerr.CodeStoreQueryFailure, "replacing "+table,
				kgerr.FieldRelation(table))
		}
	}
	return nil
}

// DefineView runs a CREATE OR REPLACE TABLE statement as the equivalent view,
// so the relation's shape is known without computing its rows.
func (s *Store) DefineView(ctx context.Context, createTable string) error {
	const prefix = "CREATE OR REPLACE TABLE "
	if !strings.HasPrefix(createTable, prefix) {
		return kgerr.New(kgerr.CodeInternalFailure, "not a CREATE OR REPLACE TABLE statement")
	}
	stmt := "CREATE OR REPLACE VIEW " + strings.TrimPrefix(createTable, prefix)
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return kgerr.Wrap(err, kgerr.CodeStoreQueryFailure, "defining view")
	}
	return nil
}
