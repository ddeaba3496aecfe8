// Package kgx holds the naming conventions of KGX node/edge tables: ID
// namespaces, the derived enrichment column names and SQL quoting of
// identifiers and literals for the relational engine.
package kgx

import (
	"fmt"
	"strings"
)

// Relation names used in the backing store.
const (
	NodesTable             = "nodes"
	EdgesTable             = "edges"
	ClosureTable           = "closure"
	NodeClosureTable       = "node_closure"
	DenormalizedEdgesTable = "denormalized_edges"
	DenormalizedNodesTable = "denormalized_nodes"
)

// Well-known KGX columns.
const (
	ColumnID           = "id"
	ColumnName         = "name"
	ColumnCategory     = "category"
	ColumnInTaxon      = "in_taxon"
	ColumnInTaxonLabel = "in_taxon_label"
	ColumnNegated      = "negated"
	ColumnClosure      = "closure"
	ColumnClosureLabel = "closure_label"
	ColumnEvidence     = "evidence_count"
	ColumnGroupingKey  = "grouping_key"
)

// GroupingKeySeparator joins the grouping fields of an edge.
const GroupingKeySeparator = "🍪"

// DefaultIDDelimiter separates a CURIE prefix from its local identifier.
const DefaultIDDelimiter = ":"

// DefaultListDelimiter separates values of a multivalued column in flat files.
const DefaultListDelimiter = "|"

// Namespace returns the prefix of id before delim, or "" when id carries no
// delimiter.
func Namespace(id, delim string) string {
	if delim == "" {
		return ""
	}
	i := strings.Index(id, delim)
	if i < 0 {
		return ""
	}
	return id[:i]
}

// NamespaceExpr is the SQL counterpart of Namespace for column expr.
func NamespaceExpr(expr, delim string) string {
	d := QuoteLiteral(delim)
	return fmt.Sprintf("CASE WHEN strpos(%s, %s) > 0 THEN substr(%s, 1, strpos(%s, %s) - 1) ELSE '' END",
		expr, d, expr, expr, d)
}

// FieldColumns names the columns appended for a node-reference field.
type FieldColumns struct {
	Label        string
	Category     string
	Namespace    string
	Closure      string
	ClosureLabel string
	Taxon        string
	TaxonLabel   string
}

// ColumnsFor returns the enrichment column names for field.
func ColumnsFor(field string) FieldColumns {
	return FieldColumns{
		Label:        field + "_label",
		Category:     field + "_category",
		Namespace:    field + "_namespace",
		Closure:      field + "_closure",
		ClosureLabel: field + "_closure_label",
		Taxon:        field + "_taxon",
		TaxonLabel:   field + "_taxon_label",
	}
}

// QuoteIdent quotes a SQL identifier.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// QuoteLiteral quotes a SQL string literal.
func QuoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// Qualified returns alias.column with the column quoted.
func Qualified(alias, column string) string {
	return alias + "." + QuoteIdent(column)
}
