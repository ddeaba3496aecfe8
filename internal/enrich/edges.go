package enrich

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"closurizer/internal/config"
	"closurizer/internal/database/relational"
	"closurizer/internal/kgx"
	kgerr "closurizer/pkg/errors"
)

// EdgeStatement builds the statement creating denormalized_edges and returns
// it with the names of the appended columns.
//
// Appended columns, in order: for each edge field F
// F_label, F_category, F_namespace, F_closure, F_closure_label and, for taxon
// fields when nodes carry taxa, F_taxon, F_taxon_label; then F_label for each
// label-only field; then evidence_count and grouping_key.
func (e *Engine) EdgeStatement(ctx context.Context) (string, []string, error) {
	edgeCols, err := e.store.Columns(ctx, "", kgx.EdgesTable)
	if err != nil {
		return "", nil, err
	}
	nodeCols, err := e.store.Columns(ctx, "", kgx.NodesTable)
	if err != nil {
		return "", nil, err
	}
	if !nodeCols.Has(kgx.ColumnID) {
		return "", nil, unknownField(kgx.NodesTable, kgx.ColumnID, "node")
	}

	lookup, hasTaxon := e.nodeLookup(nodeCols)
	base, err := e.baseCTE(ctx, kgx.EdgesTable, edgeRowColumn)
	if err != nil {
		return "", nil, err
	}
	ctes := []string{lookup, base}
	var joins []string
	proj := newProjection(edgeCols)

	for i, field := range e.cfg.EdgeFields {
		col, ok := edgeCols.Lookup(field)
		if !ok {
			return "", nil, unknownField(kgx.EdgesTable, field, "edge")
		}
		if col.IsList() {
			return "", nil, kgerr.Wrap(&config.ConfigError{Field: "edge_fields", Message: field + " is multivalued; list it in edge_fields_to_label"},
				kgerr.CodeConfigValidateInvalidValue, "invalid configuration", kgerr.FieldColumn(field))
		}

		n := fmt.Sprintf("n_%d", i)
		c := fmt.Sprintf("c_%d", i)
		joins = append(joins,
			fmt.Sprintf("LEFT OUTER JOIN node_lookup AS %s ON %s = %s.id", n, asText(kgx.Qualified("edges", field)), n),
			fmt.Sprintf("LEFT OUTER JOIN %s AS %s ON %s.id = %s.id", kgx.QuoteIdent(kgx.NodeClosureTable), c, n, c),
		)

		names := kgx.ColumnsFor(field)
		group := [][2]string{
			{names.Label, n + ".name"},
			{names.Category, n + ".category"},
			{names.Namespace, n + ".namespace"},
			{names.Closure, c + "." + kgx.QuoteIdent(kgx.ColumnClosure)},
			{names.ClosureLabel, c + "." + kgx.QuoteIdent(kgx.ColumnClosureLabel)},
		}
		if hasTaxon && slices.Contains(e.cfg.TaxonFields, field) {
			group = append(group,
				[2]string{names.Taxon, n + ".taxon"},
				[2]string{names.TaxonLabel, n + ".taxon_label"})
		}
		for _, g := range group {
			if err := proj.add(g[0], g[1]); err != nil {
				return "", nil, err
			}
		}
	}

	for j, field := range e.cfg.EdgeFieldsToLabel {
		if slices.Contains(e.cfg.EdgeFields, field) {
			continue // already labelled with its group
		}
		col, ok := edgeCols.Lookup(field)
		if !ok {
			return "", nil, unknownField(kgx.EdgesTable, field, "label")
		}

		label := kgx.ColumnsFor(field).Label
		if col.IsList() {
			cte := fmt.Sprintf("labels_%d", j)
			ctes = append(ctes, fmt.Sprintf(`%s AS (
    SELECT u.%s, list(n.name ORDER BY u.pos) FILTER (WHERE n.name IS NOT NULL) AS label
    FROM (%s) u
    JOIN node_lookup n ON n.id = %s
    GROUP BY u.%s
)`, cte, kgx.QuoteIdent(edgeRowColumn), unnestMembers(edgeRowColumn, field), asText("u.member"), kgx.QuoteIdent(edgeRowColumn)))
			joins = append(joins, fmt.Sprintf("LEFT OUTER JOIN %s ON %s.%s = edges.%s",
				cte, cte, kgx.QuoteIdent(edgeRowColumn), kgx.QuoteIdent(edgeRowColumn)))
			if err := proj.add(label, cte+".label"); err != nil {
				return "", nil, err
			}
			continue
		}

		l := fmt.Sprintf("l_%d", j)
		joins = append(joins, fmt.Sprintf("LEFT OUTER JOIN node_lookup AS %s ON %s = %s.id",
			l, asText(kgx.Qualified("edges", field)), l))
		if err := proj.add(label, l+".name"); err != nil {
			return "", nil, err
		}
	}

	if expr, ok := e.evidenceExpr(edgeCols); ok {
		if err := proj.add(kgx.ColumnEvidence, expr); err != nil {
			return "", nil, err
		}
	}
	if expr, ok := e.groupingExpr(edgeCols); ok {
		if err := proj.add(kgx.ColumnGroupingKey, expr); err != nil {
			return "", nil, err
		}
	}

	stmt := fmt.Sprintf("CREATE OR REPLACE TABLE %s AS\nWITH %s\nSELECT %s\nFROM base AS edges\n%s\nORDER BY edges.%s",
		kgx.QuoteIdent(kgx.DenormalizedEdgesTable),
		strings.Join(ctes, ",\n"),
		proj.selectList("edges", edgeRowColumn),
		strings.Join(joins, "\n"),
		kgx.QuoteIdent(edgeRowColumn))
	return stmt, proj.names, nil
}

// evidenceExpr sums the number of values in each evidence column present on
// edges. Empty and NULL cells count zero.
func (e *Engine) evidenceExpr(edgeCols relational.Columns) (string, bool) {
	var terms []string
	for _, field := range e.cfg.EvidenceFields {
		col, ok := edgeCols.Lookup(field)
		if !ok {
			continue
		}
		ref := kgx.Qualified("edges", field)
		if col.IsList() {
			terms = append(terms, fmt.Sprintf("coalesce(len(%s), 0)", ref))
			continue
		}
		t := asText(ref)
		terms = append(terms, fmt.Sprintf("CASE WHEN %s IS NULL OR %s = '' THEN 0 ELSE len(string_split(%s, %s)) END",
			t, t, t, kgx.QuoteLiteral(e.cfg.ListDelimiter)))
	}
	if len(terms) == 0 {
		return "", false
	}
	return strings.Join(terms, " + "), true
}

// groupingExpr joins the grouping fields with the grouping separator. negated
// contributes NOT when true and nothing otherwise. The key is only produced
// when every grouping field is a column of edges.
func (e *Engine) groupingExpr(edgeCols relational.Columns) (string, bool) {
	if len(e.cfg.GroupingFields) == 0 {
		return "", false
	}
	parts := make([]string, 0, len(e.cfg.GroupingFields))
	for _, field := range e.cfg.GroupingFields {
		col, ok := edgeCols.Lookup(field)
		if !ok {
			return "", false
		}
		ref := kgx.Qualified("edges", field)
		switch {
		case field == kgx.ColumnNegated:
			parts = append(parts, fmt.Sprintf("CASE WHEN lower(%s) IN ('true', 't', '1') THEN 'NOT' ELSE '' END", asText(ref)))
		case col.IsList():
			parts = append(parts, fmt.Sprintf("array_to_string(%s, %s)", ref, kgx.QuoteLiteral(e.cfg.ListDelimiter)))
		default:
			parts = append(parts, asText(ref))
		}
	}
	return fmt.Sprintf("concat_ws(%s, %s)", kgx.QuoteLiteral(kgx.GroupingKeySeparator), strings.Join(parts, ", ")), true
}
