package enrich

import (
	"context"
	"fmt"
	"strings"

	"closurizer/internal/kgx"
)

// NodeStatement builds the statement creating denormalized_nodes and returns
// it with the names of the appended columns: closure and closure_label when
// node closure is on, then F_label, F_closure, F_closure_label for each node
// field. A multivalued node field gets the labels of its members and the union
// of their closures.
func (e *Engine) NodeStatement(ctx context.Context) (string, []string, error) {
	nodeCols, err := e.store.Columns(ctx, "", kgx.NodesTable)
	if err != nil {
		return "", nil, err
	}
	if !nodeCols.Has(kgx.ColumnID) {
		return "", nil, unknownField(kgx.NodesTable, kgx.ColumnID, "node")
	}

	lookup, _ := e.nodeLookup(nodeCols)
	base, err := e.baseCTE(ctx, kgx.NodesTable, nodeRowColumn)
	if err != nil {
		return "", nil, err
	}
	ctes := []string{lookup, base}
	var joins []string
	proj := newProjection(nodeCols)
	closureTable := kgx.QuoteIdent(kgx.NodeClosureTable)

	if e.cfg.NodeClosure {
		joins = append(joins, fmt.Sprintf("LEFT OUTER JOIN %s AS self_closure ON %s = self_closure.id",
			closureTable, asText(kgx.Qualified("nodes", kgx.ColumnID))))
		if err := proj.add(kgx.ColumnClosure, "self_closure."+kgx.QuoteIdent(kgx.ColumnClosure)); err != nil {
			return "", nil, err
		}
		if err := proj.add(kgx.ColumnClosureLabel, "self_closure."+kgx.QuoteIdent(kgx.ColumnClosureLabel)); err != nil {
			return "", nil, err
		}
	}

	for i, field := range e.cfg.NodeFields {
		col, ok := nodeCols.Lookup(field)
		if !ok {
			return "", nil, unknownField(kgx.NodesTable, field, "node")
		}
		names := kgx.ColumnsFor(field)

		if col.IsList() {
			cte := fmt.Sprintf("refs_%d", i)
			row := kgx.QuoteIdent(nodeRowColumn)
			ctes = append(ctes, fmt.Sprintf(`%s AS (
    SELECT u.%s,
           list(n.name ORDER BY u.pos) FILTER (WHERE n.name IS NOT NULL) AS label,
           list_distinct(flatten(list(c.closure ORDER BY u.pos) FILTER (WHERE c.closure IS NOT NULL))) AS closure,
           list_distinct(flatten(list(c.closure_label ORDER BY u.pos) FILTER (WHERE c.closure_label IS NOT NULL))) AS closure_label
    FROM (%s) u
    LEFT JOIN node_lookup n ON n.id = %s
    LEFT JOIN %s c ON c.id = n.id
    GROUP BY u.%s
)`, cte, row, unnestMembers(nodeRowColumn, field), asText("u.member"), closureTable, row))
			joins = append(joins, fmt.Sprintf("LEFT OUTER JOIN %s ON %s.%s = nodes.%s", cte, cte, row, row))
			for _, g := range [][2]string{
				{names.Label, cte + ".label"},
				{names.Closure, cte + ".closure"},
				{names.ClosureLabel, cte + ".closure_label"},
			} {
				if err := proj.add(g[0], g[1]); err != nil {
					return "", nil, err
				}
			}
			continue
		}

		n := fmt.Sprintf("n_%d", i)
		c := fmt.Sprintf("c_%d", i)
		joins = append(joins,
			fmt.Sprintf("LEFT OUTER JOIN node_lookup AS %s ON %s = %s.id", n, asText(kgx.Qualified("nodes", field)), n),
			fmt.Sprintf("LEFT OUTER JOIN %s AS %s ON %s.id = %s.id", closureTable, c, n, c),
		)
		for _, g := range [][2]string{
			{names.Label, n + ".name"},
			{names.Closure, c + "." + kgx.QuoteIdent(kgx.ColumnClosure)},
			{names.ClosureLabel, c + "." + kgx.QuoteIdent(kgx.ColumnClosureLabel)},
		} {
			if err := proj.add(g[0], g[1]); err != nil {
				return "", nil, err
			}
		}
	}

	stmt := fmt.Sprintf("CREATE OR REPLACE TABLE %s AS\nWITH %s\nSELECT %s\nFROM base AS nodes\n%s\nORDER BY nodes.%s",
		kgx.QuoteIdent(kgx.DenormalizedNodesTable),
		strings.Join(ctes, ",\n"),
		proj.selectList("nodes", nodeRowColumn),
		strings.Join(joins, "\n"),
		kgx.QuoteIdent(nodeRowColumn))
	return stmt, proj.names, nil
}
