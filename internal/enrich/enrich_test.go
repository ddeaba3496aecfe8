package enrich

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"closurizer/internal/closure"
	"closurizer/internal/config"
	"closurizer/internal/database/relational"
	"closurizer/internal/kgx"
	"closurizer/internal/loader"
	"closurizer/internal/testkg"
	kgerr "closurizer/pkg/errors"
)

// prepared loads the fixture and aggregates closures.
func prepared(t *testing.T, cfg config.Config) (*relational.Store, config.Config) {
	t.Helper()
	ctx := context.Background()
	f := testkg.Write(t)
	cfg = cfg.WithArchive(f.Archive).WithClosureFile(f.Closure)

	client, err := relational.NewInMemoryDB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	store := relational.NewStore(client.DB())

	res, err := loader.New(store, cfg).Load(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = res.Cleanup() })

	_, err = closure.New(store, closure.WithLabelPolicy(cfg.LabelPolicy)).Aggregate(ctx)
	require.NoError(t, err)
	return store, cfg
}

// cell reads one value of table as text; lists are joined with "|" and NULL
// reads as "".
func cell(t *testing.T, store *relational.Store, table, id, column string) string {
	t.Helper()
	ctx := context.Background()
	cols, err := store.Columns(ctx, "", table)
	require.NoError(t, err)
	col, ok := cols.Lookup(column)
	require.True(t, ok, "column %s missing from %s", column, table)

	expr := fmt.Sprintf("CAST(%s AS VARCHAR)", kgx.QuoteIdent(column))
	if col.IsList() {
		expr = fmt.Sprintf("array_to_string(%s, '|')", kgx.QuoteIdent(column))
	}
	var v sql.NullString
	require.NoError(t, store.DB().QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", expr, kgx.QuoteIdent(table)), id).Scan(&v))
	return v.String
}

func set(cellValue string) []string {
	return testkg.Split(cellValue, "|")
}

func TestEnrichEdgesReadmeScenario(t *testing.T) {
	store, cfg := prepared(t, config.DefaultConfig())

	res, err := New(store, cfg).EnrichEdges(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, testkg.EdgeCount, res.Rows)

	e := func(col string) string { return cell(t, store, kgx.DenormalizedEdgesTable, "uuid:1", col) }
	assert.Equal(t, "HTT", e("subject_label"))
	assert.Equal(t, "biolink:Gene", e("subject_category"))
	assert.Equal(t, "HGNC", e("subject_namespace"))
	assert.Equal(t, []string{"HGNC:4851"}, set(e("subject_closure")))
	assert.Equal(t, []string{"HTT"}, set(e("subject_closure_label")))
	assert.Equal(t, "NCBITaxon:9606", e("subject_taxon"))
	assert.Equal(t, "Homo sapiens", e("subject_taxon_label"))

	assert.Equal(t, "biolink:Disease", e("object_category"))
	assert.Equal(t, "MONDO", e("object_namespace"))
	assert.ElementsMatch(t, []string{"MONDO:0007739", "MONDO:0000167", "MONDO:0005395"}, set(e("object_closure")))
	assert.ElementsMatch(t,
		[]string{"Huntington disease", "huntington disease and related disorders", "movement disorder"},
		set(e("object_closure_label")))
	assert.Empty(t, e("object_taxon"))
}

func TestEnrichEdgesColumnLayout(t *testing.T) {
	store, cfg := prepared(t, config.DefaultConfig())

	res, err := New(store, cfg).EnrichEdges(context.Background())
	require.NoError(t, err)

	cols, err := store.Columns(context.Background(), "", kgx.DenormalizedEdgesTable)
	require.NoError(t, err)

	// subject_category exists in the input and is replaced, not duplicated.
	original := []string{"id", "subject", "predicate", "object", "negated", "publications", "has_evidence"}
	added := []string{
		"subject_label", "subject_category", "subject_namespace", "subject_closure", "subject_closure_label",
		"subject_taxon", "subject_taxon_label",
		"object_label", "object_category", "object_namespace", "object_closure", "object_closure_label",
		"object_taxon", "object_taxon_label",
		"evidence_count", "grouping_key",
	}
	assert.Equal(t, append(original, added...), cols.Names())
	assert.Equal(t, added, res.Added)
}

func TestEnrichEdgesPreservesRowsAndOrder(t *testing.T) {
	store, cfg := prepared(t, config.DefaultConfig())
	_, err := New(store, cfg).EnrichEdges(context.Background())
	require.NoError(t, err)

	rows, err := store.DB().Query("SELECT id, predicate FROM denormalized_edges")
	require.NoError(t, err)
	defer rows.Close()
	var ids, predicates []string
	for rows.Next() {
		var id, pred string
		require.NoError(t, rows.Scan(&id, &pred))
		ids = append(ids, id)
		predicates = append(predicates, pred)
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, []string{"uuid:1", "uuid:2", "uuid:3", "uuid:4"}, ids)
	assert.Equal(t, "biolink:has_phenotype", predicates[1])
}

func TestEnrichEdgesUnresolvedIDs(t *testing.T) {
	store, cfg := prepared(t, config.DefaultConfig())
	_, err := New(store, cfg).EnrichEdges(context.Background())
	require.NoError(t, err)

	// uuid:3 points at an unknown object.
	for _, col := range []string{"object_label", "object_category", "object_namespace", "object_closure", "object_closure_label"} {
		assert.Empty(t, cell(t, store, kgx.DenormalizedEdgesTable, "uuid:3", col), col)
	}
	assert.Equal(t, "biolink:Gene", cell(t, store, kgx.DenormalizedEdgesTable, "uuid:3", "subject_category"))

	// uuid:4 has an unknown subject without a prefix.
	assert.Empty(t, cell(t, store, kgx.DenormalizedEdgesTable, "uuid:4", "subject_namespace"))
	assert.Equal(t, "MONDO", cell(t, store, kgx.DenormalizedEdgesTable, "uuid:4", "object_namespace"))
}

func TestEnrichEdgesEvidenceAndGroupingKey(t *testing.T) {
	store, cfg := prepared(t, config.DefaultConfig())
	_, err := New(store, cfg).EnrichEdges(context.Background())
	require.NoError(t, err)

	evidence := func(id string) string { return cell(t, store, kgx.DenormalizedEdgesTable, id, "evidence_count") }
	assert.Equal(t, "3", evidence("uuid:1"))
	assert.Equal(t, "1", evidence("uuid:2"))
	assert.Equal(t, "0", evidence("uuid:3"))

	key := func(id string) string { return cell(t, store, kgx.DenormalizedEdgesTable, id, "grouping_key") }
	sep := kgx.GroupingKeySeparator
	assert.Equal(t, strings.Join([]string{"MONDO:0007739", "NOT", "biolink:has_phenotype", "HP:0001300"}, sep), key("uuid:2"))
	assert.Equal(t, strings.Join([]string{"HGNC:4851", "", "biolink:causes", "MONDO:0007739"}, sep), key("uuid:1"))
	assert.Equal(t, strings.Join([]string{"HGNC:4851", "", "biolink:interacts_with", "NOPE:1"}, sep), key("uuid:3"))
}

func TestEnrichEdgesMultivaluedEvidence(t *testing.T) {
	store, cfg := prepared(t, config.DefaultConfig().WithMultivaluedFields("publications"))
	_, err := New(store, cfg).EnrichEdges(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "3", cell(t, store, kgx.DenormalizedEdgesTable, "uuid:1", "evidence_count"))
	assert.Equal(t, "PMID:1|PMID:2", cell(t, store, kgx.DenormalizedEdgesTable, "uuid:1", "publications"))
}

func TestEnrichEdgesArbitraryFields(t *testing.T) {
	store, cfg := prepared(t, config.DefaultConfig().WithEdgeFields("object", "predicate"))

	res, err := New(store, cfg).EnrichEdges(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "object_label", res.Added[0])
	assert.Contains(t, res.Added, "predicate_closure")
	assert.NotContains(t, res.Added, "predicate_taxon")

	// Predicates are not nodes: empty enrichment, no failure.
	assert.Empty(t, cell(t, store, kgx.DenormalizedEdgesTable, "uuid:1", "predicate_category"))
	// The input subject_category column is kept when nothing replaces it.
	assert.Empty(t, cell(t, store, kgx.DenormalizedEdgesTable, "uuid:1", "subject_category"))
}

func TestEnrichEdgesUnknownField(t *testing.T) {
	store, cfg := prepared(t, config.DefaultConfig().WithEdgeFields("subject", "qualifier"))

	_, err := New(store, cfg).EnrichEdges(context.Background())
	require.Error(t, err)
	assert.True(t, kgerr.HasCode(err, kgerr.CodeEngineFieldUnknown))
	assert.Contains(t, err.Error(), "qualifier")
}

func TestEnrichEdgesFallbackLabels(t *testing.T) {
	store, cfg := prepared(t, config.DefaultConfig().WithLabelPolicy(config.LabelPolicyFallback))
	_, err := New(store, cfg).EnrichEdges(context.Background())
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"Parkinsonism", "HP:0000001"},
		set(cell(t, store, kgx.DenormalizedEdgesTable, "uuid:2", "object_closure_label")))
}

func TestEnrichDryRun(t *testing.T) {
	store, cfg := prepared(t, config.DefaultConfig())

	res, err := New(store, cfg, WithDryRun(true)).EnrichEdges(context.Background())
	require.NoError(t, err)
	assert.Contains(t, res.Statement, "LEFT OUTER JOIN node_lookup")
	assert.Zero(t, res.Rows)

	view, err := store.IsView(context.Background(), "", kgx.DenormalizedEdgesTable)
	require.NoError(t, err)
	assert.True(t, view)

	cols, err := store.Columns(context.Background(), "", kgx.DenormalizedEdgesTable)
	require.NoError(t, err)
	assert.Contains(t, cols.Names(), "subject_closure_label")
}

func TestEnrichNodes(t *testing.T) {
	store, cfg := prepared(t, config.DefaultConfig())

	res, err := New(store, cfg).EnrichNodes(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, testkg.NodeCount, res.Rows)
	assert.Equal(t, []string{"closure", "closure_label"}, res.Added)

	cols, err := store.Columns(context.Background(), "", kgx.DenormalizedNodesTable)
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "category", "name", "in_taxon", "in_taxon_label", "xref", "closure", "closure_label"},
		cols.Names())

	n := func(id, col string) string { return cell(t, store, kgx.DenormalizedNodesTable, id, col) }
	assert.ElementsMatch(t, []string{"MONDO:0007739", "MONDO:0000167", "MONDO:0005395"}, set(n("MONDO:0007739", "closure")))
	assert.Equal(t, []string{"HGNC:4851"}, set(n("HGNC:4851", "closure")))
}

func TestEnrichNodesWithoutClosure(t *testing.T) {
	base := config.DefaultConfig()
	base.NodeClosure = false
	store, cfg := prepared(t, base)

	res, err := New(store, cfg).EnrichNodes(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Added)

	cols, err := store.Columns(context.Background(), "", kgx.DenormalizedNodesTable)
	require.NoError(t, err)
	assert.False(t, cols.Has("closure"))
}

// referenceStore builds a graph whose edges and nodes reference several nodes
// per cell.
func referenceStore(t *testing.T) *relational.Store {
	t.Helper()
	client, err := relational.NewInMemoryDB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	store := relational.NewStore(client.DB())

	for _, stmt := range []string{
		`CREATE TABLE nodes AS SELECT * FROM (VALUES
			('GENE:1', 'gene one', 'biolink:Gene', ['PHENO:1', 'PHENO:2']),
			('PHENO:1', 'pheno one', 'biolink:PhenotypicFeature', NULL),
			('PHENO:2', 'pheno two', 'biolink:PhenotypicFeature', NULL),
			('PHENO:0', 'pheno root', 'biolink:PhenotypicFeature', NULL)
		) v(id, name, category, has_phenotype)`,
		`CREATE TABLE edges AS SELECT * FROM (VALUES
			('e1', 'GENE:1', 'biolink:has_phenotype', 'PHENO:1', ['PHENO:2', 'MISSING:1', 'PHENO:1']),
			('e2', 'GENE:1', 'biolink:has_phenotype', 'PHENO:2', NULL)
		) v(id, subject, predicate, object, qualifiers)`,
		`CREATE TABLE closure AS SELECT * FROM (VALUES
			('PHENO:1', 'rdfs:subClassOf', 'PHENO:0'),
			('PHENO:2', 'rdfs:subClassOf', 'PHENO:0')
		) v(subject_id, predicate_id, object_id)`,
	} {
		require.NoError(t, store.Exec(context.Background(), stmt))
	}
	_, err = closure.New(store).Aggregate(context.Background())
	require.NoError(t, err)
	return store
}

func TestEnrichEdgesLabelOnlyFields(t *testing.T) {
	store := referenceStore(t)
	cfg := config.DefaultConfig()
	cfg.EdgeFieldsToLabel = []string{"qualifiers", "predicate", "subject"}

	res, err := New(store, cfg).EnrichEdges(context.Background())
	require.NoError(t, err)
	assert.Contains(t, res.Added, "qualifiers_label")
	assert.Contains(t, res.Added, "predicate_label")
	labels := 0
	for _, name := range res.Added {
		if name == "subject_label" {
			labels++
		}
	}
	assert.Equal(t, 1, labels, "subject is already labelled by its field group")

	// Members resolve in list order; unknown members are left out.
	assert.Equal(t, "pheno two|pheno one", cell(t, store, kgx.DenormalizedEdgesTable, "e1", "qualifiers_label"))
	assert.Empty(t, cell(t, store, kgx.DenormalizedEdgesTable, "e2", "qualifiers_label"))
	assert.Empty(t, cell(t, store, kgx.DenormalizedEdgesTable, "e1", "predicate_label"))
}

func TestEnrichEdgesRejectsListEdgeField(t *testing.T) {
	store := referenceStore(t)
	cfg := config.DefaultConfig().WithEdgeFields("subject", "qualifiers")

	_, err := New(store, cfg).EnrichEdges(context.Background())
	require.Error(t, err)
	assert.True(t, kgerr.IsConfig(err))
}

func TestEnrichNodesNodeFields(t *testing.T) {
	store := referenceStore(t)
	cfg := config.DefaultConfig()
	cfg.NodeFields = []string{"has_phenotype"}

	res, err := New(store, cfg).EnrichNodes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"closure", "closure_label", "has_phenotype_label", "has_phenotype_closure", "has_phenotype_closure_label"},
		res.Added)

	n := func(id, col string) string { return cell(t, store, kgx.DenormalizedNodesTable, id, col) }
	assert.Equal(t, "pheno one|pheno two", n("GENE:1", "has_phenotype_label"))
	assert.ElementsMatch(t, []string{"PHENO:1", "PHENO:2", "PHENO:0"}, set(n("GENE:1", "has_phenotype_closure")))
	assert.ElementsMatch(t, []string{"pheno one", "pheno two", "pheno root"}, set(n("GENE:1", "has_phenotype_closure_label")))
	assert.Empty(t, n("PHENO:1", "has_phenotype_closure"))
}

func TestEnrichNodesUnknownNodeField(t *testing.T) {
	store := referenceStore(t)
	cfg := config.DefaultConfig()
	cfg.NodeFields = []string{"part_of"}

	_, err := New(store, cfg).EnrichNodes(context.Background())
	require.Error(t, err)
	assert.True(t, kgerr.HasCode(err, kgerr.CodeEngineFieldUnknown))
}
