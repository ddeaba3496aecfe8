// Package testkg builds small KGX fixtures (TSV files, archives and stores)
// for tests.
package testkg

import (
	"archive/tar"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"

	"closurizer/internal/database/relational"
	"closurizer/internal/kgx"
)

// Nodes is a node table around the Huntington disease example. HP:0000001 is
// referenced by the closure but absent here.
const Nodes = "id\tcategory\tname\tin_taxon\tin_taxon_label\txref\n" +
	"HGNC:4851\tbiolink:Gene\tHTT\tNCBITaxon:9606\tHomo sapiens\tENSEMBL:ENSG00000197386|OMIM:613004\n" +
	"MONDO:0007739\tbiolink:Disease\tHuntington disease\t\t\tOMIM:143100\n" +
	"MONDO:0000167\tbiolink:Disease\thuntington disease and related disorders\t\t\t\n" +
	"MONDO:0005395\tbiolink:Disease\tmovement disorder\t\t\t\n" +
	"HP:0001300\tbiolink:PhenotypicFeature\tParkinsonism\t\t\t\n"

// Edges holds four edges: a fully resolved one, a negated one, one whose
// object is unknown and one whose subject is unknown and has no prefix.
const Edges = "id\tsubject\tpredicate\tobject\tnegated\tpublications\thas_evidence\tsubject_category\n" +
	"uuid:1\tHGNC:4851\tbiolink:causes\tMONDO:0007739\t\tPMID:1|PMID:2\tECO:0000269\t\n" +
	"uuid:2\tMONDO:0007739\tbiolink:has_phenotype\tHP:0001300\tTrue\tPMID:3\t\t\n" +
	"uuid:3\tHGNC:4851\tbiolink:interacts_with\tNOPE:1\tFalse\t\t\t\n" +
	"uuid:4\tnoprefix\tbiolink:related_to\tMONDO:0005395\t\t\t\t\n"

// Closure lists ancestors including a duplicate row and a self row.
const Closure = "MONDO:0007739\trdfs:subClassOf\tMONDO:0000167\n" +
	"MONDO:0007739\trdfs:subClassOf\tMONDO:0005395\n" +
	"MONDO:0007739\trdfs:subClassOf\tMONDO:0005395\n" +
	"MONDO:0007739\trdfs:subClassOf\tMONDO:0007739\n" +
	"MONDO:0000167\trdfs:subClassOf\tMONDO:0005395\n" +
	"HP:0001300\trdfs:subClassOf\tHP:0000001\n"

// EdgeCount is the number of rows in Edges.
const EdgeCount = 4

// NodeCount is the number of rows in Nodes.
const NodeCount = 5

// Files locates a written fixture.
type Files struct {
	Dir     string
	Nodes   string
	Edges   string
	Closure string
	Archive string
}

// Write writes the fixture TSVs and a kg.tar.gz holding the node and edge files.
func Write(t testing.TB) Files {
	t.Helper()
	dir := t.TempDir()
	f := Files{
		Dir:     dir,
		Nodes:   WriteFile(t, dir, "kg_nodes.tsv", Nodes),
		Edges:   WriteFile(t, dir, "kg_edges.tsv", Edges),
		Closure: WriteFile(t, dir, "closure.tsv", Closure),
		Archive: filepath.Join(dir, "kg.tar.gz"),
	}
	WriteArchive(t, f.Archive, map[string]string{
		"kg/kg_nodes.tsv": Nodes,
		"kg/kg_edges.tsv": Edges,
	})
	return f
}

// WriteFile writes body to dir/name and returns the path.
func WriteFile(t testing.TB, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

// WriteArchive writes a gzip-compressed tar with the given members.
func WriteArchive(t testing.TB, path string, members map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	for name, body := range members {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Mode:     0o644,
			Size:     int64(len(body)),
			Typeflag: tar.TypeReg,
		}))
		_, err := io.WriteString(tw, body)
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
}

// WriteStore creates a DuckDB file at path holding nodes and edges loaded from
// the fixture files. Relations listed in skip are left out.
func WriteStore(t testing.TB, path string, f Files, skip ...string) {
	t.Helper()
	client, err := relational.NewFileDB(path)
	require.NoError(t, err)
	defer client.Close()

	skipped := make(map[string]bool, len(skip))
	for _, s := range skip {
		skipped[s] = true
	}
	for table, src := range map[string]string{kgx.NodesTable: f.Nodes, kgx.EdgesTable: f.Edges} {
		if skipped[table] {
			continue
		}
		stmt := fmt.Sprintf("CREATE TABLE %s AS SELECT * FROM read_csv(%s, delim='\\t', header=true, all_varchar=true)",
			kgx.QuoteIdent(table), kgx.QuoteLiteral(src))
		_, err := client.Exec(context.Background(), stmt)
		require.NoError(t, err)
	}
}

// Table is a parsed TSV file.
type Table struct {
	Header []string
	Rows   []map[string]string
}

// Column returns the values of column name in row order.
func (tb Table) Column(name string) []string {
	out := make([]string, len(tb.Rows))
	for i, r := range tb.Rows {
		out[i] = r[name]
	}
	return out
}

// ByID indexes rows by their id column.
func (tb Table) ByID() map[string]map[string]string {
	out := make(map[string]map[string]string, len(tb.Rows))
	for _, r := range tb.Rows {
		out[r[kgx.ColumnID]] = r
	}
	return out
}

// ReadTable parses a headed tab-separated file.
func ReadTable(t testing.TB, path string) Table {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	r := csv.NewReader(f)
	r.Comma = '\t'
	r.LazyQuotes = true
	records, err := r.ReadAll()
	require.NoError(t, err)
	require.NotEmpty(t, records, "missing header in %s", path)

	tb := Table{Header: records[0]}
	for _, rec := range records[1:] {
		row := make(map[string]string, len(rec))
		for i, v := range rec {
			row[tb.Header[i]] = v
		}
		tb.Rows = append(tb.Rows, row)
	}
	return tb
}

// Split splits a list cell; an empty cell is the empty list.
func Split(cell, delim string) []string {
	if cell == "" {
		return nil
	}
	return strings.Split(cell, delim)
}
