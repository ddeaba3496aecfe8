package kgx

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNamespace(t *testing.T) {
	tests := []struct {
		id    string
		delim string
		want  string
	}{
		{"HGNC:4851", ":", "HGNC"},
		{"MONDO:0007739", ":", "MONDO"},
		{"biolink:Gene", ":", "biolink"},
		{"no-delimiter", ":", ""},
		{":leading", ":", ""},
		{"a:b:c", ":", "a"},
		{"NCBIGene_1017", "_", "NCBIGene"},
		{"", ":", ""},
		{"HGNC:1", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			assert.Equal(t, tt.want, Namespace(tt.id, tt.delim))
		})
	}
}

func TestColumnsFor(t *testing.T) {
	cols := ColumnsFor("object")
	assert.Equal(t, "object_label", cols.Label)
	assert.Equal(t, "object_category", cols.Category)
	assert.Equal(t, "object_namespace", cols.Namespace)
	assert.Equal(t, "object_closure", cols.Closure)
	assert.Equal(t, "object_closure_label", cols.ClosureLabel)
	assert.Equal(t, "object_taxon", cols.Taxon)
	assert.Equal(t, "object_taxon_label", cols.TaxonLabel)
}

func TestQuoting(t *testing.T) {
	assert.Equal(t, `"subject"`, QuoteIdent("subject"))
	assert.Equal(t, `"we""ird"`, QuoteIdent(`we"ird`))
	assert.Equal(t, `'/tmp/kg.tsv'`, QuoteLiteral("/tmp/kg.tsv"))
	assert.Equal(t, `'O''Brien'`, QuoteLiteral("O'Brien"))
	assert.Equal(t, `edges."subject"`, Qualified("edges", "subject"))
}
