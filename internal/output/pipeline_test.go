package output

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"closurizer/internal/closure"
	"closurizer/internal/config"
	"closurizer/internal/database/relational"
	"closurizer/internal/kgx"
	"closurizer/internal/testkg"
	kgerr "closurizer/pkg/errors"
)

// fixedProbe keeps tests independent of the host.
func fixedProbe(plan relational.ResourcePlan) Option {
	return WithResourceProbe(func(context.Context, string) (relational.ResourcePlan, error) {
		return plan, nil
	})
}

type paths struct {
	nodes, edges, manifest string
}

func outputPaths(t *testing.T) paths {
	t.Helper()
	dir := t.TempDir()
	return paths{
		nodes:    filepath.Join(dir, "kg_denormalized_nodes.tsv"),
		edges:    filepath.Join(dir, "kg_denormalized_edges.tsv"),
		manifest: filepath.Join(dir, "manifest.yaml"),
	}
}

func archiveConfig(t *testing.T) (config.Config, paths) {
	t.Helper()
	f := testkg.Write(t)
	p := outputPaths(t)
	cfg := config.DefaultConfig().
		WithArchive(f.Archive).
		WithClosureFile(f.Closure).
		WithOutputs(p.nodes, p.edges)
	cfg.ManifestFile = p.manifest
	return cfg, p
}

func TestRunPipelineArchive(t *testing.T) {
	cfg, p := archiveConfig(t)

	report, err := RunPipeline(context.Background(), cfg, fixedProbe(relational.ResourcePlan{}))
	require.NoError(t, err)
	assert.Equal(t, "archive", report.Mode)
	assert.EqualValues(t, testkg.NodeCount, report.Relations.Nodes)
	assert.EqualValues(t, testkg.EdgeCount, report.Relations.Edges)
	assert.EqualValues(t, testkg.EdgeCount, report.Relations.DenormalizedEdges)
	assert.EqualValues(t, testkg.NodeCount, report.Relations.DenormalizedNodes)
	assert.Empty(t, report.Statements)
	require.Len(t, report.Outputs, 2)

	edges := testkg.ReadTable(t, p.edges)
	require.Len(t, edges.Rows, testkg.EdgeCount)
	assert.Equal(t, []string{"uuid:1", "uuid:2", "uuid:3", "uuid:4"}, edges.Column("id"))

	e := edges.ByID()["uuid:1"]
	assert.Equal(t, "HTT", e["subject_label"])
	assert.Equal(t, "HGNC", e["subject_namespace"])
	assert.ElementsMatch(t, []string{"MONDO:0007739", "MONDO:0000167", "MONDO:0005395"},
		testkg.Split(e["object_closure"], "|"))
	assert.ElementsMatch(t,
		[]string{"Huntington disease", "huntington disease and related disorders", "movement disorder"},
		testkg.Split(e["object_closure_label"], "|"))
	assert.Equal(t, "3", e["evidence_count"])
	assert.Empty(t, edges.ByID()["uuid:3"]["object_label"])

	nodes := testkg.ReadTable(t, p.nodes)
	require.Len(t, nodes.Rows, testkg.NodeCount)
	assert.Contains(t, nodes.Header, "closure_label")
	assert.Equal(t, "HGNC:4851", nodes.ByID()["HGNC:4851"]["closure"])

	m, err := ReadManifest(p.manifest)
	require.NoError(t, err)
	assert.Equal(t, report.RunID, m.RunID)
	assert.EqualValues(t, testkg.EdgeCount, m.Relations.DenormalizedEdges)
	require.Len(t, m.Outputs, 2)
	assert.Equal(t, p.edges, m.Outputs[0].Path)
}

func TestRunPipelineEmptyClosureFile(t *testing.T) {
	cfg, p := archiveConfig(t)
	cfg.ClosureFile = testkg.WriteFile(t, t.TempDir(), "closure.tsv", "")

	report, err := RunPipeline(context.Background(), cfg, fixedProbe(relational.ResourcePlan{}))
	require.NoError(t, err)
	assert.Zero(t, report.Relations.ClosureRows)
	assert.EqualValues(t, testkg.NodeCount, report.Relations.NodeClosure)

	nodes := testkg.ReadTable(t, p.nodes)
	require.Len(t, nodes.Rows, testkg.NodeCount)
	for _, n := range nodes.Rows {
		assert.Equal(t, n["id"], n["closure"], "closure of %s", n["id"])
	}

	edges := testkg.ReadTable(t, p.edges)
	require.Len(t, edges.Rows, testkg.EdgeCount)
	assert.Equal(t, "MONDO:0007739", edges.ByID()["uuid:1"]["object_closure"])
}

func TestRunPipelineExportToggles(t *testing.T) {
	cfg, p := archiveConfig(t)
	cfg.ExportNodes = false
	cfg.NodesOutputFile = ""

	report, err := RunPipeline(context.Background(), cfg, fixedProbe(relational.ResourcePlan{}))
	require.NoError(t, err)
	require.Len(t, report.Outputs, 1)
	assert.Equal(t, kgx.DenormalizedEdgesTable, report.Outputs[0].Relation)
	assert.Zero(t, report.Relations.DenormalizedNodes)
	assert.FileExists(t, p.edges)
	assert.NoFileExists(t, p.nodes)
}

func TestRunPipelineStoreCopy(t *testing.T) {
	f := testkg.Write(t)
	in := filepath.Join(t.TempDir(), "kg.duckdb")
	testkg.WriteStore(t, in, f)
	out := filepath.Join(t.TempDir(), "work.duckdb")
	p := outputPaths(t)

	cfg := config.DefaultConfig().
		WithInputDatabase(in).
		WithDatabasePath(out).
		WithClosureFile(f.Closure).
		WithOutputs(p.nodes, p.edges)

	report, err := RunPipeline(context.Background(), cfg, fixedProbe(relational.ResourcePlan{}))
	require.NoError(t, err)
	assert.Equal(t, "store", report.Mode)
	assert.Equal(t, out, report.Inputs.Database)
	assert.Len(t, testkg.ReadTable(t, p.edges).Rows, testkg.EdgeCount)

	ctx := context.Background()
	src, err := relational.NewFileDB(in)
	require.NoError(t, err)
	ok, err := relational.NewStore(src.DB()).RelationExists(ctx, "", kgx.DenormalizedEdgesTable)
	require.NoError(t, err)
	assert.False(t, ok, "input store must stay untouched")
	require.NoError(t, src.Close())

	work, err := relational.NewFileDB(out)
	require.NoError(t, err)
	defer work.Close()
	n, err := relational.NewStore(work.DB()).Count(ctx, kgx.DenormalizedEdgesTable)
	require.NoError(t, err)
	assert.EqualValues(t, testkg.EdgeCount, n)
}

func TestRunPipelineStoreInPlace(t *testing.T) {
	f := testkg.Write(t)
	db := filepath.Join(t.TempDir(), "kg.duckdb")
	testkg.WriteStore(t, db, f)
	p := outputPaths(t)

	cfg := config.DefaultConfig().
		WithInputDatabase(db).
		WithClosureFile(f.Closure).
		WithOutputs(p.nodes, p.edges)

	_, err := RunPipeline(context.Background(), cfg, fixedProbe(relational.ResourcePlan{}))
	require.NoError(t, err)

	client, err := relational.NewFileDB(db)
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, relational.NewStore(client.DB()).RequireRelations(context.Background(), "",
		kgx.NodeClosureTable, kgx.DenormalizedEdgesTable, kgx.DenormalizedNodesTable))
}

func TestRunPipelineMissingRelation(t *testing.T) {
	f := testkg.Write(t)
	db := filepath.Join(t.TempDir(), "kg.duckdb")
	testkg.WriteStore(t, db, f, kgx.EdgesTable)
	p := outputPaths(t)

	cfg := config.DefaultConfig().
		WithInputDatabase(db).
		WithDatabasePath(filepath.Join(t.TempDir(), "work.duckdb")).
		WithClosureFile(f.Closure).
		WithOutputs(p.nodes, p.edges)

	_, err := RunPipeline(context.Background(), cfg, fixedProbe(relational.ResourcePlan{}))
	require.Error(t, err)
	assert.True(t, kgerr.HasCode(err, kgerr.CodeStoreRelationMissing))
	assert.Contains(t, err.Error(), "edges")
	assert.NoFileExists(t, p.edges)
}

func TestRunPipelineRejectsConfigBeforeOpening(t *testing.T) {
	f := testkg.Write(t)
	db := filepath.Join(t.TempDir(), "kg.duckdb")
	testkg.WriteStore(t, db, f)
	p := outputPaths(t)

	tests := []struct {
		name string
		cfg  config.Config
		code kgerr.Code
	}{
		{
			name: "conflicting sources",
			cfg: config.DefaultConfig().WithArchive(f.Archive).WithInputDatabase(db).
				WithClosureFile(f.Closure).WithOutputs(p.nodes, p.edges),
			code: kgerr.CodeConfigSourceConflict,
		},
		{
			name: "no source",
			cfg:  config.DefaultConfig().WithClosureFile(f.Closure).WithOutputs(p.nodes, p.edges),
			code: kgerr.CodeConfigSourceMissing,
		},
		{
			name: "missing closure file",
			cfg: config.DefaultConfig().WithArchive(f.Archive).
				WithClosureFile(filepath.Join(f.Dir, "nope.tsv")).WithOutputs(p.nodes, p.edges),
			code: kgerr.CodeConfigValidateInvalidValue,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			built := false
			_, err := RunPipeline(context.Background(), tt.cfg,
				fixedProbe(relational.ResourcePlan{}),
				WithStages(func(*relational.Store, config.Config, *slog.Logger) Stages {
					built = true
					return Stages{}
				}))
			require.Error(t, err)
			assert.True(t, kgerr.HasCode(err, tt.code), "got %s", kgerr.CodeOf(err))
			assert.False(t, built)
		})
	}
}

func TestRunPipelineDryRun(t *testing.T) {
	cfg, p := archiveConfig(t)
	cfg.DryRun = true

	report, err := RunPipeline(context.Background(), cfg, fixedProbe(relational.ResourcePlan{}))
	require.NoError(t, err)
	assert.True(t, report.DryRun)
	assert.Empty(t, report.Inputs.Database)
	assert.NoFileExists(t, p.edges)
	assert.NoFileExists(t, p.nodes)
	assert.NoFileExists(t, p.manifest)

	joined := strings.Join(report.Statements, "\n")
	for _, want := range []string{
		"CREATE OR REPLACE TABLE \"node_closure\"",
		"CREATE OR REPLACE TABLE \"denormalized_edges\"",
		"CREATE OR REPLACE TABLE \"denormalized_nodes\"",
		"COPY (SELECT",
	} {
		assert.Contains(t, joined, want)
	}
	require.Len(t, report.Outputs, 2)
	assert.Contains(t, report.Outputs[0].Columns, "subject_closure")
}

func TestRunPipelineDryRunStore(t *testing.T) {
	f := testkg.Write(t)
	db := filepath.Join(t.TempDir(), "kg.duckdb")
	testkg.WriteStore(t, db, f)
	p := outputPaths(t)

	cfg := config.DefaultConfig().
		WithInputDatabase(db).
		WithClosureFile(f.Closure).
		WithOutputs(p.nodes, p.edges)
	cfg.DryRun = true

	_, err := RunPipeline(context.Background(), cfg, fixedProbe(relational.ResourcePlan{}))
	require.NoError(t, err)

	client, err := relational.NewFileDB(db)
	require.NoError(t, err)
	defer client.Close()
	ok, err := relational.NewStore(client.DB()).RelationExists(context.Background(), "", kgx.NodeClosureTable)
	require.NoError(t, err)
	assert.False(t, ok)
}

type failingAggregator struct{}

func (failingAggregator) Aggregate(context.Context) (closure.Stats, error) {
	return closure.Stats{}, kgerr.New(kgerr.CodeEngineAggregateFailure, "out of memory")
}

func TestRunPipelineStageFailure(t *testing.T) {
	cfg, p := archiveConfig(t)

	_, err := RunPipeline(context.Background(), cfg,
		fixedProbe(relational.ResourcePlan{}),
		WithStages(func(*relational.Store, config.Config, *slog.Logger) Stages {
			return Stages{Aggregator: failingAggregator{}}
		}))
	require.Error(t, err)
	assert.True(t, kgerr.HasCode(err, kgerr.CodeEngineAggregateFailure))
	assert.NoFileExists(t, p.edges)
	assert.NoFileExists(t, p.manifest)
}

func TestRunPipelineLogsRunID(t *testing.T) {
	cfg, _ := archiveConfig(t)
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	report, err := RunPipeline(context.Background(), cfg,
		WithLogger(logger),
		fixedProbe(relational.ResourcePlan{SpillDirectory: t.TempDir(), SpillFreeBytes: 1 << 20}))
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "run_id="+report.RunID)
	require.Len(t, report.Warnings, 1)
	assert.Contains(t, report.Warnings[0], "spill directory")
}

func TestRunPipelineReportsProgress(t *testing.T) {
	cfg, _ := archiveConfig(t)
	cfg.ExportNodes = false
	cfg.NodesOutputFile = ""

	var events []string
	_, err := RunPipeline(context.Background(), cfg,
		fixedProbe(relational.ResourcePlan{}),
		WithProgress(func(stage string, done bool) {
			state := "start"
			if done {
				state = "done"
			}
			events = append(events, stage+":"+state)
		}))
	require.NoError(t, err)
	assert.Equal(t, []string{
		"load:start", "load:done",
		"aggregate:start", "aggregate:done",
		"enrich:start", "enrich:done",
		"materialize:start", "materialize:done",
	}, events)
}
