package output

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"closurizer/internal/closure"
	"closurizer/internal/config"
	"closurizer/internal/database/relational"
	"closurizer/internal/enrich"
	"closurizer/internal/kgx"
	"closurizer/internal/loader"
	kgerr "closurizer/pkg/errors"
)

// RelationLoader materializes nodes, edges and closure into the store.
type RelationLoader interface {
	Load(ctx context.Context) (*loader.Result, error)
}

// ClosureAggregator builds the per-node closure relation.
type ClosureAggregator interface {
	Aggregate(ctx context.Context) (closure.Stats, error)
}

// Enricher builds the denormalized edge and node relations.
type Enricher interface {
	EnrichEdges(ctx context.Context) (enrich.Result, error)
	EnrichNodes(ctx context.Context) (enrich.Result, error)
}

// FileWriter exports a relation to a flat file.
type FileWriter interface {
	Write(ctx context.Context, relation, path string) (OutputFile, error)
}

// Stage names reported to a Progress observer, in run order.
const (
	StageLoad        = "load"
	StageAggregate   = "aggregate"
	StageEnrich      = "enrich"
	StageMaterialize = "materialize"
)

// Progress observes stage transitions. It is called with done=false when a
// stage starts and done=true when it succeeds.
type Progress func(stage string, done bool)

// Stages are the pipeline components bound to an open store. A nil field gets
// the default implementation.
type Stages struct {
	Loader     RelationLoader
	Aggregator ClosureAggregator
	Enricher   Enricher
	Writer     FileWriter
}

// StageFactory builds the stages of a run once the store is open.
type StageFactory func(store *relational.Store, cfg config.Config, logger *slog.Logger) Stages

// Pipeline runs Load -> Aggregate -> Enrich -> Materialize for one config.
type Pipeline struct {
	cfg      config.Config
	logger   *slog.Logger
	factory  StageFactory
	probe    func(ctx context.Context, spillDir string) (relational.ResourcePlan, error)
	progress Progress
	now      func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger; every record of a run carries its run_id.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// WithStages overrides stage construction.
func WithStages(f StageFactory) Option {
	return func(p *Pipeline) {
		p.factory = f
	}
}

// WithResourceProbe overrides host resource detection.
func WithResourceProbe(probe func(ctx context.Context, spillDir string) (relational.ResourcePlan, error)) Option {
	return func(p *Pipeline) {
		p.probe = probe
	}
}

// WithProgress reports stage transitions to fn.
func WithProgress(fn Progress) Option {
	return func(p *Pipeline) {
		if fn != nil {
			p.progress = fn
		}
	}
}

func NewPipeline(cfg config.Config, opts ...Option) *Pipeline {
	p := &Pipeline{
		cfg:      cfg,
		logger:   slog.Default(),
		probe:    relational.ProbeResources,
		progress: func(string, bool) {},
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// RunPipeline validates cfg and executes the full pipeline.
func RunPipeline(ctx context.Context, cfg config.Config, opts ...Option) (*Report, error) {
	return NewPipeline(cfg, opts...).Run(ctx)
}

// DefaultStages wires the stock loader, aggregator, enricher and materializer.
func DefaultStages(store *relational.Store, cfg config.Config, logger *slog.Logger) Stages {
	return Stages{
		Loader: loader.New(store, cfg,
			loader.WithLogger(logger),
			loader.WithViews(cfg.DryRun)),
		Aggregator: closure.New(store,
			closure.WithLogger(logger),
			closure.WithLabelPolicy(cfg.LabelPolicy),
			closure.WithIDDelimiter(cfg.IDDelimiter),
			closure.WithDryRun(cfg.DryRun)),
		Enricher: enrich.New(store, cfg,
			enrich.WithLogger(logger),
			enrich.WithDryRun(cfg.DryRun)),
		Writer: NewMaterializer(store,
			WithMaterializerLogger(logger),
			WithListDelimiter(cfg.ListDelimiter),
			WithMaterializerDryRun(cfg.DryRun)),
	}
}

// Run executes the pipeline. Configuration is validated before the store is
// opened; the first failing stage aborts the run. The store is closed on
// every path.
func (p *Pipeline) Run(ctx context.Context) (*Report, error) {
	cfg := p.cfg
	started := p.now()
	report := &Report{
		RunID:      uuid.NewString(),
		StartedAt:  started.UTC(),
		DryRun:     cfg.DryRun,
		Mode:       cfg.Mode().String(),
		EdgeFields: cfg.EdgeFields,
		Inputs: Inputs{
			KGArchive:     cfg.KGArchive,
			InputDatabase: cfg.InputDatabase,
			ClosureFile:   cfg.ClosureFile,
		},
	}
	logger := p.logger.With("run_id", report.RunID)

	// 1. Validate
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger.Info("starting closurizer run",
		"mode", report.Mode,
		"kg_archive", cfg.KGArchive,
		"database", cfg.TargetStorePath(),
		"closure_file", cfg.ClosureFile,
		"edge_fields", cfg.EdgeFields,
		"dry_run", cfg.DryRun)

	// 2. Size the engine
	plan, err := p.probe(ctx, cfg.TempDirectory)
	if err != nil {
		logger.Warn("resource probe failed, using engine defaults", "error", err)
	}
	if plan.LowSpillSpace() {
		msg := fmt.Sprintf("spill directory %s has only %d GiB free", plan.SpillDirectory, plan.SpillFreeBytes>>30)
		report.Warnings = append(report.Warnings, msg)
		logger.Warn(msg)
	}

	// 3. Open the store; dry runs only ever see a scratch in-memory store.
	dsn := cfg.TargetStorePath()
	if cfg.DryRun {
		dsn = ""
	}
	report.Inputs.Database = dsn
	client, err := relational.NewDuckDBClient(dsn,
		relational.WithThreads(cfg.Threads),
		relational.WithMemoryLimit(cfg.MemoryLimitGB),
		relational.WithTempDirectory(cfg.TempDirectory),
		relational.WithTimeout(relational.DefaultOpenTimeout),
		relational.WithResources(plan))
	if err != nil {
		return nil, kgerr.Wrap(err, kgerr.CodeStoreOpenFailure, "opening store "+displayDSN(dsn), kgerr.FieldPath(dsn))
	}
	defer func() {
		if cerr := client.Close(); cerr != nil {
			logger.Warn("closing store", "error", cerr)
		}
	}()
	report.Engine = engineFrom(client.Config(), plan)

	store := relational.NewStore(client.DB())
	factory := p.factory
	if factory == nil {
		factory = DefaultStages
	}
	stages := factory(store, cfg, logger)
	fillDefaults(&stages, DefaultStages(store, cfg, logger))

	// 4. Load
	p.progress(StageLoad, false)
	loaded, err := stages.Loader.Load(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := loaded.Cleanup(); cerr != nil {
			logger.Warn("removing extracted files", "error", cerr)
		}
	}()
	report.Relations.Nodes = loaded.NodeCount
	report.Relations.Edges = loaded.EdgeCount
	report.Relations.ClosureRows = loaded.ClosureCount
	report.Statements = append(report.Statements, loaded.Statements...)
	p.progress(StageLoad, true)

	// 5. Aggregate closures
	p.progress(StageAggregate, false)
	stats, err := stages.Aggregator.Aggregate(ctx)
	if err != nil {
		return nil, err
	}
	report.Relations.NodeClosure = stats.Nodes
	report.Relations.NodesWithAncestor = stats.WithAncestors
	report.Statements = append(report.Statements, stats.Statement)
	p.progress(StageAggregate, true)

	// 6. Enrich
	p.progress(StageEnrich, false)
	edges, err := stages.Enricher.EnrichEdges(ctx)
	if err != nil {
		return nil, err
	}
	report.Relations.DenormalizedEdges = edges.Rows
	report.AddedEdgeColumns = edges.Added
	report.Statements = append(report.Statements, edges.Statement)

	if cfg.ExportNodes {
		nodes, err := stages.Enricher.EnrichNodes(ctx)
		if err != nil {
			return nil, err
		}
		report.Relations.DenormalizedNodes = nodes.Rows
		report.AddedNodeColumns = nodes.Added
		report.Statements = append(report.Statements, nodes.Statement)
	}
	p.progress(StageEnrich, true)

	// 7. Materialize
	p.progress(StageMaterialize, false)
	if cfg.ExportEdges {
		out, err := stages.Writer.Write(ctx, kgx.DenormalizedEdgesTable, cfg.EdgesOutputFile)
		if err != nil {
			return nil, err
		}
		report.Outputs = append(report.Outputs, out)
		report.Statements = append(report.Statements, out.Statement)
	}
	if cfg.ExportNodes {
		out, err := stages.Writer.Write(ctx, kgx.DenormalizedNodesTable, cfg.NodesOutputFile)
		if err != nil {
			return nil, err
		}
		report.Outputs = append(report.Outputs, out)
		report.Statements = append(report.Statements, out.Statement)
	}
	p.progress(StageMaterialize, true)

	report.Elapsed = p.now().Sub(started).Round(time.Millisecond).String()
	if !cfg.DryRun {
		// Statements are only interesting when nothing ran.
		report.Statements = nil
		if cfg.ManifestFile != "" {
			if err := WriteManifest(cfg.ManifestFile, report); err != nil {
				return nil, err
			}
		}
	}

	logger.Info("closurizer run complete",
		"edges", report.Relations.DenormalizedEdges,
		"nodes", report.Relations.DenormalizedNodes,
		"elapsed", report.Elapsed)
	return report, nil
}

func fillDefaults(s *Stages, d Stages) {
	if s.Loader == nil {
		s.Loader = d.Loader
	}
	if s.Aggregator == nil {
		s.Aggregator = d.Aggregator
	}
	if s.Enricher == nil {
		s.Enricher = d.Enricher
	}
	if s.Writer == nil {
		s.Writer = d.Writer
	}
}

func displayDSN(dsn string) string {
	if dsn == "" {
		return ":memory:"
	}
	return dsn
}
