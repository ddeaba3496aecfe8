package output

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"closurizer/internal/database/relational"
	kgerr "closurizer/pkg/errors"
)

// Report describes a completed (or dry) run. It is what the console summary
// renders and what the run manifest serializes.
type Report struct {
	RunID     string    `yaml:"run_id"`
	StartedAt time.Time `yaml:"started_at"`
	Elapsed   string    `yaml:"elapsed"`
	DryRun    bool      `yaml:"dry_run"`
	Mode      string    `yaml:"mode"`

	Inputs    Inputs    `yaml:"inputs"`
	Engine    Engine    `yaml:"engine"`
	Relations Relations `yaml:"relations"`

	EdgeFields       []string     `yaml:"edge_fields"`
	AddedEdgeColumns []string     `yaml:"added_edge_columns,omitempty"`
	AddedNodeColumns []string     `yaml:"added_node_columns,omitempty"`
	Outputs          []OutputFile `yaml:"outputs,omitempty"`
	Statements       []string     `yaml:"statements,omitempty"`
	Warnings         []string     `yaml:"warnings,omitempty"`
}

// Inputs lists the sources of a run.
type Inputs struct {
	KGArchive     string `yaml:"kg_archive,omitempty"`
	InputDatabase string `yaml:"input_database,omitempty"`
	Database      string `yaml:"database,omitempty"` // "" when the store was in memory
	ClosureFile   string `yaml:"closure_file"`
}

// Engine records the engine settings in effect.
type Engine struct {
	Threads       int    `yaml:"threads"`
	MemoryLimitGB int    `yaml:"memory_limit_gb"`
	TempDirectory string `yaml:"temp_directory,omitempty"`
	SpillFreeGB   uint64 `yaml:"spill_free_gb,omitempty"`
}

// Relations holds row counts of the base and derived relations.
type Relations struct {
	Nodes             int64 `yaml:"nodes"`
	Edges             int64 `yaml:"edges"`
	ClosureRows       int64 `yaml:"closure_rows"`
	NodeClosure       int64 `yaml:"node_closure"`
	NodesWithAncestor int64 `yaml:"nodes_with_ancestors"`
	DenormalizedEdges int64 `yaml:"denormalized_edges"`
	DenormalizedNodes int64 `yaml:"denormalized_nodes"`
}

func engineFrom(cfg relational.DatabaseConfig, plan relational.ResourcePlan) Engine {
	return Engine{
		Threads:       cfg.Threads,
		MemoryLimitGB: cfg.MemoryLimitGB,
		TempDirectory: cfg.TempDirectory,
		SpillFreeGB:   plan.SpillFreeBytes >> 30,
	}
}

// WriteManifest writes the report as YAML to path.
func WriteManifest(path string, r *Report) error {
	data, err := yaml.Marshal(r)
	if err != nil {
		return kgerr.Wrap(err, kgerr.CodeInternalFailure, "encoding run manifest")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return kgerr.Wrap(err, kgerr.CodeIOOutputWriteFailure, "writing run manifest "+path, kgerr.FieldPath(path))
	}
	return nil
}

// ReadManifest loads a manifest written by WriteManifest.
func ReadManifest(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, kgerr.Wrap(err, kgerr.CodeIOInputMissing, "reading run manifest "+path, kgerr.FieldPath(path))
	}
	var r Report
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decoding run manifest %s: %w", path, err)
	}
	return &r, nil
}
