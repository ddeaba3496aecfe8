// Package config defines the closurizer run configuration.
package config

import (
	"os"
	"path/filepath"

	"closurizer/internal/kgx"
	kgerr "closurizer/pkg/errors"
)

// Label policies for closure members whose label cannot be resolved.
const (
	LabelPolicyOmit     = "omit"     // unresolved members are left out of closure_label
	LabelPolicyFallback = "fallback" // unresolved members appear as their bare ID
)

// SourceMode discriminates where the base node/edge relations come from.
type SourceMode int

const (
	SourceNone SourceMode = iota
	SourceArchive
	SourceStore
)

func (m SourceMode) String() string {
	switch m {
	case SourceArchive:
		return "archive"
	case SourceStore:
		return "store"
	default:
		return "none"
	}
}

// Config contains the parameters of a single closurizer run.
// Use DefaultConfig() to get sensible defaults, then override as needed.
type Config struct {
	// Sources
	KGArchive     string `mapstructure:"kg_archive" yaml:"kg_archive,omitempty"`         // tar(.gz|.zst) with *_nodes.tsv and *_edges.tsv
	InputDatabase string `mapstructure:"input_database" yaml:"input_database,omitempty"` // existing store with nodes/edges
	DatabasePath  string `mapstructure:"database_path" yaml:"database_path,omitempty"`   // store to load into / persist to ("" = in-memory)
	ClosureFile   string `mapstructure:"closure_file" yaml:"closure_file"`               // subject<TAB>predicate<TAB>object, no header

	// Outputs
	NodesOutputFile string `mapstructure:"nodes_output_file" yaml:"nodes_output_file,omitempty"`
	EdgesOutputFile string `mapstructure:"edges_output_file" yaml:"edges_output_file,omitempty"`
	ManifestFile    string `mapstructure:"manifest_file" yaml:"manifest_file,omitempty"`
	ExportEdges     bool   `mapstructure:"export_edges" yaml:"export_edges"`
	ExportNodes     bool   `mapstructure:"export_nodes" yaml:"export_nodes"`

	// Enrichment
	EdgeFields        []string `mapstructure:"edge_fields" yaml:"edge_fields"`                 // default: subject, object
	EdgeFieldsToLabel []string `mapstructure:"edge_fields_to_label" yaml:"edge_fields_to_label"` // label-only fields
	NodeFields        []string `mapstructure:"node_fields" yaml:"node_fields"`                 // node columns referencing other nodes
	MultivaluedFields []string `mapstructure:"multivalued_fields" yaml:"multivalued_fields"`
	EvidenceFields    []string `mapstructure:"evidence_fields" yaml:"evidence_fields"`   // default: has_evidence, publications
	GroupingFields    []string `mapstructure:"grouping_fields" yaml:"grouping_fields"`   // default: subject, negated, predicate, object
	TaxonFields       []string `mapstructure:"taxon_fields" yaml:"taxon_fields"`         // default: subject, object
	NodeClosure       bool     `mapstructure:"node_closure" yaml:"node_closure"`         // add closure/closure_label to nodes
	LabelPolicy       string   `mapstructure:"label_policy" yaml:"label_policy"`         // omit | fallback
	IDDelimiter       string   `mapstructure:"id_delimiter" yaml:"id_delimiter"`         // default ":"
	ListDelimiter     string   `mapstructure:"list_delimiter" yaml:"list_delimiter"`     // default "|"
	DryRun            bool     `mapstructure:"dry_run" yaml:"dry_run"`

	// Engine resources (0 / "" = derive from host)
	Threads       int    `mapstructure:"threads" yaml:"threads,omitempty"`
	MemoryLimitGB int    `mapstructure:"memory_limit_gb" yaml:"memory_limit_gb,omitempty"`
	TempDirectory string `mapstructure:"temp_directory" yaml:"temp_directory,omitempty"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ExportEdges: true,
		ExportNodes: true,

		EdgeFields:     []string{"subject", "object"},
		EvidenceFields: []string{"has_evidence", "publications"},
		GroupingFields: []string{"subject", "negated", "predicate", "object"},
		TaxonFields:    []string{"subject", "object"},
		NodeClosure:    true,
		LabelPolicy:    LabelPolicyOmit,
		IDDelimiter:    kgx.DefaultIDDelimiter,
		ListDelimiter:  kgx.DefaultListDelimiter,
	}
}

// WithArchive returns a copy of the config loading from a KG archive.
func (c Config) WithArchive(path string) Config {
	c.KGArchive = path
	return c
}

// WithInputDatabase returns a copy of the config reading an existing store.
func (c Config) WithInputDatabase(path string) Config {
	c.InputDatabase = path
	return c
}

// WithDatabasePath returns a copy of the config persisting to path.
func (c Config) WithDatabasePath(path string) Config {
	c.DatabasePath = path
	return c
}

// WithClosureFile returns a copy of the config with the closure relation file set.
func (c Config) WithClosureFile(path string) Config {
	c.ClosureFile = path
	return c
}

// WithOutputs returns a copy of the config writing to the given flat files.
func (c Config) WithOutputs(nodes, edges string) Config {
	c.NodesOutputFile = nodes
	c.EdgesOutputFile = edges
	return c
}

// WithEdgeFields returns a copy of the config enriching the given edge fields.
func (c Config) WithEdgeFields(fields ...string) Config {
	c.EdgeFields = append([]string(nil), fields...)
	return c
}

// WithMultivaluedFields returns a copy of the config with the given list-valued columns.
func (c Config) WithMultivaluedFields(fields ...string) Config {
	c.MultivaluedFields = append([]string(nil), fields...)
	return c
}

// WithLabelPolicy returns a copy of the config with the unresolved-label policy set.
func (c Config) WithLabelPolicy(policy string) Config {
	c.LabelPolicy = policy
	return c
}

// Mode reports which source mode the config selects, without validating it.
func (c Config) Mode() SourceMode {
	switch {
	case c.KGArchive != "":
		return SourceArchive
	case c.InputDatabase != "" || c.DatabasePath != "":
		return SourceStore
	default:
		return SourceNone
	}
}

// SourceStorePath is the store holding nodes/edges in store mode.
func (c Config) SourceStorePath() string {
	if c.InputDatabase != "" {
		return c.InputDatabase
	}
	return c.DatabasePath
}

// TargetStorePath is the store the run works in: DatabasePath when set,
// otherwise the input store (store mode) or "" for an in-memory store.
func (c Config) TargetStorePath() string {
	if c.DatabasePath != "" {
		return c.DatabasePath
	}
	if c.KGArchive == "" {
		return c.InputDatabase
	}
	return ""
}

// PersistsCopy reports whether store-mode relations must be copied to a new store.
func (c Config) PersistsCopy() bool {
	if c.KGArchive != "" || c.InputDatabase == "" || c.DatabasePath == "" {
		return false
	}
	return !samePath(c.InputDatabase, c.DatabasePath)
}

// Validate checks the configuration and returns a coded error if it is unusable.
// It touches the filesystem only to stat inputs.
func (c Config) Validate() error {
	if c.KGArchive != "" && c.InputDatabase != "" {
		return kgerr.Wrap(&ConfigError{Field: "kg_archive", Message: "cannot be combined with input_database"},
			kgerr.CodeConfigSourceConflict, "conflicting sources",
			kgerr.Field("kg_archive", c.KGArchive), kgerr.Field("input_database", c.InputDatabase))
	}

	switch c.Mode() {
	case SourceNone:
		return kgerr.Wrap(&ConfigError{Field: "kg_archive", Message: "must be specified or database_path must exist"},
			kgerr.CodeConfigSourceMissing, "no source")
	case SourceArchive:
		if !fileExists(c.KGArchive) {
			return kgerr.New(kgerr.CodeIOInputMissing, "kg archive not found: "+c.KGArchive, kgerr.FieldPath(c.KGArchive))
		}
	case SourceStore:
		src := c.SourceStorePath()
		if !fileExists(src) {
			return kgerr.Wrap(&ConfigError{Field: "database_path", Message: "kg_archive must be specified or database_path must exist: " + src},
				kgerr.CodeConfigSourceMissing, "no source", kgerr.FieldPath(src))
		}
	}

	if c.ClosureFile == "" {
		return invalid("closure_file", "must not be empty")
	}
	if !fileExists(c.ClosureFile) {
		return kgerr.Wrap(&ConfigError{Field: "closure_file", Message: "not found: " + c.ClosureFile},
			kgerr.CodeConfigValidateInvalidValue, "invalid configuration", kgerr.FieldPath(c.ClosureFile))
	}
	if c.ExportEdges && c.EdgesOutputFile == "" {
		return invalid("edges_output_file", "must not be empty when export_edges is set")
	}
	if c.ExportNodes && c.NodesOutputFile == "" {
		return invalid("nodes_output_file", "must not be empty when export_nodes is set")
	}
	if len(c.EdgeFields) == 0 {
		return invalid("edge_fields", "must name at least one field")
	}
	if err := uniqueNonEmpty("edge_fields", c.EdgeFields); err != nil {
		return err
	}
	for _, list := range []struct {
		name   string
		values []string
	}{
		{"edge_fields_to_label", c.EdgeFieldsToLabel},
		{"node_fields", c.NodeFields},
		{"multivalued_fields", c.MultivaluedFields},
	} {
		if err := uniqueNonEmpty(list.name, list.values); err != nil {
			return err
		}
	}
	if c.LabelPolicy != LabelPolicyOmit && c.LabelPolicy != LabelPolicyFallback {
		return invalid("label_policy", "must be \"omit\" or \"fallback\"")
	}
	if c.IDDelimiter == "" {
		return invalid("id_delimiter", "must not be empty")
	}
	if c.ListDelimiter == "" {
		return invalid("list_delimiter", "must not be empty")
	}
	if c.Threads < 0 {
		return invalid("threads", "must not be negative")
	}
	if c.MemoryLimitGB < 0 {
		return invalid("memory_limit_gb", "must not be negative")
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "config error: " + e.Field + " " + e.Message
}

func invalid(field, msg string) error {
	return kgerr.Wrap(&ConfigError{Field: field, Message: msg},
		kgerr.CodeConfigValidateInvalidValue, "invalid configuration", kgerr.Field("field", field))
}

func uniqueNonEmpty(name string, values []string) error {
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		if v == "" {
			return invalid(name, "contains an empty field name")
		}
		if _, dup := seen[v]; dup {
			return invalid(name, "contains duplicate field "+v)
		}
		seen[v] = struct{}{}
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func samePath(a, b string) bool {
	aa, errA := filepath.Abs(a)
	bb, errB := filepath.Abs(b)
	if errA != nil || errB != nil {
		return a == b
	}
	return filepath.Clean(aa) == filepath.Clean(bb)
}
