package config

import (
	"strings"

	"github.com/spf13/viper"

	kgerr "closurizer/pkg/errors"
)

// EnvPrefix is the prefix of environment overrides (CLOSURIZER_CLOSURE_FILE, ...).
const EnvPrefix = "CLOSURIZER"

// SetDefaults registers DefaultConfig values on v.
func SetDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("export_edges", d.ExportEdges)
	v.SetDefault("export_nodes", d.ExportNodes)
	v.SetDefault("edge_fields", d.EdgeFields)
	v.SetDefault("edge_fields_to_label", []string{})
	v.SetDefault("node_fields", []string{})
	v.SetDefault("multivalued_fields", []string{})
	v.SetDefault("evidence_fields", d.EvidenceFields)
	v.SetDefault("grouping_fields", d.GroupingFields)
	v.SetDefault("taxon_fields", d.TaxonFields)
	v.SetDefault("node_closure", d.NodeClosure)
	v.SetDefault("label_policy", d.LabelPolicy)
	v.SetDefault("id_delimiter", d.IDDelimiter)
	v.SetDefault("list_delimiter", d.ListDelimiter)
	v.SetDefault("dry_run", false)
	v.SetDefault("threads", 0)
	v.SetDefault("memory_limit_gb", 0)
}

// SetupEnv binds CLOSURIZER_* environment variables.
func SetupEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
}

// Load reads a Config from v. An optional config file is read first; flags
// already bound to v take precedence over env, file and defaults.
func Load(v *viper.Viper, path string) (Config, error) {
	SetDefaults(v)
	SetupEnv(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, kgerr.Wrap(err, kgerr.CodeConfigValidateInvalidValue,
				"reading config "+path, kgerr.FieldPath(path))
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, kgerr.Wrap(err, kgerr.CodeConfigValidateInvalidValue, "unmarshalling config")
	}
	return cfg, nil
}
