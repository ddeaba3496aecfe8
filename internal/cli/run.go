package cli

import (
	"context"

	"github.com/spf13/cobra"

	"closurizer/internal/config"
	"closurizer/internal/output"
	"closurizer/ui/console"
	"closurizer/ui/tui"
)

// runFlags maps pipeline flags to config keys.
var runFlags = map[string]string{
	"kg":                   "kg_archive",
	"input-database":       "input_database",
	"database":             "database_path",
	"closure":              "closure_file",
	"nodes-output":         "nodes_output_file",
	"edges-output":         "edges_output_file",
	"manifest":             "manifest_file",
	"export-edges":         "export_edges",
	"export-nodes":         "export_nodes",
	"edge-fields":          "edge_fields",
	"edge-fields-to-label": "edge_fields_to_label",
	"node-fields":          "node_fields",
	"multivalued-fields":   "multivalued_fields",
	"evidence-fields":      "evidence_fields",
	"grouping-fields":      "grouping_fields",
	"taxon-fields":         "taxon_fields",
	"node-closure":         "node_closure",
	"label-policy":         "label_policy",
	"id-delimiter":         "id_delimiter",
	"list-delimiter":       "list_delimiter",
	"dry-run":              "dry_run",
	"threads":              "threads",
	"memory-limit":         "memory_limit_gb",
	"temp-dir":             "temp_directory",
}

func (a *app) newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Load, aggregate closures, enrich and write denormalized files",
		Long: "Load nodes and edges from a KGX archive (--kg) or an existing store\n" +
			"(--input-database / --database), aggregate per-node closures from --closure,\n" +
			"enrich every edge and write the results as TSV.",
		Args: cobra.NoArgs,
		RunE: a.runPipeline,
	}
	addRunFlags(cmd)
	return cmd
}

func addRunFlags(cmd *cobra.Command) {
	d := config.DefaultConfig()
	f := cmd.Flags()

	// Sources
	f.String("kg", "", "KGX archive (.tar.gz, .tgz, .tar.zst, .tar) with *_nodes.tsv and *_edges.tsv")
	f.String("input-database", "", "existing store holding nodes and edges tables")
	f.String("database", "", "store to work in; also the source when neither --kg nor --input-database is set")
	f.String("closure", "", "closure TSV: subject, predicate, object; no header")

	// Outputs
	f.String("nodes-output", "", "denormalized nodes TSV")
	f.String("edges-output", "", "denormalized edges TSV")
	f.String("manifest", "", "write a YAML run manifest to this path")
	f.Bool("export-edges", d.ExportEdges, "write the denormalized edges file")
	f.Bool("export-nodes", d.ExportNodes, "write the denormalized nodes file")

	// Enrichment
	f.StringSlice("edge-fields", d.EdgeFields, "edge columns referencing nodes to enrich")
	f.StringSlice("edge-fields-to-label", nil, "edge columns that only get a _label column")
	f.StringSlice("node-fields", nil, "node columns referencing other nodes")
	f.StringSlice("multivalued-fields", nil, "columns holding delimited lists")
	f.StringSlice("evidence-fields", d.EvidenceFields, "columns counted into evidence_count")
	f.StringSlice("grouping-fields", d.GroupingFields, "columns joined into grouping_key")
	f.StringSlice("taxon-fields", d.TaxonFields, "edge fields that get taxon columns")
	f.Bool("node-closure", d.NodeClosure, "add closure and closure_label to nodes")
	f.String("label-policy", d.LabelPolicy, "closure members without a name: omit or fallback")
	f.String("id-delimiter", d.IDDelimiter, "delimiter between CURIE prefix and local ID")
	f.String("list-delimiter", d.ListDelimiter, "delimiter of multivalued cells")
	f.Bool("dry-run", false, "validate and print the SQL without executing it")
	f.Bool("progress", false, "show stage progress instead of log lines")

	// Engine
	f.Int("threads", 0, "engine threads (0 = host cores)")
	f.Int("memory-limit", 0, "engine memory limit in GB (0 = derived from available memory)")
	f.String("temp-dir", "", "engine spill directory")
}

func (a *app) runPipeline(cmd *cobra.Command, _ []string) error {
	cfg, err := a.loadConfig(cmd, runFlags)
	if err != nil {
		return err
	}

	showProgress, _ := cmd.Flags().GetBool("progress")
	logger := newLogger(cmd, cmd.ErrOrStderr(), showProgress)
	opts := []output.Option{output.WithLogger(logger)}

	var report *output.Report
	if showProgress {
		report, err = tui.Run(cmd.Context(), cmd.ErrOrStderr(),
			func(ctx context.Context, progress output.Progress) (*output.Report, error) {
				return output.RunPipeline(ctx, cfg, append(opts, output.WithProgress(progress))...)
			})
	} else {
		report, err = output.RunPipeline(cmd.Context(), cfg, opts...)
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if report.DryRun {
		console.PrintStatements(out, report.Statements)
	}
	console.Print(out, output.BuildSummary(report))
	return nil
}
