package cli

import (
	"os"

	"github.com/spf13/cobra"

	"closurizer/internal/closure"
	"closurizer/internal/config"
	"closurizer/internal/database/relational"
	"closurizer/internal/output"
	"closurizer/ui/console"
	kgerr "closurizer/pkg/errors"
)

var storeFlags = map[string]string{
	"database":       "database_path",
	"id-delimiter":   "id_delimiter",
	"list-delimiter": "list_delimiter",
}

func addStoreFlags(cmd *cobra.Command) {
	d := config.DefaultConfig()
	cmd.Flags().String("database", "", "store written by a previous run")
	cmd.Flags().String("id-delimiter", d.IDDelimiter, "delimiter between CURIE prefix and local ID")
	cmd.Flags().String("list-delimiter", d.ListDelimiter, "delimiter used to print lists")
}

func (a *app) newLookupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lookup ID...",
		Short: "Print the closure of nodes from a persisted store",
		Args:  cobra.MinimumNArgs(1),
		RunE:  a.runLookup,
	}
	addStoreFlags(cmd)
	return cmd
}

func (a *app) runLookup(cmd *cobra.Command, ids []string) error {
	cfg, err := a.loadConfig(cmd, storeFlags)
	if err != nil {
		return err
	}
	client, err := openReadOnly(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer client.Close()

	store := relational.NewStore(client.DB())
	agg := closure.New(store,
		closure.WithLogger(newLogger(cmd, cmd.ErrOrStderr(), false)),
		closure.WithIDDelimiter(cfg.IDDelimiter))
	entries, err := agg.Lookup(cmd.Context(), ids...)
	if err != nil {
		return err
	}

	console.PrintLookup(cmd.OutOrStdout(), output.BuildLookup(entries, cfg.ListDelimiter))
	return nil
}

// openReadOnly opens an existing store without taking the write lock.
func openReadOnly(path string) (*relational.DuckDBClient, error) {
	if path == "" {
		return nil, kgerr.Wrap(&config.ConfigError{Field: "database_path", Message: "must not be empty"},
			kgerr.CodeConfigValidateInvalidValue, "invalid configuration")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, kgerr.Wrap(err, kgerr.CodeIOInputMissing, "store not found: "+path, kgerr.FieldPath(path))
	}
	client, err := relational.NewDuckDBClient(path+"?access_mode=read_only",
		relational.WithTimeout(relational.DefaultOpenTimeout))
	if err != nil {
		return nil, kgerr.Wrap(err, kgerr.CodeStoreOpenFailure, "opening store "+path, kgerr.FieldPath(path))
	}
	return client, nil
}
