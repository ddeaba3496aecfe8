package cli

import (
	"github.com/spf13/cobra"

	"closurizer/internal/database/relational"
	"closurizer/internal/mcpserver"
)

func (a *app) newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve closure lookups from a persisted store over MCP (stdio)",
		Args:  cobra.NoArgs,
		RunE:  a.runServe,
	}
	addStoreFlags(cmd)
	return cmd
}

func (a *app) runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := a.loadConfig(cmd, storeFlags)
	if err != nil {
		return err
	}
	client, err := openReadOnly(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer client.Close()

	// stdout carries the protocol; logs go to stderr.
	srv, err := mcpserver.NewServer(mcpserver.Config{
		ServerName:    "closurizer",
		ServerVersion: version,
		IDDelimiter:   cfg.IDDelimiter,
		Logger:        newLogger(cmd, cmd.ErrOrStderr(), false),
	}, relational.NewStore(client.DB()))
	if err != nil {
		return err
	}
	return srv.Start(cmd.Context())
}
