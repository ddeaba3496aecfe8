// Package cli holds the closurizer cobra commands.
package cli

import (
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"closurizer/internal/config"
	kgerr "closurizer/pkg/errors"
)

// app is the state shared by the commands of one invocation.
type app struct {
	v *viper.Viper
}

// NewRootCmd creates the root closurizer command with all subcommands
// registered. Without a subcommand it runs the pipeline.
func NewRootCmd() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:   "closurizer",
		Short: "Denormalize KGX edges with ontology closures",
		Long: "closurizer loads a KGX graph and a precomputed closure relation, attaches each\n" +
			"referenced node's label, category, namespace and ancestor closure to every edge,\n" +
			"and writes the denormalized edges and nodes as TSV files.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE:          a.runPipeline,
	}

	// Global flags
	root.PersistentFlags().StringP("config", "c", "", "path to a YAML config file")
	root.PersistentFlags().BoolP("verbose", "v", false, "log debug output, including generated SQL")
	addRunFlags(root)

	root.AddCommand(
		a.newRunCmd(),
		a.newLookupCmd(),
		a.newServeCmd(),
		newVersionCmd(),
	)
	return root
}

// loadConfig binds the command's flags to viper keys and reads the config with
// flag > env > file > defaults precedence.
func (a *app) loadConfig(cmd *cobra.Command, flags map[string]string) (config.Config, error) {
	for flag, key := range flags {
		f := cmd.Flags().Lookup(flag)
		if f == nil {
			continue
		}
		if err := a.v.BindPFlag(key, f); err != nil {
			return config.Config{}, kgerr.Wrapf(err, kgerr.CodeInternalFailure, "binding --%s", flag)
		}
	}
	path, _ := cmd.Flags().GetString("config")
	return config.Load(a.v, path)
}

func newLogger(cmd *cobra.Command, w io.Writer, quiet bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	} else if quiet {
		level = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
