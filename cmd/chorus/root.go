package main

import (
	"context"
	"encoding/json"
	"io"

	"github.com/spf13/cobra"

	"chorus/internal/domain"
	"chorus/internal/infra/config"
	"chorus/internal/usecase/eventbus"
)

// globals holds the persistent flags shared by every command.
type globals struct {
	configPath string
	json       bool
	verbose    bool
}

func newRootCmd(g *globals) *cobra.Command {
	root := &cobra.Command{
		Use:   "chorus",
		Short: "Discover, call and chain CI specialists",
		Long: `chorus keeps a registry of CI specialists (socket and HTTP AI workers),
resolves names and roles to live specialists, sends them messages and passes
messages along named routes of specialists.

Exit codes:
  0  success
  1  specialist not found
  2  connection failure or timeout
  3  malformed input`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return domain.NewDomainError("flags", domain.ErrInvalidInput, err.Error())
	})

	root.PersistentFlags().StringVar(&g.configPath, "config", config.DefaultPath(), "config file path")
	root.PersistentFlags().BoolVar(&g.json, "json", false, "print machine-readable JSON")
	root.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "log at the configured level instead of warn")

	root.AddCommand(
		newListCmd(g),
		newInfoCmd(g),
		newBestCmd(g),
		newTestCmd(g),
		newSchemaCmd(g),
		newRegisterCmd(g),
		newDeregisterCmd(g),
		newSendCmd(g),
		newRouteCmd(g),
		newManifestCmd(g),
		newServeCmd(g),
		newAnnounceCmd(g),
		newScanCmd(g),
		newDoctorCmd(g),
		newDaemonCmd(g),
	)
	return root
}

// execute runs the command tree and returns the process exit code.
func execute(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	g := &globals{}
	root := newRootCmd(g)
	root.SetArgs(args)
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		return reportError(stderr, err, g.json)
	}
	return domain.ExitOK
}

// open loads the config and builds the app for one command. Every command but serve
// is one-shot: it logs at warn unless --verbose is set and dispatches events inline
// so cache purges land before its next call.
func (g *globals) open(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(g.configPath)
	if err != nil {
		return nil, err
	}
	var busOpts []eventbus.Option
	if cmd.Name() != "serve" {
		if !g.verbose {
			cfg.Logger.Level = "warn"
		}
		busOpts = append(busOpts, eventbus.WithSynchronousDispatch())
	}
	return newApp(cmd.Context(), cfg, busOpts...)
}

// checkArgs wraps a positional argument check so usage mistakes exit as malformed input.
func checkArgs(check cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, a []string) error {
		if err := check(cmd, a); err != nil {
			return domain.NewDomainError(cmd.CommandPath(), domain.ErrInvalidInput, err.Error())
		}
		return nil
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
