package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"chorus/cmd/chorus/daemon"
)

func newDaemonCmd(g *globals) *cobra.Command {
	var (
		name   string
		system bool
	)
	serviceConfig := func() daemon.Config {
		cfg := daemon.DefaultConfig()
		if name != "" {
			cfg.Name = name
		}
		if g.configPath != "" {
			if abs, err := filepath.Abs(g.configPath); err == nil {
				cfg.ConfigPath = abs
			}
		}
		cfg.System = system
		return cfg
	}

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Install chorus serve as a background service",
		Long: `Manage a systemd (Linux) or launchd (macOS) service that runs 'chorus serve'
with the current config file. On Linux a user unit is installed unless --system
is given.

Examples:
  chorus daemon install
  sudo chorus daemon install --system
  chorus daemon status`,
	}
	cmd.PersistentFlags().StringVar(&name, "name", "", "service name (default: chorus)")
	cmd.PersistentFlags().BoolVar(&system, "system", false, "install a system-wide systemd unit")

	install := &cobra.Command{
		Use:   "install",
		Short: "Install and start the service",
		Args:  checkArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := serviceConfig()
			if err := cfg.Validate(); err != nil {
				return err
			}
			path, err := daemon.NewManager().Install(cfg)
			if err != nil {
				return err
			}
			if g.json {
				return writeJSON(cmd.OutOrStdout(), map[string]string{"installed": path})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s installed %s\n", styleSuccess.Render(symbolSuccess), path)
			return nil
		},
	}

	uninstall := &cobra.Command{
		Use:   "uninstall",
		Short: "Stop and remove the service",
		Args:  checkArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := daemon.NewManager().Uninstall(serviceConfig()); err != nil {
				return err
			}
			if !g.json {
				fmt.Fprintf(cmd.OutOrStdout(), "%s service removed\n", styleSuccess.Render(symbolSuccess))
			}
			return nil
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show whether the service is installed and running",
		Args:  checkArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := daemon.NewManager().Status(serviceConfig())
			if err != nil {
				return err
			}
			if g.json {
				return writeJSON(cmd.OutOrStdout(), st)
			}
			w := cmd.OutOrStdout()
			field(w, "Unit", st.UnitPath)
			field(w, "Installed", fmt.Sprintf("%t", st.Installed))
			running := styleError.Render("no")
			if st.Running {
				running = styleSuccess.Render("yes")
			}
			field(w, "Running", running)
			if st.PID > 0 {
				field(w, "PID", fmt.Sprintf("%d", st.PID))
			}
			return nil
		},
	}

	cmd.AddCommand(install, uninstall, status)
	return cmd
}
