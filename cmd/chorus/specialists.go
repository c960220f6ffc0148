package main

import (
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"chorus/internal/adapter/conn"
	"chorus/internal/domain"
	"chorus/internal/infra/config"
	"chorus/internal/usecase/discovery"
)

func newListCmd(g *globals) *cobra.Command {
	var role, capability, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered specialists",
		Long: `List registered specialists, optionally filtered.

Examples:
  chorus list
  chorus list --role planning
  chorus list --status healthy --json`,
		Args: checkArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter := domain.SpecialistFilter{Role: role, Capability: capability}
			if status != "" {
				st, err := domain.ParseStatus(status)
				if err != nil {
					return err
				}
				filter.Status = st
			}
			a, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			list := a.reg.List(cmd.Context(), filter)
			if g.json {
				return writeJSON(cmd.OutOrStdout(), list)
			}
			printSpecialists(cmd.OutOrStdout(), list)
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "only specialists with this role")
	cmd.Flags().StringVar(&capability, "capability", "", "only specialists with this capability")
	cmd.Flags().StringVar(&status, "status", "", "only specialists with this status (unknown, healthy, unhealthy)")
	return cmd
}

func printSpecialists(w io.Writer, list []domain.Specialist) {
	if len(list) == 0 {
		fmt.Fprintln(w, styleMuted.Render("no specialists registered"))
		return
	}
	t := newTable("ID", "NAME", "ROLES", "ENDPOINT", "STATUS", "SUCCESS", "AVG").
		styleColumn(4, func(c string) lipgloss.Style { return statusStyle(domain.SpecialistStatus(c)) })
	for _, sp := range list {
		t.add(sp.ID, sp.Name, strings.Join(sp.Roles, ","), sp.Connection.String(), string(sp.Status),
			fmt.Sprintf("%.0f%%", sp.Performance.SuccessRate*100),
			formatSeconds(sp.Performance.AvgResponseTime))
	}
	t.render(w)
}

func formatSeconds(s float64) string {
	if s <= 0 {
		return "-"
	}
	return (time.Duration(s * float64(time.Second))).Round(time.Millisecond).String()
}

func newInfoCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "info <id>",
		Short: "Show one specialist",
		Long: `Show one specialist. The id may be any name discovery resolves: an exact id,
its name, a prefix or a near match.

Examples:
  chorus info apollo-ai
  chorus info apollo --json`,
		Args: checkArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			sp, err := a.disc.Resolve(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if g.json {
				return writeJSON(cmd.OutOrStdout(), sp)
			}
			printSpecialist(cmd.OutOrStdout(), sp)
			return nil
		},
	}
}

func printSpecialist(w io.Writer, sp domain.Specialist) {
	fmt.Fprintln(w, styleHeader.Render(sp.ID))
	field(w, "Name", sp.Name)
	if sp.Component != "" {
		field(w, "Component", sp.Component)
	}
	field(w, "Roles", strings.Join(sp.Roles, ", "))
	if len(sp.Capabilities) > 0 {
		field(w, "Capabilities", strings.Join(sp.Capabilities, ", "))
	}
	field(w, "Connection", string(sp.ConnectionKind)+" "+sp.Connection.String())
	if sp.Model != "" {
		field(w, "Model", sp.Model)
	}
	field(w, "Status", statusStyle(sp.Status).Render(string(sp.Status)))
	field(w, "Success rate", fmt.Sprintf("%.1f%% of %d requests", sp.Performance.SuccessRate*100, sp.Performance.TotalRequests))
	field(w, "Avg response", formatSeconds(sp.Performance.AvgResponseTime))
	if !sp.LastSpokeAt.IsZero() {
		field(w, "Last spoke", sp.LastSpokeAt.Format(time.RFC3339))
	}
	field(w, "Registered", sp.RegisteredAt.Format(time.RFC3339))
	for _, k := range sortedKeys(sp.Metadata) {
		field(w, k, sp.Metadata[k])
	}
}

func newBestCmd(g *globals) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "best <role>",
		Short: "Show the best specialist for a role",
		Long: `Show the best specialist for a role. Healthy specialists rank first, then
higher success rate, faster average response and finally id.

Examples:
  chorus best planning
  chorus best planning --all`,
		Args: checkArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if strings.TrimSpace(args[0]) == "" {
				return domain.NewDomainError(cmd.CommandPath(), domain.ErrInvalidInput, "empty role")
			}
			if all {
				list := a.disc.Candidates(cmd.Context(), args[0])
				if len(list) == 0 {
					return &domain.NotFoundError{Token: args[0]}
				}
				if g.json {
					return writeJSON(cmd.OutOrStdout(), list)
				}
				printSpecialists(cmd.OutOrStdout(), list)
				return nil
			}
			sp, err := a.disc.FindBestForRole(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if g.json {
				return writeJSON(cmd.OutOrStdout(), sp)
			}
			printSpecialist(cmd.OutOrStdout(), sp)
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "list every candidate in rank order")
	return cmd
}

// probeResult is the outcome of one liveness probe.
type probeResult struct {
	ID                  string  `json:"id"`
	Reachable           bool    `json:"reachable"`
	ResponseTimeSeconds float64 `json:"response_time_seconds"`
	Error               string  `json:"error,omitempty"`

	err error
}

func newTestCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "test [<id>]",
		Short: "Probe one or all specialists",
		Long: `Send a ping to one specialist, or to every registered specialist when no id
is given, and report whether it answered and how fast.

Examples:
  chorus test
  chorus test apollo --json`,
		Args: checkArgs(cobra.MaximumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			var targets []domain.Specialist
			if len(args) == 1 {
				sp, err := a.disc.Resolve(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				targets = []domain.Specialist{sp}
			} else {
				targets = a.reg.List(cmd.Context(), domain.SpecialistFilter{})
			}
			results := probeAll(cmd.Context(), a, targets)

			out := cmd.OutOrStdout()
			if g.json {
				var v any = results
				if len(args) == 1 {
					v = results[0]
				}
				if err := writeJSON(out, v); err != nil {
					return err
				}
			} else {
				printProbes(out, results)
			}

			if len(args) == 1 {
				return results[0].err
			}
			failed := 0
			for _, r := range results {
				if !r.Reachable {
					failed++
				}
			}
			if failed > 0 {
				return domain.NewDomainError("test", domain.ErrConnection,
					fmt.Sprintf("%d of %d specialists unreachable", failed, len(results)))
			}
			return nil
		},
	}
}

func probeAll(ctx context.Context, a *app, targets []domain.Specialist) []probeResult {
	results := make([]probeResult, len(targets))
	var wg sync.WaitGroup
	for i, sp := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = probe(ctx, a, sp)
		}()
	}
	wg.Wait()
	return results
}

func probe(ctx context.Context, a *app, sp domain.Specialist) probeResult {
	res := probeResult{ID: sp.ID}
	client, err := a.clients.ClientFor(sp)
	if err != nil {
		res.err, res.Error = err, err.Error()
		return res
	}
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Health.ProbeTimeout)
	defer cancel()
	elapsed, err := client.Ping(ctx)
	res.ResponseTimeSeconds = elapsed.Seconds()
	if err != nil {
		res.err, res.Error = err, err.Error()
		return res
	}
	res.Reachable = true
	return res
}

func printProbes(w io.Writer, results []probeResult) {
	if len(results) == 0 {
		fmt.Fprintln(w, styleMuted.Render("no specialists registered"))
		return
	}
	for _, r := range results {
		if r.Reachable {
			fmt.Fprintf(w, "%s %s %s\n", styleSuccess.Render(symbolSuccess), styleBold.Render(r.ID),
				styleMuted.Render(formatSeconds(r.ResponseTimeSeconds)))
			continue
		}
		fmt.Fprintf(w, "%s %s %s\n", styleError.Render(symbolError), styleBold.Render(r.ID), r.Error)
	}
}

func newSchemaCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "schema <id>",
		Short: "Show the message types a specialist accepts",
		Long: `Show the request and response shapes a specialist accepts: the common
chat/info/ping protocol merged with whatever the specialist reports about itself.

Examples:
  chorus schema apollo-ai`,
		Args: checkArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			sp, err := a.disc.Resolve(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			client, err := a.clients.For(sp)
			if err != nil {
				return err
			}
			schema, err := conn.DescribeSchema(cmd.Context(), client, sp.ID)
			if err != nil && !g.json {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s live schema unavailable: %v\n", styleWarning.Render(symbolWarning), err)
			}
			return writeJSON(cmd.OutOrStdout(), schema)
		},
	}
}

func newRegisterCmd(g *globals) *cobra.Command {
	var sc config.SpecialistConfig
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a specialist",
		Long: `Register a specialist in the registry. Registering the same id again with the
same connection is a no-op; a different connection is rejected.

Examples:
  chorus register --id apollo-ai --role planning --socket localhost:45012
  chorus register --id rhetor-ai --role orchestration --url http://localhost:8003`,
		Args: checkArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			sp, err := specialistFromConfig(sc)
			if err != nil {
				return err
			}
			a, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.reg.Register(cmd.Context(), sp); err != nil {
				return err
			}
			rec, err := a.reg.Get(cmd.Context(), sp.ID)
			if err != nil {
				return err
			}
			if g.json {
				return writeJSON(cmd.OutOrStdout(), rec)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s registered %s at %s\n",
				styleSuccess.Render(symbolSuccess), styleBold.Render(rec.ID), rec.Connection.String())
			return nil
		},
	}
	cmd.Flags().StringVar(&sc.ID, "id", "", "specialist id (required)")
	cmd.Flags().StringVar(&sc.Name, "name", "", "display name (default: id)")
	cmd.Flags().StringVar(&sc.Component, "component", "", "component the specialist belongs to")
	cmd.Flags().StringSliceVar(&sc.Roles, "role", nil, "role, repeatable")
	cmd.Flags().StringSliceVar(&sc.Capabilities, "capability", nil, "capability, repeatable")
	cmd.Flags().StringVar(&sc.Socket, "socket", "", "socket address host:port")
	cmd.Flags().StringVar(&sc.URL, "url", "", "orchestrator base URL for HTTP specialists")
	cmd.Flags().StringVar(&sc.Model, "model", "", "model name")
	return cmd
}

func newDeregisterCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "deregister <id>",
		Short: "Remove a specialist from the registry",
		Args:  checkArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.reg.Deregister(cmd.Context(), args[0]); err != nil {
				return err
			}
			if g.json {
				return writeJSON(cmd.OutOrStdout(), map[string]string{"deregistered": args[0]})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s deregistered %s\n", styleSuccess.Render(symbolSuccess), styleBold.Render(args[0]))
			return nil
		},
	}
}

func newManifestCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "manifest",
		Short: "Describe every specialist and protocol",
		Long: `Print the platform manifest: every specialist grouped by role, the known
capabilities and the wire protocols used to reach them.`,
		Args: checkArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			m := a.disc.Manifest(cmd.Context())
			if g.json {
				return writeJSON(cmd.OutOrStdout(), m)
			}
			printManifest(cmd.OutOrStdout(), m)
			return nil
		},
	}
}

func printManifest(w io.Writer, m discovery.Manifest) {
	fmt.Fprintf(w, "%s %s\n", styleHeader.Render("chorus manifest"), styleMuted.Render("v"+m.Version))
	field(w, "Specialists", fmt.Sprintf("%d (%d healthy)", m.Total, m.Healthy))
	if len(m.Capabilities) > 0 {
		field(w, "Capabilities", strings.Join(m.Capabilities, ", "))
	}
	fmt.Fprintln(w)
	t := newTable("ROLE", "SPECIALISTS")
	for _, role := range sortedKeys(m.Roles) {
		t.add(role, strings.Join(m.Roles[role], ", "))
	}
	t.render(w)
	fmt.Fprintln(w)
	for _, p := range m.Protocols {
		fmt.Fprintf(w, "%s %s %s %s\n", styleAccent.Render(string(p.Kind)), symbolArrow, p.Transport, styleMuted.Render(p.Format))
	}
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
