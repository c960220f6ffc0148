package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"chorus/internal/domain"
	"chorus/internal/usecase/pipeline"
)

func newRouteCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "route",
		Short: "Define named routes and pass messages along them",
		Long: `A route is a named chain of specialists. A message started on a route goes to
the first hop; every hop adds an annotation and hands the message on with
'route continue' until it reaches the destination.

Examples:
  chorus route define review numa purpose "draft" apollo purpose "critique" rhetor purpose "decide"
  chorus route start review "refactor plan"
  chorus route continue review '{"id":"...","message":"refactor plan","annotations":[...]}'`,
	}
	cmd.AddCommand(
		newRouteDefineCmd(g),
		newRouteListCmd(g),
		newRouteShowCmd(g),
		newRouteRemoveCmd(g),
		newRouteStartCmd(g),
		newRouteContinueCmd(g),
		newRouteStatusCmd(g),
	)
	return cmd
}

func newRouteDefineCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   `define <name> <hop> [purpose "text"] ... <destination> [purpose "text"]`,
		Short: "Define a route",
		Long: `Define a route. The last specialist is the destination; every other
specialist is a hop, in order. Defining the same route again is a no-op; a
different route under an existing name is rejected.`,
		Args: checkArgs(cobra.MinimumNArgs(2)),
		RunE: func(cmd *cobra.Command, args []string) error {
			hops, dest, purpose, err := pipeline.ParseDefinition(args[1:])
			if err != nil {
				return err
			}
			a, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			engine, err := a.pipelines()
			if err != nil {
				return err
			}

			r, err := engine.DefineRoute(cmd.Context(), args[0], hops, dest, purpose)
			if err != nil {
				return err
			}
			if g.json {
				return writeJSON(cmd.OutOrStdout(), r)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", styleSuccess.Render(symbolSuccess), pipeline.FormatRoute(r))
			return nil
		},
	}
}

func newRouteListCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "list [destination]",
		Short: "List routes, optionally only those ending at a destination",
		Args:  checkArgs(cobra.MaximumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			engine, err := a.pipelines()
			if err != nil {
				return err
			}

			dest := ""
			if len(args) == 1 {
				dest = args[0]
			}
			routes, err := engine.ListRoutes(cmd.Context(), dest)
			if err != nil {
				return err
			}
			if g.json {
				return writeJSON(cmd.OutOrStdout(), routes)
			}
			printRoutes(cmd.OutOrStdout(), routes)
			return nil
		},
	}
}

func printRoutes(w io.Writer, routes []domain.Route) {
	if len(routes) == 0 {
		fmt.Fprintln(w, styleMuted.Render("no routes defined"))
		return
	}
	for _, r := range routes {
		fmt.Fprintf(w, "%s %s\n", symbolBullet, pipeline.FormatRoute(r))
	}
}

func newRouteShowCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "show <name>",
		Short: "Show one route",
		Args:  checkArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			engine, err := a.pipelines()
			if err != nil {
				return err
			}

			r, err := engine.GetRoute(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if g.json {
				return writeJSON(cmd.OutOrStdout(), r)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintln(w, styleHeader.Render(r.Name))
			t := newTable("#", "SPECIALIST", "PURPOSE")
			for i := 0; i <= len(r.Hops); i++ {
				id, purpose := r.Target(i)
				step := fmt.Sprintf("%d", i+1)
				if i == len(r.Hops) {
					step = "dest"
				}
				t.add(step, id, purpose)
			}
			t.render(w)
			field(w, "Created", r.CreatedAt.Format("2006-01-02 15:04:05"))
			return nil
		},
	}
}

func newRouteRemoveCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <name>",
		Short: "Remove a route",
		Args:  checkArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			engine, err := a.pipelines()
			if err != nil {
				return err
			}

			if err := engine.RemoveRoute(cmd.Context(), args[0]); err != nil {
				return err
			}
			if g.json {
				return writeJSON(cmd.OutOrStdout(), map[string]string{"removed": args[0]})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s removed route %s\n", styleSuccess.Render(symbolSuccess), styleBold.Render(args[0]))
			return nil
		},
	}
}

// hopReport is the --json shape of a start or continue.
type hopReport struct {
	ID           string               `json:"id"`
	Route        string               `json:"route"`
	Position     int                  `json:"position"`
	State        domain.PipelineState `json:"state"`
	SpecialistID string               `json:"specialist_id,omitempty"`
	Reply        string               `json:"reply,omitempty"`
}

func printHop(w io.Writer, asJSON bool, msg *domain.PipelineMessage, resp *domain.RoutedResponse) error {
	rep := hopReport{ID: msg.ID, Route: msg.Route, Position: msg.Position, State: msg.State}
	if resp != nil {
		rep.SpecialistID, rep.Reply = resp.SpecialistID, resp.Content
	}
	if asJSON {
		return writeJSON(w, rep)
	}
	if rep.Reply != "" {
		fmt.Fprintln(w, rep.Reply)
	}
	fmt.Fprintln(w, styleMuted.Render(fmt.Sprintf("%s %s %s %s (%s)",
		rep.Route, symbolArrow, rep.SpecialistID, rep.ID, rep.State)))
	return nil
}

func newRouteStartCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "start <name> [message]",
		Short: "Send a message to the first hop of a route",
		Long: `Send a message to the first hop of a route. A message that is a JSON object
is validated as a pipeline envelope and travels as JSON; anything else is plain
text. With no message argument the message is read from stdin.`,
		Args: checkArgs(cobra.RangeArgs(1, 2)),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := messageArg(cmd.InOrStdin(), args[1:])
			if err != nil {
				return err
			}
			a, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			engine, err := a.pipelines()
			if err != nil {
				return err
			}

			msg, resp, err := engine.Start(cmd.Context(), args[0], body)
			if err != nil {
				return err
			}
			return printHop(cmd.OutOrStdout(), g.json, msg, resp)
		},
	}
}

func newRouteContinueCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "continue <name> [payload]",
		Short: "Hand an annotated message to the next hop",
		Long: `Hand a message to the next hop of a route. The payload is the JSON envelope
the current hop received with exactly one annotation appended. With no payload
argument it is read from stdin.`,
		Args: checkArgs(cobra.RangeArgs(1, 2)),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := messageArg(cmd.InOrStdin(), args[1:])
			if err != nil {
				return err
			}
			a, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			engine, err := a.pipelines()
			if err != nil {
				return err
			}

			msg, resp, err := engine.Continue(cmd.Context(), args[0], body)
			if err != nil {
				return err
			}
			return printHop(cmd.OutOrStdout(), g.json, msg, resp)
		},
	}
}

func newRouteStatusCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "status <message-id>",
		Short: "Show where a pipeline message is",
		Args:  checkArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			engine, err := a.pipelines()
			if err != nil {
				return err
			}

			msg, err := engine.Message(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if g.json {
				return writeJSON(cmd.OutOrStdout(), msg)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintln(w, styleHeader.Render(msg.ID))
			field(w, "Route", msg.Route)
			field(w, "State", string(msg.State))
			field(w, "Position", fmt.Sprintf("%d", msg.Position))
			field(w, "Format", string(msg.Format))
			field(w, "Message", msg.Message)
			for _, an := range msg.Annotations {
				fmt.Fprintf(w, "  %s %s [%s] %s\n", symbolBullet, styleBold.Render(an.Author), an.Type, string(an.Data))
			}
			return nil
		},
	}
}
