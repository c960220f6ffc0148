package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"chorus/internal/domain"
	"chorus/internal/usecase/router"
)

// sendReply is the --json shape of a routed reply.
type sendReply struct {
	SpecialistID   string               `json:"specialist_id"`
	Content        string               `json:"content"`
	Model          string               `json:"model,omitempty"`
	Usage          domain.Usage         `json:"usage"`
	ElapsedSeconds float64              `json:"elapsed_seconds"`
	Substitution   *domain.Substitution `json:"substitution,omitempty"`
}

func newSendCmd(g *globals) *cobra.Command {
	var (
		timeout      time.Duration
		noSubstitute bool
		system       string
	)
	cmd := &cobra.Command{
		Use:   "send <specialist> [message]",
		Short: "Send a chat message to a specialist",
		Long: `Resolve a specialist and send it one chat message. When the resolved
specialist is unhealthy a healthy specialist with the same primary role answers
instead and a warning names both. With no message argument the message is read
from stdin.

Examples:
  chorus send apollo "summarise the last release"
  echo "review this" | chorus send planning --timeout 60s`,
		Args: checkArgs(cobra.RangeArgs(1, 2)),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := messageArg(cmd.InOrStdin(), args[1:])
			if err != nil {
				return err
			}
			a, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			req := domain.NewChatRequest(content)
			req.SystemPrompt = system
			resp, err := a.router.Route(cmd.Context(), args[0], req, router.Options{
				Timeout:      timeout,
				NoSubstitute: noSubstitute,
			})
			if err != nil {
				return err
			}

			if resp.Substitution != nil && !g.json {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s %s is unhealthy; answered by %s\n",
					styleWarning.Render(symbolWarning), resp.Substitution.Original, resp.Substitution.Used)
			}
			if g.json {
				return writeJSON(cmd.OutOrStdout(), sendReply{
					SpecialistID:   resp.SpecialistID,
					Content:        resp.Content,
					Model:          resp.Model,
					Usage:          resp.Usage,
					ElapsedSeconds: resp.Elapsed.Seconds(),
					Substitution:   resp.Substitution,
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Content)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "per-call timeout (default: router.timeout)")
	cmd.Flags().BoolVar(&noSubstitute, "no-substitute", false, "never answer from a stand-in specialist")
	cmd.Flags().StringVar(&system, "system", "", "system prompt sent with the message")
	return cmd
}

// messageArg returns the single message argument, or stdin when there is none.
func messageArg(stdin io.Reader, rest []string) (string, error) {
	if len(rest) > 0 {
		return rest[0], nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	msg := strings.TrimRight(string(data), "\r\n")
	if strings.TrimSpace(msg) == "" {
		return "", domain.NewDomainError("send", domain.ErrInvalidInput, "empty message")
	}
	return msg, nil
}
