package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"chorus/internal/domain"
)

// Recoverer tries to bring an unresponsive specialist back.
type Recoverer interface {
	Recover(ctx context.Context, sp domain.Specialist) error
}

// ErrNoRecovery is returned by a recoverer that has nothing to do for a specialist.
var ErrNoRecovery = domain.NewSubSystemError("health", "Recoverer.Recover", domain.ErrDisabled, "no recovery configured")

// NoopRecoverer does nothing.
type NoopRecoverer struct{}

// Recover implements Recoverer.
func (NoopRecoverer) Recover(context.Context, domain.Specialist) error { return ErrNoRecovery }

// ActivatorSource hands out activators for specialists that support remote wake-up.
type ActivatorSource interface {
	Activator(sp domain.Specialist) (domain.Activator, bool)
}

// HTTPActivateRecoverer asks the orchestrator to activate HTTP specialists.
type HTTPActivateRecoverer struct {
	source ActivatorSource
	logger *slog.Logger
}

// NewHTTPActivateRecoverer creates an HTTPActivateRecoverer.
func NewHTTPActivateRecoverer(source ActivatorSource, logger *slog.Logger) *HTTPActivateRecoverer {
	return &HTTPActivateRecoverer{source: source, logger: logger}
}

// Recover implements Recoverer.
func (r *HTTPActivateRecoverer) Recover(ctx context.Context, sp domain.Specialist) error {
	act, ok := r.source.Activator(sp)
	if !ok {
		return ErrNoRecovery
	}
	r.logger.Info("activating specialist", "specialist_id", sp.ID)
	return act.Activate(ctx)
}

// maxCommandOutput bounds the command output kept in errors.
const maxCommandOutput = 512

// CommandRecoverer runs a configured restart command per specialist.
type CommandRecoverer struct {
	commands map[string][]string
	timeout  time.Duration
	logger   *slog.Logger
}

// NewCommandRecoverer creates a CommandRecoverer. commands maps specialist id to argv.
func NewCommandRecoverer(commands map[string][]string, timeout time.Duration, logger *slog.Logger) *CommandRecoverer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CommandRecoverer{commands: commands, timeout: timeout, logger: logger}
}

// Recover implements Recoverer.
func (r *CommandRecoverer) Recover(ctx context.Context, sp domain.Specialist) error {
	argv := r.commands[sp.ID]
	if len(argv) == 0 {
		return ErrNoRecovery
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	r.logger.Info("running recovery command", "specialist_id", sp.ID, "command", argv[0])
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.WaitDelay = time.Second
	out, err := cmd.CombinedOutput()
	if err != nil {
		text := strings.TrimSpace(string(out))
		if len(text) > maxCommandOutput {
			text = text[:maxCommandOutput]
		}
		return fmt.Errorf("recovery command for %s: %w: %s", sp.ID, err, text)
	}
	return nil
}

// ChainRecoverer tries each recoverer in order and stops at the first success.
type ChainRecoverer []Recoverer

// Recover implements Recoverer. Recoverers with nothing to do are skipped.
func (c ChainRecoverer) Recover(ctx context.Context, sp domain.Specialist) error {
	var errs []error
	for _, r := range c {
		err := r.Recover(ctx, sp)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrNoRecovery) {
			continue
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return ErrNoRecovery
	}
	return errors.Join(errs...)
}
