package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"chorus/internal/domain"
)

// friendlyError is a user-facing error with suggestions for recovery.
type friendlyError struct {
	Title   string
	Message string
	Hints   []string
	Raw     string
}

func (fe friendlyError) render() string {
	var sb strings.Builder
	sb.WriteString(styleError.Render(symbolError + " " + fe.Title))
	if fe.Message != "" {
		sb.WriteString("\n  ")
		sb.WriteString(fe.Message)
	}
	for _, h := range fe.Hints {
		sb.WriteString(fmt.Sprintf("\n    %s %s", symbolBullet, h))
	}
	return sb.String()
}

type errorPattern struct {
	match   func(err error) bool
	produce func(err error) friendlyError
}

var patterns = []errorPattern{
	{
		match: func(err error) bool {
			var nf *domain.NotFoundError
			return errors.As(err, &nf)
		},
		produce: func(err error) friendlyError {
			var nf *domain.NotFoundError
			errors.As(err, &nf)
			fe := friendlyError{
				Title:   "Specialist Not Found",
				Message: fmt.Sprintf("No specialist matches %q.", nf.Token),
				Raw:     err.Error(),
			}
			switch {
			case len(nf.Suggestions) > 0:
				fe.Hints = []string{"Did you mean: " + strings.Join(nf.Suggestions, ", ") + "?"}
			case len(nf.Known) == 0:
				fe.Hints = []string{"No specialists are registered; run 'chorus register' or start one"}
			default:
				fe.Hints = []string{"Run 'chorus list' to see registered specialists"}
			}
			return fe
		},
	},
	{
		match: func(err error) bool {
			var ce *domain.CallError
			return errors.As(err, &ce) && (ce.Kind == domain.CallTimeout || ce.Kind == domain.CallConnection)
		},
		produce: func(err error) friendlyError {
			var ce *domain.CallError
			errors.As(err, &ce)
			title, hint := "Specialist Unreachable", "Check that the specialist process is running"
			if ce.Kind == domain.CallTimeout {
				title, hint = "Specialist Timed Out", "Retry with a longer --timeout"
			}
			return friendlyError{
				Title:   title,
				Message: fmt.Sprintf("%s after %s: %v", ce.SpecialistID, ce.Elapsed.Round(time.Millisecond), ce.Err),
				Hints:   []string{hint, fmt.Sprintf("Run 'chorus test %s' to probe it", ce.SpecialistID)},
				Raw:     err.Error(),
			}
		},
	},
	{
		match: func(err error) bool { return errors.Is(err, domain.ErrCircuitOpen) },
		produce: constantError("Circuit Open",
			"Recent calls to this specialist failed, so the call was not attempted.",
			[]string{"Wait for the breaker timeout", "Run 'chorus test' to check the specialist"}),
	},
	{
		match: func(err error) bool { return errors.Is(err, domain.ErrRouteNotFound) },
		produce: constantError("Route Not Found", "", []string{"Run 'chorus route list' to see defined routes"}),
	},
	{
		match: func(err error) bool { return errors.Is(err, domain.ErrDuplicateRoute) },
		produce: constantError("Route Already Defined", "A route with this name exists with different hops.",
			[]string{"Remove it first with 'chorus route remove'", "Pick another name"}),
	},
	{
		match: func(err error) bool { return errors.Is(err, domain.ErrDuplicateID) },
		produce: constantError("Specialist Id Taken", "This id is registered with a different connection.",
			[]string{"Deregister the old record first", "Pick another id"}),
	},
	{
		match:   func(err error) bool { return errors.Is(err, domain.ErrProtocol) },
		produce: constantError("Malformed Payload", "", nil),
	},
	{
		match:   func(err error) bool { return errors.Is(err, domain.ErrRemote) },
		produce: constantError("Specialist Reported An Error", "", nil),
	},
	{
		match:   func(err error) bool { return errors.Is(err, domain.ErrConfigLoad) },
		produce: constantError("Configuration Error", "", []string{"Run 'chorus doctor' to check your setup"}),
	},
	{
		match:   func(err error) bool { return errors.Is(err, domain.ErrInvalidInput) },
		produce: constantError("Invalid Input", "", []string{"Run the command with --help for usage"}),
	},
}

func constantError(title, message string, hints []string) func(error) friendlyError {
	return func(err error) friendlyError {
		msg := message
		if msg == "" {
			msg = err.Error()
		}
		return friendlyError{Title: title, Message: msg, Hints: hints, Raw: err.Error()}
	}
}

// humanize translates err into a friendly error. Unknown errors keep their text.
func humanize(err error) friendlyError {
	for _, p := range patterns {
		if p.match(err) {
			return p.produce(err)
		}
	}
	return friendlyError{Title: "Error", Message: err.Error(), Raw: err.Error()}
}

// errorReport is the --json shape of a failed command.
type errorReport struct {
	Error    string   `json:"error"`
	Code     string   `json:"code"`
	ExitCode int      `json:"exit_code"`
	Hints    []string `json:"suggestions,omitempty"`
}

// reportError prints err to w and returns the process exit code.
func reportError(w io.Writer, err error, asJSON bool) int {
	code := domain.ExitCodeOf(err)
	if asJSON {
		rep := errorReport{Error: err.Error(), Code: string(domain.ErrorCodeOf(err)), ExitCode: code}
		var nf *domain.NotFoundError
		if errors.As(err, &nf) {
			rep.Hints = nf.Suggestions
		}
		_ = writeJSON(w, rep)
		return code
	}
	fmt.Fprintln(w, humanize(err).render())
	return code
}
