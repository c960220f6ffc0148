package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Category sentinels. Use with NewSubSystemError for subsystem-specific errors.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrDuplicate    = fmt.Errorf("duplicate")
	ErrTimeout      = fmt.Errorf("operation timed out")
	ErrInvalidInput = fmt.Errorf("invalid input")
	ErrProtocol     = fmt.Errorf("protocol error")
	ErrConnection   = fmt.Errorf("connection failed")
	ErrRemote       = fmt.Errorf("specialist reported an error")
	ErrDisabled     = fmt.Errorf("disabled")
)

// Sentinel errors for the domain layer.
var (
	ErrDuplicateID      = fmt.Errorf("specialist id registered with different connection: %w", ErrDuplicate)
	ErrDuplicateRoute   = fmt.Errorf("route name defined with different hops: %w", ErrDuplicate)
	ErrRouteNotFound    = fmt.Errorf("route: %w", ErrNotFound)
	ErrMessageNotFound  = fmt.Errorf("pipeline message: %w", ErrNotFound)
	ErrInvalidStatus    = fmt.Errorf("status transition: %w", ErrInvalidInput)
	ErrCircuitOpen      = fmt.Errorf("circuit breaker open: %w", ErrConnection)
	ErrAlreadyDelivered = fmt.Errorf("pipeline message already delivered: %w", ErrInvalidInput)
	ErrConfigLoad       = fmt.Errorf("failed to load configuration")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Registry.Register")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "registry", "pipeline"); used for ErrorCode dispatch
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// NotFoundError reports a token that could not be resolved to a specialist.
// Suggestions are ranked near-matches; Known lists every registered id.
type NotFoundError struct {
	Token       string
	Suggestions []string
	Known       []string
}

func (e *NotFoundError) Error() string {
	msg := fmt.Sprintf("specialist %q not found", e.Token)
	if len(e.Suggestions) > 0 {
		msg += "; did you mean: " + strings.Join(e.Suggestions, ", ") + "?"
	}
	return msg
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// CallKind classifies a failed specialist call.
type CallKind string

const (
	CallTimeout    CallKind = "timeout"
	CallConnection CallKind = "connection"
	CallProtocol   CallKind = "protocol"
	CallRemote     CallKind = "remote"
)

func (k CallKind) sentinel() error {
	switch k {
	case CallTimeout:
		return ErrTimeout
	case CallProtocol:
		return ErrProtocol
	case CallRemote:
		return ErrRemote
	default:
		return ErrConnection
	}
}

// CallError is returned by connection clients for every failed call. It keeps the
// specialist id and the elapsed wall-clock time so operators can tell slow from down.
type CallError struct {
	Kind         CallKind
	SpecialistID string
	Elapsed      time.Duration
	Err          error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("specialist %s: %s after %s: %v",
		e.SpecialistID, e.Kind, e.Elapsed.Round(time.Millisecond), e.Err)
}

// Unwrap exposes both the kind sentinel and the cause to errors.Is/As.
func (e *CallError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind.sentinel()}
	}
	return []error{e.Kind.sentinel(), e.Err}
}

// NewCallError builds a CallError.
func NewCallError(kind CallKind, id string, elapsed time.Duration, err error) *CallError {
	return &CallError{Kind: kind, SpecialistID: id, Elapsed: elapsed, Err: err}
}

// ProtocolError reports malformed JSON or a schema violation on the wire.
type ProtocolError struct {
	Detail  string
	Excerpt string
}

// maxExcerpt bounds the payload excerpt carried by ProtocolError.
const maxExcerpt = 200

// NewProtocolError truncates the raw payload into an excerpt.
func NewProtocolError(detail string, raw []byte) *ProtocolError {
	excerpt := raw
	if len(excerpt) > maxExcerpt {
		excerpt = excerpt[:maxExcerpt]
	}
	return &ProtocolError{Detail: detail, Excerpt: string(excerpt)}
}

func (e *ProtocolError) Error() string {
	if e.Excerpt == "" {
		return "protocol error: " + e.Detail
	}
	return fmt.Sprintf("protocol error: %s (payload %q)", e.Detail, e.Excerpt)
}

func (e *ProtocolError) Unwrap() error { return ErrProtocol }

// RemoteError is an error reported by the specialist itself.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("remote error [%s]: %s", e.Code, e.Message)
	}
	return "remote error: " + e.Message
}

func (e *RemoteError) Unwrap() error { return ErrRemote }

// HTTPStatusError is a non-2xx reply from an HTTP specialist endpoint.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.StatusCode, e.Body)
}

func (e *HTTPStatusError) Unwrap() error { return ErrConnection }

// ErrorCode is a machine-parseable error category for monitoring and scripting.
type ErrorCode string

const (
	CodeUnknown         ErrorCode = "UNKNOWN"
	CodeConfigLoad      ErrorCode = "CONFIG_LOAD"
	CodeCircuitOpen     ErrorCode = "CIRCUIT_OPEN"
	CodeInvalidStatus   ErrorCode = "INVALID_STATUS"
	CodeDelivered       ErrorCode = "ALREADY_DELIVERED"
	CodeDuplicateID     ErrorCode = "DUPLICATE_ID"
	CodeDuplicateRoute  ErrorCode = "DUPLICATE_ROUTE"
	CodeRouteNotFound   ErrorCode = "ROUTE_NOT_FOUND"
	CodeMessageNotFound ErrorCode = "MESSAGE_NOT_FOUND"

	// Subsystem-specific codes used by subSystemCodeMap.
	CodeSpecialistNotFound ErrorCode = "SPECIALIST_NOT_FOUND"
	CodeProbeTimeout       ErrorCode = "PROBE_TIMEOUT"
	CodeRecoveryDisabled   ErrorCode = "RECOVERY_DISABLED"
	CodeRoutePayload       ErrorCode = "ROUTE_PAYLOAD_INVALID"

	// Category error codes. Fallback codes when no subsystem-specific code matches.
	CodeNotFound     ErrorCode = "NOT_FOUND"
	CodeDuplicate    ErrorCode = "DUPLICATE"
	CodeTimeout      ErrorCode = "TIMEOUT"
	CodeInvalidInput ErrorCode = "INVALID_INPUT"
	CodeProtocol     ErrorCode = "PROTOCOL"
	CodeConnection   ErrorCode = "CONNECTION"
	CodeRemote       ErrorCode = "REMOTE"
	CodeDisabled     ErrorCode = "DISABLED"
)

// errorCodes maps sentinel errors to their codes. Specific sentinels come before the
// categories they wrap so the chain walk returns the most specific match.
var errorCodes = []struct {
	err  error
	code ErrorCode
}{
	{ErrConfigLoad, CodeConfigLoad},
	{ErrCircuitOpen, CodeCircuitOpen},
	{ErrInvalidStatus, CodeInvalidStatus},
	{ErrAlreadyDelivered, CodeDelivered},
	{ErrDuplicateID, CodeDuplicateID},
	{ErrDuplicateRoute, CodeDuplicateRoute},
	{ErrRouteNotFound, CodeRouteNotFound},
	{ErrMessageNotFound, CodeMessageNotFound},

	{ErrNotFound, CodeNotFound},
	{ErrDuplicate, CodeDuplicate},
	{ErrTimeout, CodeTimeout},
	{ErrProtocol, CodeProtocol},
	{ErrConnection, CodeConnection},
	{ErrRemote, CodeRemote},
	{ErrInvalidInput, CodeInvalidInput},
	{ErrDisabled, CodeDisabled},
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"registry":  CodeSpecialistNotFound,
		"discovery": CodeSpecialistNotFound,
		"pipeline":  CodeRouteNotFound,
	},
	ErrDuplicate: {
		"registry": CodeDuplicateID,
		"pipeline": CodeDuplicateRoute,
	},
	ErrTimeout: {
		"health": CodeProbeTimeout,
	},
	ErrDisabled: {
		"health": CodeRecoveryDisabled,
	},
	ErrProtocol: {
		"pipeline": CodeRoutePayload,
	},
}

func codeOfSentinel(err error) (ErrorCode, bool) {
	for _, e := range errorCodes {
		if e.err == err {
			return e.code, true
		}
	}
	return CodeUnknown, false
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// For DomainErrors with a SubSystem, it also checks the subSystemCodeMap
// to resolve category sentinels to specific codes.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := codeOfSentinel(err); ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code := de.Code(); code != CodeUnknown {
			return code
		}
	}

	for _, e := range errorCodes {
		if errors.Is(err, e.err) {
			return e.code
		}
	}
	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
// If SubSystem is set, checks the subSystemCodeMap for a specific code.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	code, _ := codeOfSentinel(e.Err)
	return code
}

// CLI exit codes.
const (
	ExitOK         = 0
	ExitNotFound   = 1
	ExitConnection = 2
	ExitMalformed  = 3
)

// ExitCodeOf maps an error to the CLI exit code contract: 1 unresolved specialist,
// 2 connection failure or timeout, 3 malformed input. Other errors exit 1.
func ExitCodeOf(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrProtocol), errors.Is(err, ErrInvalidInput), errors.Is(err, ErrDuplicate):
		return ExitMalformed
	case errors.Is(err, ErrTimeout), errors.Is(err, ErrConnection), errors.Is(err, ErrRemote):
		return ExitConnection
	default:
		return ExitNotFound
	}
}
