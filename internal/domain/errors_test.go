package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainErrorFormat(t *testing.T) {
	err := NewDomainError("Registry.Get", ErrNotFound, "specialist 'apollo-ai'")
	want := "Registry.Get: specialist 'apollo-ai': not found"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorFormatNoDetail(t *testing.T) {
	err := NewDomainError("Engine.Continue", ErrAlreadyDelivered, "")
	want := "Engine.Continue: pipeline message already delivered: invalid input"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorUnwrap(t *testing.T) {
	err := NewDomainError("Registry.Register", ErrDuplicateID, "apollo-ai")
	if !errors.Is(err, ErrDuplicateID) {
		t.Error("errors.Is should match ErrDuplicateID")
	}
	if !errors.Is(err, ErrDuplicate) {
		t.Error("errors.Is should match the ErrDuplicate category")
	}
}

func TestDomainErrorAs(t *testing.T) {
	err := fmt.Errorf("outer: %w", NewDomainError("Engine.DefineRoute", ErrDuplicateRoute, "review"))
	var de *DomainError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "Engine.DefineRoute", de.Op)
}

func TestWrapOp(t *testing.T) {
	assert.Nil(t, WrapOp("op", nil))
	err := WrapOp("FileStore.Save", ErrInvalidInput)
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Equal(t, "FileStore.Save: invalid input", err.Error())
}

// --- ErrorCode tests ---

func TestErrorCodeOf_DirectSentinel(t *testing.T) {
	assert.Equal(t, CodeNotFound, ErrorCodeOf(ErrNotFound))
	assert.Equal(t, CodeDuplicateID, ErrorCodeOf(ErrDuplicateID))
	assert.Equal(t, CodeCircuitOpen, ErrorCodeOf(ErrCircuitOpen))
	assert.Equal(t, CodeProtocol, ErrorCodeOf(ErrProtocol))
}

func TestErrorCodeOf_WrappedSpecificBeatsCategory(t *testing.T) {
	wrapped := fmt.Errorf("context: %w", ErrDuplicateRoute)
	assert.Equal(t, CodeDuplicateRoute, ErrorCodeOf(wrapped))
}

func TestErrorCodeOf_SubSystem(t *testing.T) {
	err := NewSubSystemError("registry", "Registry.Get", ErrNotFound, "x")
	assert.Equal(t, CodeSpecialistNotFound, ErrorCodeOf(err))
	assert.Equal(t, CodeSpecialistNotFound, err.Code())

	err = NewSubSystemError("pipeline", "Engine.DefineRoute", ErrDuplicate, "review")
	assert.Equal(t, CodeDuplicateRoute, ErrorCodeOf(err))
}

func TestErrorCodeOf_TypedErrors(t *testing.T) {
	assert.Equal(t, CodeNotFound, ErrorCodeOf(&NotFoundError{Token: "xyz"}))
	assert.Equal(t, CodeProtocol, ErrorCodeOf(NewProtocolError("bad json", []byte("{"))))
	assert.Equal(t, CodeConnection, ErrorCodeOf(&HTTPStatusError{StatusCode: 502}))
	assert.Equal(t, CodeRemote, ErrorCodeOf(&RemoteError{Message: "boom"}))
}

func TestErrorCodeOf_UnknownError(t *testing.T) {
	assert.Equal(t, CodeUnknown, ErrorCodeOf(fmt.Errorf("some random error")))
	assert.Equal(t, CodeUnknown, ErrorCodeOf(nil))
}

func TestDomainError_CodeUnknownSentinel(t *testing.T) {
	err := NewDomainError("Op", fmt.Errorf("custom"), "detail")
	assert.Equal(t, CodeUnknown, err.Code())
}

func TestNotFoundErrorMessage(t *testing.T) {
	err := &NotFoundError{Token: "apolo", Suggestions: []string{"apollo-ai", "athena-ai"}}
	assert.Equal(t, `specialist "apolo" not found; did you mean: apollo-ai, athena-ai?`, err.Error())
	assert.ErrorIs(t, err, ErrNotFound)

	bare := &NotFoundError{Token: "xyz"}
	assert.Equal(t, `specialist "xyz" not found`, bare.Error())
}

func TestCallErrorUnwrapsKindAndCause(t *testing.T) {
	cause := &RemoteError{Code: "overloaded", Message: "try later"}
	err := NewCallError(CallRemote, "apollo-ai", 1500*time.Millisecond, cause)

	assert.ErrorIs(t, err, ErrRemote)
	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "overloaded", re.Code)
	assert.Contains(t, err.Error(), "apollo-ai")
	assert.Contains(t, err.Error(), "1.5s")

	timeout := NewCallError(CallTimeout, "athena-ai", 2*time.Second, nil)
	assert.ErrorIs(t, timeout, ErrTimeout)
	assert.NotErrorIs(t, timeout, ErrConnection)
}

func TestProtocolErrorTruncatesExcerpt(t *testing.T) {
	raw := make([]byte, 500)
	for i := range raw {
		raw[i] = 'x'
	}
	err := NewProtocolError("invalid json", raw)
	assert.Len(t, err.Excerpt, 200)
}

func TestExitCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitOK},
		{"not found", &NotFoundError{Token: "x"}, ExitNotFound},
		{"timeout", NewCallError(CallTimeout, "a", time.Second, nil), ExitConnection},
		{"connection", NewCallError(CallConnection, "a", time.Second, errors.New("refused")), ExitConnection},
		{"circuit open", ErrCircuitOpen, ExitConnection},
		{"protocol", NewCallError(CallProtocol, "a", time.Second, NewProtocolError("bad", nil)), ExitMalformed},
		{"duplicate", NewDomainError("Register", ErrDuplicateID, "a"), ExitMalformed},
		{"invalid", ErrInvalidInput, ExitMalformed},
		{"other", errors.New("disk full"), ExitNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCodeOf(tt.err))
		})
	}
}
