package domainerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHasCode(t *testing.T) {
	base := errors.New("connection reset")
	inner := Wrap(base, CodeTransportUnavailable, "authority unreachable")
	outer := Wrap(inner, CodeInternal, "submit failed")

	assert.True(t, HasCode(outer, CodeInternal))
	assert.True(t, HasCode(outer, CodeTransportUnavailable))
	assert.False(t, HasCode(outer, CodeChainBlocked))
	assert.False(t, HasCode(base, CodeInternal))
	assert.ErrorIs(t, outer, base)
}

func TestIsMatchesOutermostCode(t *testing.T) {
	err := fmt.Errorf("context: %w", Wrap(New(CodeChainIntegrity, "gap"), CodeChainBlocked, "blocked"))

	assert.True(t, Is(err, CodeChainBlocked))
	assert.False(t, Is(err, CodeChainIntegrity))
	assert.Equal(t, CodeChainBlocked, CodeOf(err))
	assert.Equal(t, CodeInternal, CodeOf(errors.New("plain")))
}

func TestErrorMessage(t *testing.T) {
	assert.Equal(t, "bad input", New(CodeValidation, "bad input").Error())
	assert.Equal(t, "load: boom", Wrap(errors.New("boom"), CodeInternal, "load").Error())
}

func TestActionFor(t *testing.T) {
	cases := map[Code]Action{
		CodeCertificateExpired:  ActionFixCertificate,
		CodeInvalidCertificate:  ActionFixCertificate,
		CodeTransportTimeout:    ActionRetryLater,
		CodeConcurrentWrite:     ActionRetryLater,
		CodeValidation:          ActionFixInput,
		CodeChainIntegrity:      ActionContactSupport,
		CodeMasterSecretMissing: ActionContactSupport,
		CodeInternal:            ActionContactSupport,
	}
	for code, want := range cases {
		assert.Equal(t, want, ActionFor(code), string(code))
	}
}
