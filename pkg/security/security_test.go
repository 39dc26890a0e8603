package security_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mediagrid/dispatch/pkg/core"
	"github.com/mediagrid/dispatch/pkg/security"
)

func TestValidateServiceType(t *testing.T) {
	assert.NoError(t, security.ValidateServiceType("org.example.encode"))
	assert.NoError(t, security.ValidateServiceType("encode-v2"))

	assert.ErrorIs(t, security.ValidateServiceType(""), core.ErrInvalidServiceType)
	assert.ErrorIs(t, security.ValidateServiceType("1encode"), core.ErrInvalidServiceType)
	assert.ErrorIs(t, security.ValidateServiceType("has space"), core.ErrInvalidServiceType)
	assert.ErrorIs(t, security.ValidateServiceType(strings.Repeat("a", 256)), core.ErrServiceTypeTooLong)
}

func TestValidateOperation(t *testing.T) {
	assert.NoError(t, security.ValidateOperation("track"))
	assert.ErrorIs(t, security.ValidateOperation(""), core.ErrInvalidOperation)
	assert.ErrorIs(t, security.ValidateOperation("bad/op"), core.ErrInvalidOperation)
	assert.ErrorIs(t, security.ValidateOperation(strings.Repeat("a", 256)), core.ErrOperationTooLong)
}

func TestValidateHost(t *testing.T) {
	assert.NoError(t, security.ValidateHost("node1.example.org:8080"))
	assert.ErrorIs(t, security.ValidateHost(""), core.ErrInvalidHost)
	assert.ErrorIs(t, security.ValidateHost("has space"), core.ErrInvalidHost)
	assert.ErrorIs(t, security.ValidateHost(strings.Repeat("a", 300)), core.ErrInvalidHost)
}

func TestValidateIncidentCode(t *testing.T) {
	assert.NoError(t, security.ValidateIncidentCode("encode.1"))
	assert.NoError(t, security.ValidateIncidentCode("org.example.encode.42"))

	assert.ErrorIs(t, security.ValidateIncidentCode(""), core.ErrInvalidIncidentCode)
	assert.ErrorIs(t, security.ValidateIncidentCode("nonumber"), core.ErrInvalidIncidentCode)
	assert.ErrorIs(t, security.ValidateIncidentCode(".1"), core.ErrInvalidIncidentCode)
}

func TestValidateArguments(t *testing.T) {
	assert.NoError(t, security.ValidateArguments(nil))
	assert.NoError(t, security.ValidateArguments([]string{"a", "b"}))

	huge := []string{strings.Repeat("x", security.MaxArgumentsSize+1)}
	assert.ErrorIs(t, security.ValidateArguments(huge), core.ErrArgumentsTooLarge)
}

func TestSanitizeDetailText(t *testing.T) {
	assert.Equal(t, "", security.SanitizeDetailText(""))
	assert.Equal(t, "clean text", security.SanitizeDetailText("clean text"))
	assert.Equal(t, "line1\nline2", security.SanitizeDetailText("line1\nline2"))
	assert.Equal(t, "nulsgone", security.SanitizeDetailText("nuls\x00gone"))

	long := security.SanitizeDetailText(strings.Repeat("x", security.MaxDetailTextLength*2))
	assert.Len(t, []rune(long), security.MaxDetailTextLength)
	assert.True(t, strings.HasSuffix(long, "..."))
}

func TestClampConcurrency(t *testing.T) {
	assert.Equal(t, 1, security.ClampConcurrency(0))
	assert.Equal(t, 1, security.ClampConcurrency(-5))
	assert.Equal(t, 8, security.ClampConcurrency(8))
	assert.Equal(t, security.MaxConcurrency, security.ClampConcurrency(security.MaxConcurrency+1))
}
