package tools

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateTarget(t *testing.T) {
	valid := []string{
		"8.8.8.8",
		"127.0.0.1",
		"2001:4860:4860::8888",
		"::1",
		"localhost",
		"example.com",
		"a-b.example.co.uk",
		"host1",
	}
	for _, target := range valid {
		t.Run("valid "+target, func(t *testing.T) {
			assert.NoError(t, ValidateTarget(target))
		})
	}

	invalid := []string{
		"",
		"   ",
		"http://not-allowed",
		"space in host",
		"tab\there",
		"@invalid!",
		"256.256.256.256",
		"1.2.3",
		"12345::1::1",
		"-startshy.example.com",
		"enddash-.example.com",
		"-c",
		"example..com",
		strings.Repeat("a.", 127) + "com",
	}
	for _, target := range invalid {
		t.Run("invalid "+target, func(t *testing.T) {
			err := ValidateTarget(target)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidTarget)
		})
	}
}

func TestEmptyTargetMessage(t *testing.T) {
	err := ValidateTarget("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-empty")

	err = ValidateTarget("bad target")
	require.Error(t, err)
	assert.Equal(t, "Invalid target: 'bad target'", err.Error())
}
