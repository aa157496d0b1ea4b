package interceptors

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	parsed, err := Parse([]string{"before:exec:/usr/local/bin/audit --json"})
	require.NoError(t, err)
	require.Len(t, parsed, 1)
	assert.Equal(t, "before", parsed[0].When)
	assert.Equal(t, "exec", parsed[0].Type)
	assert.Equal(t, "/usr/local/bin/audit --json", parsed[0].Spec)
}

func TestParseEmpty(t *testing.T) {
	parsed, err := Parse(nil)
	require.NoError(t, err)
	assert.Empty(t, parsed)
}

func TestParseRejectsMalformedSpecs(t *testing.T) {
	for _, spec := range []string{
		"before:exec",
		"during:exec:/bin/x",
		"before:http:/bin/x",
		"nonsense",
	} {
		_, err := Parse([]string{spec})
		assert.Error(t, err, "spec %q must be rejected", spec)
	}
}

func TestCallbacksComposition(t *testing.T) {
	parsed, err := Parse([]string{"after:exec:/bin/true"})
	require.NoError(t, err)

	assert.Len(t, Callbacks(true, parsed), 2)
	assert.Len(t, Callbacks(false, parsed), 1)
	assert.Empty(t, Callbacks(false, nil))
}
