package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNamespace(t *testing.T) {
	assert.Equal(t, "filesystem_read_file", Namespace("filesystem", "read_file"))
	assert.Equal(t, "fs1_echo", Namespace("fs1", "echo"))
}

func TestSanitizeURI(t *testing.T) {
	tests := []struct {
		name     string
		uri      string
		expected string
	}{
		{"scheme and path", "mcp://database/users/42", "mcp_database_users_42"},
		{"file scheme", "file:///log", "file_log"},
		{"already clean", "abc123", "abc123"},
		{"runs collapse", "a--__..b", "a_b"},
		{"query and fragment", "https://x.test/a?b=c#d", "https_x_test_a_b_c_d"},
		{"leading separator", "/var/log", "_var_log"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, SanitizeURI(tt.uri))
		})
	}
}

func TestNamespaceURI(t *testing.T) {
	assert.Equal(t, "fs_file_log", NamespaceURI("fs", "file:///log"))
}

func TestNamespaceTemplate(t *testing.T) {
	tests := []struct {
		name     string
		backend  string
		template string
		expected string
	}{
		{"two variables", "db", "mcp://database/{table}/{id}", "db_mcp_database_{table}_{id}"},
		{"no variables", "db", "mcp://static", "db_mcp_static"},
		{"variable at start", "x", "{scheme}://host", "x_{scheme}_host"},
		{"unterminated brace stays literal", "x", "a{b", "x_a_b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NamespaceTemplate(tt.backend, tt.template))
		})
	}
}

func TestTemplateVarNames(t *testing.T) {
	assert.Equal(t, []string{"table", "id"}, templateVarNames("mcp://database/{table}/{id}"))
	assert.Equal(t, []string{"path"}, templateVarNames("file:///{+path}"))
	assert.Empty(t, templateVarNames("mcp://static"))
}
