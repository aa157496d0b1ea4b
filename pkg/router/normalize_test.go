package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeArgs(t *testing.T) {
	tests := []struct {
		name     string
		in       any
		expected any
	}{
		{"windows path", `C:\Users\x`, "C:/Users/x"},
		{"lowercase drive", `c:\tmp\f.txt`, "c:/tmp/f.txt"},
		{"unix path untouched", "/var/log", "/var/log"},
		{"plain string untouched", "hello", "hello"},
		{"unc-ish string untouched", `\\share\x`, `\\share\x`},
		{"number untouched", float64(42), float64(42)},
		{"bool untouched", true, true},
		{"nil untouched", nil, nil},
		{
			name:     "nested maps and lists",
			in:       map[string]any{"a": []any{`D:\x`, map[string]any{"b": `E:\y`}}},
			expected: map[string]any{"a": []any{"D:/x", map[string]any{"b": "E:/y"}}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, normalizeArgs(tt.in))
		})
	}
}

func TestNormalizeArgsDoesNotMutateInput(t *testing.T) {
	in := map[string]any{"path": `C:\x`}
	_ = normalizeArgMap(in)
	assert.Equal(t, `C:\x`, in["path"])
}

func TestCursorRoundTrip(t *testing.T) {
	for _, offset := range []int{0, 1, 99, 100000} {
		decoded, err := decodeCursor(encodeCursor(offset))
		assert.NoError(t, err)
		assert.Equal(t, offset, decoded)
	}

	_, err := decodeCursor("!!bad!!")
	assert.Error(t, err)

	decoded, err := decodeCursor("")
	assert.NoError(t, err)
	assert.Zero(t, decoded)
}
