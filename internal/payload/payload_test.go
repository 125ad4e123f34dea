package payload

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestByteEncoder(t *testing.T) {
	var enc ByteEncoder

	got, err := enc.Encode(3)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x03}, got)

	got, err = enc.Encode(255)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xff}, got)

	_, err = enc.Encode(256)
	assert.Error(t, err)
	_, err = enc.Encode(-1)
	assert.Error(t, err)
}

func TestLuaEncoder(t *testing.T) {
	const script = `
function encode(n)
  if n == 1 then return "L" end
  if n == 2 then return 0x52 end
  if n == 3 then return {0xAA, n, 0x55} end
  if n == 4 then return {} end
  if n == 5 then return {1, "x"} end
  if n == 6 then return {300} end
  if n == 7 then return true end
  error("unknown command " .. n)
end
`
	enc, err := NewLuaEncoder(script, "test.lua")
	require.NoError(t, err)
	t.Cleanup(enc.Close)

	assert.Equal(t, "lua:test.lua", enc.Name())

	tests := []struct {
		name    string
		n       int
		want    []byte
		wantErr string
	}{
		{name: "string", n: 1, want: []byte("L")},
		{name: "number", n: 2, want: []byte{0x52}},
		{name: "table", n: 3, want: []byte{0xaa, 0x03, 0x55}},
		{name: "empty table", n: 4, wantErr: "empty payload"},
		{name: "non numeric element", n: 5, wantErr: "element 2 is not a number"},
		{name: "out of range element", n: 6, wantErr: "out of byte range"},
		{name: "wrong type", n: 7, wantErr: "must return a string, number or table"},
		{name: "script error", n: 9, wantErr: "unknown command 9"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := enc.Encode(tt.n)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	// the stack is balanced after failures
	got, err := enc.Encode(3)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xaa, 0x03, 0x55}, got)
	assert.Equal(t, 0, enc.state.GetTop())
}

func TestLuaEncoderLoadErrors(t *testing.T) {
	_, err := NewLuaEncoder("", "empty.lua")
	assert.ErrorContains(t, err, "is empty")

	_, err = NewLuaEncoder("function encode(n", "broken.lua")
	assert.ErrorContains(t, err, "failed to load payload script broken.lua")

	_, err = NewLuaEncoder("x = 1", "noencode.lua")
	assert.ErrorContains(t, err, "does not define function encode(n)")
}

func TestLuaEncoderFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "payload.lua")
	require.NoError(t, os.WriteFile(path, []byte("function encode(n) return {n * 2} end"), 0o644))

	enc, err := NewLuaEncoderFile(path)
	require.NoError(t, err)

	got, err := enc.Encode(4)
	require.NoError(t, err)
	assert.Equal(t, []byte{8}, got)

	enc.Close()
	_, err = enc.Encode(4)
	assert.ErrorContains(t, err, "closed")

	_, err = NewLuaEncoderFile(filepath.Join(t.TempDir(), "missing.lua"))
	assert.ErrorContains(t, err, "failed to read payload script")
}
