package stream

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadBody(t *testing.T) {
	b, err := readBody(`{"message":"hi"}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"message":"hi"}`, string(b))

	path := filepath.Join(t.TempDir(), "req.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"message":"from file"}`), 0o644))
	b, err = readBody("@" + path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"message":"from file"}`, string(b))

	_, err = readBody("not json")
	assert.Error(t, err)

	_, err = readBody("@" + filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}
