package crypto

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPSKSaveLoad(t *testing.T) {
	psk, err := GeneratePSK()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "keys", "psk.json")
	require.NoError(t, psk.Save(path))

	loaded, err := LoadPSK(path)
	require.NoError(t, err)
	assert.Equal(t, psk, loaded)
}

func TestPSKFromHexRejectsBadInput(t *testing.T) {
	_, err := PSKFromHex("zz")
	assert.Error(t, err)
	_, err = PSKFromHex("abcd")
	assert.Error(t, err)
}

func TestGenerateEphemeralDistinct(t *testing.T) {
	a, err := GenerateEphemeral()
	require.NoError(t, err)
	b, err := GenerateEphemeral()
	require.NoError(t, err)
	assert.NotEqual(t, a.Pub, b.Pub)
}
