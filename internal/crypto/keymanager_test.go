package crypto

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Well-known hardhat dev account #0.
const (
	testKeyHex  = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testKeyAddr = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	blob, err := EncryptKey(testKeyHex, "correct horse")
	require.NoError(t, err)

	got, err := DecryptKey(blob, "correct horse")
	require.NoError(t, err)
	assert.Equal(t, testKeyHex, got)
}

func TestDecryptWrongPassword(t *testing.T) {
	blob, err := EncryptKey(testKeyHex, "correct horse")
	require.NoError(t, err)

	_, err = DecryptKey(blob, "battery staple")
	require.Error(t, err)
}

func TestEncryptRequiresPassword(t *testing.T) {
	_, err := EncryptKey(testKeyHex, "")
	require.Error(t, err)
}

func TestEncryptProducesUniqueBlobs(t *testing.T) {
	a, err := EncryptKey(testKeyHex, "pw")
	require.NoError(t, err)
	b, err := EncryptKey(testKeyHex, "pw")
	require.NoError(t, err)

	// Fresh salt and nonce every time.
	assert.NotEqual(t, a, b)
}

func TestLoadKeyRaw(t *testing.T) {
	got, err := LoadKey(KeyConfig{RawPrivateKey: "0x" + testKeyHex})
	require.NoError(t, err)
	assert.Equal(t, testKeyHex, got)

	_, err = LoadKey(KeyConfig{RawPrivateKey: "zzzz"})
	require.Error(t, err)

	_, err = LoadKey(KeyConfig{})
	require.Error(t, err)
}

func TestLoadKeyEncryptedFile(t *testing.T) {
	blob, err := EncryptKey(testKeyHex, "pw")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "key.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	got, err := LoadKey(KeyConfig{EncryptedKeyPath: path, KeyPassword: "pw"})
	require.NoError(t, err)
	assert.Equal(t, testKeyHex, got)

	_, err = LoadKey(KeyConfig{EncryptedKeyPath: path, KeyPassword: "wrong"})
	require.Error(t, err)

	_, err = LoadKey(KeyConfig{EncryptedKeyPath: filepath.Join(t.TempDir(), "missing.json"), KeyPassword: "pw"})
	require.Error(t, err)
}

func TestAddressFromKey(t *testing.T) {
	addr, err := AddressFromKey(testKeyHex)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(testKeyAddr), addr)

	// 0x prefix is accepted.
	addr, err = AddressFromKey("0x" + testKeyHex)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(testKeyAddr), addr)

	_, err = AddressFromKey("not-a-key")
	require.Error(t, err)
}
