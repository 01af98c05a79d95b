package core

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncryptor_BytesRoundTrip(t *testing.T) {
	enc, err := NewEncryptor("correct horse battery staple", nil)
	require.NoError(t, err)

	plaintext := []byte("a secret message")
	ct, nonce, err := enc.EncryptBytes(plaintext, nil)
	require.NoError(t, err)

	pt, err := enc.DecryptBytes(ct, nonce)
	require.NoError(t, err)
	require.Equal(t, plaintext, pt)
}

func TestEncryptor_WrongKeyFailsAuthentication(t *testing.T) {
	enc, err := NewEncryptor("password-one", nil)
	require.NoError(t, err)
	ct, nonce, err := enc.EncryptBytes([]byte("hello"), nil)
	require.NoError(t, err)

	other, err := NewEncryptor("password-two", enc.Salt())
	require.NoError(t, err)
	_, err = other.DecryptBytes(ct, nonce)
	require.Error(t, err)

	var engErr *EngineError
	require.ErrorAs(t, err, &engErr)
	require.Equal(t, KindCrypto, engErr.Kind)
}

func TestEncryptor_FileRoundTripChunked(t *testing.T) {
	dir := t.TempDir()
	inputPath := filepath.Join(dir, "plain.bin")
	data := make([]byte, 200)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, os.WriteFile(inputPath, data, 0644))

	enc, err := NewEncryptor("hunter2hunter2hunter2", nil)
	require.NoError(t, err)

	encPath := filepath.Join(dir, "plain.bin.enc")
	require.NoError(t, enc.EncryptFile(inputPath, encPath))

	decoded := filepath.Join(dir, "plain.bin.out")
	dec, err := NewEncryptor("hunter2hunter2hunter2", enc.Salt())
	require.NoError(t, err)
	require.NoError(t, dec.DecryptFile(encPath, decoded))

	got, err := os.ReadFile(decoded)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestEncryptor_DecryptFileLegacyFormat(t *testing.T) {
	dir := t.TempDir()
	enc, err := NewEncryptor("legacy-password-1234", nil)
	require.NoError(t, err)

	plaintext := []byte("legacy single blob contents")
	ct, nonce, err := enc.EncryptBytes(plaintext, nil)
	require.NoError(t, err)

	legacyPath := filepath.Join(dir, "legacy.enc")
	require.NoError(t, os.WriteFile(legacyPath, append(nonce, ct...), 0644))

	outPath := filepath.Join(dir, "legacy.out")
	require.NoError(t, enc.DecryptFile(legacyPath, outPath))

	got, err := os.ReadFile(outPath)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestEncryptor_ContainerHeader(t *testing.T) {
	dir := t.TempDir()
	inputPath := filepath.Join(dir, "plain.bin")
	require.NoError(t, os.WriteFile(inputPath, []byte("payload"), 0644))

	enc, err := NewEncryptor("header-check-passphrase", nil)
	require.NoError(t, err)

	encPath := filepath.Join(dir, "plain.bin.enc")
	require.NoError(t, enc.EncryptFile(inputPath, encPath))

	raw, err := os.ReadFile(encPath)
	require.NoError(t, err)
	require.Greater(t, len(raw), 12)
	require.Equal(t, "SCRAT001", string(raw[:8]))
	chunkSize := binary.BigEndian.Uint32(raw[8:12])
	require.Equal(t, uint32(64*1024*1024), chunkSize)

	// Trailing terminator: four zero bytes in the ct_len position.
	require.Equal(t, []byte{0, 0, 0, 0}, raw[len(raw)-4:])
}

func TestEncryptor_TamperedChunkFailsAuthentication(t *testing.T) {
	dir := t.TempDir()
	inputPath := filepath.Join(dir, "plain.bin")
	require.NoError(t, os.WriteFile(inputPath, []byte("sensitive contents"), 0644))

	enc, err := NewEncryptor("tamper-check-passphrase", nil)
	require.NoError(t, err)

	encPath := filepath.Join(dir, "plain.bin.enc")
	require.NoError(t, enc.EncryptFile(inputPath, encPath))

	raw, err := os.ReadFile(encPath)
	require.NoError(t, err)
	raw[len(raw)-5] ^= 0xff // flip a ciphertext byte
	require.NoError(t, os.WriteFile(encPath, raw, 0644))

	outPath := filepath.Join(dir, "plain.bin.out")
	err = enc.DecryptFile(encPath, outPath)
	require.Error(t, err)
	var engErr *EngineError
	require.ErrorAs(t, err, &engErr)
	require.Equal(t, KindCrypto, engErr.Kind)

	// No partial plaintext survives a failed authentication.
	_, statErr := os.Stat(outPath)
	require.True(t, os.IsNotExist(statErr))
}

func TestEncryptor_RejectsWrongNonceLength(t *testing.T) {
	enc, err := NewEncryptor("nonce-check-passphrase", nil)
	require.NoError(t, err)

	_, _, err = enc.EncryptBytes([]byte("x"), []byte("short"))
	require.Error(t, err)
	_, err = enc.DecryptBytes([]byte("ciphertext"), []byte("short"))
	require.Error(t, err)
}

func TestValidatePasswordStrength(t *testing.T) {
	ok, _ := ValidatePasswordStrength("short")
	require.False(t, ok)

	ok, msg := ValidatePasswordStrength("alllowercase12345")
	require.False(t, ok)
	require.Contains(t, msg, "uppercase")

	ok, _ = ValidatePasswordStrength("GoodPassword123")
	require.True(t, ok)
}

func TestGeneratePassword(t *testing.T) {
	p, err := GeneratePassword(16)
	require.NoError(t, err)
	require.Len(t, p, 32) // hex-encoded
}
