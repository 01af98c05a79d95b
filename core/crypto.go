// core/crypto.go
package core

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltSize      = 32
	nonceSize     = 12
	keySize       = 32
	pbkdf2Iters   = 100_000
	defaultChunk  = 64 * 1024 * 1024 // 64 MiB
	gcmTagSize    = 16
	scratMagic    = "SCRAT001"
	scratMagicLen = 8
)

// Encryptor binds one (passphrase, salt) pair to a derived AES-256 key and
// performs AEAD encryption/decryption in the SCRAT001 chunked container
// format.
type Encryptor struct {
	key  []byte
	salt []byte
}

// NewEncryptor derives a key from password and salt via PBKDF2-HMAC-SHA256
// (100,000 iterations, 32-byte output). If salt is nil, a fresh 32-byte
// random salt is generated (new backup); otherwise the provided salt is
// reused (restore).
func NewEncryptor(password string, salt []byte) (*Encryptor, error) {
	if salt == nil {
		salt = make([]byte, saltSize)
		if _, err := rand.Read(salt); err != nil {
			return nil, err
		}
	} else if len(salt) != saltSize {
		return nil, fmt.Errorf("salt must be %d bytes", saltSize)
	}

	key := pbkdf2.Key([]byte(password), salt, pbkdf2Iters, keySize, sha256.New)
	return &Encryptor{key: key, salt: salt}, nil
}

// Salt returns the salt bound to this Encryptor, to be persisted on the
// BackupRecord for later key re-derivation.
func (e *Encryptor) Salt() []byte { return e.salt }

// KeyHash returns hex(SHA-256(key)), persisted to fail fast on a wrong
// passphrase without attempting any ciphertext authentication.
func (e *Encryptor) KeyHash() string {
	sum := sha256.Sum256(e.key)
	return hex.EncodeToString(sum[:])
}

func (e *Encryptor) aeadCipher() (cipher.AEAD, error) {
	block, err := aes.NewCipher(e.key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// EncryptBytes encrypts plaintext with AES-256-GCM. If nonce is nil, a
// fresh 12-byte random nonce is generated.
func (e *Encryptor) EncryptBytes(plaintext, nonce []byte) (ciphertext, usedNonce []byte, err error) {
	gcm, err := e.aeadCipher()
	if err != nil {
		return nil, nil, err
	}

	if nonce == nil {
		nonce = make([]byte, nonceSize)
		if _, err := rand.Read(nonce); err != nil {
			return nil, nil, err
		}
	} else if len(nonce) != nonceSize {
		return nil, nil, fmt.Errorf("nonce must be %d bytes", nonceSize)
	}

	ct := gcm.Seal(nil, nonce, plaintext, nil)
	return ct, nonce, nil
}

// DecryptBytes authenticates and decrypts ciphertext produced by EncryptBytes.
func (e *Encryptor) DecryptBytes(ciphertext, nonce []byte) ([]byte, error) {
	if len(nonce) != nonceSize {
		return nil, fmt.Errorf("nonce must be %d bytes", nonceSize)
	}
	gcm, err := e.aeadCipher()
	if err != nil {
		return nil, err
	}
	pt, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, wrapErr(KindCrypto, "", fmt.Errorf("authentication failed: %w", err))
	}
	return pt, nil
}

// EncryptFile streams inputPath into the SCRAT001 chunked container at
// outputPath: magic, chunk_size, then repeated
// [ct_len u32][nonce 12][ciphertext] chunks, terminated by a ct_len==0
// marker. Each chunk is its own independent AEAD operation with a fresh
// nonce.
func (e *Encryptor) EncryptFile(inputPath, outputPath string) error {
	in, err := os.Open(inputPath)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return err
	}
	out, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := out.WriteString(scratMagic); err != nil {
		return err
	}
	if err := binary.Write(out, binary.BigEndian, uint32(defaultChunk)); err != nil {
		return err
	}

	buf := make([]byte, defaultChunk)
	for {
		n, readErr := io.ReadFull(in, buf)
		if n > 0 {
			ct, nonce, err := e.EncryptBytes(buf[:n], nil)
			if err != nil {
				return err
			}
			if err := binary.Write(out, binary.BigEndian, uint32(len(ct))); err != nil {
				return err
			}
			if _, err := out.Write(nonce); err != nil {
				return err
			}
			if _, err := out.Write(ct); err != nil {
				return err
			}
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return readErr
		}
	}

	// terminator
	return binary.Write(out, binary.BigEndian, uint32(0))
}

// DecryptFile decodes either the SCRAT001 chunked container or, if the
// first 8 bytes are not the magic, a legacy single-blob container
// (nonce(12) || ciphertext). A failed authentication makes the whole
// container unrecoverable: no partial plaintext is left at outputPath.
func (e *Encryptor) DecryptFile(inputPath, outputPath string) error {
	in, err := os.Open(inputPath)
	if err != nil {
		return err
	}
	defer in.Close()

	fi, err := in.Stat()
	if err != nil {
		return err
	}
	if fi.Size() < int64(nonceSize+gcmTagSize) {
		return fmt.Errorf("encrypted file too small (%d bytes)", fi.Size())
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return err
	}
	out, err := os.Create(outputPath)
	if err != nil {
		return err
	}

	if err := e.decryptTo(in, out); err != nil {
		out.Close()
		os.Remove(outputPath)
		return err
	}
	return out.Close()
}

func (e *Encryptor) decryptTo(in *os.File, out io.Writer) error {
	header := make([]byte, scratMagicLen)
	n, err := io.ReadFull(in, header)
	if err != nil && err != io.ErrUnexpectedEOF {
		return err
	}

	if n == scratMagicLen && string(header) == scratMagic {
		return e.decryptChunked(in, out)
	}

	// Legacy format: header bytes already read are the first part of the
	// nonce; seek back and read nonce(12) || ciphertext as one AEAD blob.
	if _, err := in.Seek(0, io.SeekStart); err != nil {
		return err
	}
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(in, nonce); err != nil {
		return fmt.Errorf("could not read nonce: %w", err)
	}
	ciphertext, err := io.ReadAll(in)
	if err != nil {
		return err
	}
	pt, err := e.DecryptBytes(ciphertext, nonce)
	if err != nil {
		return err
	}
	_, err = out.Write(pt)
	return err
}

func (e *Encryptor) decryptChunked(in io.Reader, out io.Writer) error {
	var chunkSize uint32
	if err := binary.Read(in, binary.BigEndian, &chunkSize); err != nil {
		return fmt.Errorf("reading chunk size: %w", err)
	}

	for {
		var ctLen uint32
		if err := binary.Read(in, binary.BigEndian, &ctLen); err != nil {
			return fmt.Errorf("reading chunk length: %w", err)
		}
		if ctLen == 0 {
			return nil // terminator
		}

		nonce := make([]byte, nonceSize)
		if _, err := io.ReadFull(in, nonce); err != nil {
			return fmt.Errorf("reading chunk nonce: %w", err)
		}

		ct := make([]byte, ctLen)
		if _, err := io.ReadFull(in, ct); err != nil {
			return fmt.Errorf("reading chunk ciphertext: %w", err)
		}

		pt, err := e.DecryptBytes(ct, nonce)
		if err != nil {
			return err
		}
		if _, err := out.Write(pt); err != nil {
			return err
		}
	}
}

// GeneratePassword returns a random passphrase suitable as a strong default:
// length random bytes, hex-encoded (2*length characters).
func GeneratePassword(length int) (string, error) {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// ValidatePasswordStrength is an advisory check: minimum length 12, must
// contain upper/lower/digit; missing special characters only warns (the
// caller decides what to do with the message).
func ValidatePasswordStrength(password string) (ok bool, message string) {
	const minLength = 12
	if len(password) < minLength {
		return false, fmt.Sprintf("password must be at least %d characters", minLength)
	}

	var hasUpper, hasLower, hasDigit, hasSpecial bool
	for _, r := range password {
		switch {
		case r >= 'A' && r <= 'Z':
			hasUpper = true
		case r >= 'a' && r <= 'z':
			hasLower = true
		case r >= '0' && r <= '9':
			hasDigit = true
		default:
			hasSpecial = true
		}
	}

	if !(hasUpper && hasLower && hasDigit) {
		return false, "password should contain uppercase, lowercase letters and digits"
	}
	if !hasSpecial {
		return true, "password contains no special characters (recommended)"
	}
	return true, "password is strong"
}
