package credential

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/scrypt"
)

// fileCipher encrypts the credentials file at rest with AES-256-CBC, keyed
// by scrypt(encryptionKey, salt). The on-disk format is
// "{iv_hex}:{ciphertext_hex}", so a plaintext JSON file (no leading hex-colon
// pair) is still readable on first run before a key is configured.
type fileCipher struct {
	key []byte
}

const cryptoSalt = "kiroproxy-credentials"

func newFileCipher(encryptionKey string) (*fileCipher, error) {
	if encryptionKey == "" {
		return nil, nil
	}
	key, err := scrypt.Key([]byte(encryptionKey), []byte(cryptoSalt), 32768, 8, 1, 32)
	if err != nil {
		return nil, fmt.Errorf("derive credentials file key: %w", err)
	}
	return &fileCipher{key: key}, nil
}

func (c *fileCipher) encrypt(plaintext []byte) (string, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("aes cipher: %w", err)
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("rand iv: %w", err)
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(ciphertext), nil
}

func (c *fileCipher) decrypt(encoded string) ([]byte, error) {
	parts := strings.SplitN(encoded, ":", 2)
	if len(parts) != 2 {
		return nil, errors.New("invalid encrypted credentials format: missing ':'")
	}

	iv, err := hex.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("decode iv: %w", err)
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("invalid iv length: %d", len(iv))
	}

	ciphertext, err := hex.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext not block-aligned: %d", len(ciphertext))
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	return pkcs7Unpad(plaintext, aes.BlockSize)
}

// looksEncrypted reports whether data is the "{iv_hex}:{ciphertext_hex}"
// shape rather than raw JSON, so Load can accept a still-plaintext file
// written before an encryption key was configured.
func looksEncrypted(data []byte) bool {
	if len(data) == 0 || data[0] == '[' || data[0] == '{' {
		return false
	}
	return strings.Contains(string(data), ":")
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	pad := make([]byte, padding)
	for i := range pad {
		pad[i] = byte(padding)
	}
	return append(data, pad...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("empty data")
	}
	padding := int(data[len(data)-1])
	if padding == 0 || padding > blockSize || padding > len(data) {
		return nil, fmt.Errorf("invalid padding: %d", padding)
	}
	for i := len(data) - padding; i < len(data); i++ {
		if data[i] != byte(padding) {
			return nil, errors.New("invalid padding bytes")
		}
	}
	return data[:len(data)-padding], nil
}
