package credential

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Store is the persistence layer: it materializes pool entries to a JSON
// file and loads them back, atomically on write. When an encryption key is
// configured the file is encrypted whole (AES-256-CBC, scrypt-derived key)
// rather than field-by-field, so refresh/access tokens never touch disk in
// the clear.
type Store struct {
	path   string
	cipher *fileCipher
}

// NewStore binds a persistence layer to path, writing plaintext JSON.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// NewEncryptedStore binds a persistence layer to path that encrypts the
// file at rest using encryptionKey. A file written before encryption was
// configured (plain JSON) is still read back transparently.
func NewEncryptedStore(path, encryptionKey string) (*Store, error) {
	c, err := newFileCipher(encryptionKey)
	if err != nil {
		return nil, err
	}
	return &Store{path: path, cipher: c}, nil
}

// Load reads the credentials file, accepting either a bare JSON object
// (promoted to a one-element array) or a JSON array. A missing or empty
// file yields an empty pool, not an error.
func (s *Store) Load() ([]Credential, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read credentials file %q: %w", s.path, err)
	}
	data = trimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}

	if s.cipher != nil && looksEncrypted(data) {
		plain, err := s.cipher.decrypt(string(data))
		if err != nil {
			return nil, fmt.Errorf("decrypt credentials file: %w", err)
		}
		data = trimSpace(plain)
	}

	if data[0] == '[' {
		var creds []Credential
		if err := json.Unmarshal(data, &creds); err != nil {
			return nil, fmt.Errorf("parse credentials array: %w", err)
		}
		return dedupeCheck(creds)
	}

	var single Credential
	if err := json.Unmarshal(data, &single); err != nil {
		return nil, fmt.Errorf("parse credentials object: %w", err)
	}
	return []Credential{single}, nil
}

func dedupeCheck(creds []Credential) ([]Credential, error) {
	seen := make(map[uint64]bool, len(creds))
	for _, c := range creds {
		if seen[c.ID] {
			return nil, fmt.Errorf("%w: id %d appears more than once", ErrDuplicateID, c.ID)
		}
		seen[c.ID] = true
	}
	return creds, nil
}

// Save writes entries to the credentials file, pretty-printed, always as a
// JSON array, via write-then-rename so readers never observe a torn file.
// This resolves the open question in favor of atomic persistence.
func (s *Store) Save(entries []Entry) error {
	creds := make([]Credential, len(entries))
	for i, e := range entries {
		creds[i] = e.Credential
	}

	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}
	data = append(data, '\n')

	if s.cipher != nil {
		encoded, err := s.cipher.encrypt(data)
		if err != nil {
			return fmt.Errorf("encrypt credentials file: %w", err)
		}
		data = []byte(encoded)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".credentials-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp credentials file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp credentials file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp credentials file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("rename credentials file: %w", err)
	}
	return nil
}

func trimSpace(b []byte) []byte {
	start, end := 0, len(b)
	for start < end && isSpace(b[start]) {
		start++
	}
	for end > start && isSpace(b[end-1]) {
		end--
	}
	return b[start:end]
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
