package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/argon2"
)

// argon2id parameters for deriving the vault key from a passphrase.
// 64MB, 1 iteration, 4 lanes, 32-byte key.
const (
	vaultSaltLen    = 16
	vaultKeyLen     = 32
	vaultMemoryKB   = 64 * 1024
	vaultIterations = 1
	vaultLanes      = 4
)

// Vault persists a credential snapshot to disk encrypted with
// AES-256-GCM under an argon2id-derived key, so a token cached between
// runs never touches disk in the clear.
type Vault struct {
	path       string
	passphrase []byte
}

// NewVault creates a vault at path keyed by passphrase.
func NewVault(path string, passphrase []byte) *Vault {
	return &Vault{path: path, passphrase: passphrase}
}

// Save encrypts and writes the credential set. File layout:
// salt || nonce || ciphertext.
func (v *Vault) Save(creds Credentials) error {
	plaintext, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}

	salt := make([]byte, vaultSaltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := v.aead(salt)
	if err != nil {
		return err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}

	out := append(salt, gcm.Seal(nonce, nonce, plaintext, nil)...)
	if err := os.WriteFile(v.path, out, 0o600); err != nil {
		return fmt.Errorf("write vault: %w", err)
	}
	return nil
}

// Load reads and decrypts the credential set.
func (v *Vault) Load() (Credentials, error) {
	data, err := os.ReadFile(v.path)
	if err != nil {
		return Credentials{}, fmt.Errorf("read vault: %w", err)
	}
	if len(data) < vaultSaltLen {
		return Credentials{}, errors.New("vault file too short")
	}

	salt, rest := data[:vaultSaltLen], data[vaultSaltLen:]
	gcm, err := v.aead(salt)
	if err != nil {
		return Credentials{}, err
	}
	if len(rest) < gcm.NonceSize() {
		return Credentials{}, errors.New("vault file too short")
	}

	nonce, ciphertext := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return Credentials{}, fmt.Errorf("decrypt vault: %w", err)
	}

	var creds Credentials
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return Credentials{}, fmt.Errorf("unmarshal credentials: %w", err)
	}
	return creds, nil
}

func (v *Vault) aead(salt []byte) (cipher.AEAD, error) {
	key := argon2.IDKey(v.passphrase, salt, vaultIterations, vaultMemoryKB, vaultLanes, vaultKeyLen)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
