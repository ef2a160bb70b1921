// Package navigator – vault.go provides encrypted credential storage:
// AES-256-GCM over a local JSON file, with the key derived from a master
// password via Argon2id. The password itself is never written anywhere;
// only the derived key lives in memory while the vault is unlocked.
package navigator

import (
	"bufio"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/term"
)

// VaultFile is the default vault file name, created in the working
// directory by the setup wizard.
const VaultFile = ".tandem.vault"

// Argon2id parameters (OWASP recommended).
const (
	argonTime    = 3
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 4
	argonKeyLen  = 32 // AES-256
	vaultSaltLen = 16
)

// vaultCheckPlaintext is sealed at creation time so Unlock can verify the
// password without decrypting real secrets.
const vaultCheckPlaintext = "tandem-vault"

// VaultRecord is one sealed secret: a random AES-GCM nonce plus the
// ciphertext, both base64.
type VaultRecord struct {
	Nonce string `json:"nonce"`
	Data  string `json:"data"`
}

// vaultPayload is the on-disk shape of the vault.
type vaultPayload struct {
	Version int                    `json:"version"`
	Salt    string                 `json:"salt"`
	Check   VaultRecord            `json:"check"`
	Secrets map[string]VaultRecord `json:"secrets"`
}

// Vault is an encrypted secret store backed by a single local file.
type Vault struct {
	path string

	mu      sync.RWMutex
	payload *vaultPayload
	key     []byte // derived AES key, nil while locked
}

// NewVault points at a vault file without touching it. Call Create or
// Unlock before reading or writing secrets.
func NewVault(path string) *Vault {
	if path == "" {
		path = VaultFile
	}
	return &Vault{path: path}
}

// Path returns the vault file path.
func (v *Vault) Path() string { return v.path }

// Exists reports whether the vault file is present on disk.
func (v *Vault) Exists() bool {
	_, err := os.Stat(v.path)
	return err == nil
}

// IsUnlocked reports whether a derived key is held in memory.
func (v *Vault) IsUnlocked() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.key != nil
}

// Create initializes a fresh vault protected by the given master password.
// Fails if a vault file already exists.
func (v *Vault) Create(password string) error {
	if v.Exists() {
		return fmt.Errorf("vault already exists at %s", v.path)
	}

	salt := make([]byte, vaultSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	v.key = deriveVaultKey(password, salt)
	check, err := sealSecret(v.key, []byte(vaultCheckPlaintext))
	if err != nil {
		v.key = nil
		return fmt.Errorf("seal check record: %w", err)
	}

	v.payload = &vaultPayload{
		Version: 1,
		Salt:    base64.StdEncoding.EncodeToString(salt),
		Check:   check,
		Secrets: make(map[string]VaultRecord),
	}
	return v.saveLocked()
}

// Unlock loads the vault file and verifies the password against the check
// record. A wrong password fails here, before any secret is touched.
func (v *Vault) Unlock(password string) error {
	raw, err := os.ReadFile(v.path)
	if err != nil {
		return fmt.Errorf("read vault: %w", err)
	}

	var payload vaultPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("parse vault: %w", err)
	}
	salt, err := base64.StdEncoding.DecodeString(payload.Salt)
	if err != nil {
		return fmt.Errorf("decode salt: %w", err)
	}
	if payload.Secrets == nil {
		payload.Secrets = make(map[string]VaultRecord)
	}

	key := deriveVaultKey(password, salt)
	if _, err := openSecret(key, payload.Check); err != nil {
		return fmt.Errorf("wrong vault password")
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.key = key
	v.payload = &payload
	return nil
}

// Lock zeroes the derived key and drops it from memory.
func (v *Vault) Lock() {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := range v.key {
		v.key[i] = 0
	}
	v.key = nil
}

// Set seals a secret into the vault and saves. The vault must be unlocked.
func (v *Vault) Set(name, value string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.key == nil {
		return fmt.Errorf("vault is locked")
	}
	record, err := sealSecret(v.key, []byte(value))
	if err != nil {
		return fmt.Errorf("seal %s: %w", name, err)
	}
	v.payload.Secrets[name] = record
	return v.saveLocked()
}

// Get opens a secret by name. Missing names return an empty string with no
// error so callers can treat the vault as one link in a fallback chain.
func (v *Vault) Get(name string) (string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.key == nil {
		return "", fmt.Errorf("vault is locked")
	}
	record, ok := v.payload.Secrets[name]
	if !ok {
		return "", nil
	}
	plaintext, err := openSecret(v.key, record)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", name, err)
	}
	return string(plaintext), nil
}

// Has reports whether a secret exists, without decrypting it. A locked
// vault reports false for everything.
func (v *Vault) Has(name string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.key == nil || v.payload == nil {
		return false
	}
	_, ok := v.payload.Secrets[name]
	return ok
}

// Delete removes a secret and saves. The vault must be unlocked.
func (v *Vault) Delete(name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.key == nil {
		return fmt.Errorf("vault is locked")
	}
	delete(v.payload.Secrets, name)
	return v.saveLocked()
}

// Keys lists the stored secret names.
func (v *Vault) Keys() ([]string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.key == nil {
		return nil, fmt.Errorf("vault is locked")
	}
	keys := make([]string, 0, len(v.payload.Secrets))
	for k := range v.payload.Secrets {
		keys = append(keys, k)
	}
	return keys, nil
}

// ExportEnv sets every vault secret as a process environment variable
// under its stored name, so provider clients and spawned tools can find
// keys at their conventional names (OPENAI_API_KEY and friends).
func (v *Vault) ExportEnv() error {
	keys, err := v.Keys()
	if err != nil {
		return err
	}
	for _, name := range keys {
		val, err := v.Get(name)
		if err != nil || val == "" {
			continue
		}
		os.Setenv(name, val)
	}
	return nil
}

// ChangePassword re-derives the key from a fresh salt and reseals every
// record. The vault must be unlocked.
func (v *Vault) ChangePassword(newPassword string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.key == nil {
		return fmt.Errorf("vault is locked")
	}

	opened := make(map[string][]byte, len(v.payload.Secrets))
	for name, record := range v.payload.Secrets {
		plaintext, err := openSecret(v.key, record)
		if err != nil {
			return fmt.Errorf("open %s: %w", name, err)
		}
		opened[name] = plaintext
	}

	salt := make([]byte, vaultSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}
	newKey := deriveVaultKey(newPassword, salt)

	resealed := make(map[string]VaultRecord, len(opened))
	for name, plaintext := range opened {
		record, err := sealSecret(newKey, plaintext)
		if err != nil {
			return fmt.Errorf("reseal %s: %w", name, err)
		}
		resealed[name] = record
	}
	check, err := sealSecret(newKey, []byte(vaultCheckPlaintext))
	if err != nil {
		return fmt.Errorf("reseal check record: %w", err)
	}

	for i := range v.key {
		v.key[i] = 0
	}
	v.key = newKey
	v.payload.Salt = base64.StdEncoding.EncodeToString(salt)
	v.payload.Check = check
	v.payload.Secrets = resealed
	return v.saveLocked()
}

// saveLocked writes the vault file. Caller holds v.mu.
func (v *Vault) saveLocked() error {
	data, err := json.MarshalIndent(v.payload, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal vault: %w", err)
	}
	if err := os.WriteFile(v.path, data, 0o600); err != nil {
		return fmt.Errorf("write vault: %w", err)
	}
	return nil
}

// ─── Crypto primitives ───

func deriveVaultKey(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

func sealSecret(key, plaintext []byte) (VaultRecord, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return VaultRecord{}, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return VaultRecord{}, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return VaultRecord{}, err
	}
	return VaultRecord{
		Nonce: base64.StdEncoding.EncodeToString(nonce),
		Data:  base64.StdEncoding.EncodeToString(gcm.Seal(nil, nonce, plaintext, nil)),
	}, nil
}

func openSecret(key []byte, record VaultRecord) ([]byte, error) {
	nonce, err := base64.StdEncoding.DecodeString(record.Nonce)
	if err != nil {
		return nil, fmt.Errorf("decode nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(record.Data)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed")
	}
	return plaintext, nil
}

// ReadPassword prompts on stdout and reads a password without echo when
// stdin is a terminal, falling back to a plain line read for piped input.
func ReadPassword(prompt string) (string, error) {
	fmt.Print(prompt)

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		password, err := term.ReadPassword(fd)
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return strings.TrimRight(string(password), "\r\n"), nil
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	fmt.Println()
	if err != nil && line == "" {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
