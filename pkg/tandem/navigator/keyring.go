// Package navigator – keyring.go resolves the LLM API key through a
// priority chain of credential sources:
//
//  1. OS keyring (Linux: Secret Service, macOS: Keychain, Windows:
//     Credential Manager) — encrypted by the OS, no password prompt.
//  2. Encrypted vault (.tandem.vault — Argon2id + AES-256-GCM, needs the
//     master password, from TANDEM_VAULT_PASSWORD or a terminal prompt).
//  3. Environment variable for the configured provider.
//  4. config.yaml value (least secure — plaintext on disk).
package navigator

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/zalando/go-keyring"
	"golang.org/x/term"
)

const (
	// keyringService is the service name used in the OS keyring.
	keyringService = "tandem"

	// keyringAPIKey is the key name for the LLM API key.
	keyringAPIKey = "api_key"

	// vaultPasswordEnv lets headless deployments unlock the vault without
	// a terminal.
	vaultPasswordEnv = "TANDEM_VAULT_PASSWORD"
)

// StoreKeyring saves a secret to the OS keyring.
func StoreKeyring(key, value string) error {
	return keyring.Set(keyringService, key, value)
}

// GetKeyring retrieves a secret from the OS keyring, or "" when absent.
func GetKeyring(key string) string {
	val, err := keyring.Get(keyringService, key)
	if err != nil {
		return ""
	}
	return val
}

// DeleteKeyring removes a secret from the OS keyring.
func DeleteKeyring(key string) error {
	return keyring.Delete(keyringService, key)
}

// KeyringAvailable probes the OS keyring with a write+delete cycle.
func KeyringAvailable() bool {
	probe := "__tandem_probe__"
	if err := keyring.Set(keyringService, probe, "ok"); err != nil {
		return false
	}
	_ = keyring.Delete(keyringService, probe)
	return true
}

// ProviderKeyName maps a provider to its conventional API-key environment
// variable, which is also the name used for vault entries.
func ProviderKeyName(provider string) string {
	switch provider {
	case "openrouter":
		return "OPENROUTER_API_KEY"
	case "groq":
		return "GROQ_API_KEY"
	case "ollama", "lmstudio", "vllm":
		return "" // local providers need no key
	default:
		return "OPENAI_API_KEY"
	}
}

// ResolveAPIKey walks the credential chain and fills cfg.API.APIKey with
// the first hit, returning the unlocked vault (or nil) so callers can
// reuse it. Resolution never fails hard; a missing key is reported by the
// first model call instead, with a hint to run setup.
func ResolveAPIKey(cfg *Config, logger *slog.Logger) *Vault {
	// 1. OS keyring.
	if val := GetKeyring(keyringAPIKey); val != "" {
		cfg.API.APIKey = val
		logger.Debug("API key loaded from OS keyring")
		return nil
	}

	// 2. Encrypted vault, when one exists and can be unlocked.
	vault := NewVault(VaultFile)
	if vault.Exists() {
		unlockVault(vault, logger)
		if vault.IsUnlocked() {
			if err := vault.ExportEnv(); err != nil {
				logger.Warn("failed to export vault secrets", "error", err)
			}
			keyName := ProviderKeyName(cfg.API.Provider)
			if keyName != "" {
				if val, err := vault.Get(keyName); err == nil && val != "" {
					cfg.API.APIKey = val
					logger.Debug("API key loaded from vault", "key", keyName)
				}
			}
			return vault
		}
	}

	// 3. Provider environment variable.
	if keyName := ProviderKeyName(cfg.API.Provider); keyName != "" {
		if val := os.Getenv(keyName); val != "" {
			cfg.API.APIKey = val
			logger.Debug("API key loaded from environment", "var", keyName)
			return nil
		}
	}

	// 4. Plaintext config value, already unmarshaled into cfg.API.APIKey.
	// An unresolved ${VAR} placeholder is cleared rather than sent to the
	// provider as a literal bearer token.
	if IsEnvReference(cfg.API.APIKey) {
		cfg.API.APIKey = ""
		return nil
	}
	if cfg.API.APIKey != "" {
		logger.Debug("API key loaded from config")
	}
	return nil
}

// unlockVault tries the password env var, then an interactive prompt when
// stdin is a terminal. Headless runs without the env var skip the vault.
func unlockVault(vault *Vault, logger *slog.Logger) {
	if pass := os.Getenv(vaultPasswordEnv); pass != "" {
		if err := vault.Unlock(pass); err != nil {
			logger.Warn("failed to unlock vault with "+vaultPasswordEnv, "error", err)
		} else {
			logger.Debug("vault unlocked via " + vaultPasswordEnv)
		}
		return
	}

	if !term.IsTerminal(int(os.Stdin.Fd())) {
		logger.Info("vault exists but cannot prompt for password (non-interactive), trying env/config")
		return
	}

	password, err := ReadPassword("Vault password: ")
	if err != nil {
		logger.Warn("failed to read vault password", "error", err)
		return
	}
	if err := vault.Unlock(password); err != nil {
		logger.Warn("failed to unlock vault", "error", err)
	}
}

// MigrateKeyToKeyring moves an API key into the OS keyring so it can be
// removed from config.yaml and .env.
func MigrateKeyToKeyring(apiKey string, logger *slog.Logger) error {
	if err := StoreKeyring(keyringAPIKey, apiKey); err != nil {
		return fmt.Errorf("store in keyring: %w", err)
	}
	logger.Info("API key stored in OS keyring", "service", keyringService)
	return nil
}
