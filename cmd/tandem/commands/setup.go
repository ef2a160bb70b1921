package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/tandemlab/tandem/pkg/tandem/navigator"
)

// newSetupCmd creates the `tandem setup` command for first-run configuration.
func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		Long: `Starts an interactive wizard that writes your initial config.yaml.
Asks for assistant name, provider endpoint, model, and API key. The key is
stored in the OS keyring or an encrypted vault (AES-256-GCM) — never in
plaintext on disk.

Examples:
  tandem setup`,
		RunE: runSetup,
	}
}

// storageMethod tracks where the API key was stored during setup.
type storageMethod int

const (
	storageNone    storageMethod = iota
	storageKeyring               // OS keyring
	storageVault                 // encrypted vault (.tandem.vault)
)

const customEndpoint = "custom"

func runSetup(_ *cobra.Command, _ []string) error {
	cfg := navigator.DefaultConfig()

	name := cfg.Name
	baseURL := cfg.API.BaseURL
	customURL := ""
	model := cfg.Model
	apiKey := ""
	storage := "keyring"
	save := true

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Assistant name").
				Value(&name),
			huh.NewSelect[string]().
				Title("Provider endpoint").
				Description("All providers must speak the OpenAI chat-completions protocol.").
				Options(
					huh.NewOption("OpenAI (api.openai.com)", "https://api.openai.com/v1"),
					huh.NewOption("Groq (api.groq.com)", "https://api.groq.com/openai/v1"),
					huh.NewOption("Ollama (localhost:11434)", "http://localhost:11434/v1"),
					huh.NewOption("LM Studio (localhost:1234)", "http://localhost:1234/v1"),
					huh.NewOption("Custom URL", customEndpoint),
				).
				Value(&baseURL),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Custom base URL").
				Placeholder("https://my-gateway.example.com/v1").
				Value(&customURL),
		).WithHideFunc(func() bool { return baseURL != customEndpoint }),
		huh.NewGroup(
			huh.NewInput().
				Title("Chat model").
				Description("Any model id your endpoint serves.").
				Value(&model),
			huh.NewInput().
				Title("API key").
				Description("Leave empty to skip (local endpoints need none).").
				EchoMode(huh.EchoModePassword).
				Value(&apiKey),
		),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Where should the key live?").
				Options(
					huh.NewOption("OS keyring (recommended)", "keyring"),
					huh.NewOption("Encrypted vault, password protected", "vault"),
				).
				Value(&storage),
		).WithHideFunc(func() bool { return apiKey == "" }),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Write config.yaml?").
				Value(&save),
		),
	)

	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			fmt.Println("Setup cancelled.")
			return nil
		}
		return fmt.Errorf("setup wizard: %w", err)
	}
	if !save {
		fmt.Println("Setup cancelled.")
		return nil
	}

	cfg.Name = name
	cfg.Model = model
	cfg.API.BaseURL = baseURL
	if baseURL == customEndpoint {
		cfg.API.BaseURL = customURL
	}

	// ── Store the key ──
	keyStorage := storageNone
	if apiKey != "" {
		switch storage {
		case "vault":
			keyStorage = setupVault(apiKey)
		default:
			keyStorage = setupKeyring(apiKey)
		}
		if keyStorage == storageNone {
			fmt.Println("[!] Could not store the API key securely.")
			fmt.Println("    Export TANDEM_API_KEY in your shell instead.")
		}
	}

	// config.yaml never contains the real key.
	cfg.API.APIKey = "${TANDEM_API_KEY}"

	// ── Save ──
	target := "config.yaml"
	if _, err := os.Stat(target); err == nil {
		overwrite := false
		confirm := huh.NewForm(huh.NewGroup(
			huh.NewConfirm().
				Title(fmt.Sprintf("%s already exists. Overwrite?", target)).
				Value(&overwrite),
		))
		if err := confirm.Run(); err != nil || !overwrite {
			fmt.Println("Setup cancelled. Existing file kept.")
			return nil
		}
	}

	if err := navigator.SaveConfigToFile(cfg, target); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}

	// ── Summary ──
	fmt.Println()
	fmt.Printf("config.yaml created.\n\n")
	fmt.Printf("  Name:     %s\n", cfg.Name)
	fmt.Printf("  Endpoint: %s\n", cfg.API.BaseURL)
	fmt.Printf("  Model:    %s\n", cfg.Model)
	switch keyStorage {
	case storageKeyring:
		fmt.Println("  API key:  **** (OS keyring)")
	case storageVault:
		fmt.Println("  API key:  **** (encrypted vault)")
	default:
		fmt.Println("  API key:  (not set)")
	}
	fmt.Println()
	fmt.Println("Next: run `tandem chat` to start a session.")
	return nil
}

// setupKeyring stores the API key in the OS keyring, falling back to the
// vault when no keyring backend is available.
func setupKeyring(apiKey string) storageMethod {
	if !navigator.KeyringAvailable() {
		fmt.Println("[!] No OS keyring available, falling back to the encrypted vault.")
		return setupVault(apiKey)
	}
	if err := navigator.StoreKeyring("api_key", apiKey); err != nil {
		fmt.Printf("[!] Keyring store failed (%v), falling back to the encrypted vault.\n", err)
		return setupVault(apiKey)
	}
	fmt.Println("API key stored in the OS keyring.")
	return storageKeyring
}

// setupVault creates the encrypted vault and stores the API key in it.
// The master password is read directly from the terminal and never stored.
func setupVault(apiKey string) storageMethod {
	fmt.Println()
	fmt.Println("Choose a vault master password (minimum 8 characters).")
	fmt.Println("It is never stored; losing it means re-entering your key.")
	fmt.Println()

	password, err := navigator.ReadPassword("Master password: ")
	if err != nil {
		fmt.Printf("[!] Failed to read password: %v\n", err)
		return storageNone
	}
	if len(password) < 8 {
		fmt.Println("[!] Password too short (minimum 8 characters).")
		return storageNone
	}
	confirm, err := navigator.ReadPassword("Confirm password: ")
	if err != nil || password != confirm {
		fmt.Println("[!] Passwords don't match.")
		return storageNone
	}

	vault := navigator.NewVault(navigator.VaultFile)

	// Fresh setup replaces any existing vault.
	if vault.Exists() {
		_ = os.Remove(navigator.VaultFile)
		vault = navigator.NewVault(navigator.VaultFile)
	}

	if err := vault.Create(password); err != nil {
		fmt.Printf("[!] Vault creation failed: %v\n", err)
		return storageNone
	}
	// Vault entries use conventional env-var names so they resolve at
	// startup and export cleanly to spawned tools.
	if err := vault.Set(navigator.ProviderKeyName(""), apiKey); err != nil {
		fmt.Printf("[!] Failed to store key in vault: %v\n", err)
		vault.Lock()
		return storageNone
	}
	vault.Lock()

	fmt.Println("API key encrypted and stored in the vault.")
	return storageVault
}
