package commands

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cubbyhost/cubby/internal/cli/prompt"
	"github.com/cubbyhost/cubby/pkg/config"
	"github.com/cubbyhost/cubby/pkg/models"
)

var (
	initForce         bool
	initNonInteractive bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a configuration file",
	Long: `Initialize a Cubby configuration file with sane defaults, a freshly
generated JWT secret and the bootstrap admin account.

By default, the configuration file is created at $XDG_CONFIG_HOME/cubby/config.yaml.
Use --config to specify a custom path.

Examples:
  # Initialize with default location
  cubby init

  # Initialize with custom path
  cubby init --config /etc/cubby/config.yaml

  # Force overwrite existing config
  cubby init --force

  # Skip prompts (admin password is generated on first start)
  cubby init --non-interactive`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Force overwrite existing config file")
	initCmd.Flags().BoolVar(&initNonInteractive, "non-interactive", false, "Do not prompt; admin password is generated on first start")
}

func runInit(cmd *cobra.Command, args []string) error {
	configPath := GetConfigFile()
	if configPath == "" {
		configPath = config.DefaultConfigPath()
	}

	if _, err := os.Stat(configPath); err == nil && !initForce {
		return fmt.Errorf("configuration file already exists: %s (use --force to overwrite)", configPath)
	}

	var cfg config.Config
	config.ApplyDefaults(&cfg)

	secret, err := randomHex(32)
	if err != nil {
		return fmt.Errorf("failed to generate JWT secret: %w", err)
	}
	cfg.Auth.JWTSecret = secret

	if !initNonInteractive {
		if err := promptAdmin(&cfg); err != nil {
			if prompt.IsAborted(err) {
				fmt.Println("\nAborted; no configuration written.")
				return nil
			}
			return err
		}
	}

	if err := config.Save(&cfg, configPath); err != nil {
		return err
	}

	fmt.Printf("Configuration file created at: %s\n", configPath)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Edit the configuration file to customize your setup")
	fmt.Println("  2. Start the server with: cubby start")
	fmt.Printf("  3. Or specify custom config: cubby start --config %s\n", configPath)
	fmt.Println("\nSecurity note:")
	fmt.Println("  A random JWT secret has been generated for development use.")
	fmt.Println("  For production, keep the secret out of the file and use an environment variable:")
	fmt.Println("    export CUBBY_AUTH_JWT_SECRET=$(openssl rand -hex 32)")

	return nil
}

// promptAdmin collects the bootstrap admin account interactively. The
// password is stored as a bcrypt hash; the plaintext never touches disk.
func promptAdmin(cfg *config.Config) error {
	username, err := prompt.Input("Admin username", cfg.Admin.Username)
	if err != nil {
		return err
	}
	cfg.Admin.Username = username

	email, err := prompt.Input("Admin email", username+"@localhost")
	if err != nil {
		return err
	}
	cfg.Admin.Email = email

	password, err := prompt.NewPassword()
	if err != nil {
		return err
	}

	admin := models.User{}
	if err := admin.SetPassword(password); err != nil {
		return err
	}
	cfg.Admin.PasswordHash = admin.PasswordHash
	return nil
}

// randomHex returns n bytes of entropy hex-encoded.
func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
