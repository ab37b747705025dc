package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/androidremote/fleethub/internal/config"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a starter config file with a fresh JWT secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			if output == "" {
				output = defaultConfigPath
			}
			force, _ := cmd.Flags().GetBool("force")
			return writeStarterConfig(cmd, output, force)
		},
	}
	cmd.Flags().StringP("output", "o", "", "output config file path (default: ./"+defaultConfigPath+")")
	cmd.Flags().Bool("force", false, "overwrite an existing config file")
	return cmd
}

func writeStarterConfig(cmd *cobra.Command, path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}

	secret, err := config.GenerateRandomSecret()
	if err != nil {
		return err
	}
	adminPassword, err := config.GenerateRandomSecret()
	if err != nil {
		return err
	}

	cfg := config.Config{}
	cfg.Server.Addr = ":8080"
	cfg.Auth.JWTSecret = secret
	cfg.Auth.InitialAdmin = &config.InitialAdmin{
		Username: "admin",
		Password: adminPassword[:16],
	}
	cfg.Storage.Driver = "sqlite"
	cfg.Storage.DSN = "fleethub.db"

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
	fmt.Fprintf(cmd.OutOrStdout(), "initial admin credentials: admin / %s\n", cfg.Auth.InitialAdmin.Password)
	return nil
}
