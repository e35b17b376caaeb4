package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	registerServerURL string
	registerToken      string
	registerName       string
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register this machine with a coordinator using a single-use token",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := resolveConfigPath()
		if err != nil {
			return err
		}
		if registerServerURL == "" || registerToken == "" || registerName == "" {
			return fmt.Errorf("--server, --token, and --name are all required")
		}

		client := newAPIClient(registerServerURL, "")
		resp, err := client.Register(context.Background(), registerRequest{
			Token:           registerToken,
			Name:            registerName,
			Hostname:        hostname(),
			OSInfo:          osInfo(),
			Platform:        hostPlatform(),
			Capabilities:    detectCapabilities(),
			AuthorizedRoots: nil,
		})
		if err != nil {
			return fmt.Errorf("registration failed: %w", err)
		}

		cfg := &agentConfig{
			ServerURL: registerServerURL,
			AgentGUID: resp.GUID,
			APIKey:    resp.APIKey,
			AgentName: registerName,
			LogLevel:  "info",
		}
		if err := saveConfig(path, cfg); err != nil {
			return fmt.Errorf("registered but failed to save config to %s: %w", path, err)
		}

		fmt.Printf("Registered as %s (%s)\n", registerName, resp.GUID)
		fmt.Printf("Config written to %s\n", path)
		fmt.Println("Run 'shuttersense-agent start' to begin polling for jobs.")
		return nil
	},
}

func init() {
	registerCmd.Flags().StringVar(&registerServerURL, "server", "", "coordinator base URL, e.g. https://coordinator.example.com")
	registerCmd.Flags().StringVar(&registerToken, "token", "", "single-use registration token")
	registerCmd.Flags().StringVar(&registerName, "name", "", "display name for this agent")
}
