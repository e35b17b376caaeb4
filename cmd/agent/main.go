// Command shuttersense-agent is the fleet worker: it registers against a
// coordinator, then polls for jobs and reports their results.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "shuttersense-agent",
	Short: "ShutterSense fleet agent",
	Long: `shuttersense-agent runs on user-owned hardware and executes analysis
jobs for photo collections on behalf of a ShutterSense coordinator.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to the agent config file (default: OS config dir)")
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(statusCmd)
}

func resolveConfigPath() (string, error) {
	if configPath != "" {
		return configPath, nil
	}
	return defaultConfigPath()
}

func setupLogging(level string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logrus.SetLevel(lvl)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}
