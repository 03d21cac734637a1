package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/life-stream-dev/mqtt-session-core/internal/config"
)

// flagOrEnv returns the flag value, then the environment variable, then
// defaultValue.
func flagOrEnv(cmd *cobra.Command, flagName string, envName string, defaultValue string) string {
	if value, _ := cmd.Flags().GetString(flagName); value != "" {
		return value
	}
	if value, ok := os.LookupEnv(envName); ok {
		return value
	}
	return defaultValue
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "mqtt-broker",
		Short:         "MQTT broker with durable sessions and delayed wills",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBroker(cmd.Context(), flagOrEnv(cmd, "config", "MQTT_CONFIG", config.DefaultPath))
		},
	}
	root.PersistentFlags().String("config", "", "path of the JSON or YAML configuration file (env MQTT_CONFIG)")
	root.AddCommand(newSessionsCommand())
	return root
}

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		_, _ = os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
}
