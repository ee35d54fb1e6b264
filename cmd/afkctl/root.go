package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/afk-console/backend/internal/client"
)

var rootCmd = &cobra.Command{
	Use:          "afkctl",
	Short:        "Control bot sessions on an afk-console backend",
	Long:         `afkctl spawns, inspects and stops bot sessions through the afk-console HTTP API and follows their logs over the /ws stream.`,
	SilenceUsage: true,
}

var (
	serverURL string
	token     string
	owner     string
	noColor   bool
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&serverURL, "server", envOr("AFK_SERVER", "http://127.0.0.1:3000"), "backend base URL (env AFK_SERVER)")
	pf.StringVar(&token, "token", os.Getenv("AFK_TOKEN"), "admin token (env AFK_TOKEN)")
	pf.StringVar(&owner, "owner", os.Getenv("AFK_OWNER"), "owner identity; keeps cached account sign-ins across runs (env AFK_OWNER)")
	pf.BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.PersistentPreRun = func(*cobra.Command, []string) {
		if noColor {
			disableColor()
		}
	}
}

func newClient() (*client.HTTPClient, error) {
	return client.NewHTTPClient(serverURL, token, owner)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
