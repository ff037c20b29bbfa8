package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/devpanel/pkg/client"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

// GlobalFlags holds the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
	APITimeout time.Duration
	CACert     string
	Insecure   bool
	JSON       bool
}

func buildRoot() *cobra.Command {
	flags := &GlobalFlags{}
	root := &cobra.Command{
		Use:   "devpanel",
		Short: "Control panel for a local development server stack",
		Long: `devpanel starts, stops and watches the servers of a local development
stack (web servers, PHP, databases, caches) as one unit. Servers start in
ascending weight order and stop in reverse.

Examples:
  devpanel serve devpanel.toml        # run the stack and its HTTP API
  devpanel run devpanel.toml          # start everything in the foreground
  devpanel start-all                  # ask a running serve to start all
  devpanel status
  devpanel tail mariadb --lines 50
  devpanel watch`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to config file (TOML, YAML or JSON)")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", client.DefaultBaseURL, "base URL of a running devpanel serve")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 5*time.Minute, "request timeout")
	root.PersistentFlags().StringVar(&flags.CACert, "ca-cert", "", "CA certificate for an HTTPS api-url (e.g. the generated tls_ca.crt)")
	root.PersistentFlags().BoolVar(&flags.Insecure, "insecure", false, "skip TLS certificate verification")
	root.PersistentFlags().BoolVar(&flags.JSON, "json", false, "print JSON instead of tables")

	root.AddCommand(
		createServeCommand(flags),
		createRunCommand(flags),
		createStartAllCommand(flags),
		createStopAllCommand(flags),
		createStartCommand(flags),
		createStopCommand(flags),
		createStatusCommand(flags),
		createTailCommand(flags),
		createWatchCommand(flags),
		createReloadCommand(flags),
		createTemplateCommand(),
	)
	return root
}

func (f *GlobalFlags) client() *client.Client {
	cfg := client.Config{BaseURL: f.APIUrl, Timeout: f.APITimeout, Insecure: f.Insecure}
	if f.CACert != "" {
		cfg.TLS = &client.TLSClientConfig{Enabled: true, CACert: f.CACert}
	}
	return client.New(cfg)
}

// configPath prefers a positional argument over --config.
func (f *GlobalFlags) configPath(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return f.ConfigPath
}

// failedError marks a command whose operation ran but had failures; it
// exits with status 1 without usage noise.
type failedError struct{ msg string }

func (e *failedError) Error() string { return e.msg }

func exitCode(err error) int {
	if _, ok := err.(*failedError); ok {
		return 1
	}
	return 2
}
