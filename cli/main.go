package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/warden/pkg/auth"
	"github.com/haasonsaas/warden/pkg/client"
	"github.com/haasonsaas/warden/pkg/config"
	"github.com/haasonsaas/warden/pkg/logging"
)

var Version = "dev"

// globals holds the persistent flags shared by every subcommand.
type globals struct {
	configPath string
	socket     string
	baseURL    string
	keyPath    string
	deviceID   string
	logLevel   string
	timeout    time.Duration

	cfg *config.Config
	log zerolog.Logger
}

func main() {
	if err := newRootCmd(&globals{}).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(g *globals) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "warden",
		Short:         "Warden - signed privileged commands for this host",
		Long:          "Sign and submit commands, manage sessions and install policy on a local warden daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return g.load(cmd)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&g.configPath, "config", "c", config.DefaultPath, "Daemon config file, used for socket and device defaults")
	flags.StringVarP(&g.socket, "socket", "s", "", "Daemon socket or named pipe")
	flags.StringVar(&g.baseURL, "url", "", "Daemon HTTP URL instead of the socket")
	flags.StringVarP(&g.keyPath, "key", "k", defaultKeyPath(), "Signing identity file")
	flags.StringVarP(&g.deviceID, "device", "d", "", "Target device id")
	flags.StringVar(&g.logLevel, "log-level", "warn", "Log level")
	flags.DurationVar(&g.timeout, "timeout", 3*time.Minute, "Request timeout")
	_ = flags.MarkHidden("url")

	rootCmd.AddCommand(
		keygenCmd(g),
		execCmd(g),
		sessionCmd(g),
		policyCmd(g),
		statusCmd(g),
		versionCmd(),
	)
	return rootCmd
}

func defaultKeyPath() string {
	if v := os.Getenv("WARDEN_KEY"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "warden-key.json"
	}
	return home + string(os.PathSeparator) + ".warden" + string(os.PathSeparator) + "key.json"
}

func (g *globals) load(cmd *cobra.Command) error {
	g.log = logging.New(cmd.ErrOrStderr(), logging.Config{Level: g.logLevel})

	cfg, err := config.Load(g.configPath)
	if err != nil {
		return err
	}
	g.cfg = cfg
	if g.socket == "" {
		g.socket = cfg.Listen.Socket
	}
	if g.deviceID == "" {
		g.deviceID = cfg.DeviceID
	}
	return nil
}

func (g *globals) client() *client.Client {
	return client.New(client.Options{
		Address:         g.socket,
		BaseURL:         g.baseURL,
		Timeout:         g.timeout,
		RequestLifetime: time.Minute,
		Logger:          g.log,
	})
}

func (g *globals) identity() (*auth.Identity, error) {
	id, err := auth.LoadIdentity(g.keyPath)
	if err != nil {
		return nil, fmt.Errorf("load signing key %s: %w", g.keyPath, err)
	}
	return id, nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "warden version %s\n", Version)
		},
	}
}
