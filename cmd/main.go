package main

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jbctechsolutions/sr-antiproxy/config"
	"github.com/jbctechsolutions/sr-antiproxy/edge"
	"github.com/jbctechsolutions/sr-antiproxy/mcpserver"
	"github.com/jbctechsolutions/sr-antiproxy/telemetry"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "sr-antiproxy",
		Short: "Anti-truncation streaming proxy for OpenAI, Gemini and Claude",
		Long:  "Detects premature truncation in streamed LLM responses and transparently continues them.",
	}

	// --config is persistent so all subcommands inherit it.
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file (optional; defaults apply when absent)")

	telemetryPath := func() string {
		return filepath.Join(os.TempDir(), "sr-antiproxy-telemetry.db")
	}

	// -------------------------------------------------------------------------
	// serve — start the HTTP edge adapter
	// -------------------------------------------------------------------------
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the anti-truncation proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			port, _ := cmd.Flags().GetString("port")

			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			logger := logrus.New()

			tel, err := telemetry.NewCollector(telemetryPath())
			if err != nil {
				logger.WithError(err).Warn("telemetry disabled: could not open database")
				tel = nil
			} else {
				defer tel.Close()
			}

			var srv *edge.Server
			if tel != nil {
				srv = edge.NewServer(cfg, logger, tel)
			} else {
				srv = edge.NewServer(cfg, logger, nil)
			}

			addr := ":" + port
			logger.WithField("addr", addr).Info("listening")
			return http.ListenAndServe(addr, srv.Routes())
		},
	}
	serveCmd.Flags().String("port", "8080", "Port to listen on")

	// -------------------------------------------------------------------------
	// mcp — start MCP server (stdio transport)
	// -------------------------------------------------------------------------
	mcpCmd := &cobra.Command{
		Use:   "mcp",
		Short: "Start MCP server (stdio transport)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			// Telemetry is optional; if it fails the MCP server continues without it.
			tel, _ := telemetry.NewCollector(telemetryPath())

			srv := mcpserver.NewServer(cfg, tel)
			return srv.Start()
		},
	}

	// -------------------------------------------------------------------------
	// attempts — show recent anti-truncation attempts
	// -------------------------------------------------------------------------
	attemptsCmd := &cobra.Command{
		Use:   "attempts",
		Short: "Show recent anti-truncation attempts",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")

			tel, err := telemetry.NewCollector(telemetryPath())
			if err != nil {
				return fmt.Errorf("opening telemetry database: %w", err)
			}
			defer tel.Close()

			attempts, err := tel.RecentAttempts(limit)
			if err != nil {
				return fmt.Errorf("listing recent attempts: %w", err)
			}

			fmt.Printf("%-36s %-8s %-8s %-8s %s\n", "REQUEST ID", "DIALECT", "ATTEMPT", "FOUND", "CHARS")
			for _, a := range attempts {
				fmt.Printf("%-36s %-8s %-8d %-8v %d\n", a.RequestID, a.Dialect, a.Attempt, a.DoneMarkerFound, a.CollectedChars)
			}
			return nil
		},
	}
	attemptsCmd.Flags().Int("limit", 20, "Maximum number of attempts to show")

	// -------------------------------------------------------------------------
	// config — configuration management subcommand group
	// -------------------------------------------------------------------------
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the YAML config file and environment overrides",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("config validation failed: %w", err)
			}
			fmt.Println("Config is valid!")
			return nil
		},
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the resolved configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			fmt.Println("Upstreams:")
			fmt.Printf("  openai: %s\n", cfg.Upstreams.OpenAIBaseURL)
			fmt.Printf("  gemini: %s\n", cfg.Upstreams.GeminiBaseURL)
			fmt.Printf("  claude: %s\n", cfg.Upstreams.ClaudeBaseURL)
			fmt.Println("Anti-truncation:")
			fmt.Printf("  model_prefix:          %s\n", cfg.AntiTruncation.ModelPrefix)
			fmt.Printf("  done_marker:           %s\n", cfg.AntiTruncation.DoneMarker)
			fmt.Printf("  max_attempts:          %d\n", cfg.AntiTruncation.MaxAttempts)
			fmt.Printf("  keepalive_interval:    %.0fs\n", cfg.AntiTruncation.KeepaliveIntervalSeconds)
			fmt.Printf("  upstream_idle_timeout: %.0fs\n", cfg.AntiTruncation.UpstreamIdleTimeoutSeconds)
			fmt.Println("Trusted proxy:")
			fmt.Printf("  trust_proxy_headers: %v\n", cfg.TrustedProxy.TrustProxyHeaders)
			fmt.Printf("  trusted_cidrs:       %v\n", cfg.TrustedProxy.TrustedCIDRs)
			return nil
		},
	}

	configCmd.AddCommand(validateCmd, showCmd)

	// -------------------------------------------------------------------------
	// Wire all top-level subcommands into root.
	// -------------------------------------------------------------------------
	rootCmd.AddCommand(serveCmd, mcpCmd, attemptsCmd, configCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
