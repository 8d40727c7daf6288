package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/monsterxx03/snifrag/pkg/config"
	"github.com/monsterxx03/snifrag/pkg/doh"
	"github.com/monsterxx03/snifrag/pkg/proxy"
	"github.com/monsterxx03/snifrag/pkg/version"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "snifrag",
	Short: "snifrag - SNI-fragmenting local TCP proxy",
	Long: `Snifrag is a local HTTP-CONNECT/SOCKS5 proxy that fragments the TLS 1.3
ClientHello across multiple records and TCP segments, so that no single
observable unit on the path carries the full server name.

Features:
  • HTTP CONNECT, SOCKS5 and raw-TLS client tunnels
  • ClientHello re-framing around the server name
  • DNS-over-HTTPS resolution with a single-flight cache
  • Per-host policy overrides and bypass ranges`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the proxy server",
	Long:  "Start the fragmenting proxy server and run until interrupted",
	Run:   runServer,
}

var configPathFlag string

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Generate default configuration file",
	Long:  "Generate a default configuration file at the specified path",
	Run: func(cmd *cobra.Command, args []string) {
		if err := config.GenerateConfig(configPathFlag); err != nil {
			slog.Error("failed to generate config", "error", err)
			os.Exit(1)
		}
		slog.Info("default config generated", "path", configPathFlag)
	},
}

var (
	resolveProxyAddr string
	resolveQtype     string
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <name>",
	Short: "Resolve a name over DoH through a running proxy",
	Long:  "Perform a one-shot DNS-over-HTTPS lookup routed through a running snifrag instance",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		r := doh.NewResolver(doh.Config{ProxyAddr: resolveProxyAddr})
		ip, err := r.Resolve(context.Background(), args[0], resolveQtype)
		if err != nil {
			slog.Error("resolution failed", "name", args[0], "error", err)
			os.Exit(1)
		}
		fmt.Println(ip)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		info := version.Get()
		fmt.Printf("snifrag %s", info.Version)
		if info.Commit != "" {
			fmt.Printf(" (%s)", info.Commit)
		}
		if info.Date != "" {
			fmt.Printf(" built %s", info.Date)
		}
		fmt.Println()
	},
}

func main() {
	defaultConfig := filepath.Join(config.GetConfigDir(), "snifrag.yaml")

	serveCmd.Flags().StringVarP(&configPath, "config", "c", defaultConfig, "Configuration file path")
	serveCmd.Flags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	configCmd.Flags().StringVarP(&configPathFlag, "output", "o", defaultConfig, "Output configuration file path")

	resolveCmd.Flags().StringVar(&resolveProxyAddr, "proxy", "127.0.0.1:9933", "Address of the running proxy")
	resolveCmd.Flags().StringVar(&resolveQtype, "type", "A", "Query type (A or AAAA)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("failed to execute command", "error", err)
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command, args []string) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	server, err := proxy.NewServer(cfg)
	if err != nil {
		slog.Error("failed to build server", "error", err)
		os.Exit(1)
	}
	if err := server.Start(); err != nil {
		slog.Error("failed to start server", "error", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	slog.Info("shutting down server...")
	server.Stop()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
