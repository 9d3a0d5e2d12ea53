// Package main provides the CLI entry point for socks5d.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/relaywire/socks5d/internal/config"
	"github.com/relaywire/socks5d/internal/logging"
	"github.com/relaywire/socks5d/internal/socks5"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "socks5d",
		Short:   "socks5d - a SOCKS5 proxy server",
		Version: Version,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(hashPasswordCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the SOCKS5 proxy server",
		Long:  "Start the SOCKS5 proxy server with the specified configuration.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			log := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)

			var reg *prometheus.Registry
			var metrics *socks5.Metrics
			if cfg.Metrics.Enabled {
				reg = prometheus.NewRegistry()
				metrics = socks5.NewMetrics(reg)
			}

			authCfg := socks5.AuthConfig{
				Users:       cfg.Auth.Users,
				HashedUsers: cfg.Auth.Hashed,
				Required:    cfg.Auth.Required,
			}

			srvCfg := socks5.DefaultServerConfig()
			srvCfg.Address = cfg.Listen.Address
			srvCfg.MaxConnections = cfg.Listen.MaxConnections
			srvCfg.ChunkSize = cfg.Listen.ChunkSize
			srvCfg.ConnectTimeout = cfg.Timeouts.Connect
			srvCfg.IdleTimeout = cfg.Timeouts.Idle
			srvCfg.Authenticators = socks5.CreateAuthenticators(authCfg)
			srvCfg.Metrics = metrics
			srvCfg.Logger = log

			if cfg.WebSocket.Enabled {
				wsCfg := &socks5.WebSocketConfig{
					Address:   cfg.WebSocket.Address,
					Path:      cfg.WebSocket.Path,
					PlainText: cfg.WebSocket.PlainText,
					OnError: func(err error) {
						log.Error("websocket listener error", logging.KeyError, err.Error())
					},
				}
				if !cfg.WebSocket.PlainText {
					cert, err := tls.LoadX509KeyPair(cfg.WebSocket.TLSCert, cfg.WebSocket.TLSKey)
					if err != nil {
						return fmt.Errorf("load websocket tls cert/key: %w", err)
					}
					wsCfg.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
				}
				srvCfg.WebSocket = wsCfg
			}

			srv := socks5.NewServer(srvCfg)
			if err := srv.Start(); err != nil {
				return fmt.Errorf("start server: %w", err)
			}
			log.Info("socks5d serving", logging.KeyAddress, srv.Address().String())

			var metricsSrv *http.Server
			if cfg.Metrics.Enabled {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
				metricsSrv = &http.Server{Addr: cfg.Metrics.Address, Handler: mux}
				go func() {
					if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						log.Error("metrics server failed", logging.KeyError, err.Error())
					}
				}()
				log.Info("metrics endpoint listening", logging.KeyAddress, cfg.Metrics.Address)
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigCh
			log.Info("shutting down", "signal", sig.String())

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if metricsSrv != nil {
				_ = metricsSrv.Shutdown(ctx)
			}
			if err := srv.StopWithContext(ctx); err != nil {
				return fmt.Errorf("stop server: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (defaults if omitted)")

	return cmd
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func hashPasswordCmd() *cobra.Command {
	var cost int

	cmd := &cobra.Command{
		Use:   "hash-password [password]",
		Short: "Generate a bcrypt hash for use in auth.hashed_users",
		Long: `Generate a bcrypt password hash for the hashed_users section of a
socks5d configuration file.

If no password is given as an argument, you will be prompted to enter it
interactively (recommended, since shell history would otherwise retain it).`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var password string
			if len(args) > 0 {
				password = args[0]
			} else {
				fmt.Print("Enter password: ")
				pwBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
				fmt.Println()
				if err != nil {
					return fmt.Errorf("read password: %w", err)
				}

				fmt.Print("Confirm password: ")
				confirmBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
				fmt.Println()
				if err != nil {
					return fmt.Errorf("read confirmation: %w", err)
				}

				if string(pwBytes) != string(confirmBytes) {
					return fmt.Errorf("passwords do not match")
				}
				password = string(pwBytes)
			}

			if password == "" {
				return fmt.Errorf("password cannot be empty")
			}
			if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
				return fmt.Errorf("cost must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost)
			}

			hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
			if err != nil {
				return fmt.Errorf("generate hash: %w", err)
			}
			fmt.Println(string(hash))
			return nil
		},
	}

	cmd.Flags().IntVar(&cost, "cost", bcrypt.DefaultCost, "bcrypt cost factor (4-31)")

	return cmd
}

var bannerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))

func initCmd() *cobra.Command {
	var outPath string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Interactively generate a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(bannerStyle.Render("socks5d setup"))

			cfg := config.Default()
			var listenAddr, authMode, username, password string
			var enableWebSocket bool

			form := huh.NewForm(
				huh.NewGroup(
					huh.NewInput().
						Title("Listen address").
						Description("Where the plain SOCKS5 listener binds").
						Value(&listenAddr).
						Placeholder(cfg.Listen.Address),
					huh.NewSelect[string]().
						Title("Authentication").
						Options(
							huh.NewOption("No authentication", "none"),
							huh.NewOption("Username/password", "userpass"),
						).
						Value(&authMode),
					huh.NewConfirm().
						Title("Enable WebSocket transport?").
						Value(&enableWebSocket),
				),
				huh.NewGroup(
					huh.NewInput().Title("Username").Value(&username),
					huh.NewInput().Title("Password").EchoMode(huh.EchoModePassword).Value(&password),
				).WithHideFunc(func() bool { return authMode != "userpass" }),
			)

			if err := form.Run(); err != nil {
				return fmt.Errorf("setup form: %w", err)
			}

			if listenAddr != "" {
				cfg.Listen.Address = listenAddr
			}
			if authMode == "userpass" && username != "" {
				hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
				if err != nil {
					return fmt.Errorf("hash password: %w", err)
				}
				cfg.Auth.Required = true
				cfg.Auth.Hashed = map[string]string{username: string(hash)}
			}
			if enableWebSocket {
				cfg.WebSocket.Enabled = true
				if cfg.WebSocket.Address == "" {
					cfg.WebSocket.Address = "127.0.0.1:8443"
				}
				cfg.WebSocket.PlainText = true
			}

			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("generated config is invalid: %w", err)
			}

			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("marshal config: %w", err)
			}

			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil && filepath.Dir(outPath) != "." {
				return fmt.Errorf("create config directory: %w", err)
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config: %w", err)
			}

			fmt.Printf("Wrote configuration to %s\n", outPath)
			fmt.Printf("Run with: socks5d serve -c %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outPath, "output", "o", "./socks5d.yaml", "Path to write the generated configuration")

	return cmd
}
