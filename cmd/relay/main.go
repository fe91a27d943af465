package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"relay/internal/config"
	"relay/internal/credentials"
	"relay/internal/datadir"
	"relay/internal/gateway"
	"relay/internal/quota"
	"relay/internal/upstream"
	"relay/internal/usage"
	"relay/internal/version"

	"github.com/spf13/cobra"
)

// defaultClientID is the compiled-in OAuth client id fallback.
const defaultClientID = "9d1c250a127aa6b2591eb6c1b4c41ee7"

var (
	cfgFile  string
	portFlag int
	modeFlag string
	verbose  bool
)

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Relay - local Anthropic-compatible API gateway",
	Long: `Relay is a local gateway that accepts Anthropic Messages API requests
and routes them to a native Anthropic-format upstream, an OpenAI-style
chat completions upstream with full protocol transcoding, or both with
automatic quota-based failover.`,
	Version: version.Full(),
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("Relay %s\n", version.Full())
		info := version.GetBuildInfo()
		if info.GitCommit != "unknown" {
			fmt.Printf("Git commit: %s\n", info.GitCommit)
		}
		if info.BuildDate != "unknown" {
			fmt.Printf("Build date: %s\n", info.BuildDate)
		}
		fmt.Printf("Go version: %s\n", info.GoVersion)
		return nil
	},
}

var quotaCmd = &cobra.Command{
	Use:   "quota",
	Short: "Inspect or reset the native quota ledger",
}

var quotaStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the native quota state",
	RunE: func(cmd *cobra.Command, args []string) error {
		ledger, err := openLedger()
		if err != nil {
			return err
		}
		state := ledger.Status()
		data, err := json.MarshalIndent(state, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		if until := ledger.TimeUntilReset(); until != "" {
			fmt.Printf("Time until reset: %s\n", until)
		}
		return nil
	},
}

var quotaResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear the exhausted flag",
	RunE: func(cmd *cobra.Command, args []string) error {
		ledger, err := openLedger()
		if err != nil {
			return err
		}
		ledger.ResetNative()
		fmt.Println("Quota state reset")
		return nil
	},
}

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Inspect credentials",
}

var authStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the active credential and its expiry",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		store, source, err := bootstrapCredentials(cfg)
		if err != nil {
			return err
		}
		key, ok := store.Get()
		if !ok {
			fmt.Println("No credential found")
			return nil
		}
		fmt.Printf("Source: %s\n", source)
		if key.IsStatic() {
			fmt.Println("Type: static (no refresh)")
			return nil
		}
		expires := time.UnixMilli(key.ExpiresAt)
		fmt.Printf("Type: dynamic\nExpires: %s (%s)\n",
			expires.Format(time.RFC3339), time.Until(expires).Round(time.Second))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config.json", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	serveCmd.Flags().IntVarP(&portFlag, "port", "p", 0, "listen port (overrides config)")
	serveCmd.Flags().StringVarP(&modeFlag, "mode", "m", "", "routing mode: native, legacy, or hybrid")

	quotaCmd.AddCommand(quotaStatusCmd)
	quotaCmd.AddCommand(quotaResetCmd)
	authCmd.AddCommand(authStatusCmd)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(quotaCmd)
	rootCmd.AddCommand(authCmd)

	// Bare invocation starts the server.
	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return serveCmd.RunE(cmd, args)
	}
}

// resolveDataDir prepares the data directory and loads .env files.
func resolveDataDir(configured string) (*datadir.DataDir, error) {
	dd, err := datadir.New(configured)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory: %w", err)
	}
	if err := dd.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("failed to create data directories: %w", err)
	}
	if err := datadir.LoadEnv(dd.Root()); err != nil {
		log.Printf("WARNING: Failed to load .env files: %v", err)
	}
	return dd, nil
}

func openLedger() (*quota.Ledger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	dd, err := resolveDataDir(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	return quota.NewLedger(dd.DataFilePath("quota_state.json"), time.Local)
}

func bootstrapCredentials(cfg *config.Config) (*credentials.Store, credentials.Source, error) {
	credPath := cfg.OAuth.CredentialsFile
	if credPath == "" {
		dd, err := resolveDataDir(cfg.DataDir)
		if err != nil {
			return nil, credentials.SourceNone, err
		}
		credPath = dd.AuthFilePath("oauth_creds.json")
	}
	return credentials.Bootstrap(credentials.BootstrapConfig{
		FilePath:           credPath,
		GitCredentialsPath: cfg.OAuth.GitCredentialsPath,
		GitHost:            cfg.OAuth.GitHost,
		GitUser:            cfg.OAuth.GitUser,
	})
}

func runServer() error {
	// Load .env files early so ${ENV_VAR} expansion in the config works.
	if dd, err := datadir.New(""); err == nil {
		_ = datadir.LoadEnv(dd.Root())
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if portFlag != 0 {
		cfg.Port = portFlag
	}
	if modeFlag != "" {
		cfg.Mode = modeFlag
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if verbose {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	dd, err := resolveDataDir(cfg.DataDir)
	if err != nil {
		return err
	}

	store, source, err := bootstrapCredentials(cfg)
	if err != nil {
		return fmt.Errorf("failed to load credentials: %w", err)
	}
	if source == credentials.SourceNone {
		return fmt.Errorf("no credentials available for mode %q; set %s or provide %s",
			cfg.Mode, credentials.EnvToken, dd.AuthFilePath("oauth_creds.json"))
	}
	log.Printf("[Main] Credentials loaded from %s", source)
	if cfg.OAuth.RefreshBufferMS > 0 {
		store.SetBuffer(time.Duration(cfg.OAuth.RefreshBufferMS) * time.Millisecond)
	}

	ledger, err := quota.NewLedger(dd.DataFilePath("quota_state.json"), time.Local)
	if err != nil {
		return fmt.Errorf("failed to open quota ledger: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Dynamic file credentials get the background refresher and watcher;
	// static tokens are externally managed.
	if source == credentials.SourceFile {
		clientID := credentials.DiscoverClientID(cfg.OAuth.ClientID, cfg.OAuth.BinaryPath, defaultClientID)
		refresher := credentials.NewRefresher(store, credentials.RefreshConfig{
			URL:      cfg.OAuth.RefreshURL,
			ClientID: clientID,
		})
		go refresher.Run(ctx)
		defer refresher.Stop()

		watcher := credentials.NewFileWatcher(store, 0)
		go watcher.Run(ctx)
		defer watcher.Stop()
	}

	sweeper, err := quota.NewSweeper(ledger)
	if err != nil {
		return fmt.Errorf("failed to start quota sweeper: %w", err)
	}
	sweeper.Start()
	defer sweeper.Stop()

	var usageStore *usage.Store
	if us, err := usage.Open(dd.DataFilePath("usage.db")); err != nil {
		log.Printf("WARNING: Usage tracking disabled: %v", err)
	} else {
		usageStore = us
		defer usageStore.Close()
	}

	opts := gateway.Options{
		Store:  store,
		Ledger: ledger,
		Usage:  usageStore,
	}
	if cfg.Mode != config.ModeLegacy {
		opts.Native = upstream.NewNativeClient(cfg.Native.BaseURL, store, cfg.Native.ExtraHeaders)
	}
	if cfg.Mode != config.ModeNative {
		authInfoPath := cfg.Legacy.AuthInfoFile
		if authInfoPath == "" {
			authInfoPath = dd.AuthFilePath("auth_info.json")
		}
		authInfo, err := upstream.LoadAuthInfo(authInfoPath)
		if err != nil {
			log.Printf("WARNING: Failed to load auth info: %v", err)
			authInfo = &upstream.AuthInfo{}
		}
		opts.Legacy = upstream.NewLegacyClient(cfg.Legacy.Endpoint, store, authInfo)
	}

	gw, err := gateway.New(cfg, opts)
	if err != nil {
		return fmt.Errorf("failed to create gateway: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received signal: %v", sig)
		cancel()
	}()

	if err := gw.Start(ctx); err != nil {
		return fmt.Errorf("gateway failed: %w", err)
	}
	log.Println("Gateway stopped gracefully")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
