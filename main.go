package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	logging "github.com/ipfs/go-log/v2"

	"github.com/MateGozner/SNIF-sub000/internal/app"
	"github.com/MateGozner/SNIF-sub000/internal/config"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
	logLevel = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("snif-realtime v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	if err := logging.SetLogLevel("*", *logLevel); err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid log level %q\n", *logLevel)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Error: run command requires a data directory")
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}

	runClient(args[0])
}

func runClient(dirArg string) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid data directory: %v\n", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(absDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "Create data directory: %v\n", err)
		os.Exit(1)
	}

	cfgPath := filepath.Join(absDir, "snif.json")
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if created {
		fmt.Printf("Created default config at %s. Set identity.user_id and restart.\n", cfgPath)
		return
	}
	if cfg.Identity.UserID == "" {
		fmt.Fprintf(os.Stderr, "identity.user_id is not set in %s\n", cfgPath)
		os.Exit(1)
	}

	printBanner(absDir, cfgPath, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nShutting down gracefully...")
		cancel()
	}()

	if err := app.Run(ctx, app.Options{
		DataDir: absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Client failed: %v\n", err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println("snif-realtime - realtime chat, presence and call client")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  snif-realtime <directory>     Run the client from the given data directory")
	fmt.Println()
	fmt.Println("The directory holds snif.json (created on first run) and the local")
	fmt.Println("message archive.")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h          Show this help message")
	fmt.Println("  -version    Show version information")
	fmt.Println("  -log-level  Log level: debug, info, warn, error (default info)")
}

func printBanner(dataDir, cfgPath string, cfg config.Config) {
	fmt.Printf("Data Directory: %s\n", dataDir)
	fmt.Printf("Config File:    %s\n", cfgPath)
	fmt.Printf("User:           %s\n", cfg.Identity.UserID)
	fmt.Printf("Server:         %s\n", cfg.Server.BaseURL)
	fmt.Println()
	fmt.Println("Starting client... (Press Ctrl+C to stop)")
	fmt.Println()
}
