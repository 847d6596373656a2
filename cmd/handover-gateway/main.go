// ABOUTME: Entry point for handover-gateway
// ABOUTME: Serves the ownership API and provides token, health and ownership CLI commands

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/handover-gateway/internal/config"
	"github.com/2389/handover-gateway/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  _                     _                          
 | |__   __ _ _ __   __| | _____   _____ _ __      
 | '_ \ / _' | '_ \ / _' |/ _ \ \ / / _ \ '__|     
 | | | | (_| | | | | (_| | (_) \ V /  __/ |        
 |_| |_|\__,_|_| |_|\__,_|\___/ \_/ \___|_|  gateway
`

func usage() {
	fmt.Println("Usage: handover-gateway <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                               Start the gateway server")
	fmt.Println("  init                                Create a new config file interactively")
	fmt.Println("  token --operator ID [--ttl 24h]     Mint an operator token")
	fmt.Println("  token --service NAME [--ttl 24h]    Mint a service token for the webhook pipeline")
	fmt.Println("  health                              Check gateway health")
	fmt.Println("  ownership KEY                       Show who owns a conversation")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "token":
		err = runToken(os.Args[2:])
	case "health":
		err = runHealth(ctx)
	case "ownership":
		err = runOwnership(ctx, os.Args[2:])
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := config.DefaultPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s (health)\n", cfg.Server.GRPCAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Hours:     ")
	if cfg.BusinessHours.Enabled {
		p, err := cfg.BusinessHours.Policy()
		if err != nil {
			return fmt.Errorf("business hours: %w", err)
		}
		cyan.Println(p.String())
	} else {
		yellow.Println("always open")
	}
	if cfg.Broker.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Broker:    exchange ")
		cyan.Println(cfg.Broker.Exchange)
	}
	fmt.Println()

	logger.Info("starting handover-gateway",
		"config", configPath,
		"grpc_addr", cfg.Server.GRPCAddr,
		"http_addr", cfg.Server.HTTPAddr,
	)

	gw, err := gateway.New(cfg, logger, gateway.WithConfigPath(configPath))
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

// tokenPath is where `token` saves the last minted token for other commands.
func tokenPath() string {
	return filepath.Join(filepath.Dir(config.DefaultPath()), "token")
}
