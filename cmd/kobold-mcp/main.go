package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"

	"github.com/ceponatia/kobold-mcp/internal/config"
	"github.com/ceponatia/kobold-mcp/internal/gateway"
	"github.com/ceponatia/kobold-mcp/internal/kobold"
	"github.com/ceponatia/kobold-mcp/internal/protocol"
)

const usage = `Usage: kobold-mcp <command> [flags]

Commands:
  serve              Start the MCP gateway (default)
  check              Check KoboldCpp backend connectivity
  config show        Print the effective configuration
  config init        Write a default configuration file
  config validate    Validate a configuration file
  version            Print version information

Flags:
  -config PATH       Configuration file path (default "config.yaml",
                     or the KOBOLD_MCP_CONFIG environment variable)
  -verbose           Force debug logging (serve)
  -quiet             Log errors only (serve)
  -url URL           Override the backend URL (check)
  -overwrite         Replace an existing file (config init)
`

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	command := "serve"
	args := os.Args[1:]
	switch {
	case len(args) > 0 && (args[0] == "-version" || args[0] == "--version"):
		command = "version"
	case len(args) > 0 && args[0] != "" && args[0][0] != '-':
		command = args[0]
		args = args[1:]
	}

	var err error
	switch command {
	case "serve":
		err = runServe(ctx, args)
	case "check":
		err = runCheck(ctx, args)
	case "config":
		err = runConfig(args)
	case "version":
		fmt.Printf("%s %s (protocol %s)\n", gateway.Name, gateway.Version, protocol.ProtocolVersion)
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n%s", command, usage)
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func configPath(fs *flag.FlagSet, args []string) (string, error) {
	defaultPath := os.Getenv("KOBOLD_MCP_CONFIG")
	if defaultPath == "" {
		defaultPath = "config.yaml"
	}
	path := fs.String("config", defaultPath, "configuration file path")
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	return *path, nil
}

func runServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	verbose := fs.Bool("verbose", false, "force debug logging")
	quiet := fs.Bool("quiet", false, "log errors only")
	path, err := configPath(fs, args)
	if err != nil {
		return err
	}

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if *verbose {
		cfg.Logging.Level = "debug"
	}
	if *quiet {
		cfg.Logging.Level = "error"
	}

	logger := setupLogger(cfg.Logging)

	// Status output goes to stderr: with the stdio transport, stdout
	// belongs to the protocol stream.
	gray := color.New(color.FgHiBlack)
	green := color.New(color.FgGreen)
	gray.Fprintf(color.Error, "%s %s\n", gateway.Name, gateway.Version)
	green.Fprint(color.Error, "  ▶ ")
	fmt.Fprintf(color.Error, "Config:    %s\n", path)
	green.Fprint(color.Error, "  ▶ ")
	fmt.Fprintf(color.Error, "Backend:   %s\n", cfg.Kobold.URL)
	green.Fprint(color.Error, "  ▶ ")
	fmt.Fprintf(color.Error, "Transport: %s\n", cfg.Server.Transport)
	if cfg.Server.Transport == config.TransportSSE {
		green.Fprint(color.Error, "  ▶ ")
		fmt.Fprintf(color.Error, "Listen:    %s\n", cfg.Server.Addr())
	}
	fmt.Fprintln(color.Error)

	logger.Info("starting kobold-mcp",
		slog.String("config", path),
		slog.String("backend", cfg.Kobold.URL),
		slog.String("transport", cfg.Server.Transport))

	return gateway.New(cfg, logger).Run(ctx)
}

func runCheck(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	url := fs.String("url", "", "override the backend URL")
	path, err := configPath(fs, args)
	if err != nil {
		return err
	}

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if *url != "" {
		cfg.Kobold.URL = *url
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	client := kobold.NewClient(cfg.Kobold, cfg.Performance.MaxConcurrentRequests, logger)
	client.Connect()
	defer client.Disconnect()

	checkCtx, cancel := context.WithTimeout(ctx, cfg.Kobold.Timeout)
	defer cancel()

	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	yellow := color.New(color.FgYellow)

	fmt.Printf("Checking KoboldCpp at %s\n", cfg.Kobold.URL)

	status := client.CheckStatus(checkCtx)
	if !status.Online {
		red.Println("  ✗ backend unreachable")
		return fmt.Errorf("KoboldCpp at %s is not responding", cfg.Kobold.URL)
	}

	green.Println("  ✓ backend online")
	if status.ModelLoaded {
		green.Println("  ✓ model loaded")
	} else {
		yellow.Println("  ! no model loaded")
	}
	if status.ModelName != "" {
		fmt.Printf("    model:          %s\n", status.ModelName)
	}
	if status.ContextLength > 0 {
		fmt.Printf("    context length: %d\n", status.ContextLength)
	}
	if status.GenerationActive {
		yellow.Println("  ! generation currently active")
	}

	return nil
}

func runConfig(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("config requires a subcommand: show, init, or validate")
	}
	sub := args[0]

	fs := flag.NewFlagSet("config "+sub, flag.ContinueOnError)
	overwrite := fs.Bool("overwrite", false, "replace an existing file")
	path, err := configPath(fs, args[1:])
	if err != nil {
		return err
	}

	switch sub {
	case "show":
		cfg, err := config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		out, err := cfg.Dump()
		if err != nil {
			return fmt.Errorf("rendering config: %w", err)
		}
		fmt.Print(string(out))
	case "init":
		if _, err := os.Stat(path); err == nil && !*overwrite {
			return fmt.Errorf("%s already exists (use -overwrite to replace)", path)
		}
		out, err := config.Default().Dump()
		if err != nil {
			return fmt.Errorf("rendering config: %w", err)
		}
		if err := os.WriteFile(path, out, 0o644); err != nil {
			return fmt.Errorf("writing config file: %w", err)
		}
		fmt.Printf("Config written to %s\n", path)
	case "validate":
		if _, err := config.Load(path); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		fmt.Printf("%s is valid\n", path)
	default:
		return fmt.Errorf("unknown config subcommand: %s", sub)
	}

	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	// Always log to stderr; stdout may carry the protocol stream.
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}
