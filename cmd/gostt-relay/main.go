package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"

	"github.com/chaz8081/gostt-relay/internal/config"
)

const usageText = `usage: gostt-relay [-config path] <command> [flags] [args]

commands:
  transcribe [-model M] [-language L] [-prompt P] FILE
  translate  [-model M] [-target L] [-prompt P] FILE
  live       [-model M] [-language L]     stream the microphone; Ctrl+C stops
  serve      [-addr host:port]            run the HTTP API
  models                                  list backends and availability
  download   [-force] MODEL               fetch and load a local model
  usage                                   show recorded usage
  key set    PROVIDER                     store an API key read from stdin
  token      [-subject S] [-ttl D]        mint a bearer token for the HTTP API
  init                                    write the default config file
`

func main() {
	configPath := flag.String("config", "", "path to config file (default: ~/.config/gostt-relay/config.yaml)")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usageText) }
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}
	cmd, args := args[0], args[1:]

	if cmd == "init" {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("init: %v", err)
		}
		if path == "" {
			fmt.Println("Config already exists at", config.DefaultConfigPath())
			return
		}
		fmt.Println("Wrote default config to", path)
		return
	}

	cfg, path, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	logLevel.Set(cfg.SlogLevel())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &logLevel})))
	configFile = path

	commands := map[string]func(*config.Config, []string) error{
		"transcribe": runTranscribe,
		"translate":  runTranslate,
		"live":       runLive,
		"serve":      runServe,
		"models":     runModels,
		"download":   runDownload,
		"usage":      runUsage,
		"key":        runKey,
		"token":      runToken,
	}
	run, ok := commands[cmd]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		flag.Usage()
		os.Exit(2)
	}
	if err := run(cfg, args); err != nil {
		log.Fatalf("%s: %v", cmd, err)
	}
}

var (
	// logLevel is shared by the default slog handler so serve can change it
	// on config reload.
	logLevel slog.LevelVar
	// configFile is the file the config was read from, "" for defaults.
	configFile string
)

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults. It also returns the
// file actually read, or "" when the defaults were used.
func loadConfig(path string) (*config.Config, string, error) {
	if path != "" {
		cfg, err := config.Load(path)
		return cfg, path, err
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, "", fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, defaultPath, nil
	}

	log.Println("No config file found, using defaults")
	return config.Default(), "", nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config, extra ...string) {
	fmt.Println("=== gostt-relay ===")
	fmt.Printf("  Model:    %s\n", cfg.DefaultModel)
	fmt.Printf("  Language: %s\n", cfg.Language)
	fmt.Printf("  Audio:    %dHz, %dch\n", cfg.Audio.SampleRate, cfg.Audio.Channels)
	fmt.Printf("  Tier:     %s\n", cfg.Billing.Tier)
	fmt.Printf("  Log:      %s\n", cfg.LogLevel)
	for _, line := range extra {
		fmt.Printf("  %s\n", line)
	}
	fmt.Println(strings.Repeat("=", 19))
}
