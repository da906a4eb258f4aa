package main

import (
	"fmt"
	"os"

	caselink "github.com/Caselink-IM/Caselink/sdk/golang"
	"github.com/rs/zerolog"
)

// getClient creates a Caselink client from the config file, with environment
// variable overrides (CASELINK_ENDPOINT, CASELINK_TOKEN).
func getClient() *caselink.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	endpoint := cfg.Default.Endpoint
	if v := os.Getenv("CASELINK_ENDPOINT"); v != "" {
		endpoint = v
	}
	token := cfg.Default.Token
	if v := os.Getenv("CASELINK_TOKEN"); v != "" {
		token = v
	}
	if endpoint == "" {
		fmt.Fprintln(os.Stderr, "No endpoint configured. Run 'caselink init <endpoint> <token>' first.")
		os.Exit(1)
	}
	if token == "" {
		fmt.Fprintln(os.Stderr, "No token configured. Run 'caselink init <endpoint> <token>' first.")
		os.Exit(1)
	}

	opts := []caselink.Option{
		caselink.WithToken(token),
		caselink.WithLogger(newLogger()),
	}
	if cfg.Stream.ReconnectAttempts > 0 {
		opts = append(opts, caselink.WithReconnectAttempts(cfg.Stream.ReconnectAttempts))
	}
	if cfg.Stream.ResetOnDisconnect {
		opts = append(opts, caselink.WithResetOnDisconnect())
	}
	return caselink.NewClient(endpoint, opts...)
}

func newLogger() zerolog.Logger {
	level := zerolog.WarnLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
}
