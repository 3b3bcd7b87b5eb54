// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command recall is the terminal client for the AleutianRecall server.
//
// It talks to the orchestrator's HTTP API: interactive chat with
// streamed progress events, session management, and the remembered-fact
// view. Configuration lives in ~/.aleutianrecall/config.yaml and is
// created by `recall init`.
package main

import (
	"errors"
	"log"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianRecall/pkg/logging"
)

// Config is the CLI configuration file shape.
type Config struct {
	// ServerURL is the orchestrator base URL, no trailing slash.
	ServerURL string `yaml:"server_url"`

	// Token is the bearer token sent with every request. Empty is fine
	// against a server running the no-op auth provider.
	Token string `yaml:"token,omitempty"`

	// Streaming selects NDJSON streaming for chat turns.
	Streaming bool `yaml:"streaming"`

	// LogDir enables file logging when set. Supports ~ expansion.
	LogDir string `yaml:"log_dir,omitempty"`
}

func defaultConfig() Config {
	return Config{
		ServerURL: "http://localhost:12210",
		Streaming: true,
	}
}

var (
	config Config
	logger *logging.Logger
)

// configPath resolves the config file location. RECALL_CONFIG overrides
// the default for scripted use.
func configPath() string {
	if p := os.Getenv("RECALL_CONFIG"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".aleutianrecall", "config.yaml")
}

// loadConfig reads the config file, falling back to defaults when it
// does not exist yet. `recall init` writes the file.
func loadConfig() (Config, error) {
	cfg := defaultConfig()

	raw, err := os.ReadFile(configPath())
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}
	if cfg.ServerURL == "" {
		cfg.ServerURL = defaultConfig().ServerURL
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}

func init() {
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			log.Fatalf("Error reading %s: %v", configPath(), err)
		}
		if url := os.Getenv("RECALL_SERVER_URL"); url != "" {
			cfg.ServerURL = url
		}
		config = cfg

		logger = logging.New(logging.Config{
			Level:   logging.LevelInfo,
			LogDir:  config.LogDir,
			Service: "recall-cli",
		})
	}
	rootCmd.PersistentPostRun = func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Close()
		}
	}
}
