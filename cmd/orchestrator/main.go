// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command orchestrator starts the AleutianRecall HTTP server.
//
// This is the main entry point for the containerized recall service.
// It reads configuration from environment variables and starts the server.
//
// # Environment Variables
//
//   - ORCHESTRATOR_PORT: HTTP server port (default: 12210)
//   - LLM_BACKEND_TYPE: LLM provider - openai, ollama (default: ollama)
//   - RECALL_DATA_DIR: root for the store, archives, and snapshots (default: ./data)
//   - RECALL_LOG_DIR: directory for the daily JSON log file (optional)
//   - RECALL_TUNABLES_PATH: runtime tunables YAML, hot-reloaded (optional)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OpenTelemetry collector (default: aleutian-otel-collector:4317)
//
// # Usage
//
//	# Build
//	go build -o orchestrator ./cmd/orchestrator
//
//	# Run
//	./orchestrator
//
//	# Or via container
//	podman-compose up orchestrator
package main

import (
	"log"
	"log/slog"
	"os"
	"strconv"

	"github.com/AleutianAI/AleutianRecall/pkg/logging"
	"github.com/AleutianAI/AleutianRecall/services/orchestrator"
)

func main() {
	// JSON on stderr for the container runtime, plus a daily file when
	// RECALL_LOG_DIR is set.
	logger := logging.New(logging.Config{
		Level:   logging.LevelInfo,
		LogDir:  os.Getenv("RECALL_LOG_DIR"),
		Service: "orchestrator",
		JSON:    true,
	})
	defer func() { _ = logger.Close() }()
	slog.SetDefault(logger.Slog())

	// Build configuration from environment variables
	cfg := orchestrator.Config{
		Port:         getEnvInt("ORCHESTRATOR_PORT", 12210),
		LLMBackend:   getEnvString("LLM_BACKEND_TYPE", "ollama"),
		DataDir:      getEnvString("RECALL_DATA_DIR", "./data"),
		TunablesPath: os.Getenv("RECALL_TUNABLES_PATH"),
		OTelEndpoint: getEnvString("OTEL_EXPORTER_OTLP_ENDPOINT", "aleutian-otel-collector:4317"),
	}

	slog.Info("Starting recall service",
		"port", cfg.Port,
		"llm_backend", cfg.LLMBackend,
		"data_dir", cfg.DataDir,
	)

	// Create the service with default (no-op) extension options
	// Enterprise builds will pass custom ServiceOptions here
	svc, err := orchestrator.New(cfg, nil)
	if err != nil {
		log.Fatalf("Failed to create service: %v", err)
	}

	// Run the server (blocks until shutdown)
	if err := svc.Run(); err != nil {
		log.Fatalf("Service error: %v", err)
	}
}

// getEnvString returns the environment variable value or a default.
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns the environment variable as int or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
