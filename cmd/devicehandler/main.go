// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// WEDO Device Handler
//
// Entry point for the device handler. It:
//  1. Loads configuration from config.yaml and the environment
//  2. Discovers the collector and device plugin directories
//  3. Activates every device on the telemetry platform
//  4. Starts one listening session per tenant mailbox
//  5. Routes every received mail to the interested devices
//  6. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wedo/devicehandler/internal/app"
	"github.com/wedo/devicehandler/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:          "devicehandler",
	Short:        "WEDO device handler",
	Long:         "Listens to tenant mailboxes and raises telemetry alerts for the devices interested in each mail.",
	RunE:         runServe,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the device handler",
	RunE:  runServe,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Discover and validate the plugin directories without connecting anywhere",
	RunE:  runCheck,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (overrides CONFIG_PATH)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(checkCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFile(configPath)
	}
	return config.Load()
}

func setupLogging(level slog.Level) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		setupLogging(slog.LevelInfo)
		slog.Error("failed to load configuration", "module", "MAIN", "error", err)
		return err
	}
	setupLogging(cfg.SlogLevel())

	slog.Info("starting WEDO device handler",
		"module", "MAIN",
		"collectors_dir", cfg.CollectorsDir,
		"devices_dir", cfg.DevicesDir,
		"transmitter", cfg.Telemetry.Transmitter,
	)

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := app.Run(ctx, cfg); err != nil {
		slog.Error("device handler failed", "module", "MAIN", "error", err)
		return err
	}
	return nil
}

func runCheck(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	setupLogging(cfg.SlogLevel())

	rep, err := app.Check(cfg)
	out := cmd.OutOrStdout()
	for _, e := range rep.Collectors {
		fmt.Fprintf(out, "collector %-20s kind=%s\n", e.Name, e.Kind)
	}
	for _, e := range rep.Devices {
		fmt.Fprintf(out, "device    %-20s kind=%s\n", e.Name, e.Kind)
	}
	return err
}
