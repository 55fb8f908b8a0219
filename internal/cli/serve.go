// Copyright 2026 Hatago Contributors
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

// Package cli defines the hatago commands.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/hatago-dev/hatago/internal/config"
	"github.com/hatago-dev/hatago/internal/gateway"
	"github.com/hatago-dev/hatago/internal/logging"
)

// ServeCommand runs the gateway.
var ServeCommand = &cli.Command{
	Name:  "serve",
	Usage: "hatago serve --config <path> [--stdio]",
	Description: `Start the MCP gateway.

The gateway connects to every configured upstream server, builds the
unified tool namespace and serves the MCP endpoint over HTTP (POST/GET
/mcp) or, with --stdio, over the process streams.

Examples:
  hatago serve --config ./hatago.json
  hatago serve --config ./hatago.yaml --stdio
`,
	Action: handleServeCommand,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "config",
			Usage: "Path to config file (JSON or YAML)",
			Value: "hatago.json",
		},
		&cli.BoolFlag{
			Name:  "stdio",
			Usage: "Serve over stdin/stdout instead of HTTP",
		},
		&cli.StringFlag{
			Name:  "traffic-log",
			Usage: "Append JSONL request/response records to this file",
		},
	},
}

// handleServeCommand loads the config, wires the gateway and blocks until
// a signal or transport EOF.
func handleServeCommand(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cmd.Bool("stdio") {
		cfg.Transport = config.TransportStdio
	}

	logging.Initialize(logging.OptionsFromEnv())
	logger := logging.Default()

	var traffic *logging.TrafficLog
	if path := cmd.String("traffic-log"); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open traffic log: %w", err)
		}
		defer func() { _ = f.Close() }()
		traffic = logging.NewTrafficLog(f)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		sig := <-sigCh
		logger.Log(logging.LevelInfo, "received signal, shutting down", map[string]any{
			"signal": sig.String(),
		})
		cancel()
	}()

	g := gateway.New(cfg, logger, traffic)
	if err := g.Run(runCtx); err != nil {
		return fmt.Errorf("gateway failed: %w", err)
	}
	return nil
}
