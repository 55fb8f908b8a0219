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

package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/hatago-dev/hatago/internal/config"
)

// InitCommand scaffolds a starter configuration file.
var InitCommand = &cli.Command{
	Name:  "init",
	Usage: "hatago init [--config <path>]",
	Description: `Write a starter configuration file with defaults and one
commented example upstream. Refuses to overwrite an existing file.`,
	Action: handleInitCommand,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "config",
			Usage: "Where to write the config file",
			Value: "hatago.json",
		},
	},
}

func handleInitCommand(_ context.Context, cmd *cli.Command) error {
	path := cmd.String("config")
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	cfg := config.Default()
	cfg.Upstreams = []*config.UpstreamConfig{
		{
			ID:        "example",
			URL:       "http://localhost:3000/mcp",
			Namespace: "example",
		},
	}
	if err := config.Save(path, cfg); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Wrote starter config to %s\n", path)
	return nil
}
