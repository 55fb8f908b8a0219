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
	"github.com/hatago-dev/hatago/internal/discovery"
	"github.com/hatago-dev/hatago/internal/logging"
)

// DiscoverCommand finds MCP servers configured for other clients and
// optionally imports them as upstreams.
var DiscoverCommand = &cli.Command{
	Name:  "discover",
	Usage: "hatago discover [--root <dir>]... [--merge --config <path>]",
	Description: `Scan known client configuration locations (Claude Desktop, Claude
Code, VS Code, Cursor, Continue) for MCP servers and list them.

With --merge, append the discovered servers to the gateway config as
upstreams. Servers whose id already exists in the config are skipped.

Examples:
  hatago discover
  hatago discover --root ~/projects/myapp
  hatago discover --merge --config ./hatago.json
`,
	Action: handleDiscoverCommand,
	Flags: []cli.Flag{
		&cli.StringSliceFlag{
			Name:  "root",
			Usage: "Directory to scan; repeatable. Defaults to common client locations",
		},
		&cli.BoolFlag{
			Name:  "merge",
			Usage: "Append discovered servers to the config file",
		},
		&cli.StringFlag{
			Name:  "config",
			Usage: "Config file to merge into",
			Value: "hatago.json",
		},
	},
}

func handleDiscoverCommand(_ context.Context, cmd *cli.Command) error {
	logging.Initialize(logging.OptionsFromEnv())

	roots := cmd.StringSlice("root")
	if len(roots) == 0 {
		roots = discovery.DefaultRoots()
	}

	candidates := discovery.NewScanner(logging.Default()).Scan(roots)
	if len(candidates) == 0 {
		fmt.Println("No MCP servers found.")
		return nil
	}

	for _, c := range candidates {
		target := c.Upstream.URL
		if target == "" {
			target = c.Upstream.Command
		}
		fmt.Printf("%-24s %-16s %s\n    from %s\n", c.Name, c.Source, target, c.SourcePath)
	}

	if !cmd.Bool("merge") {
		fmt.Fprintf(os.Stderr, "\nRun with --merge to add these servers to your config.\n")
		return nil
	}

	path := cmd.String("config")
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	added := discovery.Merge(cfg, candidates)
	if len(added) == 0 {
		fmt.Fprintf(os.Stderr, "\nNothing to add; all discovered servers already configured.\n")
		return nil
	}
	if err := config.Save(path, cfg); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "\nAdded %d upstream(s) to %s.\n", len(added), path)
	return nil
}
