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

// Package main contains the entry point for hatago - it uses internal
// packages to provide the following CLI commands:
// - hatago init
// - hatago serve
// - hatago discover
// - hatago keys
package main

import (
	"context"
	"fmt"
	"os"

	urfavecli "github.com/urfave/cli/v3"

	"github.com/hatago-dev/hatago/internal/cli"
)

// version is set by build flags during release.
var version = "dev"

func main() {
	app := &urfavecli.Command{
		Name:                  "hatago",
		Description:           "MCP gateway: one endpoint, many upstream servers, a unified tool namespace.",
		Usage:                 "hatago serve",
		Version:               version,
		EnableShellCompletion: true,
		Commands: []*urfavecli.Command{
			cli.InitCommand,
			cli.ServeCommand,
			cli.DiscoverCommand,
			cli.KeysCommand,
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
