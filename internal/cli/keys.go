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
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/hatago-dev/hatago/internal/auth"
)

// KeysCommand manages the admin keys guarding the management endpoints.
var KeysCommand = &cli.Command{
	Name:  "keys",
	Usage: "hatago keys <generate|list> --file <path>",
	Commands: []*cli.Command{
		{
			Name:  "generate",
			Usage: "Generate an admin key and append its hash to the key file",
			Description: `Print a fresh admin key and store its bcrypt hash. The plaintext
is shown exactly once; only the hash is written to disk.

Point http.adminKeyFile in the gateway config at the same file to
require the key on management endpoints.`,
			Action: handleKeysGenerate,
			Flags:  []cli.Flag{keyFileFlag},
		},
		{
			Name:   "list",
			Usage:  "List stored key ids",
			Action: handleKeysList,
			Flags:  []cli.Flag{keyFileFlag},
		},
	},
}

var keyFileFlag = &cli.StringFlag{
	Name:  "file",
	Usage: "Path to the admin key file",
	Value: "hatago_keys.json",
}

func handleKeysGenerate(_ context.Context, cmd *cli.Command) error {
	path := cmd.String("file")
	plain, err := auth.GenerateKey()
	if err != nil {
		return err
	}
	entry, err := auth.NewKeyEntry(plain)
	if err != nil {
		return err
	}
	if _, err := auth.AppendKey(path, entry); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Stored hash of key %s in %s\n", entry.ID, path)
	fmt.Println(plain)
	return nil
}

func handleKeysList(_ context.Context, cmd *cli.Command) error {
	path := cmd.String("file")
	file, err := auth.ReadKeyFile(path)
	if err != nil {
		if errors.Is(err, auth.ErrKeyFileNotFound) {
			fmt.Println("No key file found.")
			return nil
		}
		return err
	}
	if len(file.Keys) == 0 {
		fmt.Println("Key file is empty.")
		return nil
	}
	for _, entry := range file.Keys {
		fmt.Printf("%s  created %s\n", entry.ID, entry.CreatedAt)
	}
	return nil
}
