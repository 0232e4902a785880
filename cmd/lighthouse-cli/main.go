// Command lighthouse-cli is a local companion to lighthousebackendd for
// client-mode operators: it writes project and pledge files directly into a
// data directory the daemon is (or will be) watching, and drives the
// BIP-84 test/demo wallet in internal/localwallet to derive funding
// addresses and sign pledges. It talks to no running daemon and no network
// — every command either touches the filesystem or a deterministic key
// derivation, the same split lighthousebackendd itself draws between disk
// state and everything else (spec.md §1).
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli"
)

var version = "dev"

func main() {
	app := cli.NewApp()
	app.Name = "lighthouse-cli"
	app.Usage = "local pledge-engine data directory and wallet tool"
	app.Version = version
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "data-dir",
			Value: "./data",
			Usage: "pledge-engine data directory (same LIGHTHOUSE_DATA_DIR the daemon watches)",
		},
	}
	app.Commands = []cli.Command{
		saveProjectCommand,
		addProjectFileCommand,
		newAddressCommand,
		signPledgeCommand,
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("lighthouse-cli error", "error", err)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
