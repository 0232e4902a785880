package main

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/urfave/cli"

	"github.com/lighthouse-contracts/pledgeengine/internal/disk"
	"github.com/lighthouse-contracts/pledgeengine/internal/engine"
	"github.com/lighthouse-contracts/pledgeengine/internal/localwallet"
	"github.com/lighthouse-contracts/pledgeengine/internal/models"
)

var saveProjectCommand = cli.Command{
	Name:      "save-project",
	Usage:     "write a new project definition into the data directory",
	ArgsUsage: " ",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "title", Usage: "project title"},
		cli.StringFlag{Name: "payment-url", Usage: "server payment URL (omit for a no-server, P2P-only project)"},
		cli.StringFlag{Name: "network", Value: "testnet", Usage: "mainnet, testnet, or regtest"},
		cli.StringSliceFlag{Name: "output", Usage: "target output as address:amount-in-satoshis, repeatable, in the order the claim transaction must carry them"},
	},
	Action: func(c *cli.Context) error {
		outputs, err := parseOutputs(c.StringSlice("output"), localwallet.NetParams(c.String("network")))
		if err != nil {
			return err
		}
		if len(outputs) == 0 {
			return fmt.Errorf("at least one --output is required")
		}

		project := &models.Project{
			Title:   c.String("title"),
			Outputs: outputs,
		}
		if raw := c.String("payment-url"); raw != "" {
			u, err := url.Parse(raw)
			if err != nil {
				return fmt.Errorf("parse payment-url: %w", err)
			}
			project.PaymentURL = u
		}

		dataDir := c.GlobalString("data-dir")
		sched := engine.NewScheduler()
		defer sched.Stop()
		dm, err := disk.New(sched, dataDir, func(*models.Project) {}, func(*models.Pledge) {})
		if err != nil {
			return fmt.Errorf("open data directory: %w", err)
		}

		raw, err := disk.EncodeProject(project)
		if err != nil {
			return fmt.Errorf("encode project: %w", err)
		}
		project.ID = disk.ProjectIDFromEncoded(raw)

		if err := dm.SaveProject(project); err != nil {
			return fmt.Errorf("save project: %w", err)
		}

		fmt.Printf("saved project %x (%s)\n", project.ID, disk.ProjectFileName(project.ID))
		return nil
	},
}

// parseOutputs parses a list of "address:amount" strings into TargetOutputs,
// preserving order: a pledge's main transaction must carry these verbatim
// and in the same order (internal/verify.checkOutputsMatchProject).
func parseOutputs(specs []string, net *chaincfg.Params) ([]models.TargetOutput, error) {
	outputs := make([]models.TargetOutput, 0, len(specs))
	for _, spec := range specs {
		parts := strings.SplitN(spec, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid --output %q, want address:amount", spec)
		}
		addr, err := btcutil.DecodeAddress(parts[0], net)
		if err != nil {
			return nil, fmt.Errorf("decode address %q: %w", parts[0], err)
		}
		amount, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse amount %q: %w", parts[1], err)
		}
		pkScript, err := txscript.PayToAddrScript(addr)
		if err != nil {
			return nil, fmt.Errorf("build output script for %q: %w", parts[0], err)
		}
		outputs = append(outputs, models.TargetOutput{PkScript: pkScript, Value: btcutil.Amount(amount)})
	}
	return outputs, nil
}
