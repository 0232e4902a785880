package main

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/wire"
	"github.com/urfave/cli"

	"github.com/lighthouse-contracts/pledgeengine/internal/config"
	"github.com/lighthouse-contracts/pledgeengine/internal/disk"
	"github.com/lighthouse-contracts/pledgeengine/internal/engine"
	"github.com/lighthouse-contracts/pledgeengine/internal/models"
)

var addProjectFileCommand = cli.Command{
	Name:      "add-project-file",
	Usage:     "drop a raw signed pledge transaction into a project's pledge directory",
	ArgsUsage: " ",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "project-id", Usage: "hex-encoded project ID (see save-project output)"},
		cli.StringFlag{Name: "tx-hex", Usage: "hex-encoded, fully-signed main pledge transaction"},
		cli.StringSliceFlag{Name: "dep-tx-hex", Usage: "hex-encoded dependency transaction, repeatable, for inputs that spend the pledge's own not-yet-propagated transactions"},
	},
	Action: func(c *cli.Context) error {
		projectID, err := parseHash32(c.String("project-id"))
		if err != nil {
			return fmt.Errorf("parse project-id: %w", err)
		}

		main, err := decodeTxHex(c.String("tx-hex"))
		if err != nil {
			return fmt.Errorf("decode tx-hex: %w", err)
		}

		var deps []*wire.MsgTx
		for _, depHex := range c.StringSlice("dep-tx-hex") {
			dep, err := decodeTxHex(depHex)
			if err != nil {
				return fmt.Errorf("decode dep-tx-hex: %w", err)
			}
			deps = append(deps, dep)
		}

		pledge := &models.Pledge{ProjectID: projectID, Main: main, Dependencies: deps}

		dataDir := c.GlobalString("data-dir")
		sched := engine.NewScheduler()
		defer sched.Stop()
		dm, err := disk.New(sched, dataDir, func(*models.Project) {}, func(*models.Pledge) {})
		if err != nil {
			return fmt.Errorf("open data directory: %w", err)
		}
		if err := dm.WatchProjectPledges(projectID); err != nil {
			return fmt.Errorf("prepare pledge directory: %w", err)
		}

		name, err := dm.AddProjectFile(projectID, pledge)
		if err != nil {
			return fmt.Errorf("write pledge file: %w", err)
		}

		fmt.Printf("wrote pledge %s for project %x\n", name, projectID)
		return nil
	},
}

func parseHash32(s string) ([32]byte, error) {
	var id [32]byte
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(raw) != len(id) {
		return id, fmt.Errorf("%w: want 32 bytes, got %d", config.ErrBadFormat, len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

func decodeTxHex(s string) (*wire.MsgTx, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return tx, nil
}
