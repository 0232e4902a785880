package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/urfave/cli"

	"github.com/lighthouse-contracts/pledgeengine/internal/disk"
	"github.com/lighthouse-contracts/pledgeengine/internal/engine"
	"github.com/lighthouse-contracts/pledgeengine/internal/localwallet"
	"github.com/lighthouse-contracts/pledgeengine/internal/models"
)

var walletFlags = []cli.Flag{
	cli.StringFlag{Name: "mnemonic", Usage: "BIP-39 mnemonic (test/demo wallet only — never use a mainnet-funded seed here)"},
	cli.StringFlag{Name: "passphrase", Usage: "optional BIP-39 passphrase"},
	cli.StringFlag{Name: "network", Value: "testnet", Usage: "mainnet, testnet, or regtest"},
	cli.UintFlag{Name: "key-index", Value: 0, Usage: "BIP-84 address index"},
}

func openWallet(c *cli.Context) (*localwallet.Wallet, error) {
	mnemonic := c.String("mnemonic")
	if mnemonic == "" {
		return nil, fmt.Errorf("--mnemonic is required")
	}
	return localwallet.NewFromMnemonic(mnemonic, c.String("passphrase"), localwallet.NetParams(c.String("network")))
}

var newAddressCommand = cli.Command{
	Name:      "new-address",
	Usage:     "derive a BIP-84 receive address from the test/demo wallet, for funding a pledge input",
	ArgsUsage: " ",
	Flags:     walletFlags,
	Action: func(c *cli.Context) error {
		w, err := openWallet(c)
		if err != nil {
			return err
		}
		addr, err := w.Address(uint32(c.Uint("key-index")))
		if err != nil {
			return fmt.Errorf("derive address: %w", err)
		}
		fmt.Println(addr.EncodeAddress())
		return nil
	},
}

var signPledgeCommand = cli.Command{
	Name:      "sign-pledge",
	Usage:     "sign a pledge spending a funded UTXO to a saved project's target outputs, and drop it into the data directory",
	ArgsUsage: " ",
	Flags: append(append([]cli.Flag{}, walletFlags...),
		cli.StringFlag{Name: "project-id", Usage: "hex-encoded project ID"},
		cli.StringFlag{Name: "utxo", Usage: "the funding outpoint as txid:vout"},
		cli.Int64Flag{Name: "value", Usage: "value of the funding outpoint, in satoshis"},
	),
	Action: func(c *cli.Context) error {
		w, err := openWallet(c)
		if err != nil {
			return err
		}
		projectID, err := parseHash32(c.String("project-id"))
		if err != nil {
			return fmt.Errorf("parse project-id: %w", err)
		}
		op, err := parseOutpoint(c.String("utxo"))
		if err != nil {
			return fmt.Errorf("parse utxo: %w", err)
		}
		value := c.Int64("value")
		keyIndex := uint32(c.Uint("key-index"))

		dataDir := c.GlobalString("data-dir")
		project, err := loadProject(dataDir, projectID)
		if err != nil {
			return fmt.Errorf("load project: %w", err)
		}

		addr, err := w.Address(keyIndex)
		if err != nil {
			return fmt.Errorf("derive signing address: %w", err)
		}
		pkScript, err := txscript.PayToAddrScript(addr)
		if err != nil {
			return fmt.Errorf("build funding pkscript: %w", err)
		}

		main := wire.NewMsgTx(wire.TxVersion)
		main.AddTxIn(&wire.TxIn{PreviousOutPoint: op})
		for _, out := range project.Outputs {
			main.AddTxOut(&wire.TxOut{Value: int64(out.Value), PkScript: out.PkScript})
		}

		if err := w.SignInput(main, 0, keyIndex, value, pkScript); err != nil {
			return fmt.Errorf("sign pledge input: %w", err)
		}

		pledge := &models.Pledge{ProjectID: projectID, Main: main}

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

		fmt.Printf("signed and wrote pledge %s for project %x\n", name, projectID)
		return nil
	},
}

func parseOutpoint(s string) (wire.OutPoint, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return wire.OutPoint{}, fmt.Errorf("want txid:vout, got %q", s)
	}
	hash, err := chainhash.NewHashFromStr(parts[0])
	if err != nil {
		return wire.OutPoint{}, fmt.Errorf("parse txid: %w", err)
	}
	vout, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return wire.OutPoint{}, fmt.Errorf("parse vout: %w", err)
	}
	return wire.OutPoint{Hash: *hash, Index: uint32(vout)}, nil
}
