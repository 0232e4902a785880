// Package localwallet derives BIP-84 Native SegWit keys from a BIP-39
// mnemonic and signs pledge transactions with them, in the same derivation
// style the dependency stack uses for its own BTC addresses.
package localwallet

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/tyler-smith/go-bip39"

	"github.com/lighthouse-contracts/pledgeengine/internal/config"
	"github.com/lighthouse-contracts/pledgeengine/internal/models"
)

const (
	bip84Purpose    = 84
	btcCoinType     = 0
	btcTestCoinType = 1
)

// Wallet derives pledge-signing keys from a seed and signs pledge inputs
// with the sighash discipline a pledge requires: every input is signed
// SigHashAll|SigHashAnyOneCanPay, so the project's target outputs are
// locked in at signing time while further inputs may still be appended by
// other pledgers later.
//
// It is also this module's test/demo implementation of PledgingWallet: it
// has no blockchain sync of its own (spec.md §1 excludes that), so whoever
// drives it calls the Notify* methods to
// report a signed pledge, a revocation, or an incoming payment, and Backend
// observes the same event on the matching channel.
type Wallet struct {
	master *hdkeychain.ExtendedKey
	net    *chaincfg.Params

	pledgeCreated chan *models.Pledge
	pledgeRevoked chan PledgeRevocation
	coinsReceived chan *wire.MsgTx
}

// NewFromMnemonic derives a wallet's master key from a BIP-39 mnemonic and
// optional passphrase.
func NewFromMnemonic(mnemonic, passphrase string, net *chaincfg.Params) (*Wallet, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("%w: invalid mnemonic", config.ErrBadFormat)
	}
	seed := bip39.NewSeed(mnemonic, passphrase)

	master, err := hdkeychain.NewMaster(seed, net)
	if err != nil {
		return nil, fmt.Errorf("derive master key: %w", err)
	}
	return &Wallet{
		master:        master,
		net:           net,
		pledgeCreated: make(chan *models.Pledge, config.WalletEventBufferSize),
		pledgeRevoked: make(chan PledgeRevocation, config.WalletEventBufferSize),
		coinsReceived: make(chan *wire.MsgTx, config.WalletEventBufferSize),
	}, nil
}

// deriveChild derives the BIP-84 key at m/84'/coin'/0'/0/index.
func (w *Wallet) deriveChild(index uint32) (*hdkeychain.ExtendedKey, error) {
	coinType := uint32(btcCoinType)
	if w.net == &chaincfg.TestNet3Params || w.net == &chaincfg.RegressionNetParams {
		coinType = btcTestCoinType
	}

	purpose, err := w.master.Derive(hdkeychain.HardenedKeyStart + bip84Purpose)
	if err != nil {
		return nil, fmt.Errorf("derive purpose key: %w", err)
	}
	coin, err := purpose.Derive(hdkeychain.HardenedKeyStart + coinType)
	if err != nil {
		return nil, fmt.Errorf("derive coin key: %w", err)
	}
	account, err := coin.Derive(hdkeychain.HardenedKeyStart + 0)
	if err != nil {
		return nil, fmt.Errorf("derive account key: %w", err)
	}
	change, err := account.Derive(0)
	if err != nil {
		return nil, fmt.Errorf("derive change key: %w", err)
	}
	child, err := change.Derive(index)
	if err != nil {
		return nil, fmt.Errorf("derive child key at index %d: %w", index, err)
	}
	return child, nil
}

// Address returns the bech32 P2WPKH address at the given index.
func (w *Wallet) Address(index uint32) (btcutil.Address, error) {
	child, err := w.deriveChild(index)
	if err != nil {
		return nil, err
	}
	pubKey, err := child.ECPubKey()
	if err != nil {
		return nil, fmt.Errorf("get public key at index %d: %w", index, err)
	}
	witnessProg := btcutil.Hash160(pubKey.SerializeCompressed())
	return btcutil.NewAddressWitnessPubKeyHash(witnessProg, w.net)
}

// PrivateKey returns the signing key at the given index.
func (w *Wallet) PrivateKey(index uint32) (*btcec.PrivateKey, error) {
	child, err := w.deriveChild(index)
	if err != nil {
		return nil, err
	}
	return child.ECPrivKey()
}

// SignInput signs input i of tx, spending a P2WPKH output of the given
// value owned by the key at keyIndex, using the pledge sighash discipline.
func (w *Wallet) SignInput(tx *wire.MsgTx, i int, keyIndex uint32, value int64, pkScript []byte) error {
	priv, err := w.PrivateKey(keyIndex)
	if err != nil {
		return err
	}

	fetcher := txscript.NewCannedPrevOutputFetcher(pkScript, value)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)

	witness, err := txscript.WitnessSignature(
		tx, sigHashes, i, value, pkScript,
		txscript.SigHashAll|txscript.SigHashAnyOneCanPay, priv, true,
	)
	if err != nil {
		return fmt.Errorf("sign input %d: %w", i, err)
	}
	tx.TxIn[i].Witness = witness
	return nil
}

// PledgeCreated implements PledgingWallet.
func (w *Wallet) PledgeCreated() <-chan *models.Pledge { return w.pledgeCreated }

// PledgeRevoked implements PledgingWallet.
func (w *Wallet) PledgeRevoked() <-chan PledgeRevocation { return w.pledgeRevoked }

// CoinsReceived implements PledgingWallet.
func (w *Wallet) CoinsReceived() <-chan *wire.MsgTx { return w.coinsReceived }

// NotifyPledgeCreated reports a pledge this wallet just signed to whoever is
// draining PledgeCreated (normally a Backend).
func (w *Wallet) NotifyPledgeCreated(p *models.Pledge) { w.pledgeCreated <- p }

// NotifyPledgeRevoked reports that this wallet no longer backs a pledge it
// previously offered.
func (w *Wallet) NotifyPledgeRevoked(r PledgeRevocation) { w.pledgeRevoked <- r }

// NotifyCoinsReceived reports an incoming transaction paying a wallet-owned
// address, for ClaimWatcher to check against known project targets.
func (w *Wallet) NotifyCoinsReceived(tx *wire.MsgTx) { w.coinsReceived <- tx }

// NetParams returns the chain parameters for network ("mainnet", "testnet",
// "regtest"), the same three values config.Config.Network accepts.
func NetParams(network string) *chaincfg.Params {
	switch network {
	case "mainnet":
		return &chaincfg.MainNetParams
	case "regtest":
		return &chaincfg.RegressionNetParams
	default:
		return &chaincfg.TestNet3Params
	}
}
