// Package disk persists projects and pledges to a local directory and
// watches that directory for external changes (a pledge dropped in by
// another application, a project definition edited by hand), the same way
// the dependency stack's directory watcher reacts to filesystem events
// rather than polling.
package disk

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"net/url"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"

	"github.com/lighthouse-contracts/pledgeengine/internal/config"
	"github.com/lighthouse-contracts/pledgeengine/internal/models"
)

// Pledge files are named <sha256(serialized main tx)>.pledge and contain:
// a uint32 little-endian count of dependency transactions, the main
// transaction, then each dependency transaction, all in wire.MsgTx
// serialization.

// EncodePledge serializes a pledge to its on-disk representation.
func EncodePledge(p *models.Pledge) ([]byte, error) {
	var buf bytes.Buffer

	if err := binary.Write(&buf, binary.LittleEndian, uint32(len(p.Dependencies))); err != nil {
		return nil, err
	}
	if err := p.Main.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("%w: serialize main tx: %v", config.ErrIOError, err)
	}
	for _, dep := range p.Dependencies {
		if err := dep.Serialize(&buf); err != nil {
			return nil, fmt.Errorf("%w: serialize dependency tx: %v", config.ErrIOError, err)
		}
	}
	return buf.Bytes(), nil
}

// DecodePledge parses a pledge from its on-disk representation, assigning
// projectID (not itself stored in the pledge file; the caller knows it from
// the containing directory or an index).
func DecodePledge(projectID [32]byte, raw []byte) (*models.Pledge, error) {
	r := bytes.NewReader(raw)

	var depCount uint32
	if err := binary.Read(r, binary.LittleEndian, &depCount); err != nil {
		return nil, fmt.Errorf("%w: read dependency count: %v", config.ErrBadFormat, err)
	}

	main := wire.NewMsgTx(wire.TxVersion)
	if err := main.Deserialize(r); err != nil {
		return nil, fmt.Errorf("%w: deserialize main tx: %v", config.ErrBadFormat, err)
	}

	deps := make([]*wire.MsgTx, 0, depCount)
	for i := uint32(0); i < depCount; i++ {
		dep := wire.NewMsgTx(wire.TxVersion)
		if err := dep.Deserialize(r); err != nil {
			return nil, fmt.Errorf("%w: deserialize dependency tx %d: %v", config.ErrBadFormat, i, err)
		}
		deps = append(deps, dep)
	}

	return &models.Pledge{ProjectID: projectID, Main: main, Dependencies: deps}, nil
}

// PledgeFileName returns the canonical on-disk name for a pledge, matching
// its hash-based identity.
func PledgeFileName(p *models.Pledge) string {
	h := p.Hash()
	return fmt.Sprintf("%x%s", h, config.PledgeFileSuffix)
}

// Project files encode: a uint32 little-endian title length + title bytes,
// an optional payment URL (length-prefixed the same way, empty if none),
// then a uint32 little-endian output count followed by each output's int64
// little-endian value and length-prefixed pkScript.

// EncodeProject serializes a project to its on-disk representation.
func EncodeProject(p *models.Project) ([]byte, error) {
	var buf bytes.Buffer

	if err := writeLenPrefixed(&buf, []byte(p.Title)); err != nil {
		return nil, err
	}

	paymentURL := ""
	if p.PaymentURL != nil {
		paymentURL = p.PaymentURL.String()
	}
	if err := writeLenPrefixed(&buf, []byte(paymentURL)); err != nil {
		return nil, err
	}

	if err := binary.Write(&buf, binary.LittleEndian, uint32(len(p.Outputs))); err != nil {
		return nil, err
	}
	for _, o := range p.Outputs {
		if err := binary.Write(&buf, binary.LittleEndian, int64(o.Value)); err != nil {
			return nil, err
		}
		if err := writeLenPrefixed(&buf, o.PkScript); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

// DecodeProject parses a project from its on-disk representation.
func DecodeProject(raw []byte) (*models.Project, error) {
	r := bytes.NewReader(raw)

	title, err := readLenPrefixed(r)
	if err != nil {
		return nil, fmt.Errorf("%w: read title: %v", config.ErrBadFormat, err)
	}

	paymentURLRaw, err := readLenPrefixed(r)
	if err != nil {
		return nil, fmt.Errorf("%w: read payment url: %v", config.ErrBadFormat, err)
	}

	var paymentURL *url.URL
	if len(paymentURLRaw) > 0 {
		paymentURL, err = url.Parse(string(paymentURLRaw))
		if err != nil {
			return nil, fmt.Errorf("%w: parse payment url: %v", config.ErrBadFormat, err)
		}
	}

	var outCount uint32
	if err := binary.Read(r, binary.LittleEndian, &outCount); err != nil {
		return nil, fmt.Errorf("%w: read output count: %v", config.ErrBadFormat, err)
	}

	outputs := make([]models.TargetOutput, 0, outCount)
	for i := uint32(0); i < outCount; i++ {
		var value int64
		if err := binary.Read(r, binary.LittleEndian, &value); err != nil {
			return nil, fmt.Errorf("%w: read output value %d: %v", config.ErrBadFormat, i, err)
		}
		script, err := readLenPrefixed(r)
		if err != nil {
			return nil, fmt.Errorf("%w: read output script %d: %v", config.ErrBadFormat, i, err)
		}
		outputs = append(outputs, models.TargetOutput{PkScript: script, Value: btcutil.Amount(value)})
	}

	p := &models.Project{
		Title:      string(title),
		PaymentURL: paymentURL,
		Outputs:    outputs,
	}
	p.ID = ProjectIDFromEncoded(raw)
	return p, nil
}

// ProjectIDFromEncoded derives a project's identity from its encoded bytes,
// the same sha256-of-serialized-form convention used for pledges.
func ProjectIDFromEncoded(raw []byte) [32]byte {
	return sha256.Sum256(raw)
}

// ProjectFileName returns the canonical on-disk name for a project.
func ProjectFileName(id [32]byte) string {
	return fmt.Sprintf("%x%s", id, config.ProjectFileSuffix)
}

func writeLenPrefixed(w io.Writer, b []byte) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readLenPrefixed(r io.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
