package serverclient

import "bytes"

// newByteReader wraps raw bytes for wire.MsgTx.Deserialize, which wants an
// io.Reader.
func newByteReader(b []byte) *bytes.Reader {
	return bytes.NewReader(b)
}
