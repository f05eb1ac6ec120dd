package pion

import (
	"bytes"
	"compress/zlib"
	"encoding/base64"
	"encoding/json"
	"io"

	"github.com/pion/webrtc/v4"
)

// The negotiation blob is a zlib-compressed, base64-wrapped session
// description. Compression matters: a fully gathered SDP with candidates
// easily exceeds signaling message limits otherwise.

func encodeBlob(desc *webrtc.SessionDescription) (json.RawMessage, error) {
	b, err := json.Marshal(desc)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err = zw.Write(b); err != nil {
		return nil, err
	}
	if err = zw.Close(); err != nil {
		return nil, err
	}
	return json.Marshal(base64.StdEncoding.EncodeToString(buf.Bytes()))
}

func decodeBlob(blob json.RawMessage) (*webrtc.SessionDescription, error) {
	var s string
	if err := json.Unmarshal(blob, &s); err != nil {
		return nil, err
	}
	zipped, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	zr, err := zlib.NewReader(bytes.NewReader(zipped))
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = zr.Close()
	}()
	b, err := io.ReadAll(zr)
	if err != nil {
		return nil, err
	}
	var desc webrtc.SessionDescription
	if err = json.Unmarshal(b, &desc); err != nil {
		return nil, err
	}
	return &desc, nil
}
