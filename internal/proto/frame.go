package proto

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Stream framing: 4-byte big-endian length followed by a JSON payload that
// carries a top-level "type" field.
const (
	MaxFrameSize     = 1 << 20
	SoftMaxFrameSize = 64 << 10
	TypeSniffBytes   = 512
)

const (
	WireTypeHello = "hello"
	WireTypeFrame = "sc_frame"
)

var (
	ErrEmptyFrame    = errors.New("empty payload")
	ErrFrameTooLarge = errors.New("payload too large")
	ErrFrameSize     = errors.New("invalid frame size")
)

// MaxSizeForType bounds payload sizes per wire type. Unknown types get the soft cap.
func MaxSizeForType(t string) int {
	switch t {
	case WireTypeHello:
		return 8 << 10
	case WireTypeFrame:
		return MaxFrameSize
	default:
		return SoftMaxFrameSize
	}
}

func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyFrame
	}
	if len(payload) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out[:4], uint32(len(payload)))
	copy(out[4:], payload)
	return out, nil
}

func WriteFrame(w io.Writer, payload []byte) error {
	frame, err := EncodeFrame(payload)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

func ReadFrame(r io.Reader) ([]byte, error) {
	return ReadFrameWithTypeCap(r, 0, nil)
}

// ReadFrameWithTypeCap reads one frame. Frames above softMax must declare their
// type within the first TypeSniffBytes so the per-type cap can be enforced
// before the rest is buffered.
func ReadFrameWithTypeCap(r io.Reader, softMax int, typeCap func(string) int) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := int(binary.BigEndian.Uint32(lenBuf[:]))
	if n == 0 || n > MaxFrameSize {
		return nil, ErrFrameSize
	}
	payload := make([]byte, n)
	if softMax <= 0 || n <= softMax || typeCap == nil {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
		return payload, nil
	}
	head := min(n, TypeSniffBytes)
	if _, err := io.ReadFull(r, payload[:head]); err != nil {
		return nil, err
	}
	msgType, ok := sniffType(payload[:head])
	if !ok {
		return nil, fmt.Errorf("message too large for type sniff")
	}
	if limit := typeCap(msgType); limit > 0 && n > limit {
		return nil, fmt.Errorf("%w for type %s", ErrFrameTooLarge, msgType)
	}
	if _, err := io.ReadFull(r, payload[head:]); err != nil {
		return nil, err
	}
	return payload, nil
}

// sniffType pulls the "type" value out of a possibly truncated JSON object.
func sniffType(prefix []byte) (string, bool) {
	var hdr struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(prefix, &hdr); err == nil && hdr.Type != "" {
		return hdr.Type, true
	}
	idx := bytes.Index(prefix, []byte(`"type"`))
	if idx == -1 {
		return "", false
	}
	rest := bytes.TrimLeft(prefix[idx+len(`"type"`):], " \t\r\n")
	if len(rest) == 0 || rest[0] != ':' {
		return "", false
	}
	rest = bytes.TrimLeft(rest[1:], " \t\r\n")
	if len(rest) == 0 || rest[0] != '"' {
		return "", false
	}
	end := bytes.IndexByte(rest[1:], '"')
	if end == -1 {
		return "", false
	}
	return string(rest[1 : 1+end]), true
}
