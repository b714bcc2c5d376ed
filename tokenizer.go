package driverd

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// FieldWidth is the byte width of a length-prefix's length field.
type FieldWidth int

const (
	FieldWidth1 FieldWidth = 1
	FieldWidth2 FieldWidth = 2
	FieldWidth4 FieldWidth = 4
	FieldWidth8 FieldWidth = 8
)

// LengthCallable is a pure function from the accumulated buffer to the
// number of bytes the next complete message occupies, or 0 if the buffer
// doesn't yet hold a complete message.
type LengthCallable func(buf []byte) int

// TokenizerConfig selects one framing mode. Exactly one of Delimiter,
// LengthPrefix, or Callable should be set; NewTokenizer validates this.
type TokenizerConfig struct {
	// Delimiter frames messages up to and including this byte sequence.
	Delimiter []byte

	// LengthPrefix frames messages via a header offset + length field.
	LengthPrefix *LengthPrefixConfig

	// Callable frames messages via a user-supplied length function.
	Callable LengthCallable

	// MaxMessageSize is the ceiling past which a decoded/accumulated
	// message is considered an overflow: the buffer is cleared and
	// ErrTokenizerOverflow is reported. Zero means no ceiling.
	MaxMessageSize int
}

// LengthPrefixConfig configures the length-prefix framing mode.
type LengthPrefixConfig struct {
	// HeaderOffset is the number of bytes preceding the length field.
	HeaderOffset int
	// LengthFieldWidth is the byte width of the length field.
	LengthFieldWidth FieldWidth
	// Endianness selects big- or little-endian decoding of the length field.
	Endianness binary.ByteOrder
	// ContentIncludesHeader, when true, means the decoded length already
	// counts HeaderOffset+LengthFieldWidth; when false, the decoded length
	// is the payload length alone and the header is added on top.
	ContentIncludesHeader bool
}

// Tokenizer splits an append-only byte stream into discrete messages
// according to a configured framing rule. Extract is deterministic: the
// message sequence produced depends only on the framing rule and the
// concatenation of all bytes ever fed to it, never on how those bytes were
// chunked across calls.
type Tokenizer struct {
	cfg TokenizerConfig
	buf bytes.Buffer
}

// NewTokenizer builds a Tokenizer for the given framing rule.
func NewTokenizer(cfg TokenizerConfig) (*Tokenizer, error) {
	modes := 0
	if cfg.Delimiter != nil {
		modes++
	}
	if cfg.LengthPrefix != nil {
		modes++
	}
	if cfg.Callable != nil {
		modes++
	}
	if modes != 1 {
		return nil, fmt.Errorf("%w: tokenizer requires exactly one framing mode", ErrInvalidConfig)
	}
	if cfg.LengthPrefix != nil {
		lp := cfg.LengthPrefix
		switch lp.LengthFieldWidth {
		case FieldWidth1, FieldWidth2, FieldWidth4, FieldWidth8:
		default:
			return nil, fmt.Errorf("%w: unsupported length field width %d", ErrInvalidConfig, lp.LengthFieldWidth)
		}
		if lp.Endianness == nil {
			lp.Endianness = binary.BigEndian
		}
	}
	return &Tokenizer{cfg: cfg}, nil
}

// Extract appends data to the internal buffer and returns every complete
// message now available, in arrival order, retaining only the unframed
// tail. No message is ever split across two calls' return values.
func (t *Tokenizer) Extract(data []byte) ([][]byte, error) {
	t.buf.Write(data)

	var messages [][]byte
	for {
		msg, consumed, overflow := t.next()
		if overflow {
			t.buf.Reset()
			return messages, fmt.Errorf("%w", ErrTokenizerOverflow)
		}
		if consumed == 0 {
			return messages, nil
		}
		messages = append(messages, msg)
	}
}

// Clear discards the unframed tail, e.g. across a reconnect.
func (t *Tokenizer) Clear() {
	t.buf.Reset()
}

// next attempts to decode one message from the head of the buffer. It
// returns the message bytes and how many buffer bytes were consumed, or
// consumed==0 if the buffer doesn't yet hold a complete message. overflow
// is true when the configured ceiling was exceeded; the caller clears the
// buffer in that case.
func (t *Tokenizer) next() (msg []byte, consumed int, overflow bool) {
	raw := t.buf.Bytes()

	switch {
	case t.cfg.Delimiter != nil:
		idx := bytes.Index(raw, t.cfg.Delimiter)
		if idx < 0 {
			if t.cfg.MaxMessageSize > 0 && len(raw) > t.cfg.MaxMessageSize {
				return nil, 0, true
			}
			return nil, 0, false
		}
		n := idx + len(t.cfg.Delimiter)
		return t.take(n), n, false

	case t.cfg.LengthPrefix != nil:
		lp := t.cfg.LengthPrefix
		headerLen := lp.HeaderOffset + int(lp.LengthFieldWidth)
		if len(raw) < headerLen {
			return nil, 0, false
		}
		lenField := raw[lp.HeaderOffset : lp.HeaderOffset+int(lp.LengthFieldWidth)]
		decoded := decodeLength(lenField, lp.Endianness)

		total := decoded
		if !lp.ContentIncludesHeader {
			total = headerLen + decoded
		}
		if t.cfg.MaxMessageSize > 0 && total > t.cfg.MaxMessageSize {
			return nil, 0, true
		}
		if len(raw) < total {
			return nil, 0, false
		}
		return t.take(total), total, false

	case t.cfg.Callable != nil:
		n := t.cfg.Callable(raw)
		if n < 0 {
			return nil, 0, true
		}
		if n == 0 {
			if t.cfg.MaxMessageSize > 0 && len(raw) > t.cfg.MaxMessageSize {
				return nil, 0, true
			}
			return nil, 0, false
		}
		if t.cfg.MaxMessageSize > 0 && n > t.cfg.MaxMessageSize {
			return nil, 0, true
		}
		if len(raw) < n {
			return nil, 0, false
		}
		return t.take(n), n, false
	}

	return nil, 0, false
}

// take copies out the first n bytes and advances the buffer past them.
func (t *Tokenizer) take(n int) []byte {
	msg := make([]byte, n)
	copy(msg, t.buf.Bytes()[:n])
	t.buf.Next(n)
	return msg
}

func decodeLength(field []byte, order binary.ByteOrder) int {
	switch len(field) {
	case 1:
		return int(field[0])
	case 2:
		return int(order.Uint16(field))
	case 4:
		return int(order.Uint32(field))
	case 8:
		return int(order.Uint64(field))
	}
	return 0
}
