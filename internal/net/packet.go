package net

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"netsim/server/internal/entity"
)

// BunchKind tags a bunch on the wire.
type BunchKind uint8

const (
	BunchControl BunchKind = iota + 1
	BunchOpen
	BunchUpdate
	BunchClose
	BunchAck
)

func (k BunchKind) String() string {
	switch k {
	case BunchControl:
		return "control"
	case BunchOpen:
		return "open"
	case BunchUpdate:
		return "update"
	case BunchClose:
		return "close"
	case BunchAck:
		return "ack"
	default:
		return fmt.Sprintf("bunch(%d)", uint8(k))
	}
}

const (
	// BunchHeaderSize is kind, handle, entity index, entity generation and
	// payload length.
	BunchHeaderSize = 1 + 4 + 4 + 4 + 2
	MaxBunchPayload = math.MaxUint16
)

// Control messages carried by BunchControl.
const (
	ControlHello   = "HELLO"
	ControlWelcome = "WELCOME"
	ControlLevel   = "LEVEL"
)

// Bunch is one message inside a packet. A packet is bunches back to back.
type Bunch struct {
	Kind    BunchKind
	Handle  uint32
	Entity  entity.ID
	Payload []byte
}

// Size is the encoded size of b.
func (b Bunch) Size() int {
	return BunchHeaderSize + len(b.Payload)
}

// ControlBunch builds a control bunch carrying text.
func ControlBunch(text string) Bunch {
	return Bunch{Kind: BunchControl, Payload: []byte(text)}
}

// LevelBunch announces that the sender finished loading level.
func LevelBunch(level string) Bunch {
	return ControlBunch(ControlLevel + " " + level)
}

// AppendBunch encodes b onto dst, big-endian.
func AppendBunch(dst []byte, b Bunch) ([]byte, error) {
	if len(b.Payload) > MaxBunchPayload {
		return dst, fmt.Errorf("%w: %d bytes", ErrBunchTooLarge, len(b.Payload))
	}
	switch b.Kind {
	case BunchControl, BunchOpen, BunchUpdate, BunchClose, BunchAck:
	default:
		return dst, fmt.Errorf("%w: %d", ErrUnknownBunch, b.Kind)
	}
	dst = append(dst, byte(b.Kind))
	dst = binary.BigEndian.AppendUint32(dst, b.Handle)
	dst = binary.BigEndian.AppendUint32(dst, b.Entity.Index)
	dst = binary.BigEndian.AppendUint32(dst, b.Entity.Generation)
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(b.Payload)))
	return append(dst, b.Payload...), nil
}

// ParsePacket decodes every bunch in data. Payloads alias data.
func ParsePacket(data []byte) ([]Bunch, error) {
	var bunches []Bunch
	for offset := 0; offset < len(data); {
		if len(data)-offset < BunchHeaderSize {
			return bunches, fmt.Errorf("%w: header at offset %d", ErrTruncatedPacket, offset)
		}
		header := data[offset : offset+BunchHeaderSize]
		b := Bunch{
			Kind:   BunchKind(header[0]),
			Handle: binary.BigEndian.Uint32(header[1:5]),
			Entity: entity.ID{
				Index:      binary.BigEndian.Uint32(header[5:9]),
				Generation: binary.BigEndian.Uint32(header[9:13]),
			},
		}
		if b.Kind < BunchControl || b.Kind > BunchAck {
			return bunches, fmt.Errorf("%w: %d at offset %d", ErrUnknownBunch, header[0], offset)
		}
		size := int(binary.BigEndian.Uint16(header[13:15]))
		offset += BunchHeaderSize
		if len(data)-offset < size {
			return bunches, fmt.Errorf("%w: payload of %d bytes at offset %d", ErrTruncatedPacket, size, offset)
		}
		b.Payload = data[offset : offset+size : offset+size]
		offset += size
		bunches = append(bunches, b)
	}
	return bunches, nil
}

// parseControl splits control text into verb and argument.
func parseControl(payload []byte) (string, string) {
	text := strings.TrimSpace(string(payload))
	verb, arg, _ := strings.Cut(text, " ")
	return verb, strings.TrimSpace(arg)
}
