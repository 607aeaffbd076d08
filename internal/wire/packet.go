// Package wire implements the TFTP packet codec defined by RFC 1350.
package wire

import (
	"bytes"
	"encoding/binary"
	"strings"

	"github.com/pkg/errors"
)

// Opcode identifies one of the five TFTP message kinds.
type Opcode uint16

const (
	OpRRQ   Opcode = 1
	OpWRQ   Opcode = 2
	OpDATA  Opcode = 3
	OpACK   Opcode = 4
	OpERROR Opcode = 5
)

func (o Opcode) String() string {
	switch o {
	case OpRRQ:
		return "RRQ"
	case OpWRQ:
		return "WRQ"
	case OpDATA:
		return "DATA"
	case OpACK:
		return "ACK"
	case OpERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ErrorCode is the 2-byte code carried in an ERROR packet.
type ErrorCode uint16

const (
	ErrNotFound          ErrorCode = 1
	ErrAccessViolation   ErrorCode = 2
	ErrDiskFull          ErrorCode = 3
	ErrIllegalOperation  ErrorCode = 4
	ErrUnknownTID        ErrorCode = 5
	ErrFileAlreadyExists ErrorCode = 6
	ErrNoSuchUser        ErrorCode = 7
)

// ErrMalformed is returned by Decode when the input cannot be parsed as any
// known TFTP packet shape.
var ErrMalformed = errors.New("tftp: malformed packet")

// ModeOctet and ModeNetascii are the two transfer modes this server
// recognizes on the wire. Anything else is rejected as illegal.
const (
	ModeOctet    = "octet"
	ModeNetascii = "netascii"
)

// RequestPacket is the shared shape of RRQ and WRQ.
type RequestPacket struct {
	Opcode   Opcode // OpRRQ or OpWRQ
	Filename string
	Mode     string
}

// DataPacket carries one block of file content.
type DataPacket struct {
	Block   uint16
	Payload []byte
}

// AckPacket acknowledges receipt of a data block.
type AckPacket struct {
	Block uint16
}

// ErrorPacket terminates a transfer with a reason.
type ErrorPacket struct {
	Code    ErrorCode
	Message string
}

// Encode serializes p to its wire representation. p must be one of
// *RequestPacket, *DataPacket, *AckPacket, or *ErrorPacket.
func Encode(p any) ([]byte, error) {
	var buf bytes.Buffer
	switch pkt := p.(type) {
	case *RequestPacket:
		if err := binary.Write(&buf, binary.BigEndian, pkt.Opcode); err != nil {
			return nil, err
		}
		buf.WriteString(pkt.Filename)
		buf.WriteByte(0)
		buf.WriteString(pkt.Mode)
		buf.WriteByte(0)
	case *DataPacket:
		if err := binary.Write(&buf, binary.BigEndian, OpDATA); err != nil {
			return nil, err
		}
		if err := binary.Write(&buf, binary.BigEndian, pkt.Block); err != nil {
			return nil, err
		}
		buf.Write(pkt.Payload)
	case *AckPacket:
		if err := binary.Write(&buf, binary.BigEndian, OpACK); err != nil {
			return nil, err
		}
		if err := binary.Write(&buf, binary.BigEndian, pkt.Block); err != nil {
			return nil, err
		}
	case *ErrorPacket:
		if err := binary.Write(&buf, binary.BigEndian, OpERROR); err != nil {
			return nil, err
		}
		if err := binary.Write(&buf, binary.BigEndian, pkt.Code); err != nil {
			return nil, err
		}
		buf.WriteString(pkt.Message)
		buf.WriteByte(0)
	default:
		return nil, errors.Errorf("wire: unsupported packet type %T", p)
	}
	return buf.Bytes(), nil
}

// Decode parses a raw datagram into one of the packet types. It returns
// ErrMalformed (wrapped with context) on any truncation, unknown opcode, or
// malformed field, failing closed rather than guessing at intent.
func Decode(data []byte) (any, error) {
	if len(data) < 2 {
		return nil, errors.Wrap(ErrMalformed, "datagram shorter than opcode field")
	}
	op := Opcode(binary.BigEndian.Uint16(data[0:2]))
	switch op {
	case OpRRQ, OpWRQ:
		fields := bytes.SplitN(data[2:], []byte{0}, 3)
		if len(fields) < 3 {
			return nil, errors.Wrap(ErrMalformed, "request missing filename or mode terminator")
		}
		return &RequestPacket{
			Opcode:   op,
			Filename: string(fields[0]),
			Mode:     string(fields[1]),
		}, nil
	case OpDATA:
		if len(data) < 4 {
			return nil, errors.Wrap(ErrMalformed, "data packet shorter than block field")
		}
		payload := make([]byte, len(data)-4)
		copy(payload, data[4:])
		return &DataPacket{
			Block:   binary.BigEndian.Uint16(data[2:4]),
			Payload: payload,
		}, nil
	case OpACK:
		if len(data) < 4 {
			return nil, errors.Wrap(ErrMalformed, "ack packet shorter than block field")
		}
		return &AckPacket{Block: binary.BigEndian.Uint16(data[2:4])}, nil
	case OpERROR:
		if len(data) < 5 {
			return nil, errors.Wrap(ErrMalformed, "error packet shorter than minimum length")
		}
		msg := data[4:]
		if len(msg) > 0 && msg[len(msg)-1] == 0 {
			msg = msg[:len(msg)-1]
		}
		return &ErrorPacket{
			Code:    ErrorCode(binary.BigEndian.Uint16(data[2:4])),
			Message: string(msg),
		}, nil
	default:
		return nil, errors.Wrapf(ErrMalformed, "unknown opcode %d", op)
	}
}

// NormalizeMode lowercases mode for case-insensitive comparison against
// ModeOctet/ModeNetascii, per RFC 1350's "case-insensitive mode" wording.
func NormalizeMode(mode string) string {
	return strings.ToLower(mode)
}
