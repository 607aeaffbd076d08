// Package tftpclient is a minimal read-only TFTP client built on this
// module's wire codec and error-wrapping conventions. It backs the
// `tftpd get` debug command; it is not a general-purpose TFTP client (no
// write support, no option negotiation).
package tftpclient

import (
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/yeozhishen/tftpd/internal/wire"
)

// Read performs a full RRQ transfer against server for filename and
// returns the reassembled file content. It follows RFC 1350's ephemeral
// TID handshake: the first reply may come from a different server port
// than the request was sent to, and every subsequent packet must come from
// that same address.
func Read(server, filename string, blockSize int, timeout time.Duration) ([]byte, error) {
	raddr, err := net.ResolveUDPAddr("udp", server)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving server address %q", server)
	}

	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, errors.Wrap(err, "opening client socket")
	}
	defer conn.Close()

	reqRaw, err := wire.Encode(&wire.RequestPacket{Opcode: wire.OpRRQ, Filename: filename, Mode: wire.ModeOctet})
	if err != nil {
		return nil, err
	}
	if _, err := conn.WriteToUDP(reqRaw, raddr); err != nil {
		return nil, errors.Wrap(err, "sending RRQ")
	}

	var out []byte
	var peer *net.UDPAddr
	buf := make([]byte, blockSize+4)
	for {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, err
		}
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			return nil, errors.Wrap(err, "waiting for server reply")
		}
		if peer == nil {
			peer = from
		} else if !from.IP.Equal(peer.IP) || from.Port != peer.Port {
			continue
		}

		pkt, err := wire.Decode(buf[:n])
		if err != nil {
			return nil, errors.Wrap(err, "decoding server reply")
		}

		switch p := pkt.(type) {
		case *wire.ErrorPacket:
			return nil, errors.Errorf("server returned error %d: %s", p.Code, p.Message)
		case *wire.DataPacket:
			out = append(out, p.Payload...)
			ackRaw, err := wire.Encode(&wire.AckPacket{Block: p.Block})
			if err != nil {
				return nil, err
			}
			if _, err := conn.WriteToUDP(ackRaw, from); err != nil {
				return nil, errors.Wrap(err, "sending ACK")
			}
			if len(p.Payload) < blockSize {
				return out, nil
			}
		default:
			return nil, errors.Errorf("unexpected packet type %T from server", pkt)
		}
	}
}
