package server

import (
	"net"

	"github.com/yeozhishen/tftpd/internal/transfer"
)

// udpSender adapts a *net.UDPConn to transfer.Sender. It is used both for
// an ephemeral mode transfer's dedicated socket and for single-port mode's
// shared listening socket.
type udpSender struct {
	conn *net.UDPConn
}

var _ transfer.Sender = (*udpSender)(nil)

func (s *udpSender) SendTo(peer net.Addr, data []byte) error {
	udpPeer, ok := peer.(*net.UDPAddr)
	if !ok {
		resolved, err := net.ResolveUDPAddr("udp", peer.String())
		if err != nil {
			return err
		}
		udpPeer = resolved
	}
	_, err := s.conn.WriteToUDP(data, udpPeer)
	return err
}
