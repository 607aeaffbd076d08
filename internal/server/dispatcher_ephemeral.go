package server

import (
	"context"
	"net"

	"github.com/yeozhishen/tftpd/internal/transfer"
)

// dispatchEphemeral implements RFC-canonical mode: every incoming datagram
// at the well-known port is treated as a new request, answered from a
// freshly bound ephemeral socket that the resulting transfer owns
// exclusively for the rest of its life.
func (s *Server) dispatchEphemeral(ctx context.Context, peer *net.UDPAddr, data []byte) {
	hostIP := s.listener.LocalAddr().(*net.UDPAddr).IP
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: hostIP, Port: 0})
	if err != nil {
		s.logger.Error().Err(err).Stringer("peer", peer).Msg("failed to allocate ephemeral socket, dropping datagram")
		return
	}

	logger := s.logger.With().Str("mode", "ephemeral").Logger()
	engine := transfer.New(peer, &udpSender{conn: conn}, s.provider, s.engineConfig(true), logger)

	childCtx, cancel := context.WithCancel(ctx)
	in := make(chan transfer.Datagram, 8)
	go readEphemeralSocket(childCtx, conn, in)

	go func() {
		defer cancel()
		defer conn.Close()
		engine.Run(childCtx, transfer.Datagram{Peer: peer, Data: data}, in)
	}()
}

// readEphemeralSocket feeds every datagram arriving on conn into out until
// ctx is cancelled (which closes conn, unblocking ReadFromUDP with an
// error) or a read error occurs.
func readEphemeralSocket(ctx context.Context, conn *net.UDPConn, out chan<- transfer.Datagram) {
	defer close(out)
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case out <- transfer.Datagram{Peer: addr, Data: data}:
		case <-ctx.Done():
			return
		}
	}
}
