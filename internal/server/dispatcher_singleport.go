package server

import (
	"context"
	"net"

	"github.com/yeozhishen/tftpd/internal/transfer"
)

// dispatchSinglePort implements the NAT-friendly alternative to ephemeral
// TIDs: all transfers share the listening socket, multiplexed by a client
// table keyed on the peer's address. New peers get a fresh transfer
// goroutine; known peers get routed into their existing one.
func (s *Server) dispatchSinglePort(ctx context.Context, peer *net.UDPAddr, data []byte) {
	key := peer.String()

	if entry, ok := s.clients.get(key); ok {
		select {
		case entry.in <- (transfer.Datagram{Peer: peer, Data: data}):
		default:
			s.logger.Warn().Stringer("peer", peer).Msg("client channel full, dropping datagram")
		}
		return
	}

	logger := s.logger.With().Str("mode", "single_port").Logger()
	engine := transfer.New(peer, &udpSender{conn: s.listener}, s.provider, s.engineConfig(false), logger)

	childCtx, cancel := context.WithCancel(ctx)
	in := make(chan transfer.Datagram, 8)
	entry := &clientEntry{in: in, cancel: cancel}
	s.clients.put(key, entry)

	go func() {
		defer cancel()
		engine.Run(childCtx, transfer.Datagram{Peer: peer, Data: data}, in)
		s.clients.remove(key)
	}()
}
