// Package server implements the TFTP listener and its two dispatch modes:
// it binds the well-known UDP endpoint and, per datagram, either spawns a
// fresh ephemeral-port transfer or routes into a shared single-port
// client table.
package server

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/yeozhishen/tftpd/internal/config"
	"github.com/yeozhishen/tftpd/internal/fileprovider"
	"github.com/yeozhishen/tftpd/internal/transfer"
)

// maxDatagramSize is large enough for any TFTP datagram this server will
// ever emit or accept: the largest legal DATA packet is 4 + 65464 (a
// pathological oversized blksize would be rejected by option negotiation,
// which this server does not implement) but 65535 covers the UDP maximum.
const maxDatagramSize = 65535

// Server is the TFTP listener/dispatcher.
type Server struct {
	cfg      config.Config
	provider *fileprovider.Provider
	logger   zerolog.Logger

	listener *net.UDPConn
	clients  *clientTable // single-port mode only
}

// New constructs a Server. It does not bind a socket; call Start for that.
func New(cfg config.Config, logger zerolog.Logger) (*Server, error) {
	provider, err := fileprovider.New(cfg.FileDirectory)
	if err != nil {
		return nil, errors.Wrap(err, "constructing file provider")
	}
	s := &Server{
		cfg:      cfg,
		provider: provider,
		logger:   logger,
	}
	if cfg.SinglePort {
		s.clients = newClientTable()
	}
	return s, nil
}

// Start binds the listening socket and serves until ctx is cancelled. It
// returns once the listening socket is closed and the accept loop has
// exited. Outstanding transfer goroutines see the same cancellation through
// their derived contexts and release their own sockets and timers; Start
// does not wait for them.
func (s *Server) Start(ctx context.Context) error {
	addr := &net.UDPAddr{IP: net.ParseIP(s.cfg.Host), Port: s.cfg.Port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return errors.Wrapf(err, "binding %s:%d", s.cfg.Host, s.cfg.Port)
	}
	s.listener = conn
	s.logger.Info().Str("host", s.cfg.Host).Int("port", s.cfg.Port).Bool("single_port", s.cfg.SinglePort).Msg("tftp server listening")

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		<-gctx.Done()
		return s.listener.Close()
	})
	group.Go(func() error {
		return s.acceptLoop(gctx)
	})

	err = group.Wait()
	if err != nil && ctx.Err() != nil {
		// Shutdown-triggered close of the listening socket surfaces as a
		// "use of closed network connection" read error; that is expected
		// and not a failure worth reporting.
		return nil
	}
	return err
}

func (s *Server) acceptLoop(ctx context.Context) error {
	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := s.listener.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "reading from listening socket")
		}
		data := make([]byte, n)
		copy(data, buf[:n])

		if s.cfg.SinglePort {
			s.dispatchSinglePort(ctx, addr, data)
		} else {
			s.dispatchEphemeral(ctx, addr, data)
		}
	}
}

func (s *Server) engineConfig(checkPeerTID bool) transfer.Config {
	return transfer.Config{
		BlockSize:    s.cfg.MaxBlockSize,
		Timeout:      time.Duration(s.cfg.Timeout) * time.Second,
		MaxRetries:   s.cfg.Retries,
		CheckPeerTID: checkPeerTID,
	}
}
