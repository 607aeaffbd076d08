// Package transfer implements the per-client TFTP read-transfer state
// machine: compute the next block, send DATA, await the matching ACK,
// advance; retransmit on timeout; give up after the retry budget.
//
// The dispatcher (internal/server) owns *how* datagrams reach an Engine and
// *where* its packets are sent; Engine owns the state machine itself so
// ephemeral mode and single-port mode share one code path.
package transfer

import (
	"context"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/yeozhishen/tftpd/internal/fileprovider"
	"github.com/yeozhishen/tftpd/internal/wire"
)

// Phase is the transfer's position in the RRQ/WRQ lifecycle.
type Phase int

const (
	PhaseInitial Phase = iota
	PhaseRRQActive
	PhaseWRQActive
	PhaseError
	PhaseKill
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseInitial:
		return "INITIAL"
	case PhaseRRQActive:
		return "RRQ_ACTIVE"
	case PhaseWRQActive:
		return "WRQ_ACTIVE"
	case PhaseError:
		return "ERROR"
	case PhaseKill:
		return "KILL"
	case PhaseClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

const maxBlockValue = 65535

// Datagram is one inbound UDP packet together with the peer it arrived
// from.
type Datagram struct {
	Peer net.Addr
	Data []byte
}

// Sender abstracts writing an encoded packet to a peer address. Ephemeral
// mode targets a socket owned exclusively by this transfer; single-port
// mode targets the dispatcher's shared listening socket.
type Sender interface {
	SendTo(peer net.Addr, data []byte) error
}

// Config carries the knobs an Engine needs that come from the server's
// configuration rather than from the request itself.
type Config struct {
	BlockSize  int
	Timeout    time.Duration
	MaxRetries int
	// CheckPeerTID, when true, rejects datagrams whose source address does
	// not match the bound peer with ERROR(UNKNOWN_TID) instead of silently
	// accepting them. Ephemeral mode sets this; single-port mode does not
	// need it because the dispatch table key already is the peer tuple.
	CheckPeerTID bool
}

// Engine drives exactly one read transfer from RRQ through its final ACK
// or abandonment.
type Engine struct {
	peer     net.Addr
	sender   Sender
	provider *fileprovider.Provider
	cfg      Config
	logger   zerolog.Logger

	phase    Phase
	filename string
	mode     string

	fileData []byte
	fileSize int

	seq        uint64 // 1-indexed count of DATA packets sent so far
	retries    int
	lastWire   []byte   // last packet bytes sent, for retransmission
	lastTarget net.Addr // address the last packet was sent to

	// done is closed once the engine has nothing left to do; Done exposes
	// it to observers.
	done chan struct{}
}

// New constructs an Engine bound to peer, ready to have its first datagram
// handed to it via HandleInitial.
func New(peer net.Addr, sender Sender, provider *fileprovider.Provider, cfg Config, logger zerolog.Logger) *Engine {
	return &Engine{
		peer:     peer,
		sender:   sender,
		provider: provider,
		cfg:      cfg,
		logger:   logger.With().Stringer("peer", peer).Logger(),
		phase:    PhaseInitial,
		done:     make(chan struct{}),
	}
}

// Phase reports the engine's current state, chiefly for tests.
func (e *Engine) Phase() Phase { return e.phase }

// Done returns a channel closed once the transfer has terminated, whether
// by success, error, or exhausted retries.
func (e *Engine) Done() <-chan struct{} { return e.done }

func (e *Engine) close() {
	if e.phase != PhaseClosed {
		wasOpen := e.phase
		e.phase = PhaseClosed
		if wasOpen != PhaseClosed {
			close(e.done)
		}
	}
}

// block and overflows derive the wire block number and overflow count from
// the monotonically increasing packet sequence, so the engine never has to
// special-case the wraparound arithmetic in more than one place.
func block(seq uint64) uint16    { return uint16(seq % (maxBlockValue + 1)) }
func overflows(seq uint64) uint64 { return seq / (maxBlockValue + 1) }

// HandleInitial processes the RRQ/WRQ that created this transfer. ctx is
// used only to abandon the file fetch if the transfer is torn down before
// the fetch completes.
func (e *Engine) HandleInitial(ctx context.Context, peer net.Addr, raw []byte) {
	pkt, err := wire.Decode(raw)
	if err != nil {
		e.logger.Error().Err(err).Msg("failed to parse initial packet")
		e.close()
		return
	}

	req, ok := pkt.(*wire.RequestPacket)
	if !ok {
		e.logger.Error().Stringer("peer", peer).Msg("unsupported opcode for initial packet")
		e.close()
		return
	}

	switch req.Opcode {
	case wire.OpRRQ:
		e.startRRQ(ctx, req)
	case wire.OpWRQ:
		e.sendError(peer, wire.ErrIllegalOperation, "Write requests are not supported yet")
		e.close()
	default:
		e.close()
	}
}

func (e *Engine) startRRQ(ctx context.Context, req *wire.RequestPacket) {
	if req.Filename == "" {
		e.sendError(e.peer, wire.ErrIllegalOperation, "Filename must be a non-empty string")
		e.close()
		return
	}
	mode := wire.NormalizeMode(req.Mode)
	if mode != wire.ModeOctet && mode != wire.ModeNetascii {
		e.sendError(e.peer, wire.ErrIllegalOperation, "Mode must be either 'octet' or 'netascii'")
		e.close()
		return
	}

	e.filename = req.Filename
	e.mode = mode
	e.phase = PhaseRRQActive

	type fetchResult struct {
		data []byte
		err  error
	}
	resultCh := make(chan fetchResult, 1)
	go func() {
		data, err := e.provider.Fetch(fileprovider.OnDisk, e.filename)
		resultCh <- fetchResult{data: data, err: err}
	}()

	select {
	case <-ctx.Done():
		// The transfer was torn down (server shutdown or client-table
		// eviction) while the fetch was still pending. Drop the result
		// silently.
		return
	case res := <-resultCh:
		if res.err != nil {
			e.logger.Error().Err(res.err).Str("filename", e.filename).Msg("file not found or unreadable")
			e.sendError(e.peer, wire.ErrNotFound, "File "+e.filename+" not found")
			e.close()
			return
		}
		e.fileData = res.data
		e.fileSize = len(res.data)
		e.logger.Info().Str("filename", e.filename).Int("size", e.fileSize).Msg("file loaded, starting transfer")
		e.sendNextBlock()
	}
}

// sendNextBlock computes, sends, and records the next DATA packet, then
// transitions to KILL if it was the final (short) block.
func (e *Engine) sendNextBlock() {
	e.seq++
	n := e.seq
	start := int(n-1) * e.cfg.BlockSize
	end := start + e.cfg.BlockSize

	var payload []byte
	if start < e.fileSize {
		stop := end
		if stop > e.fileSize {
			stop = e.fileSize
		}
		payload = e.fileData[start:stop]
	} else {
		payload = []byte{}
	}

	pkt := &wire.DataPacket{Block: block(n), Payload: payload}
	raw, err := wire.Encode(pkt)
	if err != nil {
		e.logger.Error().Err(err).Msg("failed to encode data packet")
		e.close()
		return
	}

	e.lastWire = raw
	e.lastTarget = e.peer
	e.retries = 0
	if err := e.sender.SendTo(e.peer, raw); err != nil {
		e.logger.Error().Err(err).Msg("failed to send data packet")
		e.close()
		return
	}
	e.logger.Debug().Uint64("seq", n).Uint16("block", pkt.Block).Int("bytes", len(payload)).Msg("sent data block")

	if end > e.fileSize {
		e.phase = PhaseKill
	}
}

// HandleDatagram processes a datagram arriving after the initial request:
// an ACK for the active transfer, or an out-of-band packet from a peer that
// does not own this transfer (ephemeral mode TID check).
func (e *Engine) HandleDatagram(dg Datagram) {
	if e.cfg.CheckPeerTID && !sameAddr(dg.Peer, e.peer) {
		e.logger.Error().Stringer("rogue", dg.Peer).Msg("datagram from unexpected peer address")
		e.sendError(dg.Peer, wire.ErrUnknownTID, "Unexpected client address")
		return
	}

	switch e.phase {
	case PhaseRRQActive:
		e.handleRRQContinuation(dg)
	case PhaseKill:
		pkt, err := wire.Decode(dg.Data)
		if err != nil {
			e.close()
			return
		}
		if ack, ok := pkt.(*wire.AckPacket); ok && ack.Block == block(e.seq) {
			e.logger.Debug().Msg("final block acknowledged, closing transfer")
		}
		e.close()
	case PhaseWRQActive:
		e.sendError(dg.Peer, wire.ErrIllegalOperation, "Write requests are not supported yet")
		e.close()
	default:
		e.sendError(dg.Peer, wire.ErrIllegalOperation, "Unexpected state for received data")
		e.close()
	}
}

func (e *Engine) handleRRQContinuation(dg Datagram) {
	pkt, err := wire.Decode(dg.Data)
	if err != nil {
		e.logger.Error().Err(err).Msg("failed to parse packet, closing")
		e.close()
		return
	}

	ack, ok := pkt.(*wire.AckPacket)
	if !ok {
		e.logger.Error().Stringer("opcode", opcodeOf(pkt)).Msg("unexpected opcode in RRQ_ACTIVE state")
		e.sendError(dg.Peer, wire.ErrIllegalOperation, "Unexpected state for received data")
		e.close()
		return
	}

	expected := block(e.seq)
	if ack.Block != expected {
		e.logger.Warn().Uint16("got", ack.Block).Uint16("want", expected).Msg("stale or out-of-order ack, ignoring")
		return
	}

	e.retries = 0
	e.sendNextBlock()
}

// HandleTimeout runs one retransmission of the last packet sent, or
// abandons the transfer silently once the retry budget is exhausted.
func (e *Engine) HandleTimeout() {
	if e.phase == PhaseClosed || e.phase == PhaseError {
		return
	}
	if e.retries >= e.cfg.MaxRetries {
		e.logger.Error().Msg("maximum retries reached, abandoning transfer silently")
		e.close()
		return
	}
	e.retries++
	e.logger.Warn().Int("attempt", e.retries).Msg("timeout, resending last packet")
	if e.lastWire != nil {
		if err := e.sender.SendTo(e.lastTarget, e.lastWire); err != nil {
			e.logger.Error().Err(err).Msg("retransmit failed")
			e.close()
		}
	}
}

func (e *Engine) sendError(peer net.Addr, code wire.ErrorCode, message string) {
	pkt := &wire.ErrorPacket{Code: code, Message: message}
	raw, err := wire.Encode(pkt)
	if err != nil {
		e.logger.Error().Err(err).Msg("failed to encode error packet")
		return
	}
	if err := e.sender.SendTo(peer, raw); err != nil {
		e.logger.Error().Err(err).Msg("failed to send error packet")
		return
	}
	e.logger.Error().Uint16("code", uint16(code)).Str("message", message).Msg("sent error packet")
}

func sameAddr(a, b net.Addr) bool {
	ua, ok1 := a.(*net.UDPAddr)
	ub, ok2 := b.(*net.UDPAddr)
	if ok1 && ok2 {
		return ua.IP.Equal(ub.IP) && ua.Port == ub.Port
	}
	return a.String() == b.String()
}

func opcodeOf(pkt any) wire.Opcode {
	switch pkt.(type) {
	case *wire.RequestPacket:
		return pkt.(*wire.RequestPacket).Opcode
	case *wire.DataPacket:
		return wire.OpDATA
	case *wire.AckPacket:
		return wire.OpACK
	case *wire.ErrorPacket:
		return wire.OpERROR
	default:
		return 0
	}
}
