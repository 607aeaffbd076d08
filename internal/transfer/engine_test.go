package transfer

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yeozhishen/tftpd/internal/fileprovider"
	"github.com/yeozhishen/tftpd/internal/wire"
)

type sentPacket struct {
	peer net.Addr
	data []byte
}

type fakeSender struct {
	sent []sentPacket
}

func (f *fakeSender) SendTo(peer net.Addr, data []byte) error {
	f.sent = append(f.sent, sentPacket{peer: peer, data: data})
	return nil
}

func (f *fakeSender) last() sentPacket {
	return f.sent[len(f.sent)-1]
}

func newTestEngine(t *testing.T, filename string, content []byte, cfg Config) (*Engine, *fakeSender, net.Addr) {
	dir := t.TempDir()
	if content != nil {
		require.NoError(t, os.WriteFile(filepath.Join(dir, filename), content, 0o644))
	}
	provider, err := fileprovider.New(dir)
	require.NoError(t, err)

	sender := &fakeSender{}
	peer := &net.UDPAddr{IP: net.ParseIP("10.0.0.5"), Port: 4000}
	if cfg.BlockSize == 0 {
		cfg.BlockSize = 512
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Second
	}
	e := New(peer, sender, provider, cfg, zerolog.Nop())
	return e, sender, peer
}

func rrqDatagram(peer net.Addr, filename, mode string) Datagram {
	raw, _ := wire.Encode(&wire.RequestPacket{Opcode: wire.OpRRQ, Filename: filename, Mode: mode})
	return Datagram{Peer: peer, Data: raw}
}

func ackDatagram(peer net.Addr, block uint16) Datagram {
	raw, _ := wire.Encode(&wire.AckPacket{Block: block})
	return Datagram{Peer: peer, Data: raw}
}

// Scenario 1: small file, a single short block that is its own terminator
// (its length is less than the block size, so no trailing empty block is
// needed — see the DATA-packet-count invariant in SPEC_FULL.md's testable
// properties).
func TestSmallFileSingleShortBlockIsTerminal(t *testing.T) {
	e, sender, peer := newTestEngine(t, "hello.txt", []byte("HELLO\n"), Config{BlockSize: 512, MaxRetries: 3})
	e.HandleInitial(context.Background(), peer, rrqDatagram(peer, "hello.txt", "octet").Data)

	require.Len(t, sender.sent, 1)
	data1 := decodeData(t, sender.last().data)
	assert.Equal(t, uint16(1), data1.Block)
	assert.Equal(t, "HELLO\n", string(data1.Payload))
	assert.Equal(t, PhaseKill, e.Phase())

	e.HandleDatagram(ackDatagram(peer, 1))
	assert.Equal(t, PhaseClosed, e.Phase())
	assert.Len(t, sender.sent, 1)
}

// Scenario 2: exact-multiple file, three DATA packets total.
func TestExactMultipleFileThreeDataPackets(t *testing.T) {
	content := make([]byte, 1024)
	for i := range content {
		content[i] = byte(i % 256)
	}
	e, sender, peer := newTestEngine(t, "big.bin", content, Config{BlockSize: 512, MaxRetries: 3})
	e.HandleInitial(context.Background(), peer, rrqDatagram(peer, "big.bin", "octet").Data)
	require.Len(t, sender.sent, 1)
	assert.Len(t, decodeData(t, sender.last().data).Payload, 512)

	e.HandleDatagram(ackDatagram(peer, 1))
	require.Len(t, sender.sent, 2)
	assert.Len(t, decodeData(t, sender.last().data).Payload, 512)
	assert.Equal(t, PhaseRRQActive, e.Phase())

	e.HandleDatagram(ackDatagram(peer, 2))
	require.Len(t, sender.sent, 3)
	final := decodeData(t, sender.last().data)
	assert.Equal(t, uint16(3), final.Block)
	assert.Empty(t, final.Payload)
	assert.Equal(t, PhaseKill, e.Phase())

	e.HandleDatagram(ackDatagram(peer, 3))
	assert.Equal(t, PhaseClosed, e.Phase())
}

// Scenario 3: file not found.
func TestFileNotFoundSendsErrorAndCloses(t *testing.T) {
	e, sender, peer := newTestEngine(t, "placeholder.txt", []byte("x"), Config{BlockSize: 512, MaxRetries: 3})
	e.HandleInitial(context.Background(), peer, rrqDatagram(peer, "missing.txt", "octet").Data)

	require.Len(t, sender.sent, 1)
	errPkt := decodeError(t, sender.last().data)
	assert.Equal(t, wire.ErrNotFound, errPkt.Code)
	assert.Contains(t, errPkt.Message, "missing.txt")
	assert.Equal(t, PhaseClosed, e.Phase())
}

// Scenario 4: write requests are rejected.
func TestWriteRequestRejected(t *testing.T) {
	e, sender, peer := newTestEngine(t, "placeholder.txt", []byte("x"), Config{BlockSize: 512, MaxRetries: 3})
	raw, _ := wire.Encode(&wire.RequestPacket{Opcode: wire.OpWRQ, Filename: "anything", Mode: "octet"})
	e.HandleInitial(context.Background(), peer, raw)

	require.Len(t, sender.sent, 1)
	errPkt := decodeError(t, sender.last().data)
	assert.Equal(t, wire.ErrIllegalOperation, errPkt.Code)
	assert.Equal(t, "Write requests are not supported yet", errPkt.Message)
	assert.Equal(t, PhaseClosed, e.Phase())
}

// Scenario 5 (partial, HandleTimeout directly): retry then success, retry
// counter resets to zero on a valid ack.
func TestTimeoutRetransmitsThenSuccessResetsRetries(t *testing.T) {
	content := make([]byte, 1024)
	e, sender, peer := newTestEngine(t, "big.bin", content, Config{BlockSize: 512, MaxRetries: 3})
	e.HandleInitial(context.Background(), peer, rrqDatagram(peer, "big.bin", "octet").Data)
	require.Len(t, sender.sent, 1)
	firstSend := sender.last().data

	e.HandleTimeout()
	require.Len(t, sender.sent, 2)
	assert.Equal(t, firstSend, sender.last().data)
	assert.Equal(t, 1, e.retries)

	e.HandleDatagram(ackDatagram(peer, 1))
	assert.Equal(t, 0, e.retries)
}

func TestRetryBudgetExhaustedClosesSilently(t *testing.T) {
	e, sender, peer := newTestEngine(t, "hello.txt", []byte("HELLO\n"), Config{BlockSize: 512, MaxRetries: 2})
	e.HandleInitial(context.Background(), peer, rrqDatagram(peer, "hello.txt", "octet").Data)
	sentBefore := len(sender.sent)

	e.HandleTimeout() // retry 1
	e.HandleTimeout() // retry 2
	assert.Equal(t, PhaseKill, e.Phase())
	e.HandleTimeout() // retries exceeded: close silently, no extra packet
	assert.Equal(t, PhaseClosed, e.Phase())
	assert.Equal(t, sentBefore+2, len(sender.sent))
}

// Scenario 6: a rogue peer mid-transfer gets UNKNOWN_TID, and the real
// transfer's state is unaffected.
func TestRoguePeerGetsUnknownTIDRealTransferUnaffected(t *testing.T) {
	e, sender, peer := newTestEngine(t, "hello.txt", []byte("HELLO\n"), Config{BlockSize: 512, MaxRetries: 3, CheckPeerTID: true})
	e.HandleInitial(context.Background(), peer, rrqDatagram(peer, "hello.txt", "octet").Data)
	require.Len(t, sender.sent, 1)

	rogue := &net.UDPAddr{IP: net.ParseIP("10.0.0.99"), Port: 9999}
	e.HandleDatagram(Datagram{Peer: rogue, Data: ackDatagram(peer, 1).Data})

	require.Len(t, sender.sent, 2)
	errPkt := decodeError(t, sender.last().data)
	assert.Equal(t, wire.ErrUnknownTID, errPkt.Code)
	assert.Equal(t, rogue, sender.last().peer)
	assert.Equal(t, PhaseKill, e.Phase())
	assert.Equal(t, uint64(1), e.seq)
}

func TestDuplicateAndStaleAckAreNoOps(t *testing.T) {
	content := make([]byte, 1024)
	e, sender, peer := newTestEngine(t, "big.bin", content, Config{BlockSize: 512, MaxRetries: 3})
	e.HandleInitial(context.Background(), peer, rrqDatagram(peer, "big.bin", "octet").Data)
	e.HandleDatagram(ackDatagram(peer, 1)) // advance to block 2
	require.Equal(t, uint64(2), e.seq)
	sentBefore := len(sender.sent)

	e.HandleDatagram(ackDatagram(peer, 1)) // stale ack (current-1)
	assert.Equal(t, sentBefore, len(sender.sent))
	assert.Equal(t, uint64(2), e.seq)

	e.HandleDatagram(ackDatagram(peer, 2)) // the actually-expected ack advances normally
	assert.Equal(t, uint64(3), e.seq)
}

func TestMalformedDatagramClosesSilently(t *testing.T) {
	e, _, peer := newTestEngine(t, "hello.txt", []byte("HELLO\n"), Config{BlockSize: 512, MaxRetries: 3})
	e.HandleInitial(context.Background(), peer, rrqDatagram(peer, "hello.txt", "octet").Data)
	e.HandleDatagram(Datagram{Peer: peer, Data: []byte{0}})
	assert.Equal(t, PhaseClosed, e.Phase())
}

func TestBlockAndOverflowWraparound(t *testing.T) {
	assert.Equal(t, uint16(1), block(1))
	assert.Equal(t, uint16(65535), block(65535))
	assert.Equal(t, uint16(0), block(65536))
	assert.Equal(t, uint16(1), block(65537))

	assert.Equal(t, uint64(0), overflows(65535))
	assert.Equal(t, uint64(1), overflows(65536))
	assert.Equal(t, uint64(1), overflows(131071))
	assert.Equal(t, uint64(2), overflows(131072))
}

func decodeData(t *testing.T, raw []byte) *wire.DataPacket {
	pkt, err := wire.Decode(raw)
	require.NoError(t, err)
	d, ok := pkt.(*wire.DataPacket)
	require.True(t, ok, "expected DataPacket, got %T", pkt)
	return d
}

func decodeError(t *testing.T, raw []byte) *wire.ErrorPacket {
	pkt, err := wire.Decode(raw)
	require.NoError(t, err)
	d, ok := pkt.(*wire.ErrorPacket)
	require.True(t, ok, "expected ErrorPacket, got %T", pkt)
	return d
}
