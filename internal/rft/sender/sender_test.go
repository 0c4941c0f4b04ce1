package sender

import (
	"bytes"
	"crypto/sha256"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alxayo/go-rft/internal/rft/puzzle"
	"github.com/alxayo/go-rft/internal/rft/wire"
)

var testSecret = []byte("unit-test-secret")

func startSender(t *testing.T, files map[string][]byte) *Server {
	t.Helper()
	dir := t.TempDir()
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			t.Fatalf("fixture %s: %v", name, err)
		}
	}
	s, err := New(Config{
		ListenAddr: "127.0.0.1:0",
		Dir:        dir,
		Secret:     testSecret,
		Difficulty: 4,
	})
	if err != nil {
		t.Fatalf("new sender: %v", err)
	}
	s.Start()
	t.Cleanup(s.Stop)
	return s
}

// testPeer is a scripted receiver endpoint speaking raw datagrams.
type testPeer struct {
	t    *testing.T
	conn *net.UDPConn
	to   *net.UDPAddr
}

func newPeer(t *testing.T, s *Server) *testPeer {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("peer bind: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &testPeer{t: t, conn: conn, to: net.UDPAddrFromAddrPort(s.Addr())}
}

func (p *testPeer) send(m wire.Message) {
	p.t.Helper()
	b, err := wire.Encode(m)
	if err != nil {
		p.t.Fatalf("encode: %v", err)
	}
	if _, err := p.conn.WriteToUDP(b, p.to); err != nil {
		p.t.Fatalf("send: %v", err)
	}
}

func (p *testPeer) recv(timeout time.Duration) wire.Message {
	p.t.Helper()
	buf := make([]byte, 2048)
	_ = p.conn.SetReadDeadline(time.Now().Add(timeout))
	n, _, err := p.conn.ReadFromUDP(buf)
	if err != nil {
		p.t.Fatalf("recv: %v", err)
	}
	m, err := wire.Decode(buf[:n])
	if err != nil {
		p.t.Fatalf("decode: %v", err)
	}
	return m
}

// handshake walks the puzzle exchange and returns the initial response.
func (p *testPeer) handshake(file string) wire.ServerInitialResponse {
	p.t.Helper()
	p.send(wire.FileRequest{Filename: file})

	vr, ok := p.recv(2 * time.Second).(wire.ServerValidationRequest)
	if !ok {
		p.t.Fatal("expected validation request")
	}
	sol, err := puzzle.Solve(vr.MaskedHash1, vr.Hash2, vr.Difficulty)
	if err != nil {
		p.t.Fatalf("solve: %v", err)
	}
	p.send(wire.ClientValidationResponse{
		Hash1:         sol,
		Nonce:         vr.Nonce,
		MaxThroughput: 1,
		Filename:      file,
	})
	ir, ok := p.recv(2 * time.Second).(wire.ServerInitialResponse)
	if !ok {
		p.t.Fatal("expected initial response")
	}
	return ir
}

func TestPuzzleIssuedStateless(t *testing.T) {
	s := startSender(t, map[string][]byte{"a.bin": {1}})
	p := newPeer(t, s)

	p.send(wire.FileRequest{Filename: "a.bin"})
	vr, ok := p.recv(2 * time.Second).(wire.ServerValidationRequest)
	if !ok {
		t.Fatal("expected validation request")
	}
	if vr.Difficulty != 4 || vr.Filename != "a.bin" {
		t.Fatalf("unexpected puzzle %+v", vr)
	}
	if s.ConnectionCount() != 0 {
		t.Fatal("puzzle issue must not allocate a connection")
	}
}

func TestValidationFailureRejected(t *testing.T) {
	s := startSender(t, map[string][]byte{"a.bin": {1}})
	p := newPeer(t, s)

	p.send(wire.FileRequest{Filename: "a.bin"})
	vr := p.recv(2 * time.Second).(wire.ServerValidationRequest)

	bad := vr.MaskedHash1
	bad[0] ^= 0xFF
	p.send(wire.ClientValidationResponse{Hash1: bad, Nonce: vr.Nonce, MaxThroughput: 1, Filename: "a.bin"})

	if _, ok := p.recv(2 * time.Second).(wire.ErrorValidationFailed); !ok {
		t.Fatal("expected validation failure")
	}
	if s.ConnectionCount() != 0 {
		t.Fatal("failed validation must not allocate a connection")
	}
}

func TestMissingFileYieldsError(t *testing.T) {
	s := startSender(t, map[string][]byte{"a.bin": {1}})
	p := newPeer(t, s)

	p.send(wire.FileRequest{Filename: "ghost.bin"})
	vr := p.recv(2 * time.Second).(wire.ServerValidationRequest)
	sol, err := puzzle.Solve(vr.MaskedHash1, vr.Hash2, vr.Difficulty)
	if err != nil {
		t.Fatalf("solve: %v", err)
	}
	p.send(wire.ClientValidationResponse{Hash1: sol, Nonce: vr.Nonce, MaxThroughput: 1, Filename: "ghost.bin"})

	if _, ok := p.recv(2 * time.Second).(wire.ErrorFileNotFound); !ok {
		t.Fatal("expected file-not-found")
	}
	if s.ConnectionCount() != 0 {
		t.Fatal("missing file must not allocate a connection")
	}
}

func TestServeWindowAndFinish(t *testing.T) {
	data := append(bytes.Repeat([]byte{0xAA}, 512), bytes.Repeat([]byte{0xBB}, 512)...)
	s := startSender(t, map[string][]byte{"a.bin": data})
	p := newPeer(t, s)

	ir := p.handshake("a.bin")
	if ir.FileSize != 1024 {
		t.Fatalf("file size %d", ir.FileSize)
	}
	if ir.SHA256 != sha256.Sum256(data) {
		t.Fatal("announced digest mismatch")
	}
	if ir.ConnectionID == 0 {
		t.Fatal("connection id 0 is reserved")
	}

	p.send(wire.TransmissionRequest{ConnectionID: ir.ConnectionID, WindowID: 0, RTT: 1000, ChunkIndex: 0})

	got := map[uint16][]byte{}
	for len(got) < 2 {
		pl, ok := p.recv(2 * time.Second).(wire.Payload)
		if !ok {
			t.Fatal("expected payload")
		}
		if pl.WindowID != 0 {
			t.Fatalf("window id %d, want 0", pl.WindowID)
		}
		got[pl.Seq] = pl.Chunk
	}
	if !bytes.Equal(got[0], data[:512]) || !bytes.Equal(got[1], data[512:]) {
		t.Fatal("served chunks mismatch")
	}

	p.send(wire.ClientFinish{ConnectionID: ir.ConnectionID})
	deadline := time.Now().Add(2 * time.Second)
	for s.ConnectionCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("finish did not erase the connection")
		}
		time.Sleep(10 * time.Millisecond)
	}
	// Idempotent: a duplicate finish is silently accepted.
	p.send(wire.ClientFinish{ConnectionID: ir.ConnectionID})
}

func TestRetransmitsOnlyMissingChunks(t *testing.T) {
	data := bytes.Repeat([]byte{0xCC}, 3*512)
	s := startSender(t, map[string][]byte{"a.bin": data})
	p := newPeer(t, s)

	ir := p.handshake("a.bin")
	// The congestion window opens at 1 and grows to 2 on the first request,
	// so window 0 carries chunks 0 and 1.
	p.send(wire.TransmissionRequest{ConnectionID: ir.ConnectionID, WindowID: 0, RTT: 1000, ChunkIndex: 0})
	for i := 0; i < 2; i++ {
		p.recv(2 * time.Second)
	}

	// Claim chunk 0, report chunk 1 missing: bitfield 0b10_000000.
	p.send(wire.RetransmissionRequest{
		ConnectionID: ir.ConnectionID,
		WindowID:     0,
		Bitfield:     []byte{0b10000000},
	})
	pl, ok := p.recv(2 * time.Second).(wire.Payload)
	if !ok {
		t.Fatal("expected retransmitted payload")
	}
	if pl.Seq != 1 {
		t.Fatalf("retransmitted seq %d, want 1", pl.Seq)
	}

	// No further payloads may follow.
	_ = p.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	buf := make([]byte, 2048)
	if n, _, err := p.conn.ReadFromUDP(buf); err == nil {
		t.Fatalf("unexpected extra datagram (%d bytes)", n)
	}
}

func TestUnknownConnectionReported(t *testing.T) {
	s := startSender(t, map[string][]byte{"a.bin": {1}})
	p := newPeer(t, s)

	p.send(wire.TransmissionRequest{ConnectionID: 999, WindowID: 0, RTT: 1, ChunkIndex: 0})
	e, ok := p.recv(2 * time.Second).(wire.ErrorConnectionNotFound)
	if !ok || e.ConnectionID != 999 {
		t.Fatalf("expected connection-not-found for 999, got %#v", e)
	}
}

func TestConnectionMigration(t *testing.T) {
	data := bytes.Repeat([]byte{0xDD}, 512)
	s := startSender(t, map[string][]byte{"a.bin": data})
	p1 := newPeer(t, s)

	ir := p1.handshake("a.bin")

	// Same connection id, new endpoint: payloads must follow the request.
	p2 := newPeer(t, s)
	p2.send(wire.TransmissionRequest{ConnectionID: ir.ConnectionID, WindowID: 0, RTT: 1000, ChunkIndex: 0})
	pl, ok := p2.recv(2 * time.Second).(wire.Payload)
	if !ok || !bytes.Equal(pl.Chunk, data) {
		t.Fatal("payload did not follow the migrated endpoint")
	}
}

func TestDistinctConnectionIDs(t *testing.T) {
	s := startSender(t, map[string][]byte{"a.bin": {1}, "b.bin": {2}})
	p := newPeer(t, s)

	ir1 := p.handshake("a.bin")
	ir2 := p.handshake("b.bin")
	if ir1.ConnectionID == ir2.ConnectionID {
		t.Fatalf("both transfers got id %d", ir1.ConnectionID)
	}
}
