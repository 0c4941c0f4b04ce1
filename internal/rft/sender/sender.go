package sender

// Sender state machine: answers file requests with puzzles, validates puzzle
// solutions, and serves windows of chunks with selective retransmission.
//
// Threading follows the two-thread discipline: the reactor owns the socket
// and timers, the dispatcher (run goroutine) owns every connection. Puzzle
// verification and whole-file hashing are CPU-bound and run on ephemeral
// workers whose results re-enter the dispatcher through the event queue.

import (
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"

	"github.com/alxayo/go-rft/internal/logger"
	"github.com/alxayo/go-rft/internal/rft/bitfield"
	"github.com/alxayo/go-rft/internal/rft/congestion"
	"github.com/alxayo/go-rft/internal/rft/fsio"
	"github.com/alxayo/go-rft/internal/rft/loss"
	"github.com/alxayo/go-rft/internal/rft/metrics"
	"github.com/alxayo/go-rft/internal/rft/puzzle"
	"github.com/alxayo/go-rft/internal/rft/queue"
	"github.com/alxayo/go-rft/internal/rft/reactor"
	"github.com/alxayo/go-rft/internal/rft/window"
	"github.com/alxayo/go-rft/internal/rft/wire"
)

const (
	// DefaultDifficulty is the puzzle difficulty issued to new requests.
	DefaultDifficulty = 10
	// InactivityTimeout tears down connections with no inbound traffic.
	InactivityTimeout = 3 * time.Minute

	dispatchTick = 250 * time.Millisecond
)

// Config holds sender configuration knobs.
type Config struct {
	ListenAddr string
	Dir        string // directory the served files live in
	Secret     []byte
	Difficulty uint8
	LossP      float64
	LossQ      float64
	LossSeed   int64
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = "0.0.0.0:8080"
	}
	if c.Dir == "" {
		c.Dir = "."
	}
	if len(c.Secret) == 0 {
		c.Secret = []byte("rft-server-secret")
	}
	if c.Difficulty == 0 {
		c.Difficulty = DefaultDifficulty
	}
	if c.LossQ == 0 && c.LossP == 0 {
		c.LossQ = 1
	}
}

// event is one unit of dispatcher work: either an inbound message or a
// completion closure from a worker / timer.
type event struct {
	msg  wire.Message
	from netip.AddrPort
	fn   func()
}

// conn is the per-connection sender state. Mutated only by the dispatcher.
type conn struct {
	id     uint16
	remote netip.AddrPort
	file   *os.File
	size   uint64
	sha    [wire.HashSize]byte
	win    *window.Window
	cc     *congestion.Controller
	idle   *reactor.Timer
	log    *slog.Logger
}

// Server serves local files over the RFT protocol.
type Server struct {
	cfg Config
	log *slog.Logger
	re  *reactor.Reactor
	q   *queue.Queue[event]

	conns  map[uint16]*conn
	nextID uint16

	stopping atomic.Bool
	wg       sync.WaitGroup
}

// New creates an unstarted sender bound to cfg.ListenAddr.
func New(cfg Config) (*Server, error) {
	cfg.applyDefaults()
	s := &Server{
		cfg:   cfg,
		conns: make(map[uint16]*conn),
	}
	var inject loss.Injector
	if cfg.LossP > 0 {
		inject = loss.NewGilbert(cfg.LossP, cfg.LossQ, cfg.LossSeed)
	}
	s.q = queue.New[event]()
	re, err := reactor.New(cfg.ListenAddr, inject, func(m wire.Message, from netip.AddrPort, _ time.Time) {
		s.q.Push(event{msg: m, from: from})
	})
	if err != nil {
		return nil, err
	}
	s.re = re
	s.log = logger.Logger().With("component", "sender", "addr", re.LocalAddr().String())
	return s, nil
}

// Addr returns the bound socket address.
func (s *Server) Addr() netip.AddrPort { return s.re.LocalAddr() }

// Start launches the reactor and the dispatcher.
func (s *Server) Start() {
	s.re.Start()
	s.wg.Add(1)
	go s.dispatch()
	s.log.Info("sender started", "dir", s.cfg.Dir, "difficulty", s.cfg.Difficulty)
}

// Stop tears the sender down: reactor first, then the dispatcher drains out.
func (s *Server) Stop() {
	s.stopping.Store(true)
	s.q.Kick()
	s.re.Close()
	s.wg.Wait()
	for _, c := range s.conns {
		s.closeConn(c, "shutdown")
	}
	s.log.Info("sender stopped")
}

func (s *Server) dispatch() {
	defer s.wg.Done()
	for !s.stopping.Load() {
		if ev, ok := s.q.Pop(); ok {
			s.handle(ev)
			continue
		}
		s.q.Wait(dispatchTick)
	}
}

func (s *Server) handle(ev event) {
	if ev.fn != nil {
		ev.fn()
		return
	}
	switch m := ev.msg.(type) {
	case wire.FileRequest:
		s.onFileRequest(m, ev.from)
	case wire.ClientValidationResponse:
		s.onValidationResponse(m, ev.from)
	case wire.TransmissionRequest:
		s.onTransmissionRequest(m, ev.from)
	case wire.RetransmissionRequest:
		s.onRetransmissionRequest(m, ev.from)
	case wire.ClientFinish:
		s.onClientFinish(m)
	default:
		// Receiver-bound traffic reaching the sender socket: ignore.
		s.log.Debug("ignoring message", "type", ev.msg.Type().String(), "from", ev.from.String())
	}
}

// onFileRequest issues a puzzle. No state is retained: the nonce plus the
// server secret let the validation step recompute everything.
func (s *Server) onFileRequest(m wire.FileRequest, from netip.AddrPort) {
	nonce := uint32(time.Now().Unix())
	masked, target := puzzle.Issue(nonce, m.Filename, s.cfg.Secret, s.cfg.Difficulty)
	s.re.Send(wire.ServerValidationRequest{
		Difficulty:  s.cfg.Difficulty,
		MaskedHash1: masked,
		Hash2:       target,
		Nonce:       nonce,
		Filename:    m.Filename,
	}, from)
	s.log.Debug("puzzle issued", "file", m.Filename, "from", from.String(), "nonce", nonce)
}

// resolvePath maps a requested name into the served directory, refusing path
// escapes.
func (s *Server) resolvePath(name string) string {
	return filepath.Join(s.cfg.Dir, filepath.Clean("/"+name))
}

// onValidationResponse verifies the puzzle solution and establishes the
// connection. Verification and file hashing run on a worker; the dispatcher
// finishes setup when the completion event arrives.
func (s *Server) onValidationResponse(m wire.ClientValidationResponse, from netip.AddrPort) {
	go func() {
		if !puzzle.Verify(m.Hash1, m.Nonce, m.Filename, s.cfg.Secret) {
			s.q.Push(event{fn: func() {
				s.log.Warn("puzzle validation failed", "file", m.Filename, "from", from.String())
				s.re.Send(wire.ErrorValidationFailed{Filename: m.Filename}, from)
			}})
			return
		}

		path := s.resolvePath(m.Filename)
		f, err := os.Open(path)
		if err != nil {
			s.q.Push(event{fn: func() {
				s.log.Warn("requested file not found", "file", m.Filename, "path", path)
				s.re.Send(wire.ErrorFileNotFound{Filename: m.Filename}, from)
			}})
			return
		}
		st, err := f.Stat()
		if err != nil {
			f.Close()
			s.q.Push(event{fn: func() {
				s.re.Send(wire.ErrorFileNotFound{Filename: m.Filename}, from)
			}})
			return
		}
		sha, err := fsio.HashFile(path)
		if err != nil {
			f.Close()
			s.q.Push(event{fn: func() {
				s.re.Send(wire.ErrorFileNotFound{Filename: m.Filename}, from)
			}})
			return
		}

		size := uint64(st.Size())
		maxWindow := windowCap(m.MaxThroughput)
		s.q.Push(event{fn: func() {
			s.establish(m, from, f, size, sha, maxWindow)
		}})
	}()
}

// windowCap derives the window bound from the advertised throughput in MB/s.
func windowCap(throughput uint16) uint16 {
	if throughput == 0 {
		throughput = 1
	}
	chunks := uint64(throughput) * (1 << 20) / wire.ChunkSize
	if chunks > 65535 {
		chunks = 65535
	}
	return uint16(chunks)
}

// establish runs on the dispatcher once the worker has validated and hashed.
func (s *Server) establish(m wire.ClientValidationResponse, from netip.AddrPort, f *os.File, size uint64, sha [wire.HashSize]byte, maxWindow uint16) {
	if s.stopping.Load() {
		f.Close()
		return
	}
	id := s.allocateID()
	c := &conn{
		id:     id,
		remote: from,
		file:   f,
		size:   size,
		sha:    sha,
		win:    window.New(maxWindow),
		cc:     congestion.New(maxWindow),
	}
	c.log = logger.WithTransfer(logger.WithConn(s.log, id, from.String()), xid.New().String(), m.Filename)
	c.idle = s.re.Schedule(InactivityTimeout, func() {
		s.q.Push(event{fn: func() { s.dropIdle(id) }})
	})
	s.conns[id] = c
	metrics.ActiveConnections.WithLabelValues("sender").Inc()

	s.re.Send(wire.ServerInitialResponse{
		ConnectionID: id,
		FileSize:     size,
		SHA256:       sha,
		Filename:     m.Filename,
	}, from)
	c.log.Info("connection established", "file_size", size, "max_window", maxWindow)
}

// allocateID hands out connection ids monotonically, skipping the reserved 0
// and any id still in use after wrap-around.
func (s *Server) allocateID() uint16 {
	for {
		s.nextID++
		if s.nextID == 0 {
			s.nextID = 1
		}
		if _, taken := s.conns[s.nextID]; !taken {
			return s.nextID
		}
	}
}

func (s *Server) onTransmissionRequest(m wire.TransmissionRequest, from netip.AddrPort) {
	c, ok := s.conns[m.ConnectionID]
	if !ok {
		s.re.Send(wire.ErrorConnectionNotFound{ConnectionID: m.ConnectionID}, from)
		return
	}
	// Connection migration: the latest request owns the endpoint.
	c.remote = from
	// The receiver is authoritative for the window generation.
	c.win.Rebase(m.WindowID)

	size := c.cc.Update(m.RTT)
	c.serveWindow(s, uint64(m.ChunkIndex), size)
	c.idle.Reset(InactivityTimeout)
}

// serveWindow reads up to want chunks starting at chunkIndex and emits them
// as payloads, keeping each chunk for retransmission.
func (c *conn) serveWindow(s *Server, chunkIndex uint64, want uint16) {
	chunks := make([][]byte, 0, want)
	for i := uint16(0); i < want; i++ {
		chunk, _, err := fsio.ReadChunkAt(c.file, chunkIndex+uint64(i), wire.ChunkSize)
		if err != nil {
			c.log.Error("chunk read failed", "chunk_index", chunkIndex+uint64(i), "error", err)
			break
		}
		if len(chunk) == 0 && len(chunks) > 0 {
			// Exact chunk-multiple file: the previous chunk was the last.
			break
		}
		chunks = append(chunks, chunk)
		if len(chunk) < wire.ChunkSize {
			// Short read: this is the final window of the file.
			break
		}
	}
	if len(chunks) == 0 {
		// Read error before the first chunk: let the receiver's timer drive a
		// fresh request.
		return
	}

	current := uint16(len(chunks))
	c.win.SetCurrentSize(current)
	for i, chunk := range chunks {
		c.win.Store(uint16(i), chunk)
		s.re.Send(wire.Payload{
			ConnectionID: c.id,
			WindowID:     c.win.ID,
			WindowSize:   current,
			Seq:          uint16(i),
			Chunk:        chunk,
		}, c.remote)
		metrics.BytesServed.Add(float64(len(chunk)))
	}
	c.log.Debug("window served", "window_id", c.win.ID, "window_size", current, "chunk_index", chunkIndex)
}

func (s *Server) onRetransmissionRequest(m wire.RetransmissionRequest, from netip.AddrPort) {
	c, ok := s.conns[m.ConnectionID]
	if !ok {
		s.re.Send(wire.ErrorConnectionNotFound{ConnectionID: m.ConnectionID}, from)
		return
	}
	c.remote = from
	c.cc.OnLoss()
	if m.WindowID != c.win.ID {
		// Stale request from a finished generation.
		c.log.Debug("dropping stale retransmission request", "window_id", m.WindowID)
		return
	}
	bf, ok := bitfield.FromBytes(m.Bitfield, c.win.CurrentSize)
	if !ok {
		c.log.Debug("dropping short retransmission bitfield", "bytes", len(m.Bitfield))
		return
	}
	resent := 0
	for i := uint16(0); i < c.win.CurrentSize; i++ {
		if bf.Get(i) {
			continue // receiver already has this chunk
		}
		chunk := c.win.Chunk(i)
		if chunk == nil {
			continue
		}
		s.re.Send(wire.Payload{
			ConnectionID: c.id,
			WindowID:     c.win.ID,
			WindowSize:   c.win.CurrentSize,
			Seq:          i,
			Chunk:        chunk,
		}, c.remote)
		metrics.RetransmittedChunks.Inc()
		metrics.BytesServed.Add(float64(len(chunk)))
		resent++
	}
	c.idle.Reset(InactivityTimeout)
	c.log.Debug("chunks retransmitted", "window_id", c.win.ID, "count", resent)
}

func (s *Server) onClientFinish(m wire.ClientFinish) {
	c, ok := s.conns[m.ConnectionID]
	if !ok {
		return // idempotent
	}
	s.closeConn(c, "client finish")
	delete(s.conns, c.id)
}

func (s *Server) dropIdle(id uint16) {
	c, ok := s.conns[id]
	if !ok {
		return
	}
	s.closeConn(c, "inactivity timeout")
	delete(s.conns, id)
}

func (s *Server) closeConn(c *conn, reason string) {
	if c.idle != nil {
		c.idle.Cancel()
	}
	if c.file != nil {
		_ = c.file.Close()
	}
	metrics.ActiveConnections.WithLabelValues("sender").Dec()
	c.log.Info("connection closed", "reason", reason)
}

// ConnectionCount reports established connections; used by tests.
func (s *Server) ConnectionCount() int {
	done := make(chan int, 1)
	s.q.Push(event{fn: func() { done <- len(s.conns) }})
	select {
	case n := <-done:
		return n
	case <-time.After(time.Second):
		return -1
	}
}

// String implements fmt.Stringer for status logs.
func (s *Server) String() string {
	return fmt.Sprintf("rft-sender(%s)", s.re.LocalAddr())
}
