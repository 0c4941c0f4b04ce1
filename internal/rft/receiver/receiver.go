package receiver

// Receiver state machine: requests files, solves admission puzzles, pulls
// windows of chunks, verifies integrity and resumes interrupted transfers.
//
// Pre-connection state lives in fileRequests keyed by filename; established
// transfers live in conns keyed by the sender-assigned connection id. All of
// it is owned by the dispatcher goroutine; puzzle solving and final hashing
// run on workers that feed completion events back through the queue.

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"

	protoerr "github.com/alxayo/go-rft/internal/errors"
	"github.com/alxayo/go-rft/internal/logger"
	"github.com/alxayo/go-rft/internal/rft/fsio"
	"github.com/alxayo/go-rft/internal/rft/loss"
	"github.com/alxayo/go-rft/internal/rft/metrics"
	"github.com/alxayo/go-rft/internal/rft/puzzle"
	"github.com/alxayo/go-rft/internal/rft/queue"
	"github.com/alxayo/go-rft/internal/rft/reactor"
	"github.com/alxayo/go-rft/internal/rft/rtt"
	"github.com/alxayo/go-rft/internal/rft/window"
	"github.com/alxayo/go-rft/internal/rft/wire"
)

const (
	// MaxRetries bounds resends per request before the transfer is abandoned.
	MaxRetries = 10
	// DefaultThroughput is the advertised throughput hint in MB/s.
	DefaultThroughput = 1

	fileRequestTimeout = 10 * time.Minute
	validationTimeout  = time.Minute
	dispatchTick       = 250 * time.Millisecond
)

// Config holds receiver configuration knobs.
type Config struct {
	Host       string
	Port       int
	ListenAddr string // defaults to 0.0.0.0:Port+1
	Dest       string // destination directory
	Files      []string
	Throughput uint16 // MB/s hint sent to the sender
	LossP      float64
	LossQ      float64
	LossSeed   int64
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.ListenAddr == "" {
		c.ListenAddr = fmt.Sprintf("0.0.0.0:%d", c.Port+1)
	}
	if c.Dest == "" {
		c.Dest = "/tmp"
	}
	if c.Throughput == 0 {
		c.Throughput = DefaultThroughput
	}
	if c.LossQ == 0 && c.LossP == 0 {
		c.LossQ = 1
	}
}

// event is one unit of dispatcher work.
type event struct {
	msg  wire.Message
	from netip.AddrPort
	fn   func()
}

// fileRequest is the pre-connection state of one requested file.
type fileRequest struct {
	name    string
	trace   string
	nonce   uint32
	solved  bool
	resend  wire.Message // last outbound message, re-sent on timeout
	timer   *reactor.Timer
	retries int
	sentAt  time.Time
	log     *slog.Logger
}

// conn is the per-transfer receiver state after the handshake.
type conn struct {
	id            uint16
	name          string
	trace         string
	path          string
	file          *os.File
	size          uint64
	sha           [wire.HashSize]byte
	bytesWritten  uint64
	chunksWritten uint64
	win           *window.Window
	timer         *reactor.Timer
	retries       int
	measureRTT    bool
	lastSent      time.Time
	pending       wire.TransmissionRequest
	log           *slog.Logger
}

// Client drives one or more file transfers against a single sender.
type Client struct {
	cfg    Config
	log    *slog.Logger
	re     *reactor.Reactor
	q      *queue.Queue[event]
	server netip.AddrPort
	est    *rtt.Estimator

	reqs  map[string]*fileRequest
	conns map[uint16]*conn

	results map[string]error

	stopping atomic.Bool
	done     chan struct{}
	wg       sync.WaitGroup
}

// New creates an unstarted receiver. The sender address is resolved eagerly
// so bad hostnames fail before any socket traffic.
func New(cfg Config) (*Client, error) {
	cfg.applyDefaults()
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("resolve sender %s:%d: %w", cfg.Host, cfg.Port, err)
	}

	c := &Client{
		cfg:     cfg,
		server:  addr.AddrPort(),
		est:     &rtt.Estimator{},
		reqs:    make(map[string]*fileRequest),
		conns:   make(map[uint16]*conn),
		results: make(map[string]error),
		done:    make(chan struct{}),
	}
	var inject loss.Injector
	if cfg.LossP > 0 {
		inject = loss.NewGilbert(cfg.LossP, cfg.LossQ, cfg.LossSeed)
	}
	c.q = queue.New[event]()
	re, err := reactor.New(cfg.ListenAddr, inject, func(m wire.Message, from netip.AddrPort, _ time.Time) {
		c.q.Push(event{msg: m, from: from})
	})
	if err != nil {
		return nil, err
	}
	c.re = re
	c.log = logger.Logger().With("component", "receiver", "addr", re.LocalAddr().String(), "server", c.server.String())
	return c, nil
}

// Run requests every configured file and blocks until all transfers finish
// or ctx is cancelled (user abort). The returned error is nil only when all
// files completed with a matching SHA-256.
func (c *Client) Run(ctx context.Context) error {
	c.re.Start()
	c.wg.Add(1)
	go c.dispatch()

	if len(c.cfg.Files) == 0 {
		close(c.done)
	}
	for _, name := range c.cfg.Files {
		name := name
		c.q.Push(event{fn: func() { c.requestFile(name) }})
	}

	select {
	case <-c.done:
	case <-ctx.Done():
		c.abort()
	}

	c.stopping.Store(true)
	c.q.Kick()
	c.re.Close()
	c.wg.Wait()

	var firstErr error
	for _, name := range c.cfg.Files {
		if err, ok := c.results[filepath.Base(name)]; ok && err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// abort implements user-abort teardown: every timer cancelled, incomplete
// destination files deleted, a finish message sent per live connection.
func (c *Client) abort() {
	fin := make(chan struct{})
	c.q.Push(event{fn: func() {
		defer close(fin)
		for name, fr := range c.reqs {
			fr.timer.Cancel()
			c.finishRequest(name, protoerr.NewTransferError(protoerr.KindUserAbort, name, nil))
		}
		for _, cn := range c.conns {
			cn.timer.Cancel()
			c.re.Send(wire.ClientFinish{ConnectionID: cn.id}, c.server)
			cn.file.Close()
			os.Remove(cn.path)
			c.dropConn(cn, protoerr.NewTransferError(protoerr.KindUserAbort, cn.name, nil))
		}
	}})
	select {
	case <-fin:
	case <-time.After(2 * time.Second):
	}
}

func (c *Client) dispatch() {
	defer c.wg.Done()
	for !c.stopping.Load() {
		if ev, ok := c.q.Pop(); ok {
			c.handle(ev)
			continue
		}
		c.q.Wait(dispatchTick)
	}
}

func (c *Client) handle(ev event) {
	if ev.fn != nil {
		ev.fn()
		return
	}
	switch m := ev.msg.(type) {
	case wire.ServerValidationRequest:
		c.onValidationRequest(m)
	case wire.ServerInitialResponse:
		c.onInitialResponse(m)
	case wire.Payload:
		c.onPayload(m)
	case wire.ErrorFileNotFound:
		c.onRequestError(m.Filename, protoerr.NewTransferError(protoerr.KindFileNotFound, m.Filename, nil))
	case wire.ErrorValidationFailed:
		c.onRequestError(m.Filename, protoerr.NewTransferError(protoerr.KindValidationFailed, m.Filename, nil))
	case wire.ErrorConnectionNotFound:
		c.onConnectionNotFound(m)
	default:
		c.log.Debug("ignoring message", "type", ev.msg.Type().String(), "from", ev.from.String())
	}
}

// requestFile sends the initial FILE_REQUEST and registers pre-connection
// state under the file's basename.
func (c *Client) requestFile(name string) {
	base := filepath.Base(name)
	if _, dup := c.reqs[base]; dup {
		return
	}
	fr := &fileRequest{
		name:   base,
		trace:  xid.New().String(),
		resend: wire.FileRequest{Filename: base},
		sentAt: time.Now(),
	}
	fr.log = logger.WithTransfer(c.log, fr.trace, base)
	fr.timer = c.re.Schedule(fileRequestTimeout, func() {
		c.q.Push(event{fn: func() { c.onRequestTimeout(base) }})
	})
	c.reqs[base] = fr
	c.re.Send(wire.FileRequest{Filename: base}, c.server)
	fr.log.Info("file requested")
}

func (c *Client) onRequestTimeout(name string) {
	fr, ok := c.reqs[name]
	if !ok {
		return
	}
	if fr.retries >= MaxRetries {
		c.finishRequest(name, protoerr.NewTransferError(protoerr.KindRetryExhausted, name, nil))
		c.q.Kick()
		return
	}
	fr.retries++
	fr.sentAt = time.Now()
	c.re.Send(fr.resend, c.server)
	timeout := fileRequestTimeout
	if fr.solved {
		timeout = validationTimeout
	}
	fr.timer.Reset(timeout)
	fr.log.Debug("request re-sent", "retry", fr.retries)
}

// onValidationRequest solves the puzzle on a worker and answers with the
// recovered hash.
func (c *Client) onValidationRequest(m wire.ServerValidationRequest) {
	fr, ok := c.reqs[m.Filename]
	if !ok {
		return
	}
	c.est.Add(time.Since(fr.sentAt))
	fr.nonce = m.Nonce
	fr.log.Debug("puzzle received", "difficulty", m.Difficulty)

	go func() {
		solution, err := puzzle.Solve(m.MaskedHash1, m.Hash2, m.Difficulty)
		c.q.Push(event{fn: func() { c.onPuzzleSolved(m.Filename, solution, err) }})
	}()
}

func (c *Client) onPuzzleSolved(name string, solution [wire.HashSize]byte, err error) {
	fr, ok := c.reqs[name]
	if !ok {
		return
	}
	if err != nil {
		c.finishRequest(name, protoerr.NewTransferError(protoerr.KindValidationFailed, name, err))
		return
	}
	resp := wire.ClientValidationResponse{
		Hash1:         solution,
		Nonce:         fr.nonce,
		MaxThroughput: c.cfg.Throughput,
		Filename:      name,
	}
	fr.solved = true
	fr.resend = resp
	fr.retries = 0
	fr.sentAt = time.Now()
	fr.timer.Reset(validationTimeout)
	c.re.Send(resp, c.server)
	fr.log.Debug("puzzle solved")
}

// onInitialResponse turns the file request into a connection, resuming an
// existing partial file when the sender reports an unchanged SHA-256.
func (c *Client) onInitialResponse(m wire.ServerInitialResponse) {
	fr, ok := c.reqs[m.Filename]
	if !ok {
		// Duplicate response for an already-established transfer.
		return
	}
	c.est.Add(time.Since(fr.sentAt))
	fr.timer.Cancel()
	delete(c.reqs, m.Filename)

	// A connection orphaned by ERROR_CONNECTION_NOT_FOUND carries resumable
	// state: rekey it when the file is unchanged, discard it otherwise.
	for oldID, cn := range c.conns {
		if cn.name != m.Filename {
			continue
		}
		delete(c.conns, oldID)
		if cn.sha == m.SHA256 {
			cn.id = m.ConnectionID
			c.conns[cn.id] = cn
			// The sender allocated a fresh connection: restart the generation
			// so no half-filled window state leaks across the rekey.
			cn.win = window.New(windowCap(c.cfg.Throughput))
			// The old timer closure captured the stale id; re-arm under the new one.
			cn.timer.Cancel()
			id := cn.id
			cn.timer = c.re.Schedule(c.est.Timeout(), func() {
				c.q.Push(event{fn: func() { c.onTransferTimeout(id) }})
			})
			cn.log.Info("transfer rekeyed", "conn_id", cn.id, "resume_chunk", cn.chunksWritten)
			c.sendTransmissionRequest(cn)
			return
		}
		cn.file.Close()
		os.Remove(cn.path)
		metrics.ActiveConnections.WithLabelValues("receiver").Dec()
		cn.log.Warn("remote file changed, restarting from scratch")
		break
	}

	cn, err := c.openConn(m, fr)
	if err != nil {
		c.results[m.Filename] = err
		fr.log.Error("destination open failed", "error", err)
		c.checkDone()
		return
	}
	c.conns[cn.id] = cn
	metrics.ActiveConnections.WithLabelValues("receiver").Inc()
	cn.log.Info("connection established", "file_size", cn.size, "resume_chunk", cn.chunksWritten)
	c.sendTransmissionRequest(cn)
}

// openConn opens the destination file. An existing partial file smaller than
// the announced size is adopted at a chunk boundary; anything else starts
// truncated.
func (c *Client) openConn(m wire.ServerInitialResponse, fr *fileRequest) (*conn, error) {
	path := filepath.Join(c.cfg.Dest, filepath.Base(m.Filename))
	var f *os.File
	var resumeChunks uint64

	if st, err := os.Stat(path); err == nil && uint64(st.Size()) > 0 && uint64(st.Size()) < m.FileSize {
		f, err = os.OpenFile(path, os.O_RDWR, 0o644)
		if err != nil {
			return nil, protoerr.NewTransferError(protoerr.KindWriteFailed, m.Filename, err)
		}
		// Resume at the last full chunk; a torn trailing chunk is rewritten.
		resumeChunks = uint64(st.Size()) / wire.ChunkSize
		if err := f.Truncate(int64(resumeChunks) * wire.ChunkSize); err != nil {
			f.Close()
			return nil, protoerr.NewTransferError(protoerr.KindWriteFailed, m.Filename, err)
		}
	} else {
		f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			return nil, protoerr.NewTransferError(protoerr.KindWriteFailed, m.Filename, err)
		}
	}

	cn := &conn{
		id:            m.ConnectionID,
		name:          m.Filename,
		trace:         fr.trace,
		path:          path,
		file:          f,
		size:          m.FileSize,
		sha:           m.SHA256,
		bytesWritten:  resumeChunks * wire.ChunkSize,
		chunksWritten: resumeChunks,
		win:           window.New(windowCap(c.cfg.Throughput)),
	}
	cn.log = logger.WithTransfer(logger.WithConn(c.log, cn.id, c.server.String()), fr.trace, cn.name)
	id := cn.id
	cn.timer = c.re.Schedule(c.est.Timeout(), func() {
		c.q.Push(event{fn: func() { c.onTransferTimeout(id) }})
	})
	return cn, nil
}

// windowCap mirrors the sender's derivation of the window bound from the
// throughput hint.
func windowCap(throughput uint16) uint16 {
	chunks := uint64(throughput) * (1 << 20) / wire.ChunkSize
	if chunks > 65535 {
		chunks = 65535
	}
	return uint16(chunks)
}

// sendTransmissionRequest asks for the next window starting at the first
// unwritten chunk.
func (c *Client) sendTransmissionRequest(cn *conn) {
	req := wire.TransmissionRequest{
		ConnectionID: cn.id,
		WindowID:     cn.win.ID,
		RTT:          c.est.Current(),
		ChunkIndex:   uint32(cn.chunksWritten),
	}
	cn.pending = req
	cn.measureRTT = true
	cn.lastSent = time.Now()
	cn.retries = 0
	cn.timer.Reset(c.est.Timeout())
	c.re.Send(req, c.server)
}

func (c *Client) onPayload(m wire.Payload) {
	cn, ok := c.conns[m.ConnectionID]
	if !ok {
		return
	}
	if m.WindowID != cn.win.ID {
		// Stale payload from a completed generation.
		return
	}
	cn.timer.Reset(c.est.Timeout())
	cn.retries = 0
	if cn.measureRTT {
		c.est.Add(time.Since(cn.lastSent))
		cn.measureRTT = false
	}

	cn.win.SetCurrentSize(m.WindowSize)
	if !cn.win.Store(m.Seq, m.Chunk) {
		cn.log.Debug("dropping out-of-range sequence", "seq", m.Seq, "window_size", m.WindowSize)
		return
	}
	if !cn.win.Complete() {
		return
	}

	cn.timer.Cancel()
	if err := c.flushWindow(cn); err != nil {
		cn.log.Error("write failed", "error", err)
		c.re.Send(wire.ClientFinish{ConnectionID: cn.id}, c.server)
		cn.file.Close()
		c.dropConn(cn, protoerr.NewTransferError(protoerr.KindWriteFailed, cn.name, err))
		return
	}

	if cn.bytesWritten < cn.size {
		cn.win.Advance()
		c.sendTransmissionRequest(cn)
		return
	}

	// Transfer complete: verify on a worker, then finish on the dispatcher.
	id := cn.id
	path := cn.path
	go func() {
		sum, err := fsio.HashFile(path)
		c.q.Push(event{fn: func() { c.onHashComputed(id, sum, err) }})
	}()
}

// flushWindow writes the completed window to disk in sequence order.
func (c *Client) flushWindow(cn *conn) error {
	for i := uint16(0); i < cn.win.CurrentSize; i++ {
		chunk := cn.win.Chunk(i)
		if rem := cn.size - cn.bytesWritten; uint64(len(chunk)) > rem {
			chunk = chunk[:rem]
		}
		if len(chunk) > 0 {
			if _, err := cn.file.WriteAt(chunk, int64(cn.bytesWritten)); err != nil {
				return err
			}
			cn.bytesWritten += uint64(len(chunk))
			metrics.BytesWritten.Add(float64(len(chunk)))
		}
		cn.chunksWritten++
	}
	if err := cn.file.Sync(); err != nil {
		return err
	}
	cn.log.Debug("window flushed", "window_id", cn.win.ID, "bytes_written", cn.bytesWritten)
	return nil
}

func (c *Client) onHashComputed(id uint16, sum [wire.HashSize]byte, err error) {
	cn, ok := c.conns[id]
	if !ok {
		return
	}
	cn.file.Close()
	c.re.Send(wire.ClientFinish{ConnectionID: cn.id}, c.server)

	switch {
	case err != nil:
		c.dropConn(cn, protoerr.NewTransferError(protoerr.KindWriteFailed, cn.name, err))
	case sum != cn.sha:
		os.Remove(cn.path)
		cn.log.Error("integrity check failed, file discarded")
		c.dropConn(cn, protoerr.NewTransferError(protoerr.KindHashMismatch, cn.name, nil))
	default:
		metrics.TransfersCompleted.Inc()
		cn.log.Info("transfer complete", "bytes", cn.bytesWritten, "path", cn.path)
		c.dropConn(cn, nil)
	}
}

// onTransferTimeout fires for both flavours of transfer timer: an untouched
// window re-sends the pending transmission request, a partially filled one
// asks for the missing chunks.
func (c *Client) onTransferTimeout(id uint16) {
	cn, ok := c.conns[id]
	if !ok {
		return
	}
	if cn.retries >= MaxRetries {
		cn.timer.Cancel()
		cn.file.Close()
		os.Remove(cn.path)
		c.dropConn(cn, protoerr.NewTransferError(protoerr.KindRetryExhausted, cn.name, nil))
		c.q.Kick()
		return
	}
	cn.retries++

	if cn.win.Received() == 0 {
		cn.measureRTT = true
		cn.lastSent = time.Now()
		c.re.Send(cn.pending, c.server)
		cn.log.Debug("transmission request re-sent", "retry", cn.retries)
	} else {
		c.re.Send(wire.RetransmissionRequest{
			ConnectionID: cn.id,
			WindowID:     cn.win.ID,
			Bitfield:     cn.win.Bitfield().Bytes(),
		}, c.server)
		cn.log.Debug("retransmission requested", "retry", cn.retries,
			"have", cn.win.Received(), "window_size", cn.win.CurrentSize)
	}
	cn.timer.Reset(c.est.Timeout())
}

// onRequestError surfaces a wire error for a pending request.
func (c *Client) onRequestError(name string, err error) {
	if _, ok := c.reqs[name]; !ok {
		return
	}
	c.finishRequest(name, err)
}

// onConnectionNotFound restarts the transfer; the orphaned connection stays
// registered so the resumption scan can preserve its partial file.
func (c *Client) onConnectionNotFound(m wire.ErrorConnectionNotFound) {
	cn, ok := c.conns[m.ConnectionID]
	if !ok {
		return
	}
	cn.timer.Cancel()
	cn.log.Warn("sender lost the connection, re-requesting")
	c.requestFile(cn.name)
}

// finishRequest records the outcome of a pre-connection request.
func (c *Client) finishRequest(name string, err error) {
	fr, ok := c.reqs[name]
	if !ok {
		return
	}
	fr.timer.Cancel()
	delete(c.reqs, name)
	c.results[name] = err
	if err != nil {
		metrics.TransfersFailed.WithLabelValues(kindLabel(err)).Inc()
		fr.log.Warn("request failed", "error", err)
		// Release any connection orphaned by a failed re-request.
		for id, cn := range c.conns {
			if cn.name != name {
				continue
			}
			cn.timer.Cancel()
			cn.file.Close()
			delete(c.conns, id)
			metrics.ActiveConnections.WithLabelValues("receiver").Dec()
		}
	}
	c.checkDone()
}

// dropConn removes an established connection and records its outcome.
func (c *Client) dropConn(cn *conn, err error) {
	delete(c.conns, cn.id)
	metrics.ActiveConnections.WithLabelValues("receiver").Dec()
	c.results[cn.name] = err
	if err != nil {
		metrics.TransfersFailed.WithLabelValues(kindLabel(err)).Inc()
	}
	c.checkDone()
}

func kindLabel(err error) string {
	var te *protoerr.TransferError
	if stdErrors.As(err, &te) {
		return te.Kind.String()
	}
	return "unknown"
}

// checkDone closes the completion channel once nothing is pending.
func (c *Client) checkDone() {
	if len(c.reqs) == 0 && len(c.conns) == 0 {
		select {
		case <-c.done:
		default:
			close(c.done)
		}
	}
}
