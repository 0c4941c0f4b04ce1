package reactor

// Reactor owns the datagram socket and everything time-driven. One goroutine
// drains the socket, decodes packets and hands them to the inbound callback
// (which enqueues for the dispatcher); a second goroutine executes posted
// tasks and timer callbacks, so all sends and timer work are serialized.
// Neither may block: CPU-bound work belongs on a worker whose result is fed
// back through the dispatcher queue.

import (
	stdErrors "errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/alxayo/go-rft/internal/bufpool"
	"github.com/alxayo/go-rft/internal/logger"
	"github.com/alxayo/go-rft/internal/rft/loss"
	"github.com/alxayo/go-rft/internal/rft/metrics"
	"github.com/alxayo/go-rft/internal/rft/wire"
)

const (
	recvBufSize   = 2048
	taskQueueSize = 1024
)

// PacketHandler receives every well-formed inbound message. It runs on the
// socket goroutine and must only enqueue.
type PacketHandler func(msg wire.Message, from netip.AddrPort, at time.Time)

// Reactor binds one UDP socket and serializes all outbound traffic, posted
// tasks and timer callbacks onto a single task goroutine.
type Reactor struct {
	conn     *net.UDPConn
	log      *slog.Logger
	inject   loss.Injector
	onPacket PacketHandler

	tasks chan func()
	quit  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once
}

// New binds listenAddr (e.g. "0.0.0.0:8080" or ":0"). inject may be nil for
// lossless operation.
func New(listenAddr string, inject loss.Injector, onPacket PacketHandler) (*Reactor, error) {
	addr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", listenAddr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind %q: %w", listenAddr, err)
	}
	if inject == nil {
		inject = loss.None{}
	}
	return &Reactor{
		conn:     conn,
		log:      logger.Logger().With("component", "reactor", "addr", conn.LocalAddr().String()),
		inject:   inject,
		onPacket: onPacket,
		tasks:    make(chan func(), taskQueueSize),
		quit:     make(chan struct{}),
	}, nil
}

// LocalAddr returns the bound socket address.
func (r *Reactor) LocalAddr() netip.AddrPort {
	return r.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// Start launches the socket and task goroutines.
func (r *Reactor) Start() {
	r.wg.Add(2)
	go r.recvLoop()
	go r.taskLoop()
}

// Close shuts both loops down and releases the socket. Safe to call twice.
func (r *Reactor) Close() {
	r.once.Do(func() {
		close(r.quit)
		_ = r.conn.Close()
	})
	r.wg.Wait()
}

func (r *Reactor) recvLoop() {
	defer r.wg.Done()
	buf := bufpool.Get(recvBufSize)
	defer bufpool.Put(buf)
	for {
		n, from, err := r.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			select {
			case <-r.quit:
				return
			default:
			}
			if stdErrors.Is(err, net.ErrClosed) {
				return
			}
			r.log.Warn("receive failed", "error", err)
			continue
		}
		at := time.Now()
		if n > wire.MaxPacketSize {
			metrics.DatagramsDropped.WithLabelValues("oversize").Inc()
			r.log.Debug("dropping oversized datagram", "bytes", n, "from", from.String())
			continue
		}
		msg, err := wire.Decode(buf[:n])
		if err != nil {
			if stdErrors.Is(err, wire.ErrUnknownType) {
				metrics.DatagramsDropped.WithLabelValues("unknown_type").Inc()
			} else {
				metrics.DatagramsDropped.WithLabelValues("decode").Inc()
				r.log.Debug("dropping malformed datagram", "error", err, "from", from.String())
			}
			continue
		}
		metrics.DatagramsReceived.WithLabelValues(msg.Type().String()).Inc()
		r.onPacket(msg, from, at)
	}
}

func (r *Reactor) taskLoop() {
	defer r.wg.Done()
	for {
		select {
		case f := <-r.tasks:
			f()
		case <-r.quit:
			return
		}
	}
}

// Post defers f onto the task goroutine. Drops the task when the reactor is
// shutting down.
func (r *Reactor) Post(f func()) {
	select {
	case <-r.quit:
	case r.tasks <- f:
	}
}

// Send encodes m and schedules the datagram to addr on the task goroutine.
// The simulated-loss injector is consulted per datagram.
func (r *Reactor) Send(m wire.Message, to netip.AddrPort) {
	b, err := wire.Encode(m)
	if err != nil {
		r.log.Error("encode failed", "type", m.Type().String(), "error", err)
		return
	}
	r.Post(func() {
		if r.inject.Drop() {
			metrics.SimulatedLoss.Inc()
			return
		}
		if _, err := r.conn.WriteToUDPAddrPort(b, to); err != nil {
			r.log.Warn("send failed", "type", m.Type().String(), "to", to.String(), "error", err)
			return
		}
		metrics.DatagramsSent.WithLabelValues(m.Type().String()).Inc()
	})
}

// Timer is a cancellable deadline callback executed on the task goroutine.
// Cancellation is best-effort: a callback already in flight re-checks its own
// deadline and returns without action when it has not truly expired.
type Timer struct {
	mu        sync.Mutex
	deadline  time.Time
	cancelled bool
	t         *time.Timer
}

// Schedule runs fn on the task goroutine once d has elapsed.
func (r *Reactor) Schedule(d time.Duration, fn func()) *Timer {
	tm := &Timer{deadline: time.Now().Add(d)}
	tm.t = time.AfterFunc(d, func() {
		r.Post(func() {
			if tm.Expired() {
				fn()
			}
		})
	})
	return tm
}

// Expired reports whether the deadline has truly passed and the timer was not
// cancelled.
func (tm *Timer) Expired() bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return !tm.cancelled && !time.Now().Before(tm.deadline)
}

// Cancel stops the timer. Idempotent; a concurrently firing callback observes
// the cancellation via Expired.
func (tm *Timer) Cancel() {
	tm.mu.Lock()
	tm.cancelled = true
	tm.mu.Unlock()
	tm.t.Stop()
}

// Reset re-arms the timer for a fresh interval, clearing any cancellation.
func (tm *Timer) Reset(d time.Duration) {
	tm.mu.Lock()
	tm.cancelled = false
	tm.deadline = time.Now().Add(d)
	tm.mu.Unlock()
	tm.t.Reset(d)
}
