package window

// Sliding window of chunks forming the unit of reliable transmission. A
// window holds up to MaxSize chunks per generation; the 8-bit generation id
// wraps and disambiguates retransmissions from stale payloads.

import "github.com/alxayo/go-rft/internal/rft/bitfield"

// Window tracks the chunks of the current generation and which of them have
// been stored. The same structure serves both roles: the sender keeps sent
// chunks for retransmission, the receiver accumulates arriving chunks.
type Window struct {
	// ID is the wrapping generation counter (receiver-authoritative).
	ID uint8
	// MaxSize caps CurrentSize and is fixed at connection setup.
	MaxSize uint16
	// CurrentSize is the number of chunks used this generation.
	CurrentSize uint16

	chunks   [][]byte
	have     []bool
	received uint16
}

// New creates a window able to hold up to maxSize chunks. maxSize must be at
// least 1.
func New(maxSize uint16) *Window {
	if maxSize == 0 {
		maxSize = 1
	}
	return &Window{
		MaxSize:     maxSize,
		CurrentSize: 1,
		chunks:      make([][]byte, maxSize),
		have:        make([]bool, maxSize),
	}
}

// SetCurrentSize fixes the chunk count of the running generation, clamped to
// MaxSize.
func (w *Window) SetCurrentSize(n uint16) {
	if n == 0 {
		n = 1
	}
	if n > w.MaxSize {
		n = w.MaxSize
	}
	w.CurrentSize = n
}

// Store places chunk at sequence number seq. Duplicate stores overwrite the
// chunk but do not double-count. Out-of-range sequence numbers are rejected.
func (w *Window) Store(seq uint16, chunk []byte) bool {
	if seq >= w.CurrentSize {
		return false
	}
	if !w.have[seq] {
		w.have[seq] = true
		w.received++
	}
	w.chunks[seq] = chunk
	return true
}

// Chunk returns the stored chunk at seq, or nil.
func (w *Window) Chunk(seq uint16) []byte {
	if seq >= w.CurrentSize {
		return nil
	}
	return w.chunks[seq]
}

// Has reports whether the chunk at seq has been stored this generation.
func (w *Window) Has(seq uint16) bool {
	return seq < w.CurrentSize && w.have[seq]
}

// Received returns how many distinct chunks have been stored this generation.
func (w *Window) Received() uint16 { return w.received }

// Complete reports whether every chunk of the generation is present.
func (w *Window) Complete() bool { return w.received == w.CurrentSize }

// SequenceBits snapshots the per-chunk presence bits of the running
// generation, in sequence order.
func (w *Window) SequenceBits() []bool {
	out := make([]bool, w.CurrentSize)
	copy(out, w.have[:w.CurrentSize])
	return out
}

// Bitfield renders the presence bits in wire form (set bit = chunk stored).
func (w *Window) Bitfield() *bitfield.Bitfield {
	return bitfield.FromBools(w.SequenceBits())
}

// Advance starts the next generation: increments the id modulo 256 and clears
// all chunks and presence bits.
func (w *Window) Advance() {
	w.ID++
	w.reset()
}

// Rebase adopts a peer-announced generation id and clears the window.
func (w *Window) Rebase(id uint8) {
	if id == w.ID {
		return
	}
	w.ID = id
	w.reset()
}

func (w *Window) reset() {
	for i := range w.chunks[:w.CurrentSize] {
		w.chunks[i] = nil
		w.have[i] = false
	}
	w.received = 0
	w.CurrentSize = 1
}
