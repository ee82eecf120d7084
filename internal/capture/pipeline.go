package capture

import (
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/voxlive/voxlive/internal/protocol"
)

// ErrActive is returned by Start while a capture is already running.
var ErrActive = errors.New("capture already active")

// DefaultChunkSize is the outbound frame boundary in samples.
const DefaultChunkSize = 4096

// Sender is the outbound side of the duplex channel. TrySend must not
// block; a send that cannot be delivered immediately returns an error and
// the frame is discarded (real-time audio that missed its window is stale).
type Sender interface {
	TrySend(frame []byte) error
}

// Pipeline converts captured float32 frames to PCM16, cuts them at a fixed
// chunk boundary and pushes one audio envelope per chunk. Exactly one
// pipeline may be active per session.
type Pipeline struct {
	src       Source
	out       Sender
	chunkSize int

	mu      sync.Mutex
	active  bool
	pending []float32
	dropped uint64
}

func NewPipeline(src Source, out Sender, chunkSize int) *Pipeline {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Pipeline{src: src, out: out, chunkSize: chunkSize}
}

// Start acquires the capture device. A second Start while active is
// rejected; an acquisition failure leaves state unchanged.
func (p *Pipeline) Start() error {
	p.mu.Lock()
	if p.active {
		p.mu.Unlock()
		return ErrActive
	}
	p.mu.Unlock()

	if err := p.src.Start(p.onFrames); err != nil {
		return err
	}

	p.mu.Lock()
	p.active = true
	p.pending = p.pending[:0]
	p.mu.Unlock()
	log.Info().Str("module", "capture").Int("chunk_size", p.chunkSize).Msg("capture started")
	return nil
}

// Stop releases the device and, when the channel still accepts frames,
// sends the end-of-utterance commit. Idempotent; never fails.
func (p *Pipeline) Stop() {
	p.release(protocol.EncodeCommitAudio, "capture stopped")
}

// Abort releases the device and discards the buffered utterance on the
// remote side instead of committing it. Idempotent; never fails.
func (p *Pipeline) Abort() {
	p.release(protocol.EncodeClearAudio, "capture aborted")
}

func (p *Pipeline) release(encode func() ([]byte, error), msg string) {
	p.mu.Lock()
	if !p.active {
		p.mu.Unlock()
		return
	}
	p.active = false
	p.pending = nil
	dropped := p.dropped
	p.dropped = 0
	p.mu.Unlock()

	p.src.Stop()

	frame, err := encode()
	if err == nil {
		// Best-effort: a disconnected channel just drops the control frame.
		_ = p.out.TrySend(frame)
	}
	log.Info().Str("module", "capture").Uint64("dropped", dropped).Msg(msg)
}

// Active reports whether the device is currently acquired.
func (p *Pipeline) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// onFrames runs on the device's hardware-clocked callback. It only converts
// and enqueues; undeliverable chunks are dropped, never buffered.
func (p *Pipeline) onFrames(samples []float32) {
	p.mu.Lock()
	if !p.active {
		p.mu.Unlock()
		return
	}
	p.pending = append(p.pending, samples...)
	var chunks [][]float32
	for len(p.pending) >= p.chunkSize {
		chunk := make([]float32, p.chunkSize)
		copy(chunk, p.pending[:p.chunkSize])
		chunks = append(chunks, chunk)
		p.pending = p.pending[p.chunkSize:]
	}
	p.mu.Unlock()

	for _, chunk := range chunks {
		frame, err := protocol.EncodeAudioChunk(PCM16FromFloat32(chunk))
		if err != nil {
			continue
		}
		if err := p.out.TrySend(frame); err != nil {
			p.mu.Lock()
			p.dropped++
			p.mu.Unlock()
		}
	}
}
