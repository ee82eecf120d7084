package media

import (
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
	"github.com/rs/zerolog/log"
	"gopkg.in/hraban/opus.v2"

	"github.com/voxlive/voxlive/internal/avatar"
)

const playbackSampleRate = 48000

// maxOpusFrame is the largest decoded Opus frame: 120ms at 48kHz.
const maxOpusFrame = 5760

// PlaybackSink decodes an inbound Opus track and plays it on the default
// output device, so avatar speech is audible independent of any video
// surface.
type PlaybackSink struct {
	mu      sync.Mutex
	queue   []int16
	actx    *malgo.AllocatedContext
	device  *malgo.Device
	closed  bool
	started bool
}

func NewPlaybackSink() (avatar.Sink, error) {
	return &PlaybackSink{}, nil
}

func (s *PlaybackSink) Bind(t avatar.Track, onStarted func()) error {
	dec, err := opus.NewDecoder(playbackSampleRate, 1)
	if err != nil {
		return fmt.Errorf("opus decoder: %w", err)
	}
	if err := s.openDevice(); err != nil {
		return err
	}
	go s.readLoop(t, dec, onStarted)
	return nil
}

func (s *PlaybackSink) openDevice() error {
	actx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return fmt.Errorf("init playback context: %w", err)
	}
	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = 1
	cfg.SampleRate = playbackSampleRate
	cfg.Alsa.NoMMap = 1

	device, err := malgo.InitDevice(actx.Context, cfg, malgo.DeviceCallbacks{
		Data: s.fill,
	})
	if err != nil {
		_ = actx.Uninit()
		actx.Free()
		return fmt.Errorf("init playback device: %w", err)
	}

	s.mu.Lock()
	s.actx = actx
	s.device = device
	s.mu.Unlock()
	return nil
}

// fill runs on the output device clock: pop queued samples, zero-pad when
// the queue runs dry.
func (s *PlaybackSink) fill(out, _ []byte, frameCount uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := int(frameCount)
	for i := 0; i < n; i++ {
		var sample int16
		if len(s.queue) > 0 {
			sample = s.queue[0]
			s.queue = s.queue[1:]
		}
		out[i*2] = byte(sample)
		out[i*2+1] = byte(sample >> 8)
	}
}

func (s *PlaybackSink) readLoop(t avatar.Track, dec *opus.Decoder, onStarted func()) {
	pcm := make([]int16, maxOpusFrame)
	for {
		payload, err := t.ReadPayload()
		if err != nil {
			return
		}
		if len(payload) == 0 {
			continue
		}
		n, err := dec.Decode(payload, pcm)
		if err != nil || n == 0 {
			continue
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		s.queue = append(s.queue, pcm[:n]...)
		device := s.device
		start := !s.started
		if start {
			s.started = true
		}
		s.mu.Unlock()

		if start && device != nil {
			if err := device.Start(); err != nil {
				log.Error().Err(err).Str("module", "media").Msg("playback start")
				continue
			}
			if onStarted != nil {
				onStarted()
			}
		}
	}
}

func (s *PlaybackSink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.queue = nil
	device := s.device
	actx := s.actx
	s.device = nil
	s.actx = nil
	s.mu.Unlock()

	if device != nil {
		device.Uninit()
	}
	if actx != nil {
		_ = actx.Uninit()
		actx.Free()
	}
}

// DrainSink consumes a track without rendering it. The first payload read
// confirms media is flowing, which is what flips the avatar to Connected
// for the video track.
type DrainSink struct {
	mu     sync.Mutex
	closed bool
	stop   chan struct{}
}

func NewDrainSink() (avatar.Sink, error) {
	return &DrainSink{stop: make(chan struct{})}, nil
}

func (s *DrainSink) Bind(t avatar.Track, onStarted func()) error {
	go func() {
		first := true
		for {
			select {
			case <-s.stop:
				return
			default:
			}
			if _, err := t.ReadPayload(); err != nil {
				return
			}
			if first {
				first = false
				if onStarted != nil {
					onStarted()
				}
			}
		}
	}()
	return nil
}

func (s *DrainSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.stop)
}
