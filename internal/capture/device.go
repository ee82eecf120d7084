package capture

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
	"github.com/rs/zerolog/log"
)

// ErrUnavailable is returned when the microphone device cannot be acquired
// (missing hardware, permission denied, backend init failure).
var ErrUnavailable = errors.New("capture device unavailable")

// Source delivers mono float32 frames from an exclusive capture device.
// Stop must be idempotent and must succeed even if the device already
// vanished.
type Source interface {
	Start(onFrames func(samples []float32)) error
	Stop()
}

// MalgoSource captures microphone input through miniaudio.
type MalgoSource struct {
	sampleRate int

	mu     sync.Mutex
	actx   *malgo.AllocatedContext
	device *malgo.Device
}

func NewMalgoSource(sampleRate int) *MalgoSource {
	return &MalgoSource{sampleRate: sampleRate}
}

func (s *MalgoSource) Start(onFrames func(samples []float32)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device != nil {
		return fmt.Errorf("%w: device already acquired", ErrUnavailable)
	}

	actx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return fmt.Errorf("%w: init context: %v", ErrUnavailable, err)
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = 1
	cfg.SampleRate = uint32(s.sampleRate)
	cfg.Alsa.NoMMap = 1

	callbacks := malgo.DeviceCallbacks{
		// Hardware-clocked: must never block. onFrames only converts and
		// enqueues, it does not touch the network.
		Data: func(_, input []byte, frameCount uint32) {
			onFrames(float32FromBytes(input, int(frameCount)))
		},
	}

	device, err := malgo.InitDevice(actx.Context, cfg, callbacks)
	if err != nil {
		_ = actx.Uninit()
		actx.Free()
		return fmt.Errorf("%w: init device: %v", ErrUnavailable, err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		_ = actx.Uninit()
		actx.Free()
		return fmt.Errorf("%w: start device: %v", ErrUnavailable, err)
	}

	s.actx = actx
	s.device = device
	log.Info().Str("module", "capture").Int("sample_rate", s.sampleRate).Msg("microphone acquired")
	return nil
}

func (s *MalgoSource) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device != nil {
		s.device.Uninit()
		s.device = nil
	}
	if s.actx != nil {
		if err := s.actx.Uninit(); err != nil {
			log.Error().Err(err).Str("module", "capture").Msg("context uninit")
		}
		s.actx.Free()
		s.actx = nil
	}
}
