package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/voxlive/voxlive/internal/avatar"
	"github.com/voxlive/voxlive/internal/capture"
	"github.com/voxlive/voxlive/internal/protocol"
	"github.com/voxlive/voxlive/internal/transcript"
)

// ChannelState is the duplex channel's connection state.
type ChannelState int32

const (
	StateDisconnected ChannelState = iota
	StateConnecting
	StateConnected
)

func (s ChannelState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

var (
	// ErrNotConfigured means no agent identity is available; surfaced
	// before any network call is made.
	ErrNotConfigured = errors.New("no agent configured")
	// ErrStarted rejects a second Start: exactly one open channel exists
	// per session.
	ErrStarted = errors.New("session already started")
	// ErrNotStarted rejects commands that need a live session.
	ErrNotStarted = errors.New("session not started")
	// ErrEmptyMessage rejects blank text before any network call.
	ErrEmptyMessage = errors.New("empty message")
)

// Channel is the duplex event channel the session owns.
type Channel interface {
	TrySend(frame []byte) error
	Inbound() <-chan []byte
	Close()
}

// DialFunc opens the channel keyed by a session identifier.
type DialFunc func(ctx context.Context, sessionID string) (Channel, error)

// Backend is the session-side HTTP surface.
type Backend interface {
	CreateSession(ctx context.Context) (string, error)
	SendMessage(ctx context.Context, sessionID, text string) error
}

// Options wires one Session. NewNegotiator is invoked once the remote side
// has issued the session identifier.
type Options struct {
	AgentID       string
	Backend       Backend
	Dial          DialFunc
	NewSource     func() capture.Source
	NewNegotiator func(sessionID string) *avatar.Negotiator

	ChunkSize    int
	RecentWindow int
	TrimAt       int
	TrimTo       int
}

// Session owns one conversation: the duplex channel, the transcript
// history, at most one capture pipeline, and at most one avatar negotiator.
// Inbound envelopes are handled on a single read loop, so no two handlers
// for the same session run concurrently.
type Session struct {
	opts    Options
	history *transcript.History
	logger  zerolog.Logger

	mu         sync.Mutex
	id         string
	state      ChannelState
	ch         Channel
	pipeline   *capture.Pipeline
	negotiator *avatar.Negotiator
	done       chan struct{}
}

func New(opts Options) *Session {
	return &Session{
		opts:    opts,
		history: transcript.NewHistory(opts.RecentWindow, opts.TrimAt, opts.TrimTo),
		logger:  log.With().Str("module", "session").Logger(),
	}
}

// Start requests a session identifier from the backend and opens the duplex
// channel keyed by it. Fails before any network call when no agent identity
// is configured.
func (s *Session) Start(ctx context.Context) error {
	if strings.TrimSpace(s.opts.AgentID) == "" {
		return ErrNotConfigured
	}

	s.mu.Lock()
	if s.state != StateDisconnected {
		s.mu.Unlock()
		return ErrStarted
	}
	s.state = StateConnecting
	s.mu.Unlock()

	id, err := s.opts.Backend.CreateSession(ctx)
	if err != nil {
		s.setState(StateDisconnected)
		return fmt.Errorf("create session: %w", err)
	}

	ch, err := s.opts.Dial(ctx, id)
	if err != nil {
		s.setState(StateDisconnected)
		return fmt.Errorf("open channel: %w", err)
	}

	s.mu.Lock()
	s.id = id
	s.ch = ch
	s.state = StateConnected
	s.negotiator = s.opts.NewNegotiator(id)
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	s.logger = log.With().Str("module", "session").Str("sid", id).Logger()
	s.logger.Info().Str("agent_id", s.opts.AgentID).Msg("session started")

	go s.readLoop(ch, done)
	return nil
}

// readLoop serializes all inbound envelope handling. When the channel
// closes it marks the session Disconnected and releases the channel handle;
// any active capture pipeline or negotiator is left to the caller to stop
// explicitly.
func (s *Session) readLoop(ch Channel, done chan struct{}) {
	defer close(done)
	for frame := range ch.Inbound() {
		s.handle(protocol.Decode(frame))
	}

	s.mu.Lock()
	if s.ch == ch {
		s.ch = nil
		s.state = StateDisconnected
	}
	s.mu.Unlock()
	s.logger.Info().Msg("channel closed")
}

func (s *Session) handle(env protocol.Envelope) {
	switch env.Kind {
	case protocol.KindSessionReady:
		s.logger.Info().Str("remote_sid", env.SessionID).Msg("session ready")
	case protocol.KindUserTranscriptCompleted:
		s.history.UserCompleted(env.Transcript)
	case protocol.KindAssistantTranscriptDelta:
		s.history.AssistantDelta(env.Delta)
	case protocol.KindAssistantTranscriptDone:
		s.history.AssistantDone(env.Transcript)
	case protocol.KindSpeechStarted, protocol.KindResponseDone:
		s.history.DropStreaming()
	case protocol.KindSpeechStopped:
		s.logger.Debug().Msg("speech stopped")
	case protocol.KindAvatarConnecting:
		s.logger.Info().Msg("avatar connecting (server)")
	case protocol.KindAvatarConnected:
		s.logger.Info().Msg("avatar connected (server)")
	case protocol.KindAvatarDisconnected:
		if n := s.currentNegotiator(); n != nil {
			n.HandleRemoteTeardown()
		}
	case protocol.KindEvent:
		if servers := protocol.ExtractICEServers(env.Payload); len(servers) > 0 {
			if n := s.currentNegotiator(); n != nil {
				n.SetICEServers(servers)
			}
		}
	case protocol.KindError:
		s.logger.Error().Interface("payload", env.Payload).Msg("server error event")
	default:
		s.logger.Warn().RawJSON("frame", env.Raw).Msg("unknown envelope kind")
	}
}

// SendText posts a text message to the backend. Blank text and a missing
// session are rejected without any network call. No local echo turn is
// synthesized.
func (s *Session) SendText(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	s.mu.Lock()
	id := s.id
	s.mu.Unlock()
	if id == "" {
		return ErrNotStarted
	}
	return s.opts.Backend.SendMessage(ctx, id, text)
}

// StartCapture acquires the microphone and begins streaming audio
// envelopes. Frames produced while the channel is not connected are
// silently dropped.
func (s *Session) StartCapture() error {
	s.mu.Lock()
	if s.id == "" {
		s.mu.Unlock()
		return ErrNotStarted
	}
	if s.pipeline == nil {
		s.pipeline = capture.NewPipeline(s.opts.NewSource(), sessionSender{s}, s.opts.ChunkSize)
	}
	p := s.pipeline
	s.mu.Unlock()
	return p.Start()
}

// StopCapture releases capture resources and commits the utterance when the
// channel is still connected. Safe from any state.
func (s *Session) StopCapture() {
	s.mu.Lock()
	p := s.pipeline
	s.mu.Unlock()
	if p != nil {
		p.Stop()
	}
}

// CancelCapture releases capture resources and asks the remote side to
// discard the buffered utterance instead of committing it.
func (s *Session) CancelCapture() {
	s.mu.Lock()
	p := s.pipeline
	s.mu.Unlock()
	if p != nil {
		p.Abort()
	}
}

// ConnectAvatar runs the avatar negotiation for this session.
func (s *Session) ConnectAvatar(ctx context.Context) error {
	n := s.currentNegotiator()
	if n == nil {
		return ErrNotStarted
	}
	return n.Connect(ctx)
}

// DisconnectAvatar tears the avatar connection down from any state.
func (s *Session) DisconnectAvatar(ctx context.Context) {
	if n := s.currentNegotiator(); n != nil {
		n.Disconnect(ctx)
	}
}

// ClearHistory atomically empties the turn sequences and the in-flight
// streaming turn. Channel and media state are untouched.
func (s *Session) ClearHistory() {
	s.history.Clear()
}

// Close is the explicit full-teardown path: capture stop, avatar
// disconnect, channel close. Idempotent.
func (s *Session) Close(ctx context.Context) {
	s.StopCapture()
	s.DisconnectAvatar(ctx)

	s.mu.Lock()
	ch := s.ch
	s.ch = nil
	s.state = StateDisconnected
	done := s.done
	s.mu.Unlock()

	if ch != nil {
		ch.Close()
	}
	if done != nil {
		<-done
	}
	s.logger.Info().Msg("session closed")
}

// ID returns the identifier issued by the remote side, if started.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// State returns the channel connection state.
func (s *Session) State() ChannelState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// History exposes the transcript aggregate.
func (s *Session) History() *transcript.History {
	return s.history
}

// Avatar exposes the negotiator for state inspection; nil before Start.
func (s *Session) Avatar() *avatar.Negotiator {
	return s.currentNegotiator()
}

func (s *Session) currentNegotiator() *avatar.Negotiator {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.negotiator
}

func (s *Session) setState(st ChannelState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// sessionSender routes capture output through the session's current
// channel, dropping frames whenever it is not connected.
type sessionSender struct {
	s *Session
}

func (w sessionSender) TrySend(frame []byte) error {
	w.s.mu.Lock()
	ch := w.s.ch
	connected := w.s.state == StateConnected
	w.s.mu.Unlock()
	if ch == nil || !connected {
		return ErrNotStarted
	}
	return ch.TrySend(frame)
}
