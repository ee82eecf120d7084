package avatar

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/voxlive/voxlive/internal/protocol"
)

// Negotiator runs the offer/answer handshake for the synthesized avatar's
// media connection and supervises its lifecycle. At most one live peer link
// exists at a time; a failed negotiation never touches the voice session.
type Negotiator struct {
	sid      string
	api      NegotiationAPI
	newLink  LinkFactory
	newAudio SinkFactory
	newVideo SinkFactory
	logger   zerolog.Logger

	mu    sync.Mutex
	state State
	link  PeerLink
	sinks []Sink
	ice   []protocol.ICEServer
}

func NewNegotiator(sessionID string, api NegotiationAPI, newLink LinkFactory, newAudio, newVideo SinkFactory) *Negotiator {
	return &Negotiator{
		sid:      sessionID,
		api:      api,
		newLink:  newLink,
		newAudio: newAudio,
		newVideo: newVideo,
		logger:   log.With().Str("module", "avatar").Str("sid", sessionID).Logger(),
	}
}

// State returns the current lifecycle state.
func (n *Negotiator) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// SetICEServers replaces the ICE configuration wholesale. Only the next
// Connect sees the new set; an in-progress negotiation is untouched. An
// empty set keeps the previous configuration.
func (n *Negotiator) SetICEServers(servers []protocol.ICEServer) {
	if len(servers) == 0 {
		return
	}
	n.mu.Lock()
	n.ice = servers
	n.mu.Unlock()
	n.logger.Info().Int("count", len(servers)).Msg("ICE servers refreshed")
}

// Connect runs the full handshake: peer link with the current ICE config,
// recvonly transceivers, complete local offer (ICE gathering waited out),
// offer/answer exchange with the negotiation endpoint. Connected is flipped
// only when the inbound video track starts playing, not here.
func (n *Negotiator) Connect(ctx context.Context) error {
	n.mu.Lock()
	if n.state != StateIdle {
		n.mu.Unlock()
		return ErrBusy
	}
	n.state = StateNegotiating
	servers := n.ice
	if len(servers) == 0 {
		servers = DefaultICEServers()
	}
	n.mu.Unlock()
	n.logger.Info().Msg("avatar negotiation started")

	link, err := n.newLink(servers)
	if err != nil {
		return n.fail(nil, fmt.Errorf("create peer link: %w", err))
	}
	link.OnTrack(n.handleTrack)
	link.OnStateChange(n.handleLinkState)

	n.mu.Lock()
	if n.state != StateNegotiating {
		// torn down while we were setting up
		n.mu.Unlock()
		link.Close()
		return fmt.Errorf("%w: negotiation cancelled", ErrNegotiationFailed)
	}
	n.link = link
	n.mu.Unlock()

	offer, err := link.CreateOffer(ctx)
	if err != nil {
		return n.fail(link, fmt.Errorf("create offer: %w", err))
	}

	answer, err := n.api.ConnectAvatar(ctx, n.sid, offer)
	if err != nil {
		return n.fail(link, fmt.Errorf("negotiation endpoint: %w", err))
	}
	if answer == "" {
		return n.fail(link, errors.New("empty remote description"))
	}
	if err := link.ApplyAnswer(answer); err != nil {
		return n.fail(link, fmt.Errorf("apply answer: %w", err))
	}

	n.logger.Info().Msg("remote description applied, waiting for media")
	return nil
}

// fail releases the half-built connection, reports, and returns to Idle.
// If the negotiation was already torn down concurrently, state is left
// alone and only the error is reported.
func (n *Negotiator) fail(link PeerLink, cause error) error {
	n.mu.Lock()
	stillOurs := n.state == StateNegotiating
	var sinks []Sink
	if stillOurs {
		n.state = StateFailed
		n.link = nil
		sinks = n.sinks
		n.sinks = nil
	}
	n.mu.Unlock()

	if link != nil {
		link.Close()
	}
	for _, s := range sinks {
		s.Close()
	}
	n.logger.Error().Err(cause).Msg("avatar negotiation failed")

	if stillOurs {
		n.mu.Lock()
		if n.state == StateFailed {
			n.state = StateIdle
		}
		n.mu.Unlock()
	}
	return fmt.Errorf("%w: %w", ErrNegotiationFailed, cause)
}

// handleTrack binds each inbound track to a sink. Track arrival of video is
// the authoritative connected signal: SDP completion alone does not
// guarantee media flow.
func (n *Negotiator) handleTrack(t Track) {
	n.mu.Lock()
	live := n.state == StateNegotiating || n.state == StateConnected
	n.mu.Unlock()
	if !live {
		return
	}

	var (
		factory   SinkFactory
		onStarted func()
	)
	switch t.Kind() {
	case "video":
		factory = n.newVideo
		onStarted = n.markConnected
	case "audio":
		factory = n.newAudio
		onStarted = func() { n.logger.Info().Msg("avatar audio playing") }
	default:
		n.logger.Warn().Str("kind", t.Kind()).Msg("unexpected track kind")
		return
	}

	sink, err := factory()
	if err != nil {
		n.logger.Error().Err(err).Str("kind", t.Kind()).Msg("sink create")
		return
	}
	if err := sink.Bind(t, onStarted); err != nil {
		n.logger.Error().Err(err).Str("kind", t.Kind()).Msg("sink bind")
		sink.Close()
		return
	}

	n.mu.Lock()
	n.sinks = append(n.sinks, sink)
	n.mu.Unlock()
	n.logger.Info().Str("kind", t.Kind()).Msg("track bound")
}

func (n *Negotiator) markConnected() {
	n.mu.Lock()
	if n.state == StateNegotiating {
		n.state = StateConnected
		n.mu.Unlock()
		n.logger.Info().Msg("avatar connected")
		return
	}
	n.mu.Unlock()
}

// handleLinkState observes the transport's own connection-state changes.
// A failure outside the connect flow tears the connection down with
// reporting; a transport disconnect clears the stored handle without
// clearing rendered media.
func (n *Negotiator) handleLinkState(st LinkState) {
	switch st {
	case LinkFailed:
		n.mu.Lock()
		if n.state != StateNegotiating && n.state != StateConnected {
			n.mu.Unlock()
			return
		}
		n.state = StateFailed
		link := n.link
		n.link = nil
		sinks := n.sinks
		n.sinks = nil
		n.mu.Unlock()

		if link != nil {
			link.Close()
		}
		for _, s := range sinks {
			s.Close()
		}
		n.logger.Error().Msg("media transport failed")

		n.mu.Lock()
		if n.state == StateFailed {
			n.state = StateIdle
		}
		n.mu.Unlock()
	case LinkDisconnected:
		n.mu.Lock()
		n.link = nil
		n.mu.Unlock()
		n.logger.Warn().Msg("media transport disconnected")
	}
}

// Disconnect releases the peer link and all bound sinks from any state,
// calls the teardown endpoint best-effort, and returns to Idle.
func (n *Negotiator) Disconnect(ctx context.Context) {
	hadConnection := n.release()
	if hadConnection {
		if err := n.api.DisconnectAvatar(ctx, n.sid); err != nil {
			// Failure to reach the endpoint never blocks local teardown.
			n.logger.Warn().Err(err).Msg("teardown endpoint unreachable")
		}
	}
	n.logger.Info().Msg("avatar disconnected")
}

// HandleRemoteTeardown performs the same local release as Disconnect but
// skips the teardown endpoint: the server already knows.
func (n *Negotiator) HandleRemoteTeardown() {
	n.release()
	n.logger.Info().Msg("avatar torn down by server")
}

func (n *Negotiator) release() bool {
	n.mu.Lock()
	hadConnection := n.state == StateNegotiating || n.state == StateConnected
	link := n.link
	sinks := n.sinks
	n.link = nil
	n.sinks = nil
	n.state = StateIdle
	n.mu.Unlock()

	if link != nil {
		link.Close()
	}
	for _, s := range sinks {
		s.Close()
	}
	return hadConnection
}

// SinkCount reports the number of bound media sinks.
func (n *Negotiator) SinkCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sinks)
}
