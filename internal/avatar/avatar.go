package avatar

import (
	"context"
	"errors"

	"github.com/voxlive/voxlive/internal/protocol"
)

// State is the avatar connection lifecycle.
type State int32

const (
	StateIdle State = iota
	StateNegotiating
	StateConnected
	StateFailed
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

var (
	// ErrBusy rejects connect while a negotiation or connection is live.
	ErrBusy = errors.New("avatar connection already in progress")
	// ErrNegotiationFailed wraps any failure along the connect path.
	ErrNegotiationFailed = errors.New("avatar negotiation failed")
)

// LinkState mirrors the underlying transport's connection state.
type LinkState int

const (
	LinkConnected LinkState = iota
	LinkDisconnected
	LinkFailed
	LinkClosed
)

// Track is one inbound media track from the peer connection.
type Track interface {
	// Kind is "audio" or "video".
	Kind() string
	// ReadPayload blocks for the next codec payload. It returns an error
	// once the track is gone.
	ReadPayload() ([]byte, error)
}

// PeerLink is the slice of a peer connection the negotiator drives.
// Implemented by adapters/rtc; tests inject fakes.
type PeerLink interface {
	// CreateOffer produces a complete (non-trickle) local offer: it waits
	// for ICE gathering to finish before returning the SDP.
	CreateOffer(ctx context.Context) (string, error)
	ApplyAnswer(sdp string) error
	OnTrack(func(Track))
	OnStateChange(func(LinkState))
	Close()
}

// LinkFactory builds a peer link configured with the given ICE servers.
type LinkFactory func(servers []protocol.ICEServer) (PeerLink, error)

// Sink consumes one bound media track. Bind starts playback and invokes
// onStarted once media is actually flowing. Close detaches and releases the
// sink; it must succeed even if the remote side never acknowledged.
type Sink interface {
	Bind(t Track, onStarted func()) error
	Close()
}

// SinkFactory creates a fresh sink per bound track.
type SinkFactory func() (Sink, error)

// NegotiationAPI is the HTTP negotiation endpoint.
type NegotiationAPI interface {
	ConnectAvatar(ctx context.Context, sessionID, clientSDP string) (string, error)
	DisconnectAvatar(ctx context.Context, sessionID string) error
}

// DefaultICEServers is used when the server never supplies a configuration.
func DefaultICEServers() []protocol.ICEServer {
	return []protocol.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
}
