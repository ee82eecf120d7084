package rtc

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/voxlive/voxlive/internal/avatar"
	"github.com/voxlive/voxlive/internal/protocol"
)

// Conn wraps a pion PeerConnection as an avatar.PeerLink: receive-only
// audio/video, complete (non-trickle) local offers, remote answer applied
// from the negotiation endpoint.
type Conn struct {
	pc  *webrtc.PeerConnection
	sid string

	onTrack func(avatar.Track)
	onState func(avatar.LinkState)
}

// NewLinkFactory returns the avatar.LinkFactory used for real connections.
func NewLinkFactory(sid string) avatar.LinkFactory {
	return func(servers []protocol.ICEServer) (avatar.PeerLink, error) {
		return NewConn(sid, servers)
	}
}

func NewConn(sid string, servers []protocol.ICEServer) (*Conn, error) {
	cfg := webrtc.Configuration{ICEServers: toICEServers(servers)}
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	c := &Conn{pc: pc, sid: sid}

	recvonly := webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, recvonly); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("add audio transceiver: %w", err)
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, recvonly); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("add video transceiver: %w", err)
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "rtc").
			Str("sid", c.sid).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Msg("OnTrack received")
		if c.onTrack != nil {
			c.onTrack(&remoteTrack{track: track})
		}
	})

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "rtc").Str("sid", c.sid).Str("ice_state", s.String()).Msg("ICE state")
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("sid", c.sid).Str("peer_connection_state", s.String()).Msg("Peer state")
		if c.onState == nil {
			return
		}
		switch s {
		case webrtc.PeerConnectionStateConnected:
			c.onState(avatar.LinkConnected)
		case webrtc.PeerConnectionStateDisconnected:
			c.onState(avatar.LinkDisconnected)
		case webrtc.PeerConnectionStateFailed:
			c.onState(avatar.LinkFailed)
		case webrtc.PeerConnectionStateClosed:
			c.onState(avatar.LinkClosed)
		}
	})

	return c, nil
}

// CreateOffer produces the local description and blocks until ICE gathering
// completes, so the returned SDP carries all candidates.
func (c *Conn) CreateOffer(ctx context.Context) (string, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}
	gatherComplete := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return "", err
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	local := c.pc.LocalDescription()
	if local == nil {
		return "", fmt.Errorf("no local description after gathering")
	}
	return local.SDP, nil
}

func (c *Conn) ApplyAnswer(sdp string) error {
	return c.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	})
}

func (c *Conn) OnTrack(fn func(avatar.Track)) { c.onTrack = fn }

func (c *Conn) OnStateChange(fn func(avatar.LinkState)) { c.onState = fn }

func (c *Conn) Close() {
	if err := c.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("sid", c.sid).Msg("close error")
	} else {
		log.Info().Str("module", "rtc").Str("sid", c.sid).Msg("closed")
	}
}

func toICEServers(servers []protocol.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		entry := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			entry.Credential = s.Credential
		}
		out = append(out, entry)
	}
	return out
}

// remoteTrack adapts a pion remote track to avatar.Track.
type remoteTrack struct {
	track *webrtc.TrackRemote
}

func (t *remoteTrack) Kind() string { return t.track.Kind().String() }

func (t *remoteTrack) ReadPayload() ([]byte, error) {
	pkt, _, err := t.track.ReadRTP()
	if err != nil {
		return nil, err
	}
	return pkt.Payload, nil
}
