package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/voxlive/voxlive/internal/config"
)

var (
	ErrUpstreamClosed  = errors.New("upstream connection closed")
	ErrAvatarBusy      = errors.New("avatar negotiation already in progress")
	ErrAvatarConnected = errors.New("avatar already connected")
	ErrEmptyServerSDP  = errors.New("empty server sdp")
)

const (
	subscriberQueueSize = 200
	upstreamQueueSize   = 64
	upstreamWriteWait   = 5 * time.Second
)

// Subscriber receives the translated event stream of one bridge. Events
// that cannot be queued are dropped so one slow consumer never stalls the
// upstream read loop.
type Subscriber struct {
	C chan []byte
}

// Bridge owns one upstream realtime connection. It translates upstream
// event types into the envelope vocabulary clients consume and fans the
// result out to subscribers.
type Bridge struct {
	sid    string
	cfg    config.Gateway
	agent  config.Agent
	logger zerolog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	send      chan []byte
	subs      map[*Subscriber]struct{}
	sdpWait   chan string
	avatarUp  bool
	closed    bool
	closeOnce sync.Once
}

func NewBridge(sid string, cfg config.Gateway, agent config.Agent) *Bridge {
	return &Bridge{
		sid:    sid,
		cfg:    cfg,
		agent:  agent,
		logger: log.With().Str("module", "gateway.bridge").Str("sid", sid).Logger(),
		subs:   make(map[*Subscriber]struct{}),
	}
}

// Connect dials the upstream realtime endpoint and pushes the session
// configuration. Idempotent while the connection is open.
func (b *Bridge) Connect(ctx context.Context) error {
	b.mu.Lock()
	if b.conn != nil || b.closed {
		closed := b.closed
		b.mu.Unlock()
		if closed {
			return ErrUpstreamClosed
		}
		return nil
	}
	b.mu.Unlock()

	u, err := upstreamURL(b.cfg, b.agent)
	if err != nil {
		return err
	}
	header := http.Header{}
	header.Set("api-key", b.cfg.APIKey)
	header.Set("x-ms-client-request-id", uuid.NewString())

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u, header)
	if err != nil {
		return fmt.Errorf("dial upstream: %w", err)
	}
	b.logger.Info().Msg("upstream connected")

	b.mu.Lock()
	b.conn = ws
	b.send = make(chan []byte, upstreamQueueSize)
	b.mu.Unlock()

	go b.writePump(ws)
	go b.readPump(ws)

	return b.sendUpstream("session.update", map[string]any{"session": b.sessionConfig()})
}

func upstreamURL(cfg config.Gateway, agent config.Agent) (string, error) {
	base := strings.TrimRight(cfg.UpstreamURL, "/")
	base = strings.Replace(base, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	u, err := url.Parse(base + "/voice-live/realtime")
	if err != nil {
		return "", fmt.Errorf("upstream url: %w", err)
	}
	q := u.Query()
	q.Set("api-version", cfg.APIVersion)
	q.Set("model", agent.Model)
	if agent.ID != "" {
		q.Set("agent-id", agent.ID)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// sessionConfig is sent once per connection: server-side VAD, deep noise
// suppression and echo cancellation run upstream, so clients ship raw
// microphone audio.
func (b *Bridge) sessionConfig() map[string]any {
	session := map[string]any{
		"modalities": []string{"text", "audio", "avatar"},
		"turn_detection": map[string]any{
			"type":                "azure_semantic_vad",
			"threshold":           0.3,
			"prefix_padding_ms":   200,
			"silence_duration_ms": 200,
			"remove_filler_words": false,
			"end_of_utterance_detection": map[string]any{
				"model":     "semantic_detection_v1",
				"threshold": 0.01,
				"timeout":   2,
			},
		},
		"input_audio_noise_reduction": map[string]any{
			"type": "azure_deep_noise_suppression",
		},
		"input_audio_echo_cancellation": map[string]any{
			"type": "server_echo_cancellation",
		},
		"voice": map[string]any{
			"name":        b.cfg.Voice,
			"type":        "azure-standard",
			"temperature": 0.8,
		},
		"avatar": b.avatarConfig(),
	}
	if b.agent.Instructions != "" {
		session["instructions"] = b.agent.Instructions
	}
	return session
}

func (b *Bridge) avatarConfig() map[string]any {
	cfg := map[string]any{
		"character":  b.cfg.AvatarCharacter,
		"style":      b.cfg.AvatarStyle,
		"customized": false,
		"video": map[string]any{
			"resolution": map[string]any{
				"width":  b.cfg.VideoWidth,
				"height": b.cfg.VideoHeight,
			},
			"bitrate": b.cfg.Bitrate,
		},
	}
	if len(b.cfg.IceURLs) > 0 {
		cfg["ice_servers"] = []map[string]any{{"urls": b.cfg.IceURLs}}
	}
	return cfg
}

// Subscribe attaches an event queue; the caller must Unsubscribe it.
func (b *Bridge) Subscribe() *Subscriber {
	sub := &Subscriber{C: make(chan []byte, subscriberQueueSize)}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

func (b *Bridge) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
}

// SendUserText injects a user message and asks for a response.
func (b *Bridge) SendUserText(text string) error {
	if err := b.sendUpstream("conversation.item.create", map[string]any{
		"item": map[string]any{
			"type": "message",
			"role": "user",
			"content": []map[string]any{
				{"type": "input_text", "text": text},
			},
		},
	}); err != nil {
		return err
	}
	return b.sendUpstream("response.create", nil)
}

// SendAudio appends one base64 chunk to the upstream input buffer.
func (b *Bridge) SendAudio(audioB64 string) error {
	return b.sendUpstream("input_audio_buffer.append", map[string]any{"audio": audioB64})
}

func (b *Bridge) CommitAudio() error {
	return b.sendUpstream("input_audio_buffer.commit", nil)
}

func (b *Bridge) ClearAudio() error {
	return b.sendUpstream("input_audio_buffer.clear", nil)
}

// ConnectAvatar forwards the client offer upstream and blocks until the
// answer arrives on the event stream or ctx expires. One negotiation at a
// time; a connected avatar must be disconnected first.
func (b *Bridge) ConnectAvatar(ctx context.Context, clientSDP string) (string, error) {
	b.mu.Lock()
	if b.avatarUp {
		b.mu.Unlock()
		return "", ErrAvatarConnected
	}
	if b.sdpWait != nil {
		b.mu.Unlock()
		return "", ErrAvatarBusy
	}
	wait := make(chan string, 1)
	b.sdpWait = wait
	b.mu.Unlock()

	clearWait := func() {
		b.mu.Lock()
		if b.sdpWait == wait {
			b.sdpWait = nil
		}
		b.mu.Unlock()
	}

	err := b.sendUpstream("session.avatar.connect", map[string]any{
		"client_sdp":        EncodeClientSDP(clientSDP),
		"rtc_configuration": map[string]any{"bundle_policy": "max-bundle"},
	})
	if err != nil {
		clearWait()
		return "", err
	}

	select {
	case sdp, ok := <-wait:
		clearWait()
		if !ok || sdp == "" {
			return "", ErrEmptyServerSDP
		}
		b.mu.Lock()
		b.avatarUp = true
		b.mu.Unlock()
		return sdp, nil
	case <-ctx.Done():
		clearWait()
		return "", ctx.Err()
	}
}

// DisconnectAvatar tells the upstream to drop the avatar stream. A no-op
// when no avatar is connected.
func (b *Bridge) DisconnectAvatar() error {
	b.mu.Lock()
	up := b.avatarUp
	b.avatarUp = false
	b.mu.Unlock()
	if !up {
		return nil
	}
	return b.sendUpstream("session.avatar.disconnect", map[string]any{})
}

// Close tears the upstream connection down. Idempotent.
func (b *Bridge) Close() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		conn := b.conn
		send := b.send
		b.conn = nil
		b.mu.Unlock()
		if send != nil {
			close(send)
		}
		if conn != nil {
			_ = conn.Close()
		}
		b.logger.Info().Msg("upstream closed")
	})
}

func (b *Bridge) sendUpstream(eventType string, data map[string]any) error {
	payload := map[string]any{
		"event_id": "evt_" + uuid.NewString(),
		"type":     eventType,
	}
	for k, v := range data {
		payload[k] = v
	}
	frame, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode upstream event: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil || b.closed {
		return ErrUpstreamClosed
	}
	select {
	case b.send <- frame:
		return nil
	default:
		return fmt.Errorf("upstream send queue full")
	}
}

func (b *Bridge) writePump(ws *websocket.Conn) {
	b.mu.Lock()
	send := b.send
	b.mu.Unlock()
	for data := range send {
		if err := ws.SetWriteDeadline(time.Now().Add(upstreamWriteWait)); err != nil {
			b.logger.Error().Err(err).Msg("writePump set deadline")
			return
		}
		if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
			b.logger.Error().Err(err).Msg("writePump write error")
			return
		}
	}
}

func (b *Bridge) readPump(ws *websocket.Conn) {
	defer b.Close()
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			b.mu.Lock()
			closed := b.closed
			b.mu.Unlock()
			if !closed {
				b.logger.Error().Err(err).Msg("readPump read error")
				b.broadcast(map[string]any{"type": "error", "payload": map[string]any{"message": err.Error()}})
			}
			return
		}
		b.handleUpstream(data)
	}
}

// handleUpstream maps upstream event types onto the envelope vocabulary.
// Unmapped types are forwarded as generic "event" envelopes so clients can
// mine them (ICE server refresh rides on those).
func (b *Bridge) handleUpstream(data []byte) {
	var event map[string]any
	if err := json.Unmarshal(data, &event); err != nil {
		b.logger.Warn().Msg("undecodable upstream message")
		return
	}
	eventType, _ := event["type"].(string)

	switch eventType {
	case "error":
		b.broadcast(map[string]any{"type": "error", "payload": event})
	case "response.audio.delta":
		b.broadcast(map[string]any{"type": "assistant_audio_delta", "delta": event["delta"]})
	case "response.audio.done":
		b.broadcast(map[string]any{"type": "assistant_audio_done", "payload": event})
	case "response.audio_transcript.delta":
		b.broadcast(map[string]any{
			"type":    "assistant_transcript_delta",
			"delta":   event["delta"],
			"item_id": event["item_id"],
		})
	case "response.audio_transcript.done":
		b.broadcast(map[string]any{
			"type":       "assistant_transcript_done",
			"transcript": event["transcript"],
			"item_id":    event["item_id"],
		})
	case "conversation.item.input_audio_transcription.completed":
		b.broadcast(map[string]any{
			"type":       "user_transcript_completed",
			"transcript": event["transcript"],
			"item_id":    event["item_id"],
		})
	case "input_audio_buffer.speech_started":
		b.broadcast(map[string]any{"type": "speech_started"})
	case "input_audio_buffer.speech_stopped":
		b.broadcast(map[string]any{"type": "speech_stopped"})
	case "input_audio_buffer.committed":
		b.broadcast(map[string]any{"type": "input_audio_committed"})
	case "session.avatar.connecting":
		raw, _ := event["server_sdp"].(string)
		b.resolveSDP(DecodeServerSDP(raw))
		b.broadcast(map[string]any{"type": "avatar_connecting"})
	case "session.avatar.connected":
		b.broadcast(map[string]any{"type": "avatar_connected"})
	case "session.avatar.disconnected":
		b.mu.Lock()
		b.avatarUp = false
		wait := b.sdpWait
		b.sdpWait = nil
		b.mu.Unlock()
		if wait != nil {
			close(wait)
		}
		b.broadcast(map[string]any{"type": "avatar_disconnected"})
	case "response.done":
		b.broadcast(map[string]any{"type": "response_done", "payload": event})
	default:
		b.broadcast(map[string]any{"type": "event", "payload": event})
	}
}

func (b *Bridge) resolveSDP(sdp string) {
	b.mu.Lock()
	wait := b.sdpWait
	b.mu.Unlock()
	if wait == nil {
		b.logger.Warn().Msg("answer sdp arrived with no negotiation waiting")
		return
	}
	select {
	case wait <- sdp:
	default:
	}
}

func (b *Bridge) broadcast(event map[string]any) {
	frame, err := json.Marshal(event)
	if err != nil {
		b.logger.Error().Err(err).Msg("broadcast marshal")
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		select {
		case sub.C <- frame:
		default:
			b.logger.Warn().Interface("type", event["type"]).Msg("dropping event for slow subscriber")
		}
	}
}
