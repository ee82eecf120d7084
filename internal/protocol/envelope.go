package protocol

import (
	"encoding/base64"
	"encoding/json"
)

// Kind discriminates the envelopes exchanged over the duplex channel.
type Kind string

const (
	KindSessionReady             Kind = "session_ready"
	KindUserTranscriptCompleted  Kind = "user_transcript_completed"
	KindAssistantTranscriptDelta Kind = "assistant_transcript_delta"
	KindAssistantTranscriptDone  Kind = "assistant_transcript_done"
	KindSpeechStarted            Kind = "speech_started"
	KindSpeechStopped            Kind = "speech_stopped"
	KindResponseDone             Kind = "response_done"
	KindAvatarConnecting         Kind = "avatar_connecting"
	KindAvatarConnected          Kind = "avatar_connected"
	KindAvatarDisconnected       Kind = "avatar_disconnected"
	KindEvent                    Kind = "event"
	KindError                    Kind = "error"

	// KindUnknown is returned for any frame whose type is not recognized,
	// including frames that are not valid JSON. Unknown frames are never an
	// error: the caller logs and moves on.
	KindUnknown Kind = "unknown"
)

// Envelope is one decoded frame off the duplex channel.
type Envelope struct {
	Kind       Kind
	SessionID  string
	Transcript string
	Delta      string
	ItemID     string
	Payload    map[string]any
	Raw        json.RawMessage
}

type wireEnvelope struct {
	Type       string         `json:"type"`
	SessionID  string         `json:"session_id"`
	Transcript string         `json:"transcript"`
	Delta      string         `json:"delta"`
	ItemID     string         `json:"item_id"`
	Payload    map[string]any `json:"payload"`
}

var knownKinds = map[string]Kind{
	string(KindSessionReady):             KindSessionReady,
	string(KindUserTranscriptCompleted):  KindUserTranscriptCompleted,
	string(KindAssistantTranscriptDelta): KindAssistantTranscriptDelta,
	string(KindAssistantTranscriptDone):  KindAssistantTranscriptDone,
	string(KindSpeechStarted):            KindSpeechStarted,
	string(KindSpeechStopped):            KindSpeechStopped,
	string(KindResponseDone):             KindResponseDone,
	string(KindAvatarConnecting):         KindAvatarConnecting,
	string(KindAvatarConnected):          KindAvatarConnected,
	string(KindAvatarDisconnected):       KindAvatarDisconnected,
	string(KindEvent):                    KindEvent,
	string(KindError):                    KindError,
}

// Decode parses a raw channel frame into an Envelope. It never fails:
// malformed or unrecognized frames come back as KindUnknown carrying the
// raw payload so the session can log them without breaking.
func Decode(raw []byte) Envelope {
	var w wireEnvelope
	if err := json.Unmarshal(raw, &w); err != nil {
		return Envelope{Kind: KindUnknown, Raw: append(json.RawMessage(nil), raw...)}
	}
	kind, ok := knownKinds[w.Type]
	if !ok {
		return Envelope{Kind: KindUnknown, Raw: append(json.RawMessage(nil), raw...)}
	}
	return Envelope{
		Kind:       kind,
		SessionID:  w.SessionID,
		Transcript: w.Transcript,
		Delta:      w.Delta,
		ItemID:     w.ItemID,
		Payload:    w.Payload,
		Raw:        append(json.RawMessage(nil), raw...),
	}
}

// EncodeAudioChunk frames one PCM16 chunk for the channel. The samples are
// base64-encoded so the frame stays text-safe.
func EncodeAudioChunk(pcm []byte) ([]byte, error) {
	return json.Marshal(struct {
		Type  string `json:"type"`
		Audio string `json:"audio"`
	}{Type: "audio_chunk", Audio: base64.StdEncoding.EncodeToString(pcm)})
}

// EncodeCommitAudio frames the end-of-utterance commit command.
func EncodeCommitAudio() ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
	}{Type: "commit_audio"})
}

// EncodeClearAudio frames the command that discards the buffered utterance.
func EncodeClearAudio() ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
	}{Type: "clear_audio"})
}
