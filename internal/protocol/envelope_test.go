package protocol

import (
	"encoding/base64"
	"encoding/json"
	"testing"
)

func TestDecodeKnownKinds(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Envelope
	}{
		{
			name: "session ready",
			raw:  `{"type":"session_ready","session_id":"abc"}`,
			want: Envelope{Kind: KindSessionReady, SessionID: "abc"},
		},
		{
			name: "user transcript",
			raw:  `{"type":"user_transcript_completed","transcript":"hello","item_id":"i1"}`,
			want: Envelope{Kind: KindUserTranscriptCompleted, Transcript: "hello", ItemID: "i1"},
		},
		{
			name: "assistant delta",
			raw:  `{"type":"assistant_transcript_delta","delta":"Hi"}`,
			want: Envelope{Kind: KindAssistantTranscriptDelta, Delta: "Hi"},
		},
		{
			name: "assistant done",
			raw:  `{"type":"assistant_transcript_done","transcript":"Hi there!"}`,
			want: Envelope{Kind: KindAssistantTranscriptDone, Transcript: "Hi there!"},
		},
		{
			name: "speech started",
			raw:  `{"type":"speech_started"}`,
			want: Envelope{Kind: KindSpeechStarted},
		},
		{
			name: "avatar disconnected",
			raw:  `{"type":"avatar_disconnected"}`,
			want: Envelope{Kind: KindAvatarDisconnected},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Decode([]byte(tt.raw))
			if got.Kind != tt.want.Kind {
				t.Fatalf("kind: got %q, want %q", got.Kind, tt.want.Kind)
			}
			if got.SessionID != tt.want.SessionID {
				t.Errorf("session_id: got %q, want %q", got.SessionID, tt.want.SessionID)
			}
			if got.Transcript != tt.want.Transcript {
				t.Errorf("transcript: got %q, want %q", got.Transcript, tt.want.Transcript)
			}
			if got.Delta != tt.want.Delta {
				t.Errorf("delta: got %q, want %q", got.Delta, tt.want.Delta)
			}
			if got.ItemID != tt.want.ItemID {
				t.Errorf("item_id: got %q, want %q", got.ItemID, tt.want.ItemID)
			}
		})
	}
}

func TestDecodeToleratesBadFrames(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"unknown type", `{"type":"brand_new_event","payload":{"x":1}}`},
		{"no type", `{"payload":{}}`},
		{"not json", `not json at all`},
		{"empty", ``},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Decode([]byte(tt.raw))
			if got.Kind != KindUnknown {
				t.Fatalf("kind: got %q, want %q", got.Kind, KindUnknown)
			}
			if string(got.Raw) != tt.raw {
				t.Errorf("raw not preserved: got %q", got.Raw)
			}
		})
	}
}

func TestDecodeEventPayload(t *testing.T) {
	raw := `{"type":"event","payload":{"session":{"ice_servers":[{"urls":"stun:a"}]}}}`
	got := Decode([]byte(raw))
	if got.Kind != KindEvent {
		t.Fatalf("kind: got %q", got.Kind)
	}
	if got.Payload == nil {
		t.Fatal("payload not decoded")
	}
	servers := ExtractICEServers(got.Payload)
	if len(servers) != 1 || servers[0].URLs[0] != "stun:a" {
		t.Fatalf("payload did not round through extraction: %+v", servers)
	}
}

func TestEncodeAudioChunk(t *testing.T) {
	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	frame, err := EncodeAudioChunk(pcm)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var decoded struct {
		Type  string `json:"type"`
		Audio string `json:"audio"`
	}
	if err := json.Unmarshal(frame, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Type != "audio_chunk" {
		t.Errorf("type: got %q", decoded.Type)
	}
	raw, err := base64.StdEncoding.DecodeString(decoded.Audio)
	if err != nil {
		t.Fatalf("audio is not base64: %v", err)
	}
	if string(raw) != string(pcm) {
		t.Errorf("audio: got %v, want %v", raw, pcm)
	}
}

func TestEncodeControlFrames(t *testing.T) {
	tests := []struct {
		name   string
		encode func() ([]byte, error)
		want   string
	}{
		{"commit", EncodeCommitAudio, "commit_audio"},
		{"clear", EncodeClearAudio, "clear_audio"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := tt.encode()
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			var decoded struct {
				Type string `json:"type"`
			}
			if err := json.Unmarshal(frame, &decoded); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if decoded.Type != tt.want {
				t.Errorf("type: got %q, want %q", decoded.Type, tt.want)
			}
		})
	}
}
