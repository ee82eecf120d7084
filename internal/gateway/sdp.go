package gateway

import (
	"encoding/base64"
	"encoding/json"
	"strings"
)

// EncodeClientSDP wraps a raw offer in the JSON envelope the upstream
// service expects and encodes it as base64.
func EncodeClientSDP(clientSDP string) string {
	payload, _ := json.Marshal(map[string]string{
		"type": "offer",
		"sdp":  clientSDP,
	})
	return base64.StdEncoding.EncodeToString(payload)
}

// DecodeServerSDP unwraps the answer the upstream service returns. The
// value may be a raw SDP, a base64 blob, or base64 JSON carrying an "sdp"
// field; anything undecodable is passed through untouched.
func DecodeServerSDP(raw string) string {
	if raw == "" {
		return ""
	}
	if strings.HasPrefix(raw, "v=0") {
		return raw
	}
	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return raw
	}
	text := string(decoded)
	var payload map[string]any
	if err := json.Unmarshal(decoded, &payload); err != nil {
		return text
	}
	if sdp, ok := payload["sdp"].(string); ok && sdp != "" {
		return sdp
	}
	return text
}
