package protocol

import "testing"

func TestExtractICEServersLocations(t *testing.T) {
	entry := []any{map[string]any{"urls": []any{"stun:one"}, "username": "u", "credential": "c"}}

	tests := []struct {
		name    string
		payload map[string]any
	}{
		{"top level", map[string]any{"ice_servers": entry}},
		{"under session", map[string]any{"session": map[string]any{"ice_servers": entry}}},
		{"under avatar", map[string]any{"session": map[string]any{"avatar": map[string]any{"ice_servers": entry}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			servers := ExtractICEServers(tt.payload)
			if len(servers) != 1 {
				t.Fatalf("got %d servers, want 1", len(servers))
			}
			s := servers[0]
			if len(s.URLs) != 1 || s.URLs[0] != "stun:one" {
				t.Errorf("urls: got %v", s.URLs)
			}
			if s.Username != "u" || s.Credential != "c" {
				t.Errorf("credentials: got %q/%q", s.Username, s.Credential)
			}
		})
	}
}

func TestExtractICEServersFirstLocationWins(t *testing.T) {
	payload := map[string]any{
		"ice_servers": []any{map[string]any{"urls": "stun:top"}},
		"session": map[string]any{
			"ice_servers": []any{map[string]any{"urls": "stun:nested"}},
		},
	}
	servers := ExtractICEServers(payload)
	if len(servers) != 1 || servers[0].URLs[0] != "stun:top" {
		t.Fatalf("got %+v, want the top-level entry", servers)
	}
}

func TestExtractICEServersSingleURLString(t *testing.T) {
	payload := map[string]any{
		"ice_servers": []any{map[string]any{"urls": "turn:relay.example.com:3478"}},
	}
	servers := ExtractICEServers(payload)
	if len(servers) != 1 || servers[0].URLs[0] != "turn:relay.example.com:3478" {
		t.Fatalf("got %+v", servers)
	}
}

func TestExtractICEServersDropsEntriesWithoutURLs(t *testing.T) {
	payload := map[string]any{
		"ice_servers": []any{
			map[string]any{"username": "orphan"},
			map[string]any{"urls": []any{}},
			map[string]any{"urls": "stun:kept"},
		},
	}
	servers := ExtractICEServers(payload)
	if len(servers) != 1 || servers[0].URLs[0] != "stun:kept" {
		t.Fatalf("got %+v, want only the entry with a URL", servers)
	}
}

func TestExtractICEServersNoValidEntries(t *testing.T) {
	tests := []struct {
		name    string
		payload map[string]any
	}{
		{"empty payload", map[string]any{}},
		{"nil payload", nil},
		{"empty list", map[string]any{"ice_servers": []any{}}},
		{"all url-less", map[string]any{"ice_servers": []any{map[string]any{"username": "x"}}}},
		{"wrong shape", map[string]any{"ice_servers": "not a list"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if servers := ExtractICEServers(tt.payload); servers != nil {
				t.Fatalf("got %+v, want nil", servers)
			}
		})
	}
}
