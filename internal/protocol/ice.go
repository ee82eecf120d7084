package protocol

// ICEServer is one normalized STUN/TURN entry from a session-configuration
// event.
type ICEServer struct {
	URLs       []string
	Username   string
	Credential string
}

// iceServerLocations are the nested payload paths that may carry ICE server
// lists, in lookup order. The first non-empty list wins.
var iceServerLocations = [][]string{
	{"ice_servers"},
	{"session", "ice_servers"},
	{"session", "avatar", "ice_servers"},
}

// ExtractICEServers digs through a session-configuration payload for ICE
// server descriptors. Entries without any URL are dropped; if no valid entry
// is found anywhere, nil is returned and the caller keeps its previous
// configuration.
func ExtractICEServers(payload map[string]any) []ICEServer {
	for _, path := range iceServerLocations {
		raw, ok := dig(payload, path)
		if !ok {
			continue
		}
		list, ok := raw.([]any)
		if !ok || len(list) == 0 {
			continue
		}
		servers := normalizeICEServers(list)
		if len(servers) > 0 {
			return servers
		}
	}
	return nil
}

func dig(m map[string]any, path []string) (any, bool) {
	var cur any = m
	for _, key := range path {
		node, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = node[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func normalizeICEServers(list []any) []ICEServer {
	var out []ICEServer
	for _, item := range list {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		srv := ICEServer{
			URLs:       stringList(entry["urls"]),
			Username:   stringValue(entry["username"]),
			Credential: stringValue(entry["credential"]),
		}
		if len(srv.URLs) == 0 {
			continue
		}
		out = append(out, srv)
	}
	return out
}

// stringList accepts both a single URL string and a list of URLs, the two
// shapes ICE descriptors come in.
func stringList(v any) []string {
	switch t := v.(type) {
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case []any:
		var out []string
		for _, item := range t {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func stringValue(v any) string {
	s, _ := v.(string)
	return s
}
