package gateway

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/voxlive/voxlive/internal/config"
)

var ErrSessionNotFound = errors.New("session not found")

// Gateway keeps the live bridges keyed by session id.
type Gateway struct {
	cfg   config.Gateway
	agent config.Agent

	mu       sync.RWMutex
	sessions map[string]*Bridge
}

func New(cfg config.Gateway, agent config.Agent) *Gateway {
	return &Gateway{
		cfg:      cfg,
		agent:    agent,
		sessions: make(map[string]*Bridge),
	}
}

// CreateSession mints an id, opens the upstream bridge and registers it.
func (g *Gateway) CreateSession(ctx context.Context) (string, error) {
	id := uuid.NewString()
	bridge := NewBridge(id, g.cfg, g.agent)
	if err := bridge.Connect(ctx); err != nil {
		return "", err
	}

	g.mu.Lock()
	g.sessions[id] = bridge
	g.mu.Unlock()

	log.Info().Str("module", "gateway").Str("sid", id).Msg("session created")
	return id, nil
}

func (g *Gateway) Session(id string) (*Bridge, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	bridge, ok := g.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return bridge, nil
}

// RemoveSession closes the bridge and drops it from the registry.
func (g *Gateway) RemoveSession(id string) {
	g.mu.Lock()
	bridge, ok := g.sessions[id]
	delete(g.sessions, id)
	g.mu.Unlock()
	if ok {
		bridge.Close()
		log.Info().Str("module", "gateway").Str("sid", id).Msg("session removed")
	}
}

// Shutdown closes every live bridge.
func (g *Gateway) Shutdown() {
	g.mu.Lock()
	sessions := g.sessions
	g.sessions = make(map[string]*Bridge)
	g.mu.Unlock()
	for id, bridge := range sessions {
		bridge.Close()
		log.Info().Str("module", "gateway").Str("sid", id).Msg("session closed on shutdown")
	}
}
