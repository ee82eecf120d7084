package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/voxlive/voxlive/internal/config"
)

func SetupRouter(cfg *config.Config, gw *Gateway) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	api := r.Group("/api")

	api.POST("/session", func(c *gin.Context) {
		id, err := gw.CreateSession(c.Request.Context())
		if err != nil {
			log.Error().Err(err).Str("module", "gateway.http").Msg("create session")
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"session_id": id})
	})

	api.GET("/session/:id", func(c *gin.Context) {
		if _, err := gw.Session(c.Param("id")); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"session_id": c.Param("id"), "status": "active"})
	})

	api.POST("/session/:id/message", func(c *gin.Context) {
		bridge, err := gw.Session(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		var req struct {
			Text string `json:"text"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
			return
		}
		if err := bridge.SendUserText(req.Text); err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "queued"})
	})

	api.POST("/session/:id/avatar/connect", func(c *gin.Context) {
		bridge, err := gw.Session(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		var req struct {
			ClientSDP string `json:"client_sdp"`
		}
		if err := c.ShouldBindJSON(&req); err != nil || req.ClientSDP == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "client_sdp is required"})
			return
		}
		serverSDP, err := bridge.ConnectAvatar(c.Request.Context(), req.ClientSDP)
		if err != nil {
			status := http.StatusBadGateway
			if errors.Is(err, ErrAvatarBusy) || errors.Is(err, ErrAvatarConnected) {
				status = http.StatusConflict
			}
			log.Error().Err(err).Str("module", "gateway.http").Str("sid", c.Param("id")).Msg("avatar connect")
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"server_sdp": serverSDP})
	})

	api.POST("/session/:id/avatar/disconnect", func(c *gin.Context) {
		bridge, err := gw.Session(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		if err := bridge.DisconnectAvatar(); err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	})

	api.GET("/ws/:id", func(c *gin.Context) {
		handleSessionWS(c, gw)
	})

	return r
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleSessionWS attaches one client to a session: translated events flow
// out, audio and control frames flow in.
func handleSessionWS(c *gin.Context, gw *Gateway) {
	sid := c.Param("id")
	bridge, err := gw.Session(sid)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "gateway.ws").Msg("ws upgrade")
		return
	}
	log.Info().Str("module", "gateway.ws").Str("sid", sid).Msg("client attached")

	sub := bridge.Subscribe()
	defer bridge.Unsubscribe(sub)

	var writeMu sync.Mutex
	writeFrame := func(data []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
		return ws.WriteMessage(websocket.TextMessage, data)
	}

	ready, _ := json.Marshal(map[string]string{"type": "session_ready", "session_id": sid})
	if err := writeFrame(ready); err != nil {
		_ = ws.Close()
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for frame := range sub.C {
			if err := writeFrame(frame); err != nil {
				return
			}
		}
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			break
		}
		dispatchClientFrame(bridge, sid, data)
	}

	_ = ws.Close()
	<-done
	log.Info().Str("module", "gateway.ws").Str("sid", sid).Msg("client detached")
}

func dispatchClientFrame(bridge *Bridge, sid string, data []byte) {
	var msg struct {
		Type  string `json:"type"`
		Audio string `json:"audio"`
		Text  string `json:"text"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Warn().Str("module", "gateway.ws").Str("sid", sid).Msg("bad json from client")
		return
	}

	var err error
	switch msg.Type {
	case "audio_chunk":
		err = bridge.SendAudio(msg.Audio)
	case "commit_audio":
		err = bridge.CommitAudio()
	case "clear_audio":
		err = bridge.ClearAudio()
	case "user_text":
		err = bridge.SendUserText(msg.Text)
	default:
		log.Warn().Str("module", "gateway.ws").Str("type", msg.Type).Msg("unknown client frame")
		return
	}
	if err != nil {
		log.Error().Err(err).Str("module", "gateway.ws").Str("sid", sid).Str("type", msg.Type).Msg("forward failed")
	}
}
