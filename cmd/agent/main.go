package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/voxlive/voxlive/internal/adapters/api"
	"github.com/voxlive/voxlive/internal/adapters/channel"
	"github.com/voxlive/voxlive/internal/adapters/rtc"
	"github.com/voxlive/voxlive/internal/avatar"
	"github.com/voxlive/voxlive/internal/capture"
	"github.com/voxlive/voxlive/internal/config"
	"github.com/voxlive/voxlive/internal/media"
	"github.com/voxlive/voxlive/internal/session"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
	}

	backend := api.New(cfg.BackendURL)
	dialer := &channel.Dialer{BaseURL: cfg.BackendURL}

	sess := session.New(session.Options{
		AgentID: cfg.Agent.ID,
		Backend: backend,
		Dial: func(ctx context.Context, sessionID string) (session.Channel, error) {
			return dialer.Dial(ctx, sessionID)
		},
		NewSource: func() capture.Source {
			return capture.NewMalgoSource(cfg.Audio.SampleRate)
		},
		NewNegotiator: func(sessionID string) *avatar.Negotiator {
			return avatar.NewNegotiator(
				sessionID,
				backend,
				rtc.NewLinkFactory(sessionID),
				media.NewPlaybackSink,
				media.NewDrainSink,
			)
		},
		ChunkSize:    cfg.Audio.ChunkSize,
		RecentWindow: cfg.History.RecentWindow,
		TrimAt:       cfg.History.TrimAt,
		TrimTo:       cfg.History.TrimTo,
	})

	if err := sess.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("session start")
	}
	defer sess.Close(context.Background())

	fmt.Println("session", sess.ID())
	fmt.Println("commands: <text> | rec | stop | cancel | avatar | noavatar | history | clear | q")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := runCommand(ctx, sess, strings.TrimSpace(line)); quit {
				return
			}
		}
	}
}

func runCommand(ctx context.Context, sess *session.Session, line string) bool {
	switch line {
	case "":
		return false
	case "q", "quit", "exit":
		return true
	case "rec":
		if err := sess.StartCapture(); err != nil {
			fmt.Println("capture:", err)
		} else {
			fmt.Println("recording")
		}
	case "stop":
		sess.StopCapture()
		fmt.Println("stopped")
	case "cancel":
		sess.CancelCapture()
		fmt.Println("cancelled")
	case "avatar":
		if err := sess.ConnectAvatar(ctx); err != nil {
			fmt.Println("avatar:", err)
		} else {
			fmt.Println("avatar state:", sess.Avatar().State())
		}
	case "noavatar":
		sess.DisconnectAvatar(ctx)
		fmt.Println("avatar state:", sess.Avatar().State())
	case "history":
		for _, turn := range sess.History().Recent() {
			fmt.Printf("[%s] %s\n", turn.Role, turn.Text)
		}
		if streaming, ok := sess.History().Streaming(); ok {
			fmt.Printf("[%s...] %s\n", streaming.Role, streaming.Text)
		}
	case "clear":
		sess.ClearHistory()
		fmt.Println("history cleared")
	default:
		if err := sess.SendText(ctx, line); err != nil {
			fmt.Println("send:", err)
		}
	}
	return false
}
