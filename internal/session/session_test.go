package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/voxlive/voxlive/internal/avatar"
	"github.com/voxlive/voxlive/internal/capture"
	"github.com/voxlive/voxlive/internal/protocol"
	"github.com/voxlive/voxlive/internal/transcript"
)

type fakeBackend struct {
	sessionID string
	createErr error

	creates  int
	messages []string
}

func (b *fakeBackend) CreateSession(ctx context.Context) (string, error) {
	b.creates++
	if b.createErr != nil {
		return "", b.createErr
	}
	return b.sessionID, nil
}

func (b *fakeBackend) SendMessage(ctx context.Context, sessionID, text string) error {
	b.messages = append(b.messages, text)
	return nil
}

type fakeChannel struct {
	inbound chan []byte
	sent    [][]byte
	sendErr error
	closed  bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{inbound: make(chan []byte, 16)}
}

func (c *fakeChannel) TrySend(frame []byte) error {
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, frame)
	return nil
}

func (c *fakeChannel) Inbound() <-chan []byte { return c.inbound }

func (c *fakeChannel) Close() {
	if !c.closed {
		c.closed = true
		close(c.inbound)
	}
}

type fakeCaptureSource struct {
	started int
	stopped int
}

func (s *fakeCaptureSource) Start(onFrames func([]float32)) error {
	s.started++
	return nil
}

func (s *fakeCaptureSource) Stop() { s.stopped++ }

type nullLink struct{}

func (nullLink) CreateOffer(ctx context.Context) (string, error) { return "v=0 offer", nil }

func (nullLink) ApplyAnswer(sdp string) error { return nil }

func (nullLink) OnTrack(func(avatar.Track)) {}

func (nullLink) OnStateChange(func(avatar.LinkState)) {}

func (nullLink) Close() {}

type nullSink struct{}

func (nullSink) Bind(t avatar.Track, onStarted func()) error { return nil }

func (nullSink) Close() {}

type nullAPI struct{}

func (nullAPI) ConnectAvatar(ctx context.Context, sessionID, clientSDP string) (string, error) {
	return "v=0 answer", nil
}

func (nullAPI) DisconnectAvatar(ctx context.Context, sessionID string) error { return nil }

type testRig struct {
	sess     *Session
	backend  *fakeBackend
	ch       *fakeChannel
	source   *fakeCaptureSource
	captured *[]protocol.ICEServer
}

func newTestRig(agentID string) *testRig {
	rig := &testRig{
		backend:  &fakeBackend{sessionID: "sid-42"},
		ch:       newFakeChannel(),
		source:   &fakeCaptureSource{},
		captured: new([]protocol.ICEServer),
	}
	rig.sess = New(Options{
		AgentID: agentID,
		Backend: rig.backend,
		Dial: func(ctx context.Context, sessionID string) (Channel, error) {
			return rig.ch, nil
		},
		NewSource: func() capture.Source { return rig.source },
		NewNegotiator: func(sessionID string) *avatar.Negotiator {
			return avatar.NewNegotiator(sessionID, nullAPI{},
				func(servers []protocol.ICEServer) (avatar.PeerLink, error) {
					*rig.captured = servers
					return nullLink{}, nil
				},
				func() (avatar.Sink, error) { return nullSink{}, nil },
				func() (avatar.Sink, error) { return nullSink{}, nil },
			)
		},
		ChunkSize: 4,
	})
	return rig
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestStartWithoutAgentFailsBeforeNetwork(t *testing.T) {
	rig := newTestRig("")
	err := rig.sess.Start(context.Background())
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("got %v, want ErrNotConfigured", err)
	}
	if rig.backend.creates != 0 {
		t.Errorf("backend reached despite missing agent: %d calls", rig.backend.creates)
	}
}

func TestStartOpensChannel(t *testing.T) {
	rig := newTestRig("agent-1")
	if err := rig.sess.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer rig.sess.Close(context.Background())

	if rig.sess.ID() != "sid-42" {
		t.Errorf("id: got %q", rig.sess.ID())
	}
	if rig.sess.State() != StateConnected {
		t.Errorf("state: got %v", rig.sess.State())
	}
	if rig.sess.Avatar() == nil {
		t.Error("negotiator not created")
	}
}

func TestStartTwiceRejected(t *testing.T) {
	rig := newTestRig("agent-1")
	if err := rig.sess.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer rig.sess.Close(context.Background())

	if err := rig.sess.Start(context.Background()); !errors.Is(err, ErrStarted) {
		t.Fatalf("got %v, want ErrStarted", err)
	}
}

func TestSendTextValidation(t *testing.T) {
	rig := newTestRig("agent-1")

	// blank text rejected before the session exists and before any call
	if err := rig.sess.SendText(context.Background(), "   "); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("got %v, want ErrEmptyMessage", err)
	}
	if err := rig.sess.SendText(context.Background(), "hi"); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("got %v, want ErrNotStarted", err)
	}
	if len(rig.backend.messages) != 0 {
		t.Errorf("backend reached: %v", rig.backend.messages)
	}

	if err := rig.sess.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer rig.sess.Close(context.Background())

	if err := rig.sess.SendText(context.Background(), "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(rig.backend.messages) != 1 || rig.backend.messages[0] != "hello" {
		t.Errorf("messages: %v", rig.backend.messages)
	}
}

func TestInboundTranscriptRouting(t *testing.T) {
	rig := newTestRig("agent-1")
	if err := rig.sess.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer rig.sess.Close(context.Background())

	rig.ch.inbound <- []byte(`{"type":"user_transcript_completed","transcript":"hello there"}`)
	rig.ch.inbound <- []byte(`{"type":"assistant_transcript_delta","delta":"Hi"}`)
	rig.ch.inbound <- []byte(`{"type":"assistant_transcript_delta","delta":"Hi there"}`)
	rig.ch.inbound <- []byte(`{"type":"assistant_transcript_done","transcript":"Hi there!"}`)

	waitFor(t, func() bool { return len(rig.sess.History().All()) == 2 })

	turns := rig.sess.History().All()
	if turns[0].Role != transcript.RoleUser || turns[0].Text != "hello there" {
		t.Errorf("user turn: %+v", turns[0])
	}
	if turns[1].Role != transcript.RoleAssistant || turns[1].Text != "Hi there!" {
		t.Errorf("assistant turn: %+v", turns[1])
	}
}

func TestBargeInDropsStreaming(t *testing.T) {
	rig := newTestRig("agent-1")
	if err := rig.sess.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer rig.sess.Close(context.Background())

	rig.ch.inbound <- []byte(`{"type":"assistant_transcript_delta","delta":"half an ans"}`)
	waitFor(t, func() bool {
		_, ok := rig.sess.History().Streaming()
		return ok
	})

	rig.ch.inbound <- []byte(`{"type":"speech_started"}`)
	waitFor(t, func() bool {
		_, ok := rig.sess.History().Streaming()
		return !ok
	})
	if turns := rig.sess.History().All(); len(turns) != 0 {
		t.Errorf("barge-in emitted turns: %+v", turns)
	}
}

func TestUnknownFramesAreTolerated(t *testing.T) {
	rig := newTestRig("agent-1")
	if err := rig.sess.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer rig.sess.Close(context.Background())

	rig.ch.inbound <- []byte(`{"type":"future_feature","x":1}`)
	rig.ch.inbound <- []byte(`garbage`)
	rig.ch.inbound <- []byte(`{"type":"user_transcript_completed","transcript":"still alive"}`)

	waitFor(t, func() bool { return len(rig.sess.History().All()) == 1 })
}

func TestICERefreshReachesNegotiator(t *testing.T) {
	rig := newTestRig("agent-1")
	if err := rig.sess.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer rig.sess.Close(context.Background())

	rig.ch.inbound <- []byte(`{"type":"event","payload":{"session":{"avatar":{"ice_servers":[{"urls":["turn:refreshed"],"username":"u","credential":"c"}]}}}}`)

	waitFor(t, func() bool {
		if err := rig.sess.ConnectAvatar(context.Background()); err != nil {
			return false
		}
		defer rig.sess.DisconnectAvatar(context.Background())
		servers := *rig.captured
		return len(servers) == 1 && servers[0].URLs[0] == "turn:refreshed"
	})
}

func TestRemoteAvatarTeardown(t *testing.T) {
	rig := newTestRig("agent-1")
	if err := rig.sess.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer rig.sess.Close(context.Background())

	if err := rig.sess.ConnectAvatar(context.Background()); err != nil {
		t.Fatalf("avatar connect: %v", err)
	}

	rig.ch.inbound <- []byte(`{"type":"avatar_disconnected"}`)
	waitFor(t, func() bool { return rig.sess.Avatar().State() == avatar.StateIdle })
}

func TestCaptureLifecycle(t *testing.T) {
	rig := newTestRig("agent-1")

	if err := rig.sess.StartCapture(); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("got %v, want ErrNotStarted", err)
	}

	if err := rig.sess.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer rig.sess.Close(context.Background())

	if err := rig.sess.StartCapture(); err != nil {
		t.Fatalf("start capture: %v", err)
	}
	if err := rig.sess.StartCapture(); !errors.Is(err, capture.ErrActive) {
		t.Fatalf("got %v, want ErrActive", err)
	}

	rig.sess.StopCapture()
	if rig.source.stopped != 1 {
		t.Errorf("device released %d times, want 1", rig.source.stopped)
	}
	// commit frame went out through the channel
	if len(rig.ch.sent) != 1 {
		t.Fatalf("got %d sent frames, want 1 commit", len(rig.ch.sent))
	}
}

func TestChannelCloseMarksDisconnected(t *testing.T) {
	rig := newTestRig("agent-1")
	if err := rig.sess.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	rig.ch.Close()
	waitFor(t, func() bool { return rig.sess.State() == StateDisconnected })

	// history survives the disconnect
	rig.sess.History().UserCompleted("kept")
	if len(rig.sess.History().All()) != 1 {
		t.Error("history lost on disconnect")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	rig := newTestRig("agent-1")
	if err := rig.sess.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	rig.sess.Close(context.Background())
	rig.sess.Close(context.Background())

	if rig.sess.State() != StateDisconnected {
		t.Errorf("state: got %v", rig.sess.State())
	}
	if !rig.ch.closed {
		t.Error("channel not closed")
	}
}
