package callbridge

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bt-bridge/callbridge/agent"
	"github.com/bt-bridge/callbridge/policy"
	"github.com/bt-bridge/callbridge/shared"
)

func waitState(t *testing.T, s *CallSession, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == want },
		3*time.Second, 5*time.Millisecond, "expected state %s, still %s", want, s.State())
}

func waitSynthCount(t *testing.T, synth *fakeSynth, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(synth.synthesized()) >= n },
		3*time.Second, 5*time.Millisecond)
}

func TestSessionConversationFlow(t *testing.T) {
	cfg := agent.Default()
	cfg.Greeting = "Hi, how can I help?"
	h := newSessionHarness(cfg)
	defer h.emitter.Close()

	require.NoError(t, h.session.Attach(h.conn))
	waitState(t, h.session, StateStreaming)

	// Greeting goes out first.
	waitSynthCount(t, h.synth, 1)
	assert.Equal(t, "Hi, how can I help?", h.synth.synthesized()[0])

	h.rec(0).final("what are your hours")
	waitSynthCount(t, h.synth, 2)
	assert.Equal(t, "echo: what are your hours", h.synth.synthesized()[1])

	waitState(t, h.session, StateStreaming)
	// One completed turn contributes exactly one user and one agent
	// entry; the scripted greeting never enters the history.
	history := h.session.History()
	require.Len(t, history, 2)
	assert.Equal(t, policy.SpeakerUser, history[0].Speaker)
	assert.Equal(t, "what are your hours", history[0].Text)
	assert.Equal(t, policy.SpeakerAgent, history[1].Speaker)
	assert.Equal(t, "echo: what are your hours", history[1].Text)

	h.conn.pushStop()
	waitState(t, h.session, StateCompleted)
	<-h.session.Done()

	// The service closed nothing carrier-side; the caller hung up.
	assert.Empty(t, h.control.hungUp())
	_, ok := h.reg.Get("CAtest")
	assert.False(t, ok)
}

func TestGreetingWinsRaceWithFirstUtterance(t *testing.T) {
	cfg := agent.Default()
	cfg.Greeting = "Welcome."
	h := newSessionHarness(cfg)
	defer h.emitter.Close()

	require.NoError(t, h.session.Attach(h.conn))
	// Caller speaks before the greeting delay elapses.
	h.rec(0).final("hello there")

	waitSynthCount(t, h.synth, 2)
	texts := h.synth.synthesized()
	assert.Equal(t, "Welcome.", texts[0])
	assert.Equal(t, "echo: hello there", texts[1])
}

func TestInterimAndEmptyTranscriptsIgnored(t *testing.T) {
	h := newSessionHarness(agent.Default())
	defer h.emitter.Close()

	require.NoError(t, h.session.Attach(h.conn))
	waitSynthCount(t, h.synth, 1)
	waitState(t, h.session, StateStreaming)

	h.rec(0).interim("hel")
	h.rec(0).final("   ")
	time.Sleep(50 * time.Millisecond)

	assert.Empty(t, h.policy.utterances())
	assert.Empty(t, h.session.History())
}

func TestUtterancesDuringTurnAreQueuedFIFO(t *testing.T) {
	cfg := agent.Default()
	cfg.Greeting = "Hello."
	gate := make(chan struct{})
	h := newSessionHarness(cfg)
	h.policy.gate = gate
	defer h.emitter.Close()

	require.NoError(t, h.session.Attach(h.conn))
	waitSynthCount(t, h.synth, 1)
	waitState(t, h.session, StateStreaming)

	h.rec(0).final("first")
	require.Eventually(t, func() bool { return len(h.policy.utterances()) == 1 },
		time.Second, 5*time.Millisecond)

	h.rec(0).final("second")
	h.rec(0).final("third")
	time.Sleep(50 * time.Millisecond)

	// Only one policy turn in flight at a time.
	assert.Len(t, h.policy.utterances(), 1)
	assert.Equal(t, StateAwaitingTurn, h.session.State())

	close(gate)
	require.Eventually(t, func() bool { return len(h.policy.utterances()) == 3 },
		3*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"first", "second", "third"}, h.policy.utterances())

	waitState(t, h.session, StateStreaming)
	// Three completed turns of two entries each, alternating speakers.
	history := h.session.History()
	require.Len(t, history, 6)
	for i, turn := range history {
		want := policy.SpeakerUser
		if i%2 == 1 {
			want = policy.SpeakerAgent
		}
		assert.Equal(t, want, turn.Speaker)
	}
}

func TestPolicyErrorAsksCallerToRepeat(t *testing.T) {
	h := newSessionHarness(agent.Default())
	h.policy.replyFn = func(string) (string, error) {
		return "", errors.New("model overloaded")
	}
	defer h.emitter.Close()

	require.NoError(t, h.session.Attach(h.conn))
	waitSynthCount(t, h.synth, 1)
	waitState(t, h.session, StateStreaming)

	h.rec(0).final("anyone there")
	waitSynthCount(t, h.synth, 2)
	assert.Equal(t, clarificationPrompt, h.synth.synthesized()[1])

	waitState(t, h.session, StateStreaming)
	// The failed turn leaves no agent entry, only the user's words.
	history := h.session.History()
	require.Len(t, history, 1)
	assert.Equal(t, policy.SpeakerUser, history[0].Speaker)
}

func TestEmptyReplyResumesListening(t *testing.T) {
	h := newSessionHarness(agent.Default())
	h.policy.replyFn = func(string) (string, error) { return "  ", nil }
	defer h.emitter.Close()

	require.NoError(t, h.session.Attach(h.conn))
	waitSynthCount(t, h.synth, 1)
	waitState(t, h.session, StateStreaming)

	h.rec(0).final("mm-hmm")
	require.Eventually(t, func() bool { return len(h.policy.utterances()) == 1 },
		time.Second, 5*time.Millisecond)

	waitState(t, h.session, StateStreaming)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, h.synth.synthesized(), 1)
	assert.Len(t, h.session.History(), 1)
}

func TestRecognizerRestartsOnceThenFailsTheCall(t *testing.T) {
	h := newSessionHarness(agent.Default())
	defer h.emitter.Close()

	require.NoError(t, h.session.Attach(h.conn))
	waitSynthCount(t, h.synth, 1)
	waitState(t, h.session, StateStreaming)

	// Complete one full turn so no playback is in flight when the
	// recognizer drops.
	h.rec(0).final("ping")
	waitSynthCount(t, h.synth, 2)
	waitState(t, h.session, StateStreaming)

	h.rec(0).fail(errors.New("upstream reset"))
	require.Eventually(t, func() bool { return h.recCount() == 2 },
		3*time.Second, 5*time.Millisecond)

	// The caller hears that the agent is struggling.
	require.Eventually(t, func() bool {
		for _, text := range h.synth.synthesized() {
			if text == recognitionDownMsg {
				return true
			}
		}
		return false
	}, 3*time.Second, 5*time.Millisecond)

	h.rec(1).fail(errors.New("upstream reset again"))
	waitState(t, h.session, StateFailed)
	<-h.session.Done()

	// The caller hears an apology before the line drops.
	texts := h.synth.synthesized()
	require.NotEmpty(t, texts)
	assert.Equal(t, apologyMsg, texts[len(texts)-1])

	_, ok := h.reg.Get("CAtest")
	assert.False(t, ok)
}

func TestMaxDurationHangsUpAndCompletes(t *testing.T) {
	cfg := agent.Default()
	cfg.Greeting = ""
	cfg.MaxCallDurationSec = 1
	h := newSessionHarness(cfg)
	defer h.emitter.Close()

	require.NoError(t, h.session.Attach(h.conn))
	waitState(t, h.session, StateStreaming)

	waitState(t, h.session, StateCompleted)
	<-h.session.Done()

	require.Eventually(t, func() bool { return len(h.control.hungUp()) == 1 },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"CAtest"}, h.control.hungUp())

	// The session closed its own transport.
	select {
	case <-h.conn.closed:
	default:
		t.Fatal("transport not closed")
	}
}

func TestUpgradeTimeoutFailsRingingSession(t *testing.T) {
	h := newSessionHarness(agent.Default())
	defer h.emitter.Close()

	waitState(t, h.session, StateFailed)
	<-h.session.Done()
	_, ok := h.reg.Get("CAtest")
	assert.False(t, ok)
}

func TestAttachRejectedAfterRinging(t *testing.T) {
	h := newSessionHarness(agent.Default())
	defer h.emitter.Close()

	require.NoError(t, h.session.Attach(h.conn))
	waitState(t, h.session, StateStreaming)

	err := h.session.Attach(newFakeConn())
	assert.ErrorIs(t, err, shared.ErrSessionNotRinging)
}

func TestClosedSessionRejectsAttachAndConfig(t *testing.T) {
	h := newSessionHarness(agent.Default())
	defer h.emitter.Close()

	h.session.Close()
	<-h.session.Done()

	assert.ErrorIs(t, h.session.Attach(newFakeConn()), shared.ErrSessionClosed)
	assert.ErrorIs(t, h.session.ReplaceConfig(agent.Default()), shared.ErrSessionClosed)
}

func TestReplaceConfigOnlyWhileRinging(t *testing.T) {
	h := newSessionHarness(agent.Default())
	defer h.emitter.Close()

	cfg := agent.Default()
	cfg.Greeting = "Replaced."
	require.NoError(t, h.session.ReplaceConfig(cfg))
	assert.Equal(t, "Replaced.", h.session.Config().Greeting)

	require.NoError(t, h.session.Attach(h.conn))
	waitState(t, h.session, StateStreaming)
	assert.ErrorIs(t, h.session.ReplaceConfig(agent.Default()), shared.ErrSessionNotRinging)

	// The replaced greeting is the one that plays.
	waitSynthCount(t, h.synth, 1)
	assert.Equal(t, "Replaced.", h.synth.synthesized()[0])
}

func TestCallerAudioReachesRecognizer(t *testing.T) {
	h := newSessionHarness(agent.Default())
	defer h.emitter.Close()

	require.NoError(t, h.session.Attach(h.conn))
	waitState(t, h.session, StateStreaming)

	h.conn.push(mediaFrame([]byte{0x01, 0x02, 0x03}))
	require.Eventually(t, func() bool { return h.rec(0).sentCount() == 1 },
		time.Second, 5*time.Millisecond)
}

func TestSnapshotRespectsTranscriptionFlag(t *testing.T) {
	cfg := agent.Default()
	cfg.EnableTranscription = false
	h := newSessionHarness(cfg)
	defer h.emitter.Close()

	require.NoError(t, h.session.Attach(h.conn))
	waitSynthCount(t, h.synth, 1)

	info := h.session.Snapshot()
	assert.Equal(t, "CAtest", info.CallID)
	assert.Equal(t, "+15550100", info.From)
	assert.Nil(t, info.Conversation)
	assert.Nil(t, info.EndTime)
}

func TestLifecycleEventsForOneCall(t *testing.T) {
	cfg := agent.Default()
	cfg.Greeting = ""
	h := newSessionHarness(cfg)

	require.NoError(t, h.session.Attach(h.conn))
	waitState(t, h.session, StateStreaming)
	h.conn.pushStop()
	waitState(t, h.session, StateCompleted)
	<-h.session.Done()
	h.emitter.Close()

	events := h.sink.captured()
	require.NotEmpty(t, events)
	assert.Equal(t, EventSessionCreated, events[0].Type)
	last := events[len(events)-1]
	assert.Equal(t, EventSessionEnded, last.Type)
	assert.Equal(t, "completed", last.StateTo)

	var transitions []string
	for _, ev := range events {
		if ev.Type == EventStateTransitioned {
			transitions = append(transitions, ev.StateTo)
		}
	}
	assert.Equal(t, []string{"streaming", "completed"}, transitions)
}
