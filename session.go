package callbridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/bt-bridge/callbridge/agent"
	"github.com/bt-bridge/callbridge/audio"
	"github.com/bt-bridge/callbridge/policy"
	"github.com/bt-bridge/callbridge/shared"
	"github.com/bt-bridge/callbridge/stt"
	"github.com/bt-bridge/callbridge/tts"
)

// State is a call session's lifecycle phase. Transitions only ever move
// forward: Ringing -> Streaming -> (AwaitingTurn <-> Responding -> Streaming)*
// and into one of the two terminal states. A terminal session never leaves it.
type State int

const (
	StateRinging State = iota
	StateStreaming
	StateAwaitingTurn
	StateResponding
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateRinging:
		return "ringing"
	case StateStreaming:
		return "streaming"
	case StateAwaitingTurn:
		return "awaiting_turn"
	case StateResponding:
		return "responding"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s State) terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Participants identifies the two ends of the call.
type Participants struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Direction string `json:"direction"`
}

// Timings collects every timeout the session arms. Tests inject short
// values; production uses DefaultTimings.
type Timings struct {
	// UpgradeWait bounds how long a ringing session waits for the media
	// stream to connect before giving up on the call.
	UpgradeWait time.Duration

	// GreetingDelay is the pause between the stream starting and the
	// greeting playing, so the caller's audio path has settled.
	GreetingDelay time.Duration

	// PlaybackGrace pads the computed clip duration when the transport
	// never echoes the playback mark.
	PlaybackGrace time.Duration

	// SilenceWindow is how long the session tolerates no finalized speech
	// before noting it. Informational only; silence never ends a call.
	SilenceWindow time.Duration
}

func DefaultTimings() Timings {
	return Timings{
		UpgradeWait:   10 * time.Second,
		GreetingDelay: time.Second,
		PlaybackGrace: 2 * time.Second,
		SilenceWindow: 30 * time.Second,
	}
}

// CallControl hangs up the underlying telephony call. Implementations talk
// to the carrier's REST API; a nil control means the session can only close
// its own transport.
type CallControl interface {
	Hangup(ctx context.Context, callID string) error
}

// SessionDeps wires a session to everything outside of it. Recognizer is a
// factory because a session may rebuild its recognition stream after a
// fault. Registry, Emitter and Control may be nil; the session degrades to
// standalone behavior.
type SessionDeps struct {
	Logger      shared.LoggerAdapter
	Recognizer  func(ctx context.Context) (stt.Recognizer, error)
	Synthesizer tts.Synthesizer
	Policy      policy.Policy
	Registry    *Registry
	Emitter     *Emitter
	Control     CallControl
	Timings     Timings

	// FallbackClip plays when synthesis is unavailable mid-call. Defaults
	// to two seconds of silence so the caller at least hears the line is
	// live.
	FallbackClip []byte
}

// Spoken fallbacks. These go through the synthesizer like any reply; the
// raw FallbackClip is only for when the synthesizer itself is down.
const (
	clarificationPrompt = "I'm sorry, I didn't catch that. Could you say it again?"
	recognitionDownMsg  = "I'm sorry, I'm having trouble hearing you right now. Please bear with me."
	apologyMsg          = "I'm sorry, something went wrong on our end. Please call back in a moment."
)

const maxRecognizerStrikes = 2

// session event loop messages. Everything that can change session state is
// funneled through one channel into run, so transition logic is single
// threaded and needs no locking of its own.
type sessionEvent interface{ sessionEvent() }

type evtTranscript struct {
	gen int
	tr  stt.Transcript
}

type evtRecognizerFault struct {
	gen int
	err error
}

type evtRecognizerReady struct {
	rec stt.Recognizer
	err error
}

type evtGreetingDue struct{}

type evtPolicyResult struct {
	seq   int
	reply string
	err   error
}

type evtMark struct{ name string }

type evtTransportClosed struct{ err error }

type evtMaxDuration struct{}

type evtSilence struct{}

func (evtTranscript) sessionEvent()      {}
func (evtRecognizerFault) sessionEvent() {}
func (evtRecognizerReady) sessionEvent() {}
func (evtGreetingDue) sessionEvent()     {}
func (evtPolicyResult) sessionEvent()    {}
func (evtMark) sessionEvent()            {}
func (evtTransportClosed) sessionEvent() {}
func (evtMaxDuration) sessionEvent()     {}
func (evtSilence) sessionEvent()         {}

// CallSession drives one phone call: it owns the media transport, the
// recognition stream, the conversation history, and the turn loop that
// connects them. All state transitions happen on the run goroutine.
type CallSession struct {
	callID string
	parts  Participants
	deps   SessionDeps
	logger shared.LoggerAdapter

	cfg atomic.Pointer[agent.Config]

	ctx    context.Context
	cancel context.CancelCauseFunc
	events chan sessionEvent

	// lifeMu serializes Attach against finalize so a session cannot be
	// torn down halfway through coming alive.
	lifeMu    sync.Mutex
	closeOnce sync.Once
	done      chan struct{}

	mu        sync.RWMutex
	state     State
	conn      MediaConn
	rec       stt.Recognizer
	history   []policy.Turn
	startTime time.Time
	endTime   time.Time

	// Loop-owned fields below. Touched only by run and by Attach before
	// run starts; never locked.
	hasGreeted   bool
	playbackBusy bool
	expectedMark string
	playbackSeq  int
	policySeq    int
	policyBusy   bool
	pending      []string
	recGen       int
	recStrikes   int
	recRestart   bool

	upgradeTimer  *time.Timer
	greetingTimer *time.Timer
	maxTimer      *time.Timer
	silenceTimer  *time.Timer
}

// NewCallSession creates a ringing session and arms the upgrade timeout.
// The session does nothing else until Attach hands it a media stream.
func NewCallSession(callID string, parts Participants, cfg agent.Config, deps SessionDeps) *CallSession {
	if deps.Timings == (Timings{}) {
		deps.Timings = DefaultTimings()
	}
	if deps.FallbackClip == nil {
		deps.FallbackClip = audio.Silence(2 * time.Second)
	}
	if parts.Direction == "" {
		parts.Direction = "inbound"
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	s := &CallSession{
		callID:    callID,
		parts:     parts,
		deps:      deps,
		logger:    deps.Logger.With(zap.String("call_id", callID)),
		ctx:       ctx,
		cancel:    cancel,
		events:    make(chan sessionEvent, 64),
		done:      make(chan struct{}),
		state:     StateRinging,
		startTime: time.Now(),
	}
	s.cfg.Store(&cfg)

	s.upgradeTimer = time.AfterFunc(deps.Timings.UpgradeWait, func() {
		s.lifeMu.Lock()
		defer s.lifeMu.Unlock()
		// Attach may have won the race while this callback waited.
		if s.State() != StateRinging {
			return
		}
		s.logger.Warn("media stream never connected")
		s.finalizeLocked(StateFailed, "transport upgrade timeout")
	})

	s.emit(EventSessionCreated, func(ev *LifecycleEvent) {
		ev.From = parts.From
		ev.To = parts.To
	})
	return s
}

func (s *CallSession) CallID() string { return s.callID }

func (s *CallSession) Participants() Participants { return s.parts }

func (s *CallSession) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Config returns the session's current agent profile.
func (s *CallSession) Config() agent.Config {
	return *s.cfg.Load()
}

// ReplaceConfig swaps the agent profile wholesale. Only a ringing session
// accepts a new profile; once audio is flowing the profile is frozen.
func (s *CallSession) ReplaceConfig(cfg agent.Config) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state.terminal() {
		return shared.ErrSessionClosed
	}
	if s.state != StateRinging {
		return shared.ErrSessionNotRinging
	}
	s.cfg.Store(&cfg)
	return nil
}

// History returns a copy of the conversation so far.
func (s *CallSession) History() []policy.Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]policy.Turn, len(s.history))
	copy(out, s.history)
	return out
}

// SessionInfo is the wire shape of a session for the management API.
type SessionInfo struct {
	CallID       string        `json:"callSid"`
	State        string        `json:"state"`
	From         string        `json:"from"`
	To           string        `json:"to"`
	Direction    string        `json:"direction"`
	StartTime    time.Time     `json:"startTime"`
	EndTime      *time.Time    `json:"endTime,omitempty"`
	DurationSec  float64       `json:"durationSeconds"`
	Conversation []policy.Turn `json:"conversation,omitempty"`
}

// Snapshot captures the session for the management API. The conversation is
// included only when the agent profile enables transcription.
func (s *CallSession) Snapshot() SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info := SessionInfo{
		CallID:    s.callID,
		State:     s.state.String(),
		From:      s.parts.From,
		To:        s.parts.To,
		Direction: s.parts.Direction,
		StartTime: s.startTime,
	}
	end := time.Now()
	if !s.endTime.IsZero() {
		end = s.endTime
		t := s.endTime
		info.EndTime = &t
	}
	info.DurationSec = end.Sub(s.startTime).Seconds()

	if s.cfg.Load().EnableTranscription {
		info.Conversation = make([]policy.Turn, len(s.history))
		copy(info.Conversation, s.history)
	}
	return info
}

// Done closes when the session has fully torn down.
func (s *CallSession) Done() <-chan struct{} { return s.done }

// Attach binds the media stream to a ringing session and starts the event
// loop. Fails with shared.ErrSessionNotRinging if the session has already
// moved on, and moves the session to Failed if the recognizer cannot be
// built, because a call nobody can hear is not worth answering.
func (s *CallSession) Attach(conn MediaConn) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	s.mu.Lock()
	if s.state.terminal() {
		s.mu.Unlock()
		return shared.ErrSessionClosed
	}
	if s.state != StateRinging {
		s.mu.Unlock()
		return shared.ErrSessionNotRinging
	}
	s.conn = conn
	s.mu.Unlock()
	s.upgradeTimer.Stop()

	rec, err := s.deps.Recognizer(s.ctx)
	if err != nil {
		s.logger.Error("building recognition stream", err)
		s.finalizeLocked(StateFailed, "recognition unavailable")
		return fmt.Errorf("building recognition stream: %w", err)
	}

	s.mu.Lock()
	s.rec = rec
	s.mu.Unlock()
	s.recGen = 1

	s.setState(StateStreaming)

	t := s.deps.Timings
	s.greetingTimer = time.AfterFunc(t.GreetingDelay, func() { s.post(evtGreetingDue{}) })
	if max := s.cfg.Load().MaxDuration(); max > 0 {
		s.maxTimer = time.AfterFunc(max, func() { s.post(evtMaxDuration{}) })
	}
	if t.SilenceWindow > 0 {
		s.silenceTimer = time.AfterFunc(t.SilenceWindow, func() { s.post(evtSilence{}) })
	}

	go s.run()
	go s.readLoop(conn)
	go s.recLoop(rec, 1)

	s.logger.Info("media stream attached",
		zap.String("from", s.parts.From),
		zap.String("to", s.parts.To),
	)
	return nil
}

// Close ends the session from outside, e.g. service shutdown.
func (s *CallSession) Close() {
	s.finalize(StateCompleted, "session closed")
}

func (s *CallSession) post(ev sessionEvent) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

// run is the session's single-threaded brain. Every transition and every
// turn decision happens here, in event arrival order.
func (s *CallSession) run() {
	for {
		select {
		case <-s.ctx.Done():
			s.finalize(StateCompleted, "session canceled")
			return
		case ev := <-s.events:
			s.handle(ev)
			if s.State().terminal() {
				return
			}
		}
	}
}

func (s *CallSession) handle(ev sessionEvent) {
	switch ev := ev.(type) {
	case evtTranscript:
		s.onTranscript(ev)
	case evtRecognizerFault:
		s.onRecognizerFault(ev)
	case evtRecognizerReady:
		s.onRecognizerReady(ev)
	case evtGreetingDue:
		s.onGreetingDue()
	case evtPolicyResult:
		s.onPolicyResult(ev)
	case evtMark:
		s.onMark(ev.name)
	case evtTransportClosed:
		reason := "transport closed"
		if ev.err != nil {
			reason = "transport error"
			s.logger.Warn("media stream dropped", zap.Error(ev.err))
		}
		s.finalize(StateCompleted, reason)
	case evtMaxDuration:
		s.onMaxDuration()
	case evtSilence:
		s.logger.Info("no finalized speech within silence window")
		if s.silenceTimer != nil {
			s.silenceTimer.Reset(s.deps.Timings.SilenceWindow)
		}
	}
}

func (s *CallSession) onTranscript(ev evtTranscript) {
	if ev.gen != s.recGen {
		return
	}
	if !ev.tr.IsFinal {
		s.logger.Debug("interim transcript", zap.String("text", ev.tr.Text))
		return
	}
	text := strings.TrimSpace(ev.tr.Text)
	if text == "" {
		return
	}

	s.recStrikes = 0
	if s.silenceTimer != nil {
		s.silenceTimer.Reset(s.deps.Timings.SilenceWindow)
	}
	s.logger.Info("user said",
		zap.String("text", text),
		zap.Float64("confidence", ev.tr.Confidence),
	)

	if s.canTakeTurn() {
		s.beginTurn(text)
		return
	}
	s.pending = append(s.pending, text)
}

// canTakeTurn holds when the session is listening, nothing is playing, no
// policy call is in flight, and the greeting has already gone out. The
// greeting always wins a race with the caller's first words.
func (s *CallSession) canTakeTurn() bool {
	return s.State() == StateStreaming && !s.playbackBusy && !s.policyBusy && s.hasGreeted
}

func (s *CallSession) beginTurn(text string) {
	now := time.Now()
	s.mu.Lock()
	s.history = append(s.history, policy.Turn{Speaker: policy.SpeakerUser, Text: text, Timestamp: now})
	snapshot := make([]policy.Turn, len(s.history))
	copy(snapshot, s.history)
	s.mu.Unlock()

	s.setState(StateAwaitingTurn)
	s.policySeq++
	s.policyBusy = true

	seq := s.policySeq
	cfg := *s.cfg.Load()
	go func() {
		reply, err := s.deps.Policy.Reply(s.ctx, text, snapshot, cfg)
		s.post(evtPolicyResult{seq: seq, reply: reply, err: err})
	}()
}

func (s *CallSession) onPolicyResult(ev evtPolicyResult) {
	if ev.seq != s.policySeq || s.State() != StateAwaitingTurn {
		// A stale result from a turn the session already moved past.
		return
	}
	s.policyBusy = false

	if ev.err != nil {
		s.logger.Error("dialogue policy failed, asking caller to repeat", ev.err)
		s.setState(StateResponding)
		s.startPlayback(clarificationPrompt)
		return
	}

	reply := strings.TrimSpace(ev.reply)
	if reply == "" {
		s.setState(StateStreaming)
		s.promotePending()
		return
	}

	s.mu.Lock()
	s.history = append(s.history, policy.Turn{Speaker: policy.SpeakerAgent, Text: reply, Timestamp: time.Now()})
	s.mu.Unlock()

	s.logger.Info("agent replying", zap.String("text", reply))
	s.setState(StateResponding)
	s.startPlayback(reply)
}

func (s *CallSession) onGreetingDue() {
	if s.hasGreeted {
		return
	}
	s.hasGreeted = true

	greeting := strings.TrimSpace(s.cfg.Load().Greeting)
	if greeting == "" {
		s.promotePending()
		return
	}

	// The greeting is scripted, not conversational: it never enters the
	// history, which stays strictly user/agent alternating per turn.
	s.logger.Info("playing greeting")
	s.startPlayback(greeting)
}

// startPlayback synthesizes text and streams it out. Playback completion is
// signaled by the transport echoing the mark written after the last chunk;
// a timer keyed to the clip's real duration plus grace covers transports
// that never echo marks.
func (s *CallSession) startPlayback(text string) {
	s.playbackBusy = true
	s.playbackSeq++
	name := fmt.Sprintf("playback-%d", s.playbackSeq)
	s.expectedMark = name

	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	voice := s.cfg.Load().Voice

	go func() {
		var total int
		stream, err := s.deps.Synthesizer.Synthesize(s.ctx, text, voice)
		if err != nil {
			s.logger.Error("synthesis unavailable, playing fallback clip", err)
			total = s.writeClip(conn, s.deps.FallbackClip)
		} else {
			for chunk := range stream {
				if werr := conn.WriteMedia(chunk); werr != nil {
					s.logger.Debug("writing playback chunk", zap.Error(werr))
					break
				}
				total += len(chunk)
			}
		}
		if werr := conn.WriteMark(name); werr != nil {
			s.logger.Debug("writing playback mark", zap.Error(werr))
		}
		time.AfterFunc(audio.Duration(total)+s.deps.Timings.PlaybackGrace, func() {
			s.post(evtMark{name: name})
		})
	}()
}

// playApology speaks a short apology on the failed call's way out. The
// session context is already canceled here, so synthesis runs on its own
// short deadline; if the synthesizer is the thing that is down, the raw
// fallback clip plays instead.
func (s *CallSession) playApology(conn MediaConn) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := s.deps.Synthesizer.Synthesize(ctx, apologyMsg, s.cfg.Load().Voice)
	if err != nil {
		s.writeClip(conn, s.deps.FallbackClip)
		return
	}
	for chunk := range stream {
		if werr := conn.WriteMedia(chunk); werr != nil {
			return
		}
	}
}

func (s *CallSession) writeClip(conn MediaConn, clip []byte) int {
	const chunkSize = 1600 // 200ms per frame
	total := 0
	for off := 0; off < len(clip); off += chunkSize {
		end := off + chunkSize
		if end > len(clip) {
			end = len(clip)
		}
		if err := conn.WriteMedia(clip[off:end]); err != nil {
			break
		}
		total += end - off
	}
	return total
}

func (s *CallSession) onMark(name string) {
	if name != s.expectedMark {
		return
	}
	s.expectedMark = ""
	s.playbackBusy = false
	if s.State() == StateResponding {
		s.setState(StateStreaming)
	}
	s.promotePending()
}

// promotePending starts a turn for the oldest buffered utterance, if the
// session is in a position to take one.
func (s *CallSession) promotePending() {
	if !s.canTakeTurn() || len(s.pending) == 0 {
		return
	}
	text := s.pending[0]
	s.pending = s.pending[1:]
	s.beginTurn(text)
}

func (s *CallSession) onRecognizerFault(ev evtRecognizerFault) {
	if ev.gen != s.recGen {
		return
	}
	s.recStrikes++
	s.logger.Warn("recognition stream fault",
		zap.Int("strike", s.recStrikes),
		zap.Error(ev.err),
	)

	if s.recStrikes >= maxRecognizerStrikes {
		s.finalize(StateFailed, "recognition unavailable")
		return
	}
	if s.recRestart {
		return
	}
	s.recRestart = true

	s.mu.Lock()
	old := s.rec
	s.rec = nil
	s.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	if !s.playbackBusy && s.State() == StateStreaming {
		s.startPlayback(recognitionDownMsg)
	}
	go func() {
		rec, err := s.deps.Recognizer(s.ctx)
		s.post(evtRecognizerReady{rec: rec, err: err})
	}()
}

func (s *CallSession) onRecognizerReady(ev evtRecognizerReady) {
	s.recRestart = false
	if ev.err != nil {
		s.recStrikes++
		s.logger.Error("rebuilding recognition stream", ev.err)
		if s.recStrikes >= maxRecognizerStrikes {
			s.finalize(StateFailed, "recognition unavailable")
		}
		return
	}

	s.recGen++
	s.mu.Lock()
	s.rec = ev.rec
	s.mu.Unlock()
	go s.recLoop(ev.rec, s.recGen)
	s.logger.Info("recognition stream rebuilt")
}

func (s *CallSession) onMaxDuration() {
	s.logger.Info("max call duration reached, hanging up")
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn != nil {
		// Drop any queued playback so the goodbye is immediate.
		_ = conn.WriteClear()
	}
	if s.deps.Control != nil {
		callID := s.callID
		control := s.deps.Control
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := control.Hangup(ctx, callID); err != nil {
				s.logger.Warn("hanging up call", zap.Error(err))
			}
		}()
	}
	s.finalize(StateCompleted, "max call duration reached")
}

// readLoop pumps transport frames into the event loop. Caller audio goes
// straight to the recognizer without touching the event loop; malformed
// frames are dropped and logged, never fatal.
func (s *CallSession) readLoop(conn MediaConn) {
	for {
		f, err := conn.ReadFrame()
		if err != nil {
			if errors.Is(err, shared.ErrMalformedFrame) {
				s.logger.Warn("dropping malformed frame", zap.Error(err))
				continue
			}
			s.post(evtTransportClosed{err: err})
			return
		}

		switch f.Event {
		case audio.EventMedia:
			s.sendAudio(f.Audio)
		case audio.EventMark:
			if f.Mark != nil {
				s.post(evtMark{name: f.Mark.Name})
			}
		case audio.EventStop:
			s.post(evtTransportClosed{})
			return
		case audio.EventDTMF:
			if f.DTMF != nil {
				s.logger.Info("dtmf received", zap.String("digit", f.DTMF.Digit))
			}
		case audio.EventConnected, audio.EventStart:
			// Stream metadata; the conn captures the stream SID itself.
		default:
			s.logger.Debug("ignoring frame", zap.String("event", f.Event))
		}
	}
}

func (s *CallSession) sendAudio(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	s.mu.RLock()
	rec := s.rec
	s.mu.RUnlock()
	if rec == nil {
		return
	}
	if err := rec.Send(chunk); err != nil && !errors.Is(err, shared.ErrRecognizerClosed) {
		s.logger.Debug("forwarding audio to recognizer", zap.Error(err))
	}
}

// recLoop forwards recognition events into the event loop, tagged with the
// recognizer generation so events from a replaced stream are ignored.
func (s *CallSession) recLoop(rec stt.Recognizer, gen int) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case tr, ok := <-rec.Results():
			if !ok {
				s.post(evtRecognizerFault{gen: gen, err: errors.New("recognition stream ended")})
				return
			}
			s.post(evtTranscript{gen: gen, tr: tr})
		case err := <-rec.Errors():
			s.post(evtRecognizerFault{gen: gen, err: err})
			return
		}
	}
}

func (s *CallSession) setState(next State) {
	s.mu.Lock()
	prev := s.state
	if prev == next || prev.terminal() {
		s.mu.Unlock()
		return
	}
	s.state = next
	s.mu.Unlock()

	s.logger.Debug("state transition",
		zap.String("from", prev.String()),
		zap.String("to", next.String()),
	)
	s.emit(EventStateTransitioned, func(ev *LifecycleEvent) {
		ev.StateFrom = prev.String()
		ev.StateTo = next.String()
	})
}

func (s *CallSession) finalize(final State, reason string) {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	s.finalizeLocked(final, reason)
}

// finalizeLocked tears the session down exactly once: stop timers, record
// the terminal state, cancel everything, release the recognizer and the
// transport, deregister, and emit the ended event. Safe on every exit path.
func (s *CallSession) finalizeLocked(final State, reason string) {
	s.closeOnce.Do(func() {
		for _, t := range []*time.Timer{s.upgradeTimer, s.greetingTimer, s.maxTimer, s.silenceTimer} {
			if t != nil {
				t.Stop()
			}
		}

		s.setState(final)
		s.mu.Lock()
		s.endTime = time.Now()
		rec := s.rec
		conn := s.conn
		s.mu.Unlock()

		s.cancel(errors.New(reason))
		if rec != nil {
			_ = rec.Close()
		}
		if conn != nil {
			// On a fault the caller hears an apology before the line
			// drops.
			if final == StateFailed {
				s.playApology(conn)
			}
			_ = conn.Close()
		}
		if s.deps.Registry != nil {
			s.deps.Registry.removeSession(s)
		}

		s.logger.Info("session ended",
			zap.String("state", final.String()),
			zap.String("reason", reason),
			zap.Float64("duration_s", time.Since(s.startTime).Seconds()),
		)
		s.emit(EventSessionEnded, func(ev *LifecycleEvent) {
			ev.StateTo = final.String()
			ev.Reason = reason
		})
		close(s.done)
	})
}

func (s *CallSession) emit(evType string, mutate ...func(*LifecycleEvent)) {
	if s.deps.Emitter == nil {
		return
	}
	s.deps.Emitter.Emit(evType, s.callID, mutate...)
}
