package callbridge

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bt-bridge/callbridge/agent"
	"github.com/bt-bridge/callbridge/audio"
	"github.com/bt-bridge/callbridge/policy"
	"github.com/bt-bridge/callbridge/shared"
	"github.com/bt-bridge/callbridge/stt"
)

// fakeConn scripts the carrier side of a media stream. Written marks are
// echoed back like Twilio echoes them once playback finishes.
type fakeConn struct {
	in     chan *audio.Frame
	closed chan struct{}
	once   sync.Once

	mu    sync.Mutex
	media [][]byte
	marks []string
}

var _ MediaConn = (*fakeConn)(nil)

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan *audio.Frame, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadFrame() (*audio.Frame, error) {
	select {
	case f := <-c.in:
		return f, nil
	case <-c.closed:
		return nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteMedia(chunk []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	c.media = append(c.media, cp)
	return nil
}

func (c *fakeConn) WriteMark(name string) error {
	c.mu.Lock()
	c.marks = append(c.marks, name)
	c.mu.Unlock()
	c.push(&audio.Frame{Event: audio.EventMark, Mark: &audio.Mark{Name: name}})
	return nil
}

func (c *fakeConn) WriteClear() error   { return nil }
func (c *fakeConn) StreamSID() string   { return "MZtest" }
func (c *fakeConn) setStreamSID(string) {}
func (c *fakeConn) push(f *audio.Frame) {
	select {
	case c.in <- f:
	case <-c.closed:
	}
}

func (c *fakeConn) pushStop() {
	c.push(&audio.Frame{Event: audio.EventStop})
}

func (c *fakeConn) writtenMarks() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.marks))
	copy(out, c.marks)
	return out
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type fakeRecognizer struct {
	results chan stt.Transcript
	errs    chan error

	mu     sync.Mutex
	sent   [][]byte
	closed bool
}

var _ stt.Recognizer = (*fakeRecognizer)(nil)

func newFakeRecognizer() *fakeRecognizer {
	return &fakeRecognizer{
		results: make(chan stt.Transcript, 16),
		errs:    make(chan error, 1),
	}
}

func (r *fakeRecognizer) Send(chunk []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return shared.ErrRecognizerClosed
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	r.sent = append(r.sent, cp)
	return nil
}

func (r *fakeRecognizer) Results() <-chan stt.Transcript { return r.results }
func (r *fakeRecognizer) Errors() <-chan error           { return r.errs }

func (r *fakeRecognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeRecognizer) final(text string) {
	r.results <- stt.Transcript{Text: text, IsFinal: true, Confidence: 0.95}
}

func (r *fakeRecognizer) interim(text string) {
	r.results <- stt.Transcript{Text: text, IsFinal: false}
}

func (r *fakeRecognizer) fail(err error) {
	r.errs <- err
}

func (r *fakeRecognizer) sentCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func mediaFrame(chunk []byte) *audio.Frame {
	return &audio.Frame{Event: audio.EventMedia, Media: &audio.Media{}, Audio: chunk}
}

// fakeSynth streams one canned chunk per request and records the text.
type fakeSynth struct {
	mu    sync.Mutex
	texts []string
	err   error
}

func (s *fakeSynth) Synthesize(_ context.Context, text, _ string) (<-chan []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.texts = append(s.texts, text)
	ch := make(chan []byte, 1)
	ch <- make([]byte, 160)
	close(ch)
	return ch, nil
}

func (s *fakeSynth) synthesized() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.texts))
	copy(out, s.texts)
	return out
}

// fakePolicy records utterances and answers via replyFn. A non-nil gate
// blocks every Reply call until the gate is closed.
type fakePolicy struct {
	mu      sync.Mutex
	calls   []string
	replyFn func(utterance string) (string, error)
	gate    chan struct{}
}

func (p *fakePolicy) Reply(ctx context.Context, utterance string, _ []policy.Turn, _ agent.Config) (string, error) {
	p.mu.Lock()
	p.calls = append(p.calls, utterance)
	fn := p.replyFn
	gate := p.gate
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if fn != nil {
		return fn(utterance)
	}
	return "echo: " + utterance, nil
}

func (p *fakePolicy) utterances() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.calls))
	copy(out, p.calls)
	return out
}

type fakeControl struct {
	mu      sync.Mutex
	hangups []string
}

func (c *fakeControl) Hangup(_ context.Context, callID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hangups = append(c.hangups, callID)
	return nil
}

func (c *fakeControl) hungUp() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.hangups))
	copy(out, c.hangups)
	return out
}

// captureSink records lifecycle events for assertions.
type captureSink struct {
	mu     sync.Mutex
	events []LifecycleEvent
}

func (s *captureSink) Publish(_ context.Context, ev LifecycleEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *captureSink) captured() []LifecycleEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]LifecycleEvent, len(s.events))
	copy(out, s.events)
	return out
}

func testTimings() Timings {
	return Timings{
		UpgradeWait:   500 * time.Millisecond,
		GreetingDelay: 5 * time.Millisecond,
		PlaybackGrace: 20 * time.Millisecond,
	}
}

// sessionHarness bundles a session with every fake it is wired to.
type sessionHarness struct {
	session *CallSession
	conn    *fakeConn
	synth   *fakeSynth
	policy  *fakePolicy
	control *fakeControl
	sink    *captureSink
	reg     *Registry
	emitter *Emitter

	mu   sync.Mutex
	recs []*fakeRecognizer
}

func (h *sessionHarness) rec(i int) *fakeRecognizer {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.recs[i]
}

func (h *sessionHarness) recCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.recs)
}

func newSessionHarness(cfg agent.Config, mutate ...func(*SessionDeps)) *sessionHarness {
	h := &sessionHarness{
		conn:    newFakeConn(),
		synth:   &fakeSynth{},
		policy:  &fakePolicy{},
		control: &fakeControl{},
		sink:    &captureSink{},
		reg:     NewRegistry(),
	}
	logger := shared.NewNopLogger()
	h.emitter = NewEmitter(logger, h.sink)

	deps := SessionDeps{
		Logger: logger,
		Recognizer: func(context.Context) (stt.Recognizer, error) {
			rec := newFakeRecognizer()
			h.mu.Lock()
			h.recs = append(h.recs, rec)
			h.mu.Unlock()
			return rec, nil
		},
		Synthesizer: h.synth,
		Policy:      h.policy,
		Registry:    h.reg,
		Emitter:     h.emitter,
		Control:     h.control,
		Timings:     testTimings(),
	}
	for _, m := range mutate {
		m(&deps)
	}

	h.session = NewCallSession("CAtest", Participants{From: "+15550100", To: "+15550200"}, cfg, deps)
	_ = h.reg.Add(h.session)
	return h
}
