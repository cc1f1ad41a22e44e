// Package stt streams call audio into a speech recognizer and surfaces
// transcript events back to the owning call session.
package stt

// Transcript is one recognition event. Only events with IsFinal and
// non-empty trimmed text drive the conversation; interim events exist for
// live-captioning surfaces and must never be treated as user input.
type Transcript struct {
	Text       string
	IsFinal    bool
	Confidence float64
}

// Recognizer is one streaming recognition connection. A call session owns
// exactly one recognizer at a time and must Close it on every exit path;
// an unclosed recognizer leaks provider-side streaming minutes.
type Recognizer interface {
	// Send enqueues one raw audio chunk. It never blocks beyond a bounded
	// enqueue: when the upstream connection lags, the oldest unsent chunk
	// is dropped instead of stalling the audio-receive path.
	Send(chunk []byte) error

	// Results delivers transcript events in arrival order. The channel is
	// closed when the upstream stream ends.
	Results() <-chan Transcript

	// Errors delivers connection-level faults. These are recoverable from
	// the session's point of view; the session decides when to give up.
	Errors() <-chan error

	Close() error
}
