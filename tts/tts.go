// Package tts converts finalized reply text into telephony-ready audio.
package tts

import "context"

// Synthesizer turns a reply string into a finite, non-restartable stream of
// mu-law chunks ready for the transport frame codec. The channel is closed
// after the last chunk. Failure to start the stream is reported as
// shared.ErrSynthesisUnavailable; the session falls back to a canned phrase
// instead of retrying within the same turn.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voiceID string) (<-chan []byte, error)
}
