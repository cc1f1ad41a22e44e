// Package audio implements the media-stream frame codec and the bounded
// chunk queue used between the transport and the speech services.
//
// Frames follow the Twilio Media Streams JSON protocol: base64 text wrapping
// 8kHz single-channel mu-law samples. The codec is stateless; both directions
// are pure functions over one frame.
package audio

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/bt-bridge/callbridge/shared"
	"github.com/bytedance/sonic"
)

// Telephony audio format. Twilio Media Streams carry mu-law at 8kHz mono,
// one byte per sample.
const (
	SampleRate = 8000
	Encoding   = "mulaw"
)

// Frame event types. Unknown events are ignored by callers, not errors.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventMark      = "mark"
	EventStop      = "stop"
	EventClear     = "clear"
	EventDTMF      = "dtmf"
)

type Frame struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid,omitempty"`
	Start     *Start `json:"start,omitempty"`
	Media     *Media `json:"media,omitempty"`
	Mark      *Mark  `json:"mark,omitempty"`
	Stop      *Stop  `json:"stop,omitempty"`
	DTMF      *DTMF  `json:"dtmf,omitempty"`

	// Audio is the decoded media payload. Set by Decode for media frames,
	// never serialized.
	Audio []byte `json:"-"`
}

type Start struct {
	StreamSID        string            `json:"streamSid"`
	AccountSID       string            `json:"accountSid"`
	CallSID          string            `json:"callSid"`
	Tracks           []string          `json:"tracks"`
	MediaFormat      Format            `json:"mediaFormat"`
	CustomParameters map[string]string `json:"customParameters"`
}

type Format struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type Media struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type Mark struct {
	Name string `json:"name"`
}

type Stop struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
}

type DTMF struct {
	Digit string `json:"digit"`
}

// Decode parses one inbound transport frame. Media payloads are base64
// decoded into Frame.Audio. A frame with no event, or a media frame with a
// missing or invalid payload, fails with shared.ErrMalformedFrame; the
// caller drops and logs the frame but never fails the session over it.
func Decode(raw []byte) (*Frame, error) {
	var f Frame
	if err := sonic.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", shared.ErrMalformedFrame, err)
	}
	if f.Event == "" {
		return nil, fmt.Errorf("%w: missing event field", shared.ErrMalformedFrame)
	}
	if f.Event == EventMedia {
		if f.Media == nil {
			return nil, fmt.Errorf("%w: media frame without payload", shared.ErrMalformedFrame)
		}
		chunk, err := base64.StdEncoding.DecodeString(f.Media.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: payload is not valid base64: %v", shared.ErrMalformedFrame, err)
		}
		f.Audio = chunk
	}
	return &f, nil
}

// EncodeMedia builds an outbound media frame around a raw mu-law chunk.
func EncodeMedia(streamSID string, chunk []byte) ([]byte, error) {
	f := Frame{
		Event:     EventMedia,
		StreamSID: streamSID,
		Media:     &Media{Payload: base64.StdEncoding.EncodeToString(chunk)},
	}
	raw, err := sonic.Marshal(&f)
	if err != nil {
		return nil, fmt.Errorf("marshaling media frame: %w", err)
	}
	return raw, nil
}

// EncodeMark builds a mark frame. Twilio echoes the mark back once all media
// queued before it has been played, which is the playback-complete signal.
func EncodeMark(streamSID, name string) ([]byte, error) {
	f := Frame{
		Event:     EventMark,
		StreamSID: streamSID,
		Mark:      &Mark{Name: name},
	}
	raw, err := sonic.Marshal(&f)
	if err != nil {
		return nil, fmt.Errorf("marshaling mark frame: %w", err)
	}
	return raw, nil
}

// EncodeClear builds a clear frame, discarding any audio Twilio has buffered
// but not yet played.
func EncodeClear(streamSID string) ([]byte, error) {
	f := Frame{Event: EventClear, StreamSID: streamSID}
	raw, err := sonic.Marshal(&f)
	if err != nil {
		return nil, fmt.Errorf("marshaling clear frame: %w", err)
	}
	return raw, nil
}

// Duration reports the playback duration of n bytes of 8kHz mu-law audio.
func Duration(n int) time.Duration {
	return time.Duration(n) * time.Second / SampleRate
}

// Silence returns d worth of mu-law silence (0xFF encodes zero-level PCM).
// Used as the fallback clip when no recorded phrase is configured.
func Silence(d time.Duration) []byte {
	n := int(d * SampleRate / time.Second)
	if n <= 0 {
		return nil
	}
	clip := make([]byte, n)
	for i := range clip {
		clip[i] = 0xFF
	}
	return clip
}
