package tts

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/bt-bridge/callbridge/audio"
	"github.com/bt-bridge/callbridge/shared"
	"github.com/bytedance/sonic"
	"github.com/valyala/fasthttp"
)

const (
	defaultSpeakURL  = "https://api.deepgram.com/v1/speak"
	defaultVoice     = "aura-odysseus-en"
	defaultChunkSize = 1600 // 200ms of 8kHz mu-law
	requestTimeout   = 15 * time.Second
)

// DeepgramConfig configures the speak client.
type DeepgramConfig struct {
	APIKey    string
	URL       string // defaults to the Deepgram speak endpoint
	ChunkSize int    // bytes per emitted chunk, zero means the default
}

// Deepgram synthesizes speech through Deepgram's speak REST API, requesting
// mu-law at the telephony sample rate so the result can be framed directly.
type Deepgram struct {
	logger    shared.LoggerAdapter
	apiKey    string
	endpoint  string
	chunkSize int
}

var _ Synthesizer = (*Deepgram)(nil)

func NewDeepgram(logger shared.LoggerAdapter, cfg DeepgramConfig) (*Deepgram, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if cfg.APIKey == "" {
		return nil, shared.ErrNoAPIKey
	}
	endpoint := cfg.URL
	if endpoint == "" {
		endpoint = defaultSpeakURL
	}
	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	return &Deepgram{
		logger:    logger,
		apiKey:    cfg.APIKey,
		endpoint:  endpoint,
		chunkSize: chunkSize,
	}, nil
}

// Synthesize requests the full clip and hands it out as a lazy chunk stream.
// Any transport or HTTP failure maps to shared.ErrSynthesisUnavailable.
func (d *Deepgram) Synthesize(ctx context.Context, text, voiceID string) (<-chan []byte, error) {
	if voiceID == "" {
		voiceID = defaultVoice
	}

	u, err := url.Parse(d.endpoint)
	if err != nil {
		return nil, fmt.Errorf("parsing speak URL: %w", err)
	}
	q := u.Query()
	q.Set("model", voiceID)
	q.Set("encoding", audio.Encoding)
	q.Set("sample_rate", strconv.Itoa(audio.SampleRate))
	u.RawQuery = q.Encode()

	payload, err := sonic.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, fmt.Errorf("marshaling speak request: %w", err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(u.String())
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.Set("Authorization", "Token "+d.apiKey)
	req.Header.SetContentType("application/json")
	req.SetBody(payload)

	errC := make(chan error, 1)
	go func() {
		errC <- fasthttp.DoTimeout(req, resp, requestTimeout)
	}()
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", shared.ErrSynthesisUnavailable, ctx.Err())
	case err := <-errC:
		if err != nil {
			return nil, fmt.Errorf("%w: %v", shared.ErrSynthesisUnavailable, err)
		}
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status code %d", shared.ErrSynthesisUnavailable, resp.StatusCode())
	}

	body := append([]byte(nil), resp.Body()...)
	return chunkStream(ctx, body, d.chunkSize), nil
}

// chunkStream slices a finished clip into fixed-size chunks delivered
// lazily, so playback can begin before the consumer has taken the whole
// clip and teardown can abandon the remainder.
func chunkStream(ctx context.Context, clip []byte, size int) <-chan []byte {
	out := make(chan []byte)
	go func() {
		defer close(out)
		for off := 0; off < len(clip); off += size {
			end := off + size
			if end > len(clip) {
				end = len(clip)
			}
			select {
			case out <- clip[off:end]:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
