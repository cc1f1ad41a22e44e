package stt

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/bt-bridge/callbridge/audio"
	"github.com/bt-bridge/callbridge/shared"
	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultListenURL  = "wss://api.deepgram.com/v1/listen"
	defaultQueueDepth = 50
	keepAliveInterval = 5 * time.Second
)

// DeepgramConfig configures one live recognition connection.
type DeepgramConfig struct {
	APIKey   string
	Model    string // defaults to nova-2
	Language string // defaults to en-US
	URL      string // defaults to the Deepgram listen endpoint

	// QueueDepth bounds the outbound audio queue. Zero means the default.
	QueueDepth int
}

// Deepgram is a Recognizer over Deepgram's live transcription websocket.
// Audio goes out as binary messages; transcript events come back as JSON.
type Deepgram struct {
	logger shared.LoggerAdapter
	conn   *websocket.Conn
	queue  *audio.Queue

	results chan Transcript
	errs    chan error
	done    chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
}

var _ Recognizer = (*Deepgram)(nil)

// NewDeepgram dials the live transcription endpoint and starts the send and
// receive loops. The connection requests mu-law at the telephony sample rate
// so call audio passes through without conversion.
func NewDeepgram(ctx context.Context, logger shared.LoggerAdapter, cfg DeepgramConfig) (*Deepgram, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if cfg.APIKey == "" {
		return nil, shared.ErrNoAPIKey
	}

	endpoint := cfg.URL
	if endpoint == "" {
		endpoint = defaultListenURL
	}
	model := cfg.Model
	if model == "" {
		model = "nova-2"
	}
	language := cfg.Language
	if language == "" {
		language = "en-US"
	}
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = defaultQueueDepth
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parsing listen URL: %w", err)
	}
	q := u.Query()
	q.Set("model", model)
	q.Set("language", language)
	q.Set("encoding", audio.Encoding)
	q.Set("sample_rate", strconv.Itoa(audio.SampleRate))
	q.Set("channels", "1")
	q.Set("interim_results", "true")
	q.Set("smart_format", "true")
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Token "+cfg.APIKey)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("dialing recognizer: %w", err)
	}

	d := &Deepgram{
		logger:  logger,
		conn:    conn,
		queue:   audio.NewQueue(depth),
		results: make(chan Transcript, 32),
		errs:    make(chan error, 2),
		done:    make(chan struct{}),
	}

	go d.writeLoop()
	go d.readLoop()

	return d, nil
}

func (d *Deepgram) Send(chunk []byte) error {
	if !d.queue.Push(chunk) {
		return shared.ErrRecognizerClosed
	}
	return nil
}

func (d *Deepgram) Results() <-chan Transcript {
	return d.results
}

func (d *Deepgram) Errors() <-chan error {
	return d.errs
}

// Close finalizes the upstream stream and releases the connection. Safe to
// call from any exit path; only the first call acts.
func (d *Deepgram) Close() error {
	d.closeOnce.Do(func() {
		close(d.done)
		d.queue.Close()

		d.writeMu.Lock()
		if err := d.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`)); err != nil {
			d.logger.Debug("sending close stream", zap.Error(err))
		}
		d.writeMu.Unlock()

		if err := d.conn.Close(); err != nil {
			d.logger.Debug("closing recognizer connection", zap.Error(err))
		}
	})
	return nil
}

// writeLoop drains the audio queue into the websocket and keeps the stream
// alive across silence.
func (d *Deepgram) writeLoop() {
	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-d.done:
			return
		case chunk, ok := <-d.queue.C():
			if !ok {
				return
			}
			d.writeMu.Lock()
			err := d.conn.WriteMessage(websocket.BinaryMessage, chunk)
			d.writeMu.Unlock()
			if err != nil {
				d.reportError(fmt.Errorf("sending audio: %w", err))
				return
			}
		case <-keepAlive.C:
			d.writeMu.Lock()
			err := d.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"KeepAlive"}`))
			d.writeMu.Unlock()
			if err != nil {
				d.reportError(fmt.Errorf("sending keepalive: %w", err))
				return
			}
		}
	}
}

// readLoop parses transcript events until the connection goes away.
func (d *Deepgram) readLoop() {
	defer close(d.results)

	for {
		_, data, err := d.conn.ReadMessage()
		if err != nil {
			select {
			case <-d.done:
				// Closed locally, not a fault.
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					d.reportError(fmt.Errorf("reading recognizer message: %w", err))
				}
			}
			return
		}

		tr, ok := parseResult(data)
		if !ok {
			continue
		}
		select {
		case d.results <- tr:
		case <-d.done:
			return
		}
	}
}

func (d *Deepgram) reportError(err error) {
	select {
	case d.errs <- err:
	default:
		d.logger.Warn("dropping recognizer error", zap.Error(err))
	}
}

// listenResult is the shape of Deepgram's live transcription payload. Only
// the fields the session cares about are declared.
type listenResult struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// parseResult converts one upstream message into a Transcript. Non-result
// messages (metadata, speech-started markers) are skipped.
func parseResult(data []byte) (Transcript, bool) {
	var res listenResult
	if err := sonic.Unmarshal(data, &res); err != nil {
		return Transcript{}, false
	}
	if res.Type != "Results" || len(res.Channel.Alternatives) == 0 {
		return Transcript{}, false
	}
	alt := res.Channel.Alternatives[0]
	return Transcript{
		Text:       alt.Transcript,
		IsFinal:    res.IsFinal,
		Confidence: alt.Confidence,
	}, true
}
