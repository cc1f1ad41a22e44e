package callbridge

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/bt-bridge/callbridge/agent"
	"github.com/bt-bridge/callbridge/policy"
	"github.com/bt-bridge/callbridge/shared"
	"github.com/bt-bridge/callbridge/stt"
	"github.com/bt-bridge/callbridge/tts"
)

// RecognizerFactory builds one streaming recognition connection per call,
// scoped to the session's context.
type RecognizerFactory func(ctx context.Context) (stt.Recognizer, error)

// Gateway terminates the carrier's webhook and media-stream traffic and
// exposes the management API. One gateway serves every call in the process.
type Gateway struct {
	logger    shared.LoggerAdapter
	registry  *Registry
	templates *agent.Templates
	emitter   *Emitter

	recognizer  RecognizerFactory
	synthesizer tts.Synthesizer
	policy      policy.Policy
	control     CallControl

	publicHost string
	timings    Timings
	defaultCfg atomic.Pointer[agent.Config]
	upgrader   websocket.Upgrader
	startedAt  time.Time
}

// GatewayConfig collects everything a gateway needs at construction.
type GatewayConfig struct {
	Logger      shared.LoggerAdapter
	Registry    *Registry
	Templates   *agent.Templates
	Emitter     *Emitter
	Recognizer  RecognizerFactory
	Synthesizer tts.Synthesizer
	Policy      policy.Policy
	Control     CallControl

	// PublicHost is the host the carrier connects the media stream to.
	// Empty falls back to the webhook request's Host header, which only
	// works when the service is directly reachable.
	PublicHost string
	Timings    Timings

	// DefaultAgent seeds the profile applied to new calls.
	DefaultAgent agent.Config
}

// NewGateway validates the wiring and returns a ready gateway.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if cfg.Logger == nil {
		return nil, shared.ErrNoLogger
	}
	if cfg.Registry == nil || cfg.Recognizer == nil || cfg.Synthesizer == nil || cfg.Policy == nil {
		return nil, shared.ErrNoConfig
	}
	if cfg.Templates == nil {
		cfg.Templates = agent.NewTemplates()
	}
	if cfg.Timings == (Timings{}) {
		cfg.Timings = DefaultTimings()
	}
	if cfg.DefaultAgent == (agent.Config{}) {
		cfg.DefaultAgent = agent.Default()
	}

	g := &Gateway{
		logger:      cfg.Logger,
		registry:    cfg.Registry,
		templates:   cfg.Templates,
		emitter:     cfg.Emitter,
		recognizer:  cfg.Recognizer,
		synthesizer: cfg.Synthesizer,
		policy:      cfg.Policy,
		control:     cfg.Control,
		publicHost:  cfg.PublicHost,
		timings:     cfg.Timings,
		startedAt:   time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The carrier's media servers send no browser Origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	g.defaultCfg.Store(&cfg.DefaultAgent)
	return g, nil
}

// Router returns the gateway's HTTP routes.
func (g *Gateway) Router() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook/call", g.handleWebhook)
	mux.HandleFunc("GET /stream/{callID}", g.handleStream)
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /api/calls", g.handleListCalls)
	mux.HandleFunc("GET /api/calls/{callID}", g.handleGetCall)
	mux.HandleFunc("POST /api/configure", g.handleConfigure)
	mux.HandleFunc("GET /api/templates", g.handleTemplates)
	return mux
}

// DefaultAgent returns the profile currently applied to new calls.
func (g *Gateway) DefaultAgent() agent.Config {
	return *g.defaultCfg.Load()
}

// TwiML elements for the webhook answer: connect the call's audio to this
// service's media-stream endpoint.
type twimlStream struct {
	XMLName xml.Name `xml:"Stream"`
	URL     string   `xml:"url,attr"`
}

type twimlConnect struct {
	XMLName xml.Name `xml:"Connect"`
	Stream  twimlStream
}

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Connect twimlConnect
}

func (g *Gateway) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "malformed webhook form", http.StatusBadRequest)
		return
	}
	callID := r.PostFormValue("CallSid")
	if callID == "" {
		http.Error(w, "missing CallSid", http.StatusBadRequest)
		return
	}
	parts := Participants{
		From:      r.PostFormValue("From"),
		To:        r.PostFormValue("To"),
		Direction: "inbound",
	}

	sess := NewCallSession(callID, parts, *g.defaultCfg.Load(), SessionDeps{
		Logger:      g.logger,
		Recognizer:  g.recognizer,
		Synthesizer: g.synthesizer,
		Policy:      g.policy,
		Registry:    g.registry,
		Emitter:     g.emitter,
		Control:     g.control,
		Timings:     g.timings,
	})
	if err := g.registry.Add(sess); err != nil {
		sess.Close()
		if errors.Is(err, shared.ErrDuplicateCallID) {
			http.Error(w, "call already in progress", http.StatusConflict)
			return
		}
		http.Error(w, "registering call", http.StatusInternalServerError)
		return
	}

	host := g.publicHost
	if host == "" {
		host = r.Host
	}
	twiml := twimlResponse{
		Connect: twimlConnect{
			Stream: twimlStream{URL: fmt.Sprintf("wss://%s/stream/%s", host, callID)},
		},
	}
	body, err := xml.Marshal(&twiml)
	if err != nil {
		g.logger.Error("marshaling twiml", err, zap.String("call_id", callID))
		http.Error(w, "building answer", http.StatusInternalServerError)
		return
	}

	g.logger.Info("incoming call",
		zap.String("call_id", callID),
		zap.String("from", parts.From),
		zap.String("to", parts.To),
	)
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(xml.Header))
	_, _ = w.Write(body)
}

func (g *Gateway) handleStream(w http.ResponseWriter, r *http.Request) {
	callID := r.PathValue("callID")
	sess, ok := g.registry.Get(callID)
	if !ok {
		// A stream for a call the webhook never announced is not ours.
		g.logger.Warn("rejecting media stream for unknown call", zap.String("call_id", callID))
		http.Error(w, "unknown call", http.StatusForbidden)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Error("upgrading media stream", err, zap.String("call_id", callID))
		return
	}

	if err := sess.Attach(NewMediaConn(ws)); err != nil {
		g.logger.Error("attaching media stream", err, zap.String("call_id", callID))
		_ = ws.Close()
	}
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"activeCalls":   g.registry.Len(),
		"uptimeSeconds": int(time.Since(g.startedAt).Seconds()),
	})
}

func (g *Gateway) handleListCalls(w http.ResponseWriter, _ *http.Request) {
	sessions := g.registry.Snapshot()
	infos := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Snapshot())
	}
	g.writeJSON(w, http.StatusOK, map[string]any{
		"count": len(infos),
		"calls": infos,
	})
}

func (g *Gateway) handleGetCall(w http.ResponseWriter, r *http.Request) {
	sess, ok := g.registry.Get(r.PathValue("callID"))
	if !ok {
		http.Error(w, shared.ErrSessionNotFound.Error(), http.StatusNotFound)
		return
	}
	g.writeJSON(w, http.StatusOK, sess.Snapshot())
}

type configureRequest struct {
	// CallSID targets one ringing call. Empty reconfigures the default
	// profile applied to future calls.
	CallSID  string        `json:"callSid,omitempty"`
	Template string        `json:"template,omitempty"`
	Config   *agent.Config `json:"config,omitempty"`
}

func (g *Gateway) handleConfigure(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		http.Error(w, "reading request body", http.StatusBadRequest)
		return
	}
	var req configureRequest
	if err := sonic.Unmarshal(body, &req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	var cfg agent.Config
	switch {
	case req.Template != "":
		tmpl, ok := g.templates.Get(req.Template)
		if !ok {
			http.Error(w, "unknown template", http.StatusNotFound)
			return
		}
		cfg = tmpl
	case req.Config != nil:
		cfg = *req.Config
	default:
		http.Error(w, "either template or config is required", http.StatusBadRequest)
		return
	}

	if req.CallSID != "" {
		sess, ok := g.registry.Get(req.CallSID)
		if !ok {
			http.Error(w, shared.ErrSessionNotFound.Error(), http.StatusNotFound)
			return
		}
		if err := sess.ReplaceConfig(cfg); err != nil {
			// Once audio is flowing the profile is frozen.
			http.Error(w, "call is no longer configurable", http.StatusConflict)
			return
		}
		g.logger.Info("call profile replaced", zap.String("call_id", req.CallSID))
		g.writeJSON(w, http.StatusOK, map[string]any{"callSid": req.CallSID, "config": cfg})
		return
	}

	g.defaultCfg.Store(&cfg)
	g.logger.Info("default agent profile replaced")
	g.writeJSON(w, http.StatusOK, map[string]any{"config": cfg})
}

func (g *Gateway) handleTemplates(w http.ResponseWriter, _ *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]any{"templates": g.templates.Names()})
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	payload, err := sonic.Marshal(v)
	if err != nil {
		g.logger.Error("marshaling response", err)
		http.Error(w, "encoding response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}
