// Package agent holds per-call agent configuration and the named template
// store used to seed it.
package agent

import (
	"sync"
	"time"
)

// Config is the behavior profile bound to one call. It is supplied when the
// session is created and may only be replaced as a whole unit while the
// session is still ringing; it is never mutated field-by-field mid-call, so
// the audio path can read it without tearing.
type Config struct {
	Voice               string `json:"voice" yaml:"voice"`
	Greeting            string `json:"greeting" yaml:"greeting"`
	Prompt              string `json:"prompt" yaml:"prompt"`
	MaxCallDurationSec  int    `json:"maxCallDuration" yaml:"max_call_duration_sec"`
	EnableRecording     bool   `json:"enableRecording" yaml:"enable_recording"`
	EnableTranscription bool   `json:"enableTranscription" yaml:"enable_transcription"`
}

// MaxDuration is the call ceiling as a duration. Zero means no ceiling.
func (c Config) MaxDuration() time.Duration {
	return time.Duration(c.MaxCallDurationSec) * time.Second
}

// Default is the stock assistant profile.
func Default() Config {
	return Config{
		Voice:    "aura-odysseus-en",
		Greeting: "Hello! Thank you for calling. I'm your AI assistant. How can I help you today?",
		Prompt: "You are a professional AI phone assistant. " +
			"Be helpful, polite, and concise. Listen carefully to customer needs. " +
			"Provide clear and accurate information. If you don't know something, say so honestly. " +
			"Always maintain a professional tone. Keep responses under 30 seconds when possible.",
		MaxCallDurationSec:  600,
		EnableRecording:     true,
		EnableTranscription: true,
	}
}

// Templates is a concurrency-safe named store of agent profiles. Lookups
// return copies so a stored template can never be torn by a caller.
type Templates struct {
	mu    sync.RWMutex
	byKey map[string]Config
}

// NewTemplates seeds the store with the built-in profiles.
func NewTemplates() *Templates {
	t := &Templates{byKey: make(map[string]Config)}

	t.Put("default", Default())

	cs := Default()
	cs.Greeting = "Thank you for calling customer service. How can I help you today?"
	cs.Prompt = "You are a customer service agent. Resolve the caller's issue efficiently, " +
		"confirm details back to them, and escalate politely when you cannot help."
	t.Put("customer-service", cs)

	rc := Default()
	rc.Greeting = "Hello, you've reached the front desk. Who would you like to speak with?"
	rc.Prompt = "You are a virtual receptionist. Route callers to the right person or " +
		"department, take messages, and keep every answer short."
	rc.MaxCallDurationSec = 300
	t.Put("receptionist", rc)

	return t
}

func (t *Templates) Get(name string) (Config, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	cfg, ok := t.byKey[name]
	return cfg, ok
}

func (t *Templates) Put(name string, cfg Config) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byKey[name] = cfg
}

func (t *Templates) Delete(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.byKey[name]; !ok {
		return false
	}
	delete(t.byKey, name)
	return true
}

// Names lists the stored template names in no particular order.
func (t *Templates) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.byKey))
	for name := range t.byKey {
		names = append(names, name)
	}
	return names
}
