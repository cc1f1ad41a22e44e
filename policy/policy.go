// Package policy defines the dialogue policy contract: a pure mapping from
// a finalized user utterance plus conversation history to reply text.
package policy

import (
	"context"
	"time"

	"github.com/bt-bridge/callbridge/agent"
)

type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerAgent Speaker = "agent"
)

// Turn is one conversation entry. Insertion order is the only ordering
// guarantee; timestamps are informational.
type Turn struct {
	Speaker   Speaker   `json:"speaker"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Policy produces the agent's reply for one user turn. History is a
// snapshot that already contains the utterance as its last user turn. An
// empty reply means the agent has nothing to say and the session simply
// resumes listening. Errors are turn-level; they never end the call.
type Policy interface {
	Reply(ctx context.Context, utterance string, history []Turn, cfg agent.Config) (string, error)
}

// historyWindow bounds how much context a policy looks at per turn.
const historyWindow = 10

func tail(history []Turn) []Turn {
	if len(history) <= historyWindow {
		return history
	}
	return history[len(history)-historyWindow:]
}
