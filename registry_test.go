package callbridge

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bt-bridge/callbridge/agent"
	"github.com/bt-bridge/callbridge/shared"
	"github.com/bt-bridge/callbridge/stt"
)

func quietSession(callID string) *CallSession {
	return NewCallSession(callID, Participants{}, agent.Default(), SessionDeps{
		Logger: shared.NewNopLogger(),
		Recognizer: func(context.Context) (stt.Recognizer, error) {
			return newFakeRecognizer(), nil
		},
		Synthesizer: &fakeSynth{},
		Policy:      &fakePolicy{},
		Timings: Timings{
			UpgradeWait:   time.Minute,
			GreetingDelay: time.Minute,
			PlaybackGrace: time.Second,
		},
	})
}

func TestRegistryAddGetRemove(t *testing.T) {
	r := NewRegistry()
	s := quietSession("CA1")
	defer s.Close()

	require.NoError(t, r.Add(s))
	assert.Equal(t, 1, r.Len())

	got, ok := r.Get("CA1")
	require.True(t, ok)
	assert.Same(t, s, got)

	_, ok = r.Get("CAother")
	assert.False(t, ok)

	r.Remove("CA1")
	assert.Equal(t, 0, r.Len())
	r.Remove("CA1") // idempotent
}

func TestRegistryRejectsDuplicateCallID(t *testing.T) {
	r := NewRegistry()
	first := quietSession("CA1")
	second := quietSession("CA1")
	defer first.Close()
	defer second.Close()

	require.NoError(t, r.Add(first))
	assert.ErrorIs(t, r.Add(second), shared.ErrDuplicateCallID)

	got, _ := r.Get("CA1")
	assert.Same(t, first, got, "existing session must never be replaced")
}

func TestRejectedDuplicateTeardownKeepsLiveRegistration(t *testing.T) {
	r := NewRegistry()
	mk := func() *CallSession {
		return NewCallSession("CA1", Participants{}, agent.Default(), SessionDeps{
			Logger: shared.NewNopLogger(),
			Recognizer: func(context.Context) (stt.Recognizer, error) {
				return newFakeRecognizer(), nil
			},
			Synthesizer: &fakeSynth{},
			Policy:      &fakePolicy{},
			Registry:    r,
			Timings: Timings{
				UpgradeWait:   time.Minute,
				GreetingDelay: time.Minute,
				PlaybackGrace: time.Second,
			},
		})
	}

	first := mk()
	require.NoError(t, r.Add(first))

	second := mk()
	assert.ErrorIs(t, r.Add(second), shared.ErrDuplicateCallID)
	second.Close()
	<-second.Done()

	// The rejected duplicate's teardown must not evict the live session.
	got, ok := r.Get("CA1")
	require.True(t, ok)
	assert.Same(t, first, got)
	assert.Equal(t, 1, r.Len())

	first.Close()
	<-first.Done()
	_, ok = r.Get("CA1")
	assert.False(t, ok)
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	const n = 64

	sessions := make([]*CallSession, n)
	for i := range sessions {
		sessions[i] = quietSession(fmt.Sprintf("CA%03d", i))
		defer sessions[i].Close()
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, r.Add(sessions[i]))
			_, ok := r.Get(sessions[i].CallID())
			assert.True(t, ok)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, n, r.Len())
	assert.Len(t, r.Snapshot(), n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.Remove(sessions[i].CallID())
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, r.Len())
}
