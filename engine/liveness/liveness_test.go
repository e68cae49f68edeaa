package liveness

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestProbeTimesOutWithNoResponder(t *testing.T) {
	ch := NewChannel(4)
	start := time.Now()
	outcome := ch.Probe(context.Background(), 200*time.Millisecond)
	elapsed := time.Since(start)
	assert.Equal(t, TimedOut, outcome)
	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
}

func TestProbeReportsRunningWhenResponderAnswers(t *testing.T) {
	ch := NewChannel(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go Respond(ctx, ch)

	outcome := ch.Probe(context.Background(), time.Second)
	assert.Equal(t, Running, outcome)
}

func TestProbeIgnoresStaleResponses(t *testing.T) {
	ch := NewChannel(4)
	go func() {
		req := <-ch.Requests()
		// Reply with a bogus id, simulating a stale response misdelivered
		// from a prior probe; it must not be attributed to this one.
		req.Reply <- Response{ID: "stale-id-from-a-prior-probe"}
	}()

	outcome := ch.Probe(context.Background(), 150*time.Millisecond)
	assert.Equal(t, TimedOut, outcome)
}
