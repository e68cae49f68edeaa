// Package liveness implements the request/response probe of spec §4.5: a
// channel decoupled from the command binding that lets the Controller ask
// whether a Worker is running. Grounded on goProbe's captureCommand +
// reply-channel idiom (pkg/capture/capture.go): a probe is a tagged command
// sent over a channel the Worker's single handler goroutine drains, with a
// google/uuid identifier so a stale reply from a prior probe can never be
// misattributed after a reconnect.
package liveness

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Outcome is the result of one liveness probe (spec §4.5 "emit Running and
// cancel the timer" / "emit TimedOut and detach the handler").
type Outcome int

const (
	Running Outcome = iota
	TimedOut
)

func (o Outcome) String() string {
	if o == Running {
		return "running"
	}
	return "timed_out"
}

// Request is one probe sent to the Worker's liveness handler. The Worker
// must reply on Reply with a Response carrying the same ID.
type Request struct {
	ID    string
	Reply chan<- Response
}

// Response answers one Request. A Response whose ID does not match the
// currently armed probe is a stale reply and is ignored.
type Response struct {
	ID string
}

// Channel is the probe/timeout/flag-mutex protocol of spec §4.5, run on a
// dedicated background goroutine so it survives blocked caller threads
// (spec §5 "Liveness channel runs on a dedicated background thread").
type Channel struct {
	requests chan Request
}

// NewChannel constructs a liveness channel. bufferSize bounds how many
// outstanding probes the Worker side may lag behind on.
func NewChannel(bufferSize int) *Channel {
	if bufferSize <= 0 {
		bufferSize = 4
	}
	return &Channel{requests: make(chan Request, bufferSize)}
}

// Requests exposes the request stream for the Worker-side handler to range
// over; it replies on req.Reply for every Request it honors.
func (c *Channel) Requests() <-chan Request { return c.requests }

// Probe issues one liveness probe and blocks until either a matching
// Response arrives or timeout elapses, returning the corresponding Outcome
// (spec §4.5 "Ordering/tie-breaks": exactly one outcome is ever reported,
// serialized by a mutex around a single resolved flag).
func (c *Channel) Probe(ctx context.Context, timeout time.Duration) Outcome {
	id := uuid.NewString()
	reply := make(chan Response, 1)

	var mu sync.Mutex
	resolved := false

	resolve := func(outcome Outcome) (Outcome, bool) {
		mu.Lock()
		defer mu.Unlock()
		if resolved {
			return 0, false
		}
		resolved = true
		return outcome, true
	}

	select {
	case c.requests <- Request{ID: id, Reply: reply}:
	default:
		// Request buffer saturated with probes nobody is draining: treat
		// as an immediate timeout rather than blocking the caller.
		if outcome, ok := resolve(TimedOut); ok {
			return outcome
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case resp := <-reply:
			if resp.ID != id {
				continue // stale reply from a prior probe; ignore
			}
			if outcome, ok := resolve(Running); ok {
				return outcome
			}
			return TimedOut
		case <-timer.C:
			if outcome, ok := resolve(TimedOut); ok {
				return outcome
			}
			return Running
		case <-ctx.Done():
			if outcome, ok := resolve(TimedOut); ok {
				return outcome
			}
			return Running
		}
	}
}

// Respond is the Worker-side handler: it answers every Request it reads
// from Requests() with Running. Intended to run for the lifetime of the
// Worker on its own goroutine; returns when ctx is done.
func Respond(ctx context.Context, c *Channel) {
	for {
		select {
		case req, ok := <-c.requests:
			if !ok || ctx.Err() != nil {
				return
			}
			select {
			case req.Reply <- Response{ID: req.ID}:
			default:
			}
		case <-ctx.Done():
			return
		}
	}
}
