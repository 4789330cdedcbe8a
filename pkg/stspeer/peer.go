// Package stspeer implements the STS Peer Client (spec §4.3/§5): the
// Worker Runner's outbound connection to the STS processing side,
// carrying fragment:data out and fragment:processed/backpressure:state/
// stream:complete/error back in over the same event-channel shape
// pkg/stsevents defines. Grounded on pkg/connection/ws_connection.go's
// gorilla/websocket read/write pump pattern.
package stspeer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/realtime-ai/dubbingworker/pkg/coordinator"
	"github.com/realtime-ai/dubbingworker/pkg/dubmodel"
	"github.com/realtime-ai/dubbingworker/pkg/stsevents"
)

// State mirrors pkg/connection.ConnectionState's enum-with-String()
// shape for the peer's own lifecycle.
type State int

const (
	StateNew State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFatal
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFatal:
		return "fatal"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Reconnection schedule (spec §4.3): 2s/4s/8s/16s/32s, 5 attempts,
// fatal thereafter.
const (
	InitialBackoff   = 2 * time.Second
	MaxBackoff       = 32 * time.Second
	BackoffMultiplier = 2.0
	MaxAttempts      = 5
)

// FallbackFunc synthesizes a fallback (pass-through) result for a
// fragment still in flight when the peer disconnects, so the caller
// can still emit something in sequence rather than stalling (§4.3).
type FallbackFunc func(fragment dubmodel.FragmentEnvelope) dubmodel.FragmentResult

// Handler receives events observed by the peer client.
type Handler interface {
	OnStateChange(state State)
	OnResult(result dubmodel.FragmentResult)
	OnBackpressure(state stsevents.BackpressureStatePayload)
	OnError(err error)
	// OnFatal is invoked once reconnection exhausts MaxAttempts; the
	// caller should treat the session as unrecoverable.
	OnFatal(err error)
}

type pendingFragment struct {
	envelope dubmodel.FragmentEnvelope
}

// Client is the STS Peer Client for one stream. One Client per active
// session; Dial establishes the socket and starts the read/write pumps.
type Client struct {
	url      string
	handler  Handler
	fallback FallbackFunc

	mu       sync.Mutex
	conn     *websocket.Conn
	state    State
	sequence int64
	pending  map[string]pendingFragment

	outCh  chan stsevents.Envelope
	closed chan struct{}

	dialer func(url string) (*websocket.Conn, error)
}

// New creates a Client bound to url. The unexported dialer field is
// left nil, so connections go through websocket.DefaultDialer.
func New(url string, handler Handler, fallback FallbackFunc) *Client {
	return &Client{
		url:      url,
		handler:  handler,
		fallback: fallback,
		state:    StateNew,
		pending:  make(map[string]pendingFragment),
		outCh:    make(chan stsevents.Envelope, 64),
		closed:   make(chan struct{}),
	}
}

// Dial connects (blocking) and starts the pumps. On success the peer
// is StateConnected and sequence numbers reset to the fresh baseline
// of 0 (§4.3 "fresh sequence_number baseline on reconnect").
func (c *Client) Dial(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		c.setState(StateDisconnected)
		return err
	}
	c.mu.Lock()
	c.conn = conn
	c.sequence = 0
	c.mu.Unlock()
	c.setState(StateConnected)

	go c.readPump()
	go c.writePump()
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	c.setState(StateConnecting)
	if c.dialer != nil {
		return c.dialer(c.url)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	return conn, err
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	if c.handler != nil {
		c.handler.OnStateChange(s)
	}
}

// State returns the peer's current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// nextSequence returns the next outbound sequence number, monotonic
// within the current connection's lifetime.
func (c *Client) nextSequence() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.sequence
	c.sequence++
	return n
}

// Dispatch sends one fragment over the peer channel as fragment:data.
// The caller's SequenceNumber is preserved on the wire (it is the
// session-assigned order); nextSequence only advances the peer's own
// reconnect-local counter, which is not sent on the wire.
func (c *Client) Dispatch(fragment dubmodel.FragmentEnvelope) error {
	c.mu.Lock()
	c.pending[fragment.FragmentID] = pendingFragment{envelope: fragment}
	c.mu.Unlock()
	c.nextSequence()

	payload := stsevents.FragmentDataPayload{
		FragmentID:     fragment.FragmentID,
		StreamID:       fragment.StreamID,
		SequenceNumber: fragment.SequenceNumber,
		TimestampMs:    fragment.TimestampMs,
		PtsNs:          fragment.PtsNs,
	}
	payload.Audio.Format = fragment.Audio.Format
	payload.Audio.SampleRateHz = fragment.Audio.SampleRateHz
	payload.Audio.Channels = fragment.Audio.Channels
	payload.Audio.DurationMs = fragment.Audio.DurationMs
	payload.Audio.DataBase64 = coordinator.EncodeAudioBase64(fragment.Audio.DataBytes)

	env, err := stsevents.NewEnvelope(stsevents.EventFragmentData, payload)
	if err != nil {
		return err
	}
	select {
	case c.outCh <- env:
		return nil
	case <-c.closed:
		return fmt.Errorf("stspeer: client closed")
	}
}

func (c *Client) resolvePending(fragmentID string) {
	c.mu.Lock()
	delete(c.pending, fragmentID)
	c.mu.Unlock()
}

func (c *Client) readPump() {
	defer c.handleDisconnect()
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if c.handler != nil {
				c.handler.OnError(err)
			}
			return
		}

		var env stsevents.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			if c.handler != nil {
				c.handler.OnError(err)
			}
			continue
		}
		c.handleInbound(env)
	}
}

func (c *Client) handleInbound(env stsevents.Envelope) {
	switch env.Event {
	case stsevents.EventFragmentProcessed:
		var p stsevents.FragmentProcessedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.handler.OnError(err)
			return
		}
		c.resolvePending(p.FragmentID)
		c.handler.OnResult(payloadToResult(p))
	case stsevents.EventBackpressureState:
		var p stsevents.BackpressureStatePayload
		if err := json.Unmarshal(env.Payload, &p); err == nil && c.handler != nil {
			c.handler.OnBackpressure(p)
		}
	case stsevents.EventError:
		var p stsevents.ErrorPayload
		if err := json.Unmarshal(env.Payload, &p); err == nil && c.handler != nil {
			c.handler.OnError(fmt.Errorf("%s: %s", p.Code, p.Message))
		}
	}
}

func (c *Client) writePump() {
	for {
		select {
		case <-c.closed:
			return
		case env := <-c.outCh:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()
			if conn == nil {
				continue
			}
			if err := conn.WriteJSON(env); err != nil {
				if c.handler != nil {
					c.handler.OnError(err)
				}
				return
			}
		}
	}
}

// handleDisconnect resolves every in-flight fragment with fallback
// audio (§4.3) and attempts reconnection with exponential backoff.
func (c *Client) handleDisconnect() {
	c.setState(StateDisconnected)

	c.mu.Lock()
	stale := make([]pendingFragment, 0, len(c.pending))
	for _, p := range c.pending {
		stale = append(stale, p)
	}
	c.pending = make(map[string]pendingFragment)
	c.mu.Unlock()

	for _, p := range stale {
		if c.fallback != nil && c.handler != nil {
			c.handler.OnResult(c.fallback(p.envelope))
		}
	}

	select {
	case <-c.closed:
		return
	default:
	}

	go c.reconnect()
}

// reconnect retries Dial on the fixed 2s/4s/8s/16s/32s schedule, up to
// MaxAttempts; beyond that the peer is StateFatal and OnFatal fires.
func (c *Client) reconnect() {
	// backoff.Retry makes its first attempt without waiting, so the
	// first InitialBackoff wait happens here and the policy supplies
	// the remaining 4s/8s/16s/32s waits.
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = InitialBackoff * BackoffMultiplier
	policy.MaxInterval = MaxBackoff
	policy.Multiplier = BackoffMultiplier
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0

	select {
	case <-c.closed:
		return
	case <-time.After(InitialBackoff):
	}

	attempt := 0
	op := func() error {
		select {
		case <-c.closed:
			return backoff.Permanent(fmt.Errorf("stspeer: closed during reconnect"))
		default:
		}
		attempt++
		err := c.Dial(context.Background())
		if err != nil && c.handler != nil {
			c.handler.OnError(err)
		}
		return err
	}

	err := backoff.Retry(op, backoff.WithMaxRetries(policy, MaxAttempts-1))
	if err != nil {
		c.setState(StateFatal)
		if c.handler != nil {
			c.handler.OnFatal(fmt.Errorf("stspeer: reconnection failed after %d attempts: %w", attempt, err))
		}
	}
}

// Close shuts the peer down permanently; no further reconnection is
// attempted.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosed
	conn := c.conn
	c.mu.Unlock()

	close(c.closed)
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func payloadToResult(p stsevents.FragmentProcessedPayload) dubmodel.FragmentResult {
	r := dubmodel.FragmentResult{
		FragmentID:       p.FragmentID,
		StreamID:         p.StreamID,
		SequenceNumber:   p.SequenceNumber,
		Transcript:       p.Transcript,
		TranslatedText:   p.TranslatedText,
		ProcessingTimeMs: p.ProcessingTimeMs,
		StageTimings:     p.StageTimings,
		DurationMetadata: p.DurationMetadata,
	}
	switch p.Status {
	case dubmodel.StatusSuccess.String():
		r.Status = dubmodel.StatusSuccess
	case dubmodel.StatusPartial.String():
		r.Status = dubmodel.StatusPartial
	default:
		r.Status = dubmodel.StatusFailed
	}
	if p.DubbedAudioBase64 != "" {
		if decoded, err := coordinator.DecodeAudioBase64(p.DubbedAudioBase64); err == nil {
			r.DubbedAudio = decoded
		}
	}
	if p.Error != nil {
		r.Error = &dubmodel.ProcessingError{
			Code:      dubmodel.ErrorCode(p.Error.Code),
			Message:   p.Error.Message,
			Retryable: p.Error.Retryable,
		}
	}
	return r
}
