package stspeer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/realtime-ai/dubbingworker/pkg/dubmodel"
	"github.com/realtime-ai/dubbingworker/pkg/stsevents"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// recordingHandler is a test Handler collecting every callback.
type recordingHandler struct {
	mu        sync.Mutex
	states    []State
	results   []dubmodel.FragmentResult
	errs      []error
	fatal     []error
}

func (h *recordingHandler) OnStateChange(s State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.states = append(h.states, s)
}
func (h *recordingHandler) OnResult(r dubmodel.FragmentResult) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.results = append(h.results, r)
}
func (h *recordingHandler) OnBackpressure(stsevents.BackpressureStatePayload) {}
func (h *recordingHandler) OnError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errs = append(h.errs, err)
}
func (h *recordingHandler) OnFatal(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fatal = append(h.fatal, err)
}

func (h *recordingHandler) resultCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.results)
}

// echoServer upgrades the connection and, for every inbound
// fragment:data, replies with a fragment:processed envelope carrying
// the same fragment/sequence id, simulating the STS processing side.
func echoServer(t *testing.T) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env stsevents.Envelope
			if err := json.Unmarshal(msg, &env); err != nil {
				continue
			}
			if env.Event != stsevents.EventFragmentData {
				continue
			}
			var p stsevents.FragmentDataPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				continue
			}
			out, _ := stsevents.NewEnvelope(stsevents.EventFragmentProcessed, stsevents.FragmentProcessedPayload{
				FragmentID:     p.FragmentID,
				StreamID:       p.StreamID,
				SequenceNumber: p.SequenceNumber,
				Status:         dubmodel.StatusSuccess.String(),
			})
			if err := conn.WriteJSON(out); err != nil {
				return
			}
		}
	}))
}

func testFragment(id string, seq int64) dubmodel.FragmentEnvelope {
	return dubmodel.FragmentEnvelope{
		FragmentID:     id,
		StreamID:       "stream1",
		SequenceNumber: seq,
		Audio: dubmodel.AudioSpec{
			Format:       "pcm_f32le",
			SampleRateHz: 16000,
			Channels:     1,
			DurationMs:   1000,
			DataBytes:    make([]byte, 16000*4),
		},
	}
}

func dialURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestDispatchReceivesProcessedResult(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	h := &recordingHandler{}
	c := New(dialURL(srv.URL), h, nil)
	require.NoError(t, c.Dial(context.Background()))
	defer c.Close()

	require.NoError(t, c.Dispatch(testFragment("f1", 0)))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && h.resultCount() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, 1, h.resultCount())
	assert.Equal(t, "f1", h.results[0].FragmentID)
	assert.Equal(t, dubmodel.StatusSuccess, h.results[0].Status)
}

func TestDisconnectResolvesPendingWithFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		// Read one message then drop the connection without responding,
		// simulating an STS-side disconnect mid-flight.
		conn.ReadMessage()
		conn.Close()
	}))
	defer srv.Close()

	var fallbackCalls int
	var mu sync.Mutex
	fallback := func(env dubmodel.FragmentEnvelope) dubmodel.FragmentResult {
		mu.Lock()
		fallbackCalls++
		mu.Unlock()
		return dubmodel.FragmentResult{
			FragmentID:     env.FragmentID,
			StreamID:       env.StreamID,
			SequenceNumber: env.SequenceNumber,
			Status:         dubmodel.StatusPartial,
			DubbedAudio:    env.Audio.DataBytes,
		}
	}

	h := &recordingHandler{}
	c := New(dialURL(srv.URL), h, fallback)
	require.NoError(t, c.Dial(context.Background()))

	require.NoError(t, c.Dispatch(testFragment("f1", 0)))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && h.resultCount() == 0 {
		time.Sleep(5 * time.Millisecond)
	}

	c.Close()

	require.Equal(t, 1, h.resultCount())
	assert.Equal(t, dubmodel.StatusPartial, h.results[0].Status)
	mu.Lock()
	assert.Equal(t, 1, fallbackCalls)
	mu.Unlock()
}
