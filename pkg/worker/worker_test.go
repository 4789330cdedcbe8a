package worker

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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/realtime-ai/dubbingworker/pkg/avsync"
	"github.com/realtime-ai/dubbingworker/pkg/dubmodel"
	"github.com/realtime-ai/dubbingworker/pkg/metrics"
	"github.com/realtime-ai/dubbingworker/pkg/stsevents"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// recordingEgress collects every SyncPair forwarded by the Runner.
type recordingEgress struct {
	mu    sync.Mutex
	pairs []avsync.SyncPair
}

func (e *recordingEgress) Forward(pair avsync.SyncPair) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pairs = append(e.pairs, pair)
}

func (e *recordingEgress) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pairs)
}

func (e *recordingEgress) first() avsync.SyncPair {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pairs[0]
}

// dubEchoServer replies to every fragment:data with fragment:processed
// carrying a recognizable dubbed-audio payload, simulating the STS side.
func dubEchoServer(t *testing.T) *httptest.Server {
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
			result := dubmodel.FragmentResult{
				FragmentID:     p.FragmentID,
				StreamID:       p.StreamID,
				SequenceNumber: p.SequenceNumber,
				Status:         dubmodel.StatusSuccess,
				DubbedAudio:    []byte("dubbed-" + p.FragmentID),
			}
			out, _ := stsevents.NewEnvelope(stsevents.EventFragmentProcessed, stsevents.FragmentResultToPayload(&result))
			if err := conn.WriteJSON(out); err != nil {
				return
			}
		}
	}))
}

func dialURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func testSegment(batch int64) dubmodel.SegmentPair {
	return dubmodel.SegmentPair{
		BatchNumber:  batch,
		T0Ns:         batch * 6_000_000_000,
		DurationNs:   6_000_000_000,
		VideoPayload: []byte("video"),
		AudioPayload: []byte("original-audio"),
	}
}

func newTestRunner(t *testing.T, peerURL string) (*Runner, *recordingEgress) {
	egress := &recordingEgress{}
	m := metrics.New(prometheus.NewRegistry())
	r := New(Config{
		StreamID:     "stream1",
		PeerURL:      dialURL(peerURL),
		MaxInflight:  10,
		TimeoutMs:    5000,
		AudioFormat:  "pcm_f32le",
		SampleRateHz: 16000,
		Channels:     1,
	}, egress, m)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() { r.Stop() })
	return r, egress
}

func TestSegmentPairRoundTripsThroughSTSAndForwards(t *testing.T) {
	srv := dubEchoServer(t)
	defer srv.Close()

	r, egress := newTestRunner(t, srv.URL)
	r.HandleSegmentPair(testSegment(1))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && egress.count() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, 1, egress.count())
	pair := egress.first()
	assert.Equal(t, int64(1), pair.BatchNumber)
	assert.Equal(t, []byte("video"), pair.Video)
	assert.False(t, pair.FromFallback)
}

func TestBreakerOpenUsesFallbackWithoutDispatch(t *testing.T) {
	srv := dubEchoServer(t)
	defer srv.Close()

	r, egress := newTestRunner(t, srv.URL)
	for i := 0; i < 5; i++ {
		r.breaker.RecordFailure(true)
	}
	require.False(t, r.breaker.AllowDispatch())

	r.HandleSegmentPair(testSegment(2))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && egress.count() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, 1, egress.count())
	pair := egress.first()
	assert.Equal(t, []byte("original-audio"), pair.Audio)
	assert.True(t, pair.FromFallback)
}

func TestStopFlushesBufferedVideoWithFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		// Never respond, so the fragment stays pending until Stop flushes.
		conn.ReadMessage()
	}))
	defer srv.Close()

	egress := &recordingEgress{}
	m := metrics.New(prometheus.NewRegistry())
	r := New(Config{
		StreamID:     "stream1",
		PeerURL:      dialURL(srv.URL),
		MaxInflight:  10,
		TimeoutMs:    5000,
		AudioFormat:  "pcm_f32le",
		SampleRateHz: 16000,
		Channels:     1,
	}, egress, m)
	require.NoError(t, r.Start(context.Background()))

	r.HandleSegmentPair(testSegment(3))
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, r.Stop())
	require.Equal(t, 1, egress.count())
	pair := egress.first()
	assert.Equal(t, int64(3), pair.BatchNumber)
	assert.True(t, pair.FromFallback)
}
