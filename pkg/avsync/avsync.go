// Package avsync implements the A/V Sync Manager (spec §4.2): it buffers
// video and audio segments, pairs them by batch number, bounds memory
// with FIFO eviction, and supplies fallback audio at stream end or
// timeout so video is never silently dropped from egress.
package avsync

import (
	"container/list"
	"log"
	"sync"
	"time"

	"github.com/realtime-ai/dubbingworker/pkg/dubmodel"
)

// DefaultMaxBufferSize bounds each buffer's size before oldest-first
// eviction kicks in.
const DefaultMaxBufferSize = 64

// DefaultAVOffsetNs is the configured lead of dubbed audio behind
// original video (spec §4.2), ~6s to match the default chunk duration.
const DefaultAVOffsetNs = 6_000_000_000

// DefaultDriftThresholdMs is the drift beyond which needs_correction
// becomes true.
const DefaultDriftThresholdMs = 120

// slewRateMs is the maximum PTS adjustment applied per pair when
// correcting drift. It is a linear closed loop: each pair nudges the
// applied offset by at most slewRateMs toward zero drift, never jumping
// straight to the measured delta. Documented here per spec §9's request
// that any implementation state its slew rate explicitly.
const slewRateMs = 20

// FallbackResolver synchronously yields substitute audio bytes for a
// video segment with no matching dubbed audio, typically the original
// input audio at the same batch number.
type FallbackResolver func(batchNumber int64) []byte

// SyncPair is a matched segment tuple leaving the manager toward the
// egress muxer.
type SyncPair struct {
	BatchNumber int64
	Video       []byte
	Audio       []byte
	PtsNs       int64
	FromFallback bool
}

type videoEntry struct {
	batch     dubmodel.SegmentPair
	data      []byte
	arrivedAt time.Time
}

type audioEntry struct {
	batch     dubmodel.SegmentPair
	data      []byte
	arrivedAt time.Time
}

// Manager is the A/V Sync Manager. All mutations are serialized through
// mu, which covers both buffers jointly so a pair query always observes
// a consistent snapshot.
type Manager struct {
	mu sync.Mutex

	maxBufferSize int
	avOffsetNs    int64
	driftThreshMs int64

	videoQueue *list.List          // FIFO of *videoEntry, ordered by arrival
	videoByBatch map[int64]*list.Element
	audioByBatch map[int64]*audioEntry

	ready []SyncPair

	syncDeltaMs    int64
	appliedOffsetMs int64
	needsCorrection bool

	clock func() time.Time

	onDrop func(kind string, batchNumber int64)
}

// Option configures a Manager at construction time.
type Option func(*Manager)

func WithMaxBufferSize(n int) Option {
	return func(m *Manager) { m.maxBufferSize = n }
}

func WithAVOffsetNs(n int64) Option {
	return func(m *Manager) { m.avOffsetNs = n }
}

func WithDriftThresholdMs(ms int64) Option {
	return func(m *Manager) { m.driftThreshMs = ms }
}

func WithDropHandler(fn func(kind string, batchNumber int64)) Option {
	return func(m *Manager) { m.onDrop = fn }
}

// WithClock overrides the wall clock used to measure audio-vs-video
// arrival skew, for deterministic tests.
func WithClock(fn func() time.Time) Option {
	return func(m *Manager) { m.clock = fn }
}

// New creates an A/V Sync Manager with the given options.
func New(opts ...Option) *Manager {
	m := &Manager{
		maxBufferSize: DefaultMaxBufferSize,
		avOffsetNs:    DefaultAVOffsetNs,
		driftThreshMs: DefaultDriftThresholdMs,
		videoQueue:    list.New(),
		videoByBatch:  make(map[int64]*list.Element),
		audioByBatch:  make(map[int64]*audioEntry),
		clock:         time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// PushVideo inserts a video segment; if a matching audio segment is
// already buffered for the same batch, both are popped and returned as
// a pair. Never blocks.
func (m *Manager) PushVideo(seg dubmodel.SegmentPair, data []byte) *SyncPair {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	if aud, ok := m.audioByBatch[seg.BatchNumber]; ok {
		delete(m.audioByBatch, seg.BatchNumber)
		return m.makePair(seg, data, aud.data, false, &now, &aud.arrivedAt)
	}

	el := m.videoQueue.PushBack(&videoEntry{batch: seg, data: data, arrivedAt: now})
	m.videoByBatch[seg.BatchNumber] = el
	m.evictVideoIfNeeded()
	return nil
}

// PushAudio is symmetric to PushVideo.
func (m *Manager) PushAudio(seg dubmodel.SegmentPair, data []byte) *SyncPair {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	if el, ok := m.videoByBatch[seg.BatchNumber]; ok {
		ve := el.Value.(*videoEntry)
		m.videoQueue.Remove(el)
		delete(m.videoByBatch, seg.BatchNumber)
		return m.makePair(ve.batch, ve.data, data, false, &ve.arrivedAt, &now)
	}

	if _, exists := m.audioByBatch[seg.BatchNumber]; exists {
		m.drop("audio_overwrite", seg.BatchNumber)
	}
	m.audioByBatch[seg.BatchNumber] = &audioEntry{batch: seg, data: data, arrivedAt: now}
	m.evictAudioIfNeeded()
	return nil
}

// makePair must be called with mu held. It computes sync drift from the
// wall-clock skew between when the video and audio side of the pair
// each arrived, applies gradual slew, and returns the SyncPair.
// videoArrivedAt/audioArrivedAt are both nil for a fallback pair, which
// has no real audio arrival to measure against; the previous drift
// state is left untouched in that case.
func (m *Manager) makePair(vseg dubmodel.SegmentPair, video, audio []byte, fromFallback bool, videoArrivedAt, audioArrivedAt *time.Time) *SyncPair {
	if videoArrivedAt != nil && audioArrivedAt != nil {
		skewMs := videoArrivedAt.Sub(*audioArrivedAt).Milliseconds()
		observedDelta := skewMs - m.appliedOffsetMs
		m.syncDeltaMs = observedDelta

		if observedDelta > m.driftThreshMs || observedDelta < -m.driftThreshMs {
			m.needsCorrection = true
		} else {
			m.needsCorrection = false
		}

		if m.needsCorrection {
			if observedDelta > 0 {
				m.appliedOffsetMs += min64(slewRateMs, observedDelta)
			} else {
				m.appliedOffsetMs -= min64(slewRateMs, -observedDelta)
			}
		}
	}

	ptsNs := vseg.T0Ns + m.avOffsetNs + m.appliedOffsetMs*1_000_000

	pair := SyncPair{
		BatchNumber:  vseg.BatchNumber,
		Video:        video,
		Audio:        audio,
		PtsNs:        ptsNs,
		FromFallback: fromFallback,
	}
	m.ready = append(m.ready, pair)
	return &pair
}

// GetReadyPairs drains all currently pairable batches without blocking.
func (m *Manager) GetReadyPairs() []SyncPair {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.ready
	m.ready = nil
	return out
}

// FlushWithFallback is called at stream end or timeout. Every remaining
// video segment without matching audio gets fallback audio from
// resolver; audio without video is discarded.
func (m *Manager) FlushWithFallback(resolver FallbackResolver) []SyncPair {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []SyncPair
	for el := m.videoQueue.Front(); el != nil; el = el.Next() {
		ve := el.Value.(*videoEntry)
		fallback := resolver(ve.batch.BatchNumber)
		pair := m.makePair(ve.batch, ve.data, fallback, true, nil, nil)
		out = append(out, *pair)
	}
	m.videoQueue.Init()
	m.videoByBatch = make(map[int64]*list.Element)
	m.audioByBatch = make(map[int64]*audioEntry)
	m.ready = nil
	return out
}

// Reset empties both buffers and sync state.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.videoQueue.Init()
	m.videoByBatch = make(map[int64]*list.Element)
	m.audioByBatch = make(map[int64]*audioEntry)
	m.ready = nil
	m.syncDeltaMs = 0
	m.appliedOffsetMs = 0
	m.needsCorrection = false
}

// VideoBufferSize returns the number of buffered, unpaired video segments.
func (m *Manager) VideoBufferSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.videoQueue.Len()
}

// AudioBufferSize returns the number of buffered, unpaired audio segments.
func (m *Manager) AudioBufferSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.audioByBatch)
}

// SyncDeltaMs returns the most recently observed drift.
func (m *Manager) SyncDeltaMs() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.syncDeltaMs
}

// AVOffsetMs returns the currently applied slewed offset.
func (m *Manager) AVOffsetMs() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appliedOffsetMs
}

// NeedsCorrection reports whether the last pair exceeded the drift
// threshold.
func (m *Manager) NeedsCorrection() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.needsCorrection
}

func (m *Manager) evictVideoIfNeeded() {
	for m.videoQueue.Len() > m.maxBufferSize {
		front := m.videoQueue.Front()
		ve := front.Value.(*videoEntry)
		m.videoQueue.Remove(front)
		delete(m.videoByBatch, ve.batch.BatchNumber)
		m.drop("video", ve.batch.BatchNumber)
	}
}

func (m *Manager) evictAudioIfNeeded() {
	if len(m.audioByBatch) <= m.maxBufferSize {
		return
	}
	var oldestBatch int64 = -1
	for b := range m.audioByBatch {
		if oldestBatch == -1 || b < oldestBatch {
			oldestBatch = b
		}
	}
	if oldestBatch != -1 {
		delete(m.audioByBatch, oldestBatch)
		m.drop("audio", oldestBatch)
	}
}

func (m *Manager) drop(kind string, batchNumber int64) {
	log.Printf("[avsync] dropping %s segment batch=%d (buffer overflow)", kind, batchNumber)
	if m.onDrop != nil {
		m.onDrop(kind, batchNumber)
	}
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
