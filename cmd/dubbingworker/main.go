// Command dubbingworker runs the STS service process (spec §6.1-§6.3):
// it accepts one websocket connection per stream, speaks the
// fragment:data/fragment:processed event protocol via pkg/stsevents, and
// drives every fragment through the ASR -> Translation -> TTS pipeline
// coordinator. The ingest/egress media pump and the A/V Sync Manager +
// Worker Runner that dispatch fragments to this service (pkg/worker) are
// an external collaborator per spec §1/§6.4 and are not started here.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/genai"

	"github.com/realtime-ai/dubbingworker/pkg/asrstage"
	"github.com/realtime-ai/dubbingworker/pkg/coordinator"
	"github.com/realtime-ai/dubbingworker/pkg/metrics"
	"github.com/realtime-ai/dubbingworker/pkg/session"
	"github.com/realtime-ai/dubbingworker/pkg/stsevents"
	"github.com/realtime-ai/dubbingworker/pkg/trace"
	"github.com/realtime-ai/dubbingworker/pkg/translationstage"
	"github.com/realtime-ai/dubbingworker/pkg/ttsstage"
)

// newGeminiClient mirrors pkg/elements.TranslateElement's Gemini client
// construction.
func newGeminiClient(ctx context.Context, apiKey string) (*genai.Client, error) {
	return genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGoogleAI})
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[dubbingworker] invalid int for %s=%q, using default %d", key, v, defaultValue)
		return defaultValue
	}
	return n
}

// buildASR wires the Whisper-family ASR engine when OPENAI_API_KEY is
// set, falling back to a fixed-output mock so the service still starts
// (and its health/readiness endpoints still work) in a dev environment
// with no provider keys configured. VAD_MODEL_PATH additionally attaches
// the §4.4 step 2 voice-activity gate; it is a no-op unless the binary
// is built with -tags vad (see pkg/asrstage/vad_silero.go).
func buildASR() asrstage.Component {
	apiKey := os.Getenv("OPENAI_API_KEY")
	var pipeline *asrstage.Pipeline
	if apiKey == "" {
		log.Println("[dubbingworker] OPENAI_API_KEY not set, ASR stage falls back to a fixed-output mock engine")
		pipeline = asrstage.NewPipeline(asrstage.NewFixedOutputEngine(nil))
	} else {
		engine, err := asrstage.NewWhisperEngine(apiKey, getEnv("ASR_MODEL", "whisper-1"))
		if err != nil {
			log.Fatalf("[dubbingworker] failed to construct ASR engine: %v", err)
		}
		pipeline = asrstage.NewPipeline(engine)
	}

	if modelPath := os.Getenv("VAD_MODEL_PATH"); modelPath != "" {
		vadOpts := asrstage.DefaultVADOptions()
		vadOpts.ModelPath = modelPath
		gate, err := asrstage.NewVADGate(vadOpts, 16000)
		if err != nil {
			log.Printf("[dubbingworker] VAD gate disabled: %v", err)
		} else {
			pipeline = pipeline.WithVADGate(gate)
		}
	}
	return pipeline
}

// buildTranslation selects OpenAI or Gemini by TRANSLATION_PROVIDER,
// defaulting to OpenAI, the same provider pair the teacher's
// translate_element.go switches between.
func buildTranslation(ctx context.Context) translationstage.Component {
	provider := getEnv("TRANSLATION_PROVIDER", "openai")
	switch provider {
	case "gemini":
		apiKey := os.Getenv("GEMINI_API_KEY")
		if apiKey == "" {
			log.Println("[dubbingworker] GEMINI_API_KEY not set, translation stage falls back to a fixed-output mock backend")
			return translationstage.NewPipeline(translationstage.NewFixedOutputBackend(""), nil)
		}
		client, err := newGeminiClient(ctx, apiKey)
		if err != nil {
			log.Fatalf("[dubbingworker] failed to construct Gemini client: %v", err)
		}
		backend := translationstage.NewGeminiBackend(client, getEnv("TRANSLATION_MODEL", ""))
		return translationstage.NewPipeline(backend, nil)
	default:
		apiKey := os.Getenv("OPENAI_API_KEY")
		if apiKey == "" {
			log.Println("[dubbingworker] OPENAI_API_KEY not set, translation stage falls back to a fixed-output mock backend")
			return translationstage.NewPipeline(translationstage.NewFixedOutputBackend(""), nil)
		}
		backend := translationstage.NewOpenAIBackend(apiKey, getEnv("TRANSLATION_MODEL", ""), getEnv("TRANSLATION_SYSTEM_PROMPT", ""))
		return translationstage.NewPipeline(backend, nil)
	}
}

// buildTTS wires the OpenAI synthesis backend plus the external
// time-stretch tool when TIME_STRETCH_TOOL_PATH names an installed
// rubberband-equivalent binary; the Pipeline falls back to
// ttsstage.LinearInterpolationStretch on a nil Stretcher, so the
// external tool is strictly optional.
func buildTTS() ttsstage.Component {
	apiKey := os.Getenv("OPENAI_API_KEY")
	var backend ttsstage.Backend
	if apiKey == "" {
		log.Println("[dubbingworker] OPENAI_API_KEY not set, TTS stage falls back to a fixed-output mock backend")
		backend = ttsstage.NewFixedOutputBackend(nil, 24000)
	} else {
		backend = ttsstage.NewOpenAIBackend(apiKey)
	}

	var stretcher ttsstage.TimeStretcher
	if toolPath := os.Getenv("TIME_STRETCH_TOOL_PATH"); toolPath != "" {
		stretcher = &ttsstage.ExternalToolStretcher{Run: runExternalStretchTool(toolPath)}
	}
	return ttsstage.NewPipeline(backend, stretcher)
}

// runExternalStretchTool shells out to the configured binary, writing
// raw s16le PCM to stdin and reading the stretched PCM from stdout.
func runExternalStretchTool(toolPath string) func(pcm []byte, sampleRateHz int, speedFactor float64) ([]byte, error) {
	return func(pcm []byte, sampleRateHz int, speedFactor float64) ([]byte, error) {
		cmd := exec.Command(toolPath, "--sample-rate", strconv.Itoa(sampleRateHz), "--tempo", strconv.FormatFloat(speedFactor, 'f', 6, 64))
		cmd.Stdin = bytes.NewReader(pcm)
		out, err := cmd.Output()
		if err != nil {
			return nil, fmt.Errorf("external time-stretch tool %s: %w", toolPath, err)
		}
		return out, nil
	}
}

// connSocket serializes writes to one websocket connection, since
// concurrent writers are not safe per gorilla/websocket's contract and
// the STS Event Handlers emit from per-fragment goroutines.
type connSocket struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *connSocket) writeEnvelope(env stsevents.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(env)
}

// wsEmitter implements stsevents.Emitter over a registry of live
// connections, one per socket_id (§4.10, §6.1).
type wsEmitter struct {
	mu      sync.Mutex
	sockets map[string]*connSocket
}

func newWSEmitter() *wsEmitter {
	return &wsEmitter{sockets: make(map[string]*connSocket)}
}

func (e *wsEmitter) register(socketID string, conn *websocket.Conn) *connSocket {
	sc := &connSocket{conn: conn}
	e.mu.Lock()
	e.sockets[socketID] = sc
	e.mu.Unlock()
	return sc
}

func (e *wsEmitter) unregister(socketID string) {
	e.mu.Lock()
	delete(e.sockets, socketID)
	e.mu.Unlock()
}

func (e *wsEmitter) Emit(socketID string, env stsevents.Envelope) error {
	e.mu.Lock()
	sc, ok := e.sockets[socketID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("dubbingworker: no live connection for socket %s", socketID)
	}
	return sc.writeEnvelope(env)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// stsHandler upgrades the connection, assigns it a socket_id, and pumps
// inbound envelopes to handlers.Dispatch until the peer disconnects.
func stsHandler(handlers *stsevents.Handlers, emitter *wsEmitter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[dubbingworker] websocket upgrade failed: %v", err)
			return
		}
		socketID := uuid.New().String()
		emitter.register(socketID, conn)
		defer func() {
			emitter.unregister(socketID)
			handlers.HandleDisconnect(socketID)
			conn.Close()
		}()

		log.Printf("[dubbingworker] socket %s connected", socketID)
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				log.Printf("[dubbingworker] socket %s closed: %v", socketID, err)
				return
			}
			var env stsevents.Envelope
			if err := json.Unmarshal(msg, &env); err != nil {
				log.Printf("[dubbingworker] socket %s sent malformed envelope: %v", socketID, err)
				continue
			}
			if err := handlers.Dispatch(r.Context(), socketID, env); err != nil {
				log.Printf("[dubbingworker] socket %s dispatch of %q failed: %v", socketID, env.Event, err)
			}
		}
	}
}

func main() {
	godotenv.Load()

	ctx := context.Background()

	traceCfg := trace.DefaultConfig()
	traceCfg.ServiceName = "dubbingworker"
	if err := trace.Initialize(ctx, traceCfg); err != nil {
		log.Printf("[dubbingworker] tracing disabled: %v", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := trace.Shutdown(shutdownCtx); err != nil {
				log.Printf("[dubbingworker] tracer shutdown error: %v", err)
			}
		}()
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	asrComponent := buildASR()
	translationComponent := buildTranslation(ctx)
	ttsComponent := buildTTS()
	transcoder := coordinator.NewOpusTranscoder(getEnvInt("OPUS_SAMPLE_RATE_HZ", 16000), getEnvInt("OPUS_CHANNELS", 1))
	coord := coordinator.New(asrComponent, translationComponent, ttsComponent, transcoder, m)

	store := session.NewStore()
	emitter := newWSEmitter()
	handlers := stsevents.New(store, coord, emitter)

	router := mux.NewRouter()
	router.HandleFunc("/sts", stsHandler(handlers, emitter))
	router.HandleFunc("/health/live", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	router.HandleFunc("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		if !asrComponent.IsReady() || !translationComponent.IsReady() || !ttsComponent.IsReady() {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	}).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	addr := getEnv("DUBBINGWORKER_ADDR", ":8090")
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  getDuration("DUBBINGWORKER_READ_TIMEOUT_MS", 10000),
		WriteTimeout: getDuration("DUBBINGWORKER_WRITE_TIMEOUT_MS", 10000),
	}

	go func() {
		log.Printf("[dubbingworker] listening on %s (sts=/sts, health=/health/live,/health/ready, metrics=/metrics)", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[dubbingworker] server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("[dubbingworker] shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[dubbingworker] error during shutdown: %v", err)
	}
	log.Println("[dubbingworker] stopped")
}

func getDuration(key string, defaultMs int) time.Duration {
	return time.Duration(getEnvInt(key, defaultMs)) * time.Millisecond
}
