package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/oversea-labs/traveldesk/internal/asr"
	"github.com/oversea-labs/traveldesk/internal/bus"
	"github.com/oversea-labs/traveldesk/internal/registry"
	"github.com/oversea-labs/traveldesk/internal/transcript"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Gateway is the ingest side of the stream: it accepts client segments,
// assigns each a strictly increasing per-session sequence number, and
// publishes a transcript request for the pipeline.
type Gateway struct {
	registry   *registry.Registry
	bus        *bus.Bus
	dispatcher *Dispatcher
	rate       float64 // audio_segment messages per second per session
	now        func() time.Time

	mu      sync.Mutex
	buckets map[string]*tokenBucket
}

func NewGateway(reg *registry.Registry, b *bus.Bus, d *Dispatcher, segmentRate float64) *Gateway {
	if segmentRate <= 0 {
		segmentRate = 10
	}
	return &Gateway{
		registry:   reg,
		bus:        b,
		dispatcher: d,
		rate:       segmentRate,
		now:        func() time.Time { return time.Now().UTC() },
		buckets:    make(map[string]*tokenBucket),
	}
}

func (g *Gateway) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/sessions/{id}/stream", g.handleStream)
}

func (g *Gateway) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if _, err := g.registry.Get(sessionID); err != nil {
		writeJSONError(w, http.StatusNotFound, CodeSessionNotFound, "session not found")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("stream upgrade failed", "session_id", sessionID, "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	sender := &wsSender{conn: conn}
	defer g.dispatcher.Detach(sessionID, sender)

	started := false
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg inboundMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			g.sendDirect(sender, CodeProcessingError, "malformed message")
			continue
		}

		switch msg.Type {
		case msgStartCall:
			if err := g.registry.Touch(sessionID); err != nil {
				g.sendDirect(sender, CodeSessionNotFound, "session closed")
				return
			}
			g.dispatcher.Attach(sessionID, sender, msg.LastAckedSeq)
			g.dispatcher.SendStatus(sessionID, string(registry.StatusActive), "")
			started = true

		case msgAudioSegment:
			if !started {
				g.sendDirect(sender, CodeProcessingError, "start_call required before audio_segment")
				continue
			}
			g.handleSegment(sessionID, msg)

		case msgStop:
			g.closeSession(sessionID)
			return

		default:
			g.sendDirect(sender, CodeProcessingError, fmt.Sprintf("unknown message type %q", msg.Type))
		}
	}
}

func (g *Gateway) handleSegment(sessionID string, msg inboundMessage) {
	if !g.bucket(sessionID).allow(g.now()) {
		g.dispatcher.SendError(sessionID, CodeRateLimitExceeded, "segment rate limit exceeded")
		return
	}

	req := transcript.Request{
		SessionID:  sessionID,
		Speaker:    transcript.NormalizeSpeaker(msg.Speaker),
		CapturedAt: g.now(),
	}

	if text := strings.TrimSpace(msg.Text); text != "" {
		// Text-mode segment: the client supplies the transcript and the
		// ASR collaborator is skipped.
		req.Text = text
	} else {
		format := strings.ToLower(strings.TrimSpace(msg.Format))
		if !asr.SupportedFormat(format) {
			g.dispatcher.SendError(sessionID, CodeInvalidAudioFormat, fmt.Sprintf("unsupported audio format %q", msg.Format))
			return
		}
		audio, err := base64.StdEncoding.DecodeString(msg.Data)
		if err != nil || len(audio) == 0 {
			g.dispatcher.SendError(sessionID, CodeInvalidAudioFormat, "audio data is not valid base64")
			return
		}
		req.Audio = audio
		req.Format = format
	}

	seq, err := g.registry.NextSeq(sessionID)
	if err != nil {
		g.dispatcher.SendError(sessionID, CodeSessionNotFound, "session closed")
		return
	}
	req.SegmentSeq = seq

	payload, err := json.Marshal(req)
	if err != nil {
		g.dispatcher.SendError(sessionID, CodeProcessingError, "encode segment")
		return
	}
	err = g.bus.Publish(bus.TopicTranscriptRequest, bus.Message{
		SessionID: sessionID,
		Kind:      "transcript.request",
		Payload:   payload,
	})
	if err != nil {
		slog.Error("publish transcript request", "session_id", sessionID, "error", err)
		g.dispatcher.SendError(sessionID, CodeProcessingError, "segment not accepted")
	}
}

func (g *Gateway) closeSession(sessionID string) {
	g.dispatcher.SendStatus(sessionID, string(registry.StatusClosed), "call ended")
	if err := g.registry.Close(sessionID); err != nil && !errors.Is(err, registry.ErrSessionNotFound) {
		slog.Warn("close session", "session_id", sessionID, "error", err)
	}
	g.dispatcher.Remove(sessionID)

	g.mu.Lock()
	delete(g.buckets, sessionID)
	g.mu.Unlock()
}

// sendDirect writes an error to the connection itself, for protocol
// errors raised before the dispatcher stream is attached.
func (g *Gateway) sendDirect(sender *wsSender, code, message string) {
	ev := ErrorEvent{
		Event:   newEvent("error", g.now()),
		Code:    code,
		Message: message,
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_ = sender.Send(payload)
}

func (g *Gateway) bucket(sessionID string) *tokenBucket {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.buckets[sessionID]
	if !ok {
		b = &tokenBucket{rate: g.rate, burst: g.rate, tokens: g.rate}
		g.buckets[sessionID] = b
	}
	return b
}

// wsSender serializes writes to a gorilla connection; ReadMessage and
// WriteMessage are each single-goroutine APIs but the dispatcher and the
// read loop both send.
type wsSender struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSender) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

// tokenBucket is a minimal per-session rate limiter: capacity and refill
// rate both equal the configured segments-per-second.
type tokenBucket struct {
	mu     sync.Mutex
	rate   float64
	burst  float64
	tokens float64
	last   time.Time
}

func (b *tokenBucket) allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.last.IsZero() {
		b.tokens += now.Sub(b.last).Seconds() * b.rate
		if b.tokens > b.burst {
			b.tokens = b.burst
		}
	}
	b.last = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}
