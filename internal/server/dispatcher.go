package server

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/oversea-labs/traveldesk/internal/profile"
	"github.com/oversea-labs/traveldesk/internal/question"
	"github.com/oversea-labs/traveldesk/internal/recommend"
	"github.com/oversea-labs/traveldesk/internal/transcript"
)

// Sender writes one outbound payload to the client connection.
type Sender interface {
	Send(payload []byte) error
}

// sequenced is implemented by every outbound event via the embedded
// Event envelope.
type sequenced interface {
	SetSeq(seq int64)
}

type DispatcherConfig struct {
	// Backlog bounds the per-session replay buffer.
	Backlog int
	// Grace is how long stream state (replay buffer, version gates)
	// survives a disconnect before it is dropped.
	Grace time.Duration
	// FlushWindow is the longest the dispatcher holds back an
	// out-of-order transcription/extraction waiting for the missing
	// earlier segment. A segment whose collaborator failed never
	// produces a message, so gaps must expire rather than block.
	FlushWindow time.Duration
}

// Dispatcher delivers pipeline output to client connections, one stream
// per session. Per stream it enforces the ordering contract: profile,
// recommendation and question messages are version-gated (stale
// duplicates dropped), transcription and extraction messages are
// released in segment order, and every sent message lands in a bounded
// replay buffer so a reconnect within the grace period resumes without
// duplicates.
type Dispatcher struct {
	cfg DispatcherConfig
	now func() time.Time

	mu      sync.Mutex
	streams map[string]*stream
}

type stream struct {
	d         *Dispatcher
	sessionID string

	mu      sync.Mutex
	conn    Sender
	nextSeq int64
	backlog []buffered
	removed bool

	lastProfileVersion  int64
	lastRecVersion      int64
	lastQuestionVersion int64

	transcription orderedKind
	extraction    orderedKind

	graceTimer *time.Timer
}

type buffered struct {
	seq     int64
	payload []byte
}

// orderedKind releases messages in segmentSeq order. A missing seq is
// waited on for at most FlushWindow, then skipped.
type orderedKind struct {
	next    int64
	pending map[int64]sequenced
	timer   *time.Timer
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Backlog <= 0 {
		cfg.Backlog = 256
	}
	if cfg.Grace <= 0 {
		cfg.Grace = time.Minute
	}
	if cfg.FlushWindow <= 0 {
		cfg.FlushWindow = 2 * time.Second
	}
	return &Dispatcher{
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
		streams: make(map[string]*stream),
	}
}

// Attach binds a connection to the session's stream and replays every
// buffered message with seq > ackedSeq. A second connection for the
// same session displaces the first.
func (d *Dispatcher) Attach(sessionID string, conn Sender, ackedSeq int64) {
	st := d.stream(sessionID)

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.graceTimer != nil {
		st.graceTimer.Stop()
		st.graceTimer = nil
	}
	st.conn = conn

	for _, b := range st.backlog {
		if b.seq <= ackedSeq {
			continue
		}
		if err := conn.Send(b.payload); err != nil {
			st.dropConnLocked(conn)
			return
		}
	}
}

// Detach disconnects the given connection. Stream state is retained for
// the grace period so a quick reconnect can resume.
func (d *Dispatcher) Detach(sessionID string, conn Sender) {
	d.mu.Lock()
	st, ok := d.streams[sessionID]
	d.mu.Unlock()
	if !ok {
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.conn == conn {
		st.dropConnLocked(conn)
	}
}

// Remove drops the session's stream state entirely.
func (d *Dispatcher) Remove(sessionID string) {
	d.mu.Lock()
	st, ok := d.streams[sessionID]
	if ok {
		delete(d.streams, sessionID)
	}
	d.mu.Unlock()
	if !ok {
		return
	}

	st.mu.Lock()
	st.removed = true
	st.conn = nil
	if st.graceTimer != nil {
		st.graceTimer.Stop()
	}
	if st.transcription.timer != nil {
		st.transcription.timer.Stop()
	}
	if st.extraction.timer != nil {
		st.extraction.timer.Stop()
	}
	st.mu.Unlock()
}

func (d *Dispatcher) SendStatus(sessionID, status, message string) {
	st := d.lookup(sessionID)
	if st == nil {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.sendLocked(&StatusEvent{
		Event:     newEvent("status", d.now()),
		SessionID: sessionID,
		Status:    status,
		Message:   message,
	})
}

func (d *Dispatcher) SendError(sessionID, code, message string) {
	st := d.lookup(sessionID)
	if st == nil {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.sendLocked(&ErrorEvent{
		Event:   newEvent("error", d.now()),
		Code:    code,
		Message: message,
	})
}

// SendTranscription delivers a transcribed segment, in segment order.
func (d *Dispatcher) SendTranscription(seg transcript.Segment) {
	st := d.lookup(seg.SessionID)
	if st == nil {
		return
	}
	ev := &TranscriptionEvent{
		Event:      newEvent("transcription", d.now()),
		SegmentSeq: seg.SegmentSeq,
		Speaker:    seg.Speaker,
		Text:       seg.Text,
		Confidence: seg.Confidence,
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.sendOrderedLocked(&st.transcription, seg.SegmentSeq, ev)
}

// SendExtraction delivers an extraction result, in segment order.
func (d *Dispatcher) SendExtraction(res profile.ExtractionResult) {
	st := d.lookup(res.SessionID)
	if st == nil {
		return
	}
	ev := &ExtractionEvent{
		Event:      newEvent("extraction", d.now()),
		SegmentSeq: res.SegmentSeq,
		Entities:   res.Entities,
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.sendOrderedLocked(&st.extraction, res.SegmentSeq, ev)
}

// SendProfileUpdate delivers a merged profile; versions at or below the
// last sent one are dropped.
func (d *Dispatcher) SendProfileUpdate(up profile.Update) {
	st := d.lookup(up.Profile.SessionID)
	if st == nil {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if up.Profile.Version <= st.lastProfileVersion {
		return
	}
	st.lastProfileVersion = up.Profile.Version
	st.sendLocked(&ProfileUpdateEvent{
		Event:   newEvent("profile_update", d.now()),
		Version: up.Profile.Version,
		Profile: up.Profile,
		Changes: up.Changes,
	})
}

// SendRecommendations delivers a recommendation set; stale versions are
// dropped.
func (d *Dispatcher) SendRecommendations(set recommend.Set) {
	st := d.lookup(set.SessionID)
	if st == nil {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if set.Version <= st.lastRecVersion {
		return
	}
	st.lastRecVersion = set.Version
	st.sendLocked(&RecommendationsEvent{
		Event:               newEvent("recommendations", d.now()),
		Version:             set.Version,
		BasisProfileVersion: set.BasisProfileVersion,
		Recommendations:     set.Items,
		TotalCount:          len(set.Items),
	})
}

// SendQuestions delivers a question set; stale versions are dropped.
func (d *Dispatcher) SendQuestions(set question.Set) {
	st := d.lookup(set.SessionID)
	if st == nil {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if set.Version <= st.lastQuestionVersion {
		return
	}
	st.lastQuestionVersion = set.Version
	st.sendLocked(&ProfileQuestionEvent{
		Event:     newEvent("profile_question", d.now()),
		Version:   set.Version,
		Questions: set.Questions,
	})
}

// lookup returns the session's stream without creating one, so late
// pipeline output for a removed session is dropped instead of
// resurrecting its state.
func (d *Dispatcher) lookup(sessionID string) *stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streams[sessionID]
}

// stream returns the session's stream, creating it on first attach.
func (d *Dispatcher) stream(sessionID string) *stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.streams[sessionID]
	if !ok {
		st = &stream{
			d:             d,
			sessionID:     sessionID,
			transcription: orderedKind{next: 1, pending: make(map[int64]sequenced)},
			extraction:    orderedKind{next: 1, pending: make(map[int64]sequenced)},
		}
		d.streams[sessionID] = st
	}
	return st
}

func (st *stream) sendLocked(ev sequenced) {
	if st.removed {
		return
	}

	st.nextSeq++
	ev.SetSeq(st.nextSeq)

	payload, err := json.Marshal(ev)
	if err != nil {
		slog.Error("marshal outbound event", "session_id", st.sessionID, "error", err)
		return
	}

	st.backlog = append(st.backlog, buffered{seq: st.nextSeq, payload: payload})
	if excess := len(st.backlog) - st.d.cfg.Backlog; excess > 0 {
		st.backlog = st.backlog[excess:]
	}

	if st.conn != nil {
		if err := st.conn.Send(payload); err != nil {
			st.dropConnLocked(st.conn)
		}
	}
}

func (st *stream) sendOrderedLocked(k *orderedKind, seq int64, ev sequenced) {
	if seq < k.next {
		return
	}
	if seq == k.next {
		st.sendLocked(ev)
		k.next++
		st.drainLocked(k)
		return
	}

	k.pending[seq] = ev
	if k.timer == nil {
		k.timer = time.AfterFunc(st.d.cfg.FlushWindow, func() { st.flush(k) })
	}
}

// drainLocked releases consecutively buffered messages from k.next on.
func (st *stream) drainLocked(k *orderedKind) {
	for {
		ev, ok := k.pending[k.next]
		if !ok {
			break
		}
		delete(k.pending, k.next)
		st.sendLocked(ev)
		k.next++
	}
	if len(k.pending) == 0 && k.timer != nil {
		k.timer.Stop()
		k.timer = nil
	}
}

// flush skips over a gap that did not fill within the flush window.
func (st *stream) flush(k *orderedKind) {
	st.mu.Lock()
	defer st.mu.Unlock()

	k.timer = nil
	if st.removed || len(k.pending) == 0 {
		return
	}

	lowest := int64(-1)
	for seq := range k.pending {
		if lowest < 0 || seq < lowest {
			lowest = seq
		}
	}
	k.next = lowest
	st.drainLocked(k)

	if len(k.pending) > 0 {
		k.timer = time.AfterFunc(st.d.cfg.FlushWindow, func() { st.flush(k) })
	}
}

func (st *stream) dropConnLocked(conn Sender) {
	if st.conn != conn {
		return
	}
	st.conn = nil
	if st.graceTimer != nil {
		st.graceTimer.Stop()
	}
	st.graceTimer = time.AfterFunc(st.d.cfg.Grace, func() { st.expire() })
}

// expire drops stream state after the grace period passed with no
// reconnect. The client is expected to re-fetch current state over REST.
func (st *stream) expire() {
	st.mu.Lock()
	if st.conn != nil || st.removed {
		st.mu.Unlock()
		return
	}
	st.mu.Unlock()

	st.d.Remove(st.sessionID)
}
