// Package pipeline wires the bus topics together: ingest requests flow
// through the ASR and extraction collaborators into the profile
// aggregator, whose updates feed the recommendation trigger, the
// question generator, and the client fan-out. Collaborator failures mark
// the segment unresolved and never block later segments.
package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/oversea-labs/traveldesk/internal/asr"
	"github.com/oversea-labs/traveldesk/internal/bus"
	"github.com/oversea-labs/traveldesk/internal/profile"
	"github.com/oversea-labs/traveldesk/internal/question"
	"github.com/oversea-labs/traveldesk/internal/recommend"
	"github.com/oversea-labs/traveldesk/internal/registry"
	"github.com/oversea-labs/traveldesk/internal/transcript"
)

// Store is the pipeline's write-through persistence.
type Store interface {
	AppendSegment(seg transcript.Segment) error
	SaveProfile(prof profile.Profile) error
	SaveRecommendationSet(set recommend.Set) error
}

// Extractor is the entity-extraction collaborator.
type Extractor interface {
	Extract(ctx context.Context, seg transcript.Segment) (profile.ExtractionResult, error)
}

// Fanout receives everything destined for the client connection.
type Fanout interface {
	SendTranscription(seg transcript.Segment)
	SendExtraction(res profile.ExtractionResult)
	SendProfileUpdate(up profile.Update)
	SendRecommendations(set recommend.Set)
	SendQuestions(set question.Set)
}

type Config struct {
	// CollaboratorTimeout bounds each per-segment collaborator call.
	CollaboratorTimeout time.Duration
	// MaxConcurrent bounds simultaneous in-flight calls per collaborator
	// kind across all sessions.
	MaxConcurrent int64
}

type Deps struct {
	Bus        *bus.Bus
	Registry   *registry.Registry
	Store      Store
	Aggregator *profile.Aggregator
	Fanout     Fanout
	Health     *Health

	// Optional collaborators; nil when the matching API key is absent.
	Transcriber asr.Transcriber
	Extractor   Extractor
	Trigger     *recommend.Trigger
}

type Pipeline struct {
	cfg  Config
	deps Deps

	asrSem     *semaphore.Weighted
	extractSem *semaphore.Weighted
	now        func() time.Time
}

func New(cfg Config, deps Deps) *Pipeline {
	if cfg.CollaboratorTimeout <= 0 {
		cfg.CollaboratorTimeout = 30 * time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if deps.Health == nil {
		deps.Health = NewHealth()
	}
	deps.Health.SetConfigured("asr", deps.Transcriber != nil)
	deps.Health.SetConfigured("extraction", deps.Extractor != nil)
	deps.Health.SetConfigured("recommendation", deps.Trigger != nil)

	return &Pipeline{
		cfg:        cfg,
		deps:       deps,
		asrSem:     semaphore.NewWeighted(cfg.MaxConcurrent),
		extractSem: semaphore.NewWeighted(cfg.MaxConcurrent),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Health exposes the collaborator health snapshot for the REST surface.
func (p *Pipeline) Health() map[string]any {
	return p.deps.Health.Snapshot()
}

// ReleaseSession drops per-session pipeline state. Wire it to the
// registry's OnClose hook.
func (p *Pipeline) ReleaseSession(id string) {
	p.deps.Aggregator.Remove(id)
	if p.deps.Trigger != nil {
		p.deps.Trigger.Remove(id)
	}
}

// Run consumes all topics until ctx is canceled or the bus closes.
func (p *Pipeline) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	consumers := []struct {
		topic, group string
		fn           func(ctx context.Context, msg bus.Message)
	}{
		{bus.TopicTranscriptRequest, "asr", p.onTranscriptRequest},
		{bus.TopicTranscriptReady, "extraction", p.onTranscriptReady},
		{bus.TopicTranscriptReady, "fanout", p.fanoutTranscript},
		{bus.TopicExtractionResult, "aggregator", p.onExtractionResult},
		{bus.TopicExtractionResult, "fanout", p.fanoutExtraction},
		{bus.TopicProfileUpdate, "persist", p.persistProfile},
		{bus.TopicProfileUpdate, "recommend", p.onProfileUpdateTrigger},
		{bus.TopicProfileUpdate, "questions", p.onProfileUpdateQuestions},
		{bus.TopicProfileUpdate, "fanout", p.fanoutProfile},
		{bus.TopicRecommendationSet, "persist", p.persistRecommendations},
		{bus.TopicRecommendationSet, "fanout", p.fanoutRecommendations},
		{bus.TopicQuestionSet, "fanout", p.fanoutQuestions},
	}
	for _, c := range consumers {
		g.Go(func() error { return p.consume(ctx, c.topic, c.group, c.fn) })
	}

	return g.Wait()
}

func (p *Pipeline) consume(ctx context.Context, topicName, groupName string, fn func(ctx context.Context, msg bus.Message)) error {
	sub, err := p.deps.Bus.Subscribe(topicName, groupName)
	if err != nil {
		return err
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-sub.C():
			if !ok {
				return nil
			}
			fn(ctx, msg)
			sub.Ack()
		}
	}
}

func (p *Pipeline) onTranscriptRequest(ctx context.Context, msg bus.Message) {
	var req transcript.Request
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		slog.Warn("decode transcript request", "session_id", msg.SessionID, "error", err)
		return
	}

	// Acquire before spawning so the bus consumer provides backpressure
	// once MaxConcurrent calls are in flight.
	if err := p.asrSem.Acquire(ctx, 1); err != nil {
		return
	}
	go func() {
		defer p.asrSem.Release(1)
		p.transcribeSegment(req)
	}()
}

func (p *Pipeline) transcribeSegment(req transcript.Request) {
	sessCtx, err := p.deps.Registry.Context(req.SessionID)
	if err != nil {
		return // session closed while queued
	}

	seg := transcript.Segment{
		SessionID:  req.SessionID,
		SegmentSeq: req.SegmentSeq,
		Speaker:    req.Speaker,
		CapturedAt: req.CapturedAt,
	}

	if req.Text != "" {
		seg.Text = req.Text
		seg.Confidence = 1
	} else {
		if p.deps.Transcriber == nil {
			slog.Warn("no transcriber configured, audio segment dropped",
				"session_id", req.SessionID, "segment_seq", req.SegmentSeq)
			return
		}

		callCtx, cancel := context.WithTimeout(sessCtx, p.cfg.CollaboratorTimeout)
		defer cancel()

		text, confidence, err := p.deps.Transcriber.Transcribe(callCtx, req.Audio, req.Format)
		if err != nil {
			p.deps.Health.fail("asr", err, p.now())
			slog.Warn("transcription failed, segment unresolved",
				"session_id", req.SessionID, "segment_seq", req.SegmentSeq, "error", err)
			return
		}
		p.deps.Health.ok("asr", p.now())

		if strings.TrimSpace(text) == "" {
			return
		}
		seg.Text = text
		seg.Confidence = confidence
	}

	if sessCtx.Err() != nil {
		return
	}

	if err := p.deps.Store.AppendSegment(seg); err != nil {
		slog.Warn("persist segment", "session_id", seg.SessionID, "segment_seq", seg.SegmentSeq, "error", err)
	}
	p.publish(bus.TopicTranscriptReady, seg.SessionID, "transcript.ready", seg)
}

func (p *Pipeline) onTranscriptReady(ctx context.Context, msg bus.Message) {
	var seg transcript.Segment
	if err := json.Unmarshal(msg.Payload, &seg); err != nil {
		slog.Warn("decode segment", "session_id", msg.SessionID, "error", err)
		return
	}

	if err := p.extractSem.Acquire(ctx, 1); err != nil {
		return
	}
	go func() {
		defer p.extractSem.Release(1)
		p.extractSegment(seg)
	}()
}

func (p *Pipeline) extractSegment(seg transcript.Segment) {
	if p.deps.Extractor == nil {
		return
	}
	sessCtx, err := p.deps.Registry.Context(seg.SessionID)
	if err != nil {
		return
	}

	callCtx, cancel := context.WithTimeout(sessCtx, p.cfg.CollaboratorTimeout)
	defer cancel()

	res, err := p.deps.Extractor.Extract(callCtx, seg)
	if err != nil {
		p.deps.Health.fail("extraction", err, p.now())
		slog.Warn("extraction failed, segment unresolved",
			"session_id", seg.SessionID, "segment_seq", seg.SegmentSeq, "error", err)
		return
	}
	p.deps.Health.ok("extraction", p.now())

	if sessCtx.Err() != nil {
		return // closed mid-call; discard, do not merge
	}
	p.publish(bus.TopicExtractionResult, res.SessionID, "extraction.result", res)
}

func (p *Pipeline) onExtractionResult(_ context.Context, msg bus.Message) {
	var res profile.ExtractionResult
	if err := json.Unmarshal(msg.Payload, &res); err != nil {
		slog.Warn("decode extraction result", "session_id", msg.SessionID, "error", err)
		return
	}

	if _, err := p.deps.Registry.Get(res.SessionID); err != nil {
		return // late result for a closed session
	}

	up, changed := p.deps.Aggregator.Apply(res)
	if !changed {
		return
	}
	p.publish(bus.TopicProfileUpdate, up.Profile.SessionID, "profile.update", up)
}

// persistProfile snapshots every published profile version, whichever
// path produced it (extraction merge or a confirmed answer), so the
// store stays queryable after the session is evicted from the registry.
func (p *Pipeline) persistProfile(_ context.Context, msg bus.Message) {
	var up profile.Update
	if err := json.Unmarshal(msg.Payload, &up); err != nil {
		slog.Warn("decode profile update", "session_id", msg.SessionID, "error", err)
		return
	}
	if err := p.deps.Store.SaveProfile(up.Profile); err != nil {
		slog.Warn("persist profile", "session_id", up.Profile.SessionID, "error", err)
	}
}

func (p *Pipeline) onProfileUpdateTrigger(_ context.Context, msg bus.Message) {
	if p.deps.Trigger == nil {
		return
	}
	var up profile.Update
	if err := json.Unmarshal(msg.Payload, &up); err != nil {
		slog.Warn("decode profile update", "session_id", msg.SessionID, "error", err)
		return
	}

	sessCtx, err := p.deps.Registry.Context(up.Profile.SessionID)
	if err != nil {
		return
	}
	p.deps.Trigger.OnUpdate(sessCtx, up)
}

func (p *Pipeline) onProfileUpdateQuestions(_ context.Context, msg bus.Message) {
	var up profile.Update
	if err := json.Unmarshal(msg.Payload, &up); err != nil {
		slog.Warn("decode profile update", "session_id", msg.SessionID, "error", err)
		return
	}

	// An empty set is still published: it clears answered questions.
	set := question.Set{
		SessionID:   up.Profile.SessionID,
		Version:     up.Profile.Version,
		Questions:   question.Generate(up.Profile),
		GeneratedAt: p.now(),
	}
	p.publish(bus.TopicQuestionSet, set.SessionID, "question.set", set)
}

func (p *Pipeline) persistRecommendations(_ context.Context, msg bus.Message) {
	var set recommend.Set
	if err := json.Unmarshal(msg.Payload, &set); err != nil {
		slog.Warn("decode recommendation set", "session_id", msg.SessionID, "error", err)
		return
	}
	if err := p.deps.Store.SaveRecommendationSet(set); err != nil {
		slog.Warn("persist recommendation set", "session_id", set.SessionID, "error", err)
	}
}

func (p *Pipeline) fanoutTranscript(_ context.Context, msg bus.Message) {
	var seg transcript.Segment
	if err := json.Unmarshal(msg.Payload, &seg); err != nil {
		return
	}
	p.deps.Fanout.SendTranscription(seg)
}

func (p *Pipeline) fanoutExtraction(_ context.Context, msg bus.Message) {
	var res profile.ExtractionResult
	if err := json.Unmarshal(msg.Payload, &res); err != nil {
		return
	}
	p.deps.Fanout.SendExtraction(res)
}

func (p *Pipeline) fanoutProfile(_ context.Context, msg bus.Message) {
	var up profile.Update
	if err := json.Unmarshal(msg.Payload, &up); err != nil {
		return
	}
	p.deps.Fanout.SendProfileUpdate(up)
}

func (p *Pipeline) fanoutRecommendations(_ context.Context, msg bus.Message) {
	var set recommend.Set
	if err := json.Unmarshal(msg.Payload, &set); err != nil {
		return
	}
	p.deps.Fanout.SendRecommendations(set)
}

func (p *Pipeline) fanoutQuestions(_ context.Context, msg bus.Message) {
	var set question.Set
	if err := json.Unmarshal(msg.Payload, &set); err != nil {
		return
	}
	p.deps.Fanout.SendQuestions(set)
}

func (p *Pipeline) publish(topicName, sessionID, kind string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal event", "topic", topicName, "session_id", sessionID, "error", err)
		return
	}
	err = p.deps.Bus.Publish(topicName, bus.Message{
		SessionID: sessionID,
		Kind:      kind,
		Payload:   data,
	})
	if err != nil {
		slog.Error("publish event", "topic", topicName, "session_id", sessionID, "error", err)
	}
}

// InstrumentRecommender wraps the recommendation collaborator so its
// outcomes feed the health snapshot.
func InstrumentRecommender(inner recommend.Recommender, health *Health) recommend.Recommender {
	return &healthRecommender{inner: inner, health: health}
}

type healthRecommender struct {
	inner  recommend.Recommender
	health *Health
}

func (r *healthRecommender) Recommend(ctx context.Context, prof profile.Profile) ([]recommend.Item, error) {
	items, err := r.inner.Recommend(ctx, prof)
	if err != nil {
		r.health.fail("recommendation", err, time.Now().UTC())
		return nil, err
	}
	r.health.ok("recommendation", time.Now().UTC())
	return items, nil
}
