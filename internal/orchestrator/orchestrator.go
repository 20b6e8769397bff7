// Package orchestrator binds the request pipeline into one per-utterance
// control flow: normalize, classify, resolve, inject, respond, with
// speculative execution alongside response generation when the command
// qualifies.
//
// Turns for one conversation are strictly serialized; across conversations a
// bounded worker pool sets the concurrency ceiling. Every request carries a
// single overall deadline and the stages underneath receive the remaining
// budget through the context.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/barnabee-home/barnabee/internal/executor"
	"github.com/barnabee-home/barnabee/internal/intent"
	"github.com/barnabee-home/barnabee/internal/mirror"
	"github.com/barnabee-home/barnabee/internal/normalize"
	"github.com/barnabee-home/barnabee/internal/observe"
	"github.com/barnabee-home/barnabee/internal/promptctx"
	"github.com/barnabee-home/barnabee/internal/resilience"
	"github.com/barnabee-home/barnabee/internal/resolve"
	"github.com/barnabee-home/barnabee/internal/sessionstore"
	"github.com/barnabee-home/barnabee/internal/store"
	"github.com/barnabee-home/barnabee/pkg/provider/llm"
)

const defaultDeadline = 2 * time.Second

// Request is one transcribed utterance from a device.
type Request struct {
	Utterance      string
	DeviceID       string
	SpeakerID      string // optional, falls back to the session's speaker
	ConversationID string // optional, a new conversation opens when empty
}

// Entities is the slot material extracted for the caller, split by kind.
type Entities struct {
	Devices   []string
	Locations []string
	Times     []string
	Durations []string
	People    []string
	RawSlots  map[string]string
}

// ExecutorResult summarizes the side effect of an actionable request.
type ExecutorResult struct {
	Success         bool
	EntityIDs       []string
	Action          string
	Error           string
	ExecutionTimeMS int64
}

// Response is the full answer for one request.
type Response struct {
	RequestID      string
	ConversationID string
	Intent         string
	Confidence     float64
	Stage          string
	Entities       Entities
	ResponseText   string
	Executor       *ExecutorResult
	LatencyMS      int64
}

// sessionFrame is the conversation context kept in the session store between
// turns.
type sessionFrame struct {
	LastIntent     string `json:"last_intent"`
	LastEntity     string `json:"last_entity"`
	ConversationID string `json:"conversation_id"`
}

// Deps are the pipeline components the orchestrator drives. All are required.
type Deps struct {
	Cascade  *intent.Cascade
	Resolver *resolve.Resolver
	Injector *promptctx.Injector
	Executor *executor.Executor
	Mirror   *mirror.Mirror
	Store    *store.Store
	Sessions *sessionstore.Store
}

// Orchestrator runs requests through the pipeline. Safe for concurrent use.
type Orchestrator struct {
	cascade  *intent.Cascade
	resolver *resolve.Resolver
	injector *promptctx.Injector
	exec     *executor.Executor
	mirror   *mirror.Mirror
	store    *store.Store
	sessions *sessionstore.Store

	responder  llm.Provider
	llmBreaker *resilience.CircuitBreaker
	teacher    Teacher
	metrics    *observe.Metrics
	norm       *normalize.Normalizer

	deadline    time.Duration
	workers     *semaphore.Weighted
	conv        *keyedMutex
	deviceAreas map[string]string
	speculative bool
	healthy     func() bool
}

// Option is a functional option for New.
type Option func(*Orchestrator)

// WithResponder attaches the LLM used for conversational replies, guarded by
// a circuit breaker. Without one, replies come from templates.
func WithResponder(p llm.Provider) Option {
	return func(o *Orchestrator) { o.responder = p }
}

// WithTeacher attaches the voice-teach sink.
func WithTeacher(t Teacher) Option {
	return func(o *Orchestrator) { o.teacher = t }
}

// WithDeviceAreas maps device IDs to their room, used to bias entity
// resolution and context assembly.
func WithDeviceAreas(areas map[string]string) Option {
	return func(o *Orchestrator) { o.deviceAreas = areas }
}

// WithDeadline overrides the overall per-request deadline.
func WithDeadline(d time.Duration) Option {
	return func(o *Orchestrator) { o.deadline = d }
}

// WithWorkerPool overrides the concurrent-request ceiling. Default is twice
// the core count.
func WithWorkerPool(n int) Option {
	return func(o *Orchestrator) { o.workers = semaphore.NewWeighted(int64(n)) }
}

// WithSpeculation toggles speculative execution. Enabled by default.
func WithSpeculation(enabled bool) Option {
	return func(o *Orchestrator) { o.speculative = enabled }
}

// WithMetrics overrides the metrics instance.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithHealthProbe overrides the home-system health check. Default is the
// mirror's own connection health.
func WithHealthProbe(probe func() bool) Option {
	return func(o *Orchestrator) { o.healthy = probe }
}

// WithNormalizer overrides the utterance normalizer, carrying the deployment's
// configured wake words.
func WithNormalizer(n *normalize.Normalizer) Option {
	return func(o *Orchestrator) {
		if n != nil {
			o.norm = n
		}
	}
}

// New wires the orchestrator over its components.
func New(deps Deps, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cascade:     deps.Cascade,
		resolver:    deps.Resolver,
		injector:    deps.Injector,
		exec:        deps.Executor,
		mirror:      deps.Mirror,
		store:       deps.Store,
		sessions:    deps.Sessions,
		deadline:    defaultDeadline,
		conv:        newKeyedMutex(),
		speculative: true,
		llmBreaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name: "responder",
		}),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.workers == nil {
		o.workers = semaphore.NewWeighted(int64(runtime.NumCPU() * 2))
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	if o.healthy == nil {
		o.healthy = o.mirror.Healthy
	}
	if o.norm == nil {
		o.norm = normalize.New()
	}
	return o
}

// ProcessRequest runs one utterance through the pipeline and returns the
// response. An error return means the request could not be answered at all;
// degraded conditions answer with an apology and a nil error.
func (o *Orchestrator) ProcessRequest(ctx context.Context, req Request) (*Response, error) {
	if strings.TrimSpace(req.Utterance) == "" || req.DeviceID == "" {
		return nil, fmt.Errorf("orchestrator: utterance and device id are required: %w", ErrValidation)
	}

	if err := o.workers.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("orchestrator: worker pool: %w", ErrTimeout)
	}
	defer o.workers.Release(1)

	// One turn at a time per conversation; the device stands in for the
	// conversation before one exists.
	key := req.ConversationID
	if key == "" {
		key = req.DeviceID
	}
	unlock, err := o.conv.lock(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: conversation queue: %w", ErrTimeout)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, o.deadline)
	defer cancel()

	o.metrics.ActiveRequests.Add(ctx, 1)
	defer o.metrics.ActiveRequests.Add(ctx, -1)

	start := time.Now()
	requestID := uuid.NewString()
	log := observe.Logger(ctx).With("request_id", requestID, "device_id", req.DeviceID)

	speaker := req.SpeakerID
	if speaker == "" {
		if s, err := o.sessions.GetSpeaker(ctx, req.DeviceID); err == nil {
			speaker = s
		}
	}

	norm := o.norm.Normalize(req.Utterance)
	resp := &Response{RequestID: requestID, ConversationID: req.ConversationID}

	if tc, ok := parseTeach(norm.Text); ok && o.teacher != nil {
		o.handleTeach(ctx, tc, speaker, resp)
	} else {
		cls := o.cascade.Classify(ctx, intent.Request{
			RequestID: requestID,
			Speaker:   speaker,
			Utterance: norm.Text,
		})
		resp.Intent = string(cls.Intent)
		resp.Confidence = cls.Confidence
		resp.Stage = cls.Stage
		resp.Entities = extractEntities(cls.Slots)

		switch {
		case cls.NeedsClarification:
			resp.ResponseText = clarifyText(cls.Classification)
		case cls.Intent.Family() == intent.FamilyMode:
			o.handleMode(ctx, req.DeviceID, cls.Intent, resp)
		case executor.Actionable(cls.Intent):
			o.handleCommand(ctx, req, norm, cls.Classification, speaker, resp)
		default:
			o.handleConversation(ctx, req, cls.Classification, norm, resp)
		}
	}

	resp.LatencyMS = time.Since(start).Milliseconds()
	if err := o.persist(ctx, req, norm, speaker, resp); err != nil {
		if errors.Is(err, store.ErrCorrupt) {
			return nil, fmt.Errorf("orchestrator: %v: %w", err, ErrCorruption)
		}
		log.Error("request persistence failed", "error", err)
	}

	log.Info("request processed",
		"intent", resp.Intent,
		"stage", resp.Stage,
		"confidence", resp.Confidence,
		"latency_ms", resp.LatencyMS,
	)
	return resp, nil
}

// handleCommand resolves and executes an actionable intent. The response text
// is produced before the dispatch completes; a late failure amends it.
func (o *Orchestrator) handleCommand(ctx context.Context, req Request, norm normalize.Result, cls intent.Classification, speaker string, resp *Response) {
	if !o.healthy() {
		// Security-sensitive commands are never attempted blind.
		resp.ResponseText = capabilityApology(cls.Intent)
		resp.Executor = &ExecutorResult{Error: "home system unreachable"}
		return
	}

	res, err := o.resolver.Resolve(ctx, resolve.Query{
		RequestID:   resp.RequestID,
		Utterance:   norm.Text,
		Mention:     cls.Slots["entity"],
		Intent:      cls.Intent,
		Speaker:     speaker,
		SpeakerArea: o.deviceAreas[req.DeviceID],
	})
	if err != nil {
		resp.ResponseText = capabilityApology(cls.Intent)
		resp.Executor = &ExecutorResult{Error: err.Error()}
		return
	}
	resp.Entities.Devices = append(resp.Entities.Devices, res.Entity.ID)

	cmd := executor.Command{
		RequestID:  resp.RequestID,
		Intent:     cls.Intent,
		Entities:   []mirror.Entity{res.Entity},
		Slots:      cls.Slots,
		Speaker:    speaker,
		Confidence: min(cls.Confidence, res.Confidence),
	}

	// Guessed resolutions never execute speculatively; the user gets the
	// acknowledgement first and can object.
	speculated := o.speculative && !res.Guessed && o.exec.Speculate(ctx, cmd)

	resp.ResponseText = commandAck(cls, res.Entity)

	var (
		result  executor.Result
		execErr error
	)
	if speculated {
		result, _, execErr = o.exec.Await(ctx, resp.RequestID)
	} else {
		result, execErr = o.exec.Execute(ctx, cmd)
	}

	resp.Executor = &ExecutorResult{
		Success:         execErr == nil && result.OK(),
		EntityIDs:       result.Succeeded,
		Action:          cls.Slots["action"],
		ExecutionTimeMS: result.Duration.Milliseconds(),
	}
	if execErr != nil {
		resp.Executor.Error = execErr.Error()
		resp.ResponseText = amendFailure(cls.Intent, execErr)
		return
	}
	if res.Guessed {
		resp.ResponseText += guessedSuffix(result)
	}
}

// handleConversation answers a non-actionable intent with injected home
// context.
func (o *Orchestrator) handleConversation(ctx context.Context, req Request, cls intent.Classification, norm normalize.Result, resp *Response) {
	pc := o.injector.Assemble(promptctx.Request{
		Intent:      cls.Intent,
		Areas:       resp.Entities.Locations,
		SpeakerArea: o.deviceAreas[req.DeviceID],
	})
	resp.ResponseText = o.converse(ctx, norm, cls, pc)
}

// sessionModes maps mode intents to the session mode they start. End intents
// all return to command mode.
var sessionModes = map[intent.Intent]sessionstore.Mode{
	intent.ModeConversationStart: sessionstore.ModeConversation,
	intent.ModeNotesStart:        sessionstore.ModeNotes,
	intent.ModeJournalStart:      sessionstore.ModeJournal,
	intent.ModeAmbientStart:      sessionstore.ModeAmbient,
}

func (o *Orchestrator) handleMode(ctx context.Context, deviceID string, in intent.Intent, resp *Response) {
	mode, ok := sessionModes[in]
	if !ok {
		mode = sessionstore.ModeCommand
	}
	if err := o.sessions.SetMode(ctx, deviceID, mode); err != nil {
		observe.Logger(ctx).Warn("mode switch failed", "mode", mode, "error", err)
		resp.ResponseText = "Sorry, I couldn't switch modes just now."
		return
	}
	if mode == sessionstore.ModeCommand {
		resp.ResponseText = "Okay, back to normal."
	} else {
		resp.ResponseText = fmt.Sprintf("Okay, %s mode.", mode)
	}
}

// handleTeach routes a parsed voice-teach command to the improvement
// pipeline.
func (o *Orchestrator) handleTeach(ctx context.Context, tc teachCommand, speaker string, resp *Response) {
	resp.Intent = string(intent.MemoryCreate)
	resp.Confidence = 1
	resp.Stage = intent.StageFastPattern

	targets := o.mirror.Search(tc.Target, "", "", 1)
	if len(targets) == 0 {
		resp.ResponseText = fmt.Sprintf("I don't know anything called %q yet.", tc.Target)
		return
	}
	if err := o.teacher.VoiceTeach(ctx, tc.Phrase, targets[0].ID, speaker); err != nil {
		observe.Logger(ctx).Warn("voice teach failed", "phrase", tc.Phrase, "error", err)
		resp.ResponseText = "I couldn't save that right now, sorry."
		return
	}
	resp.Entities.Devices = []string{targets[0].ID}
	resp.ResponseText = fmt.Sprintf("Got it. %q now means %s.", tc.Phrase, strings.ToLower(targets[0].FriendlyName))
}

// persist writes the turn pair, the operational log row, and the refreshed
// session frame.
func (o *Orchestrator) persist(ctx context.Context, req Request, norm normalize.Result, speaker string, resp *Response) error {
	// Losing bookkeeping must not cancel with the request deadline already
	// spent.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()

	convID := req.ConversationID
	if convID == "" {
		conv, err := o.store.OpenConversation(ctx, req.DeviceID, speaker)
		if err != nil {
			return err
		}
		convID = conv.ID
	}
	resp.ConversationID = convID

	if _, err := o.store.AppendTurn(ctx, store.Turn{
		ConversationID: convID,
		Role:           "user",
		Text:           norm.Raw,
		Intent:         resp.Intent,
		Confidence:     resp.Confidence,
		Entities:       resp.Entities.Devices,
	}); err != nil {
		return err
	}
	if _, err := o.store.AppendTurn(ctx, store.Turn{
		ConversationID: convID,
		Role:           "assistant",
		Text:           resp.ResponseText,
		Intent:         resp.Intent,
		LatencyMS:      resp.LatencyMS,
	}); err != nil {
		return err
	}
	if err := o.store.AppendOperationalLog(ctx, store.OperationalLog{
		RequestID: resp.RequestID,
		DeviceID:  req.DeviceID,
		Intent:    resp.Intent,
		Stage:     resp.Stage,
		LatencyMS: resp.LatencyMS,
		Outcome:   outcome(resp),
	}); err != nil {
		return err
	}

	frame := sessionFrame{
		LastIntent:     resp.Intent,
		ConversationID: convID,
	}
	if len(resp.Entities.Devices) > 0 {
		frame.LastEntity = resp.Entities.Devices[0]
	}
	if err := o.sessions.SetContext(ctx, req.DeviceID, frame); err != nil {
		observe.Logger(ctx).Warn("session context write failed", "error", err)
	}
	if req.SpeakerID != "" {
		if err := o.sessions.SetSpeaker(ctx, req.DeviceID, req.SpeakerID); err != nil {
			observe.Logger(ctx).Warn("session speaker write failed", "error", err)
		}
	}
	return nil
}

func outcome(resp *Response) string {
	switch {
	case resp.Executor != nil && resp.Executor.Error != "":
		return "failed"
	case resp.Executor != nil && !resp.Executor.Success:
		return "partial"
	default:
		return "ok"
	}
}

// extractEntities splits raw slots into the caller-facing buckets.
func extractEntities(slots map[string]string) Entities {
	e := Entities{RawSlots: slots}
	if v := slots["area"]; v != "" {
		e.Locations = append(e.Locations, v)
	}
	if v := slots["time"]; v != "" {
		e.Times = append(e.Times, v)
	}
	if v := slots["duration"]; v != "" {
		e.Durations = append(e.Durations, v)
	}
	if v := slots["person"]; v != "" {
		e.People = append(e.People, v)
	}
	return e
}
