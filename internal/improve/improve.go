// Package improve is the self-improvement pipeline: it clusters production
// signals into proposed data changes, shadow-tests each proposal against the
// golden dataset, applies the safe ones atomically, and watches applied
// changes for regressions.
//
// Only classifier and resolver data may change. Code, schema, external
// contracts, and security settings are tier 3: proposals targeting them are
// recorded for audit and never applied. Tier 1 (aliases, exemplars, synonyms)
// applies automatically after a passing shadow test; tier 2 (patterns,
// templates) waits for human approval.
package improve

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/barnabee-home/barnabee/internal/observe"
	"github.com/barnabee-home/barnabee/internal/sessionstore"
	"github.com/barnabee-home/barnabee/internal/store"
	"github.com/barnabee-home/barnabee/pkg/provider/embeddings"
)

const (
	// pipelineLockName serializes analysis, apply, and rollback across
	// workers.
	pipelineLockName = "improvement_pipeline"

	// signalLookback bounds how far back the nightly analysis reads.
	signalLookback = 7 * 24 * time.Hour

	defaultClusterSimilarity = 0.85
	defaultClusterMinSize    = 3
	defaultMonitorWindow     = 24 * time.Hour
	defaultSchedule          = "0 3 * * *"
)

// Default rollback triggers. Any single one rolls the improvement back.
const (
	defaultRollbackAccuracyDrop = 0.02
	defaultRollbackLatencyRise  = 50 * time.Millisecond
	defaultRollbackErrorRate    = 0.05
	defaultRollbackOverrideRate = 0.50
)

// Sample is one health snapshot used for post-apply monitoring.
type Sample struct {
	Accuracy       float64
	P95            time.Duration
	ErrorRate      float64
	CorrectionRate float64
}

// HealthSampler produces the current production health snapshot.
type HealthSampler interface {
	Sample(ctx context.Context) (Sample, error)
}

// Locker is the distributed-lock surface, satisfied by [sessionstore.Store].
type Locker interface {
	AcquireLock(ctx context.Context, name string) (*sessionstore.Lock, bool, error)
}

// Pipeline runs the improvement loop. Safe for concurrent use.
type Pipeline struct {
	store    *store.Store
	data     *LiveData
	embedder embeddings.Provider
	locks    Locker
	sampler  HealthSampler
	metrics  *observe.Metrics

	clusterSim float64
	clusterMin int
	window     time.Duration
	schedule   string

	trigAccuracyDrop float64
	trigLatencyRise  time.Duration
	trigErrorRate    float64
	trigOverrideRate float64

	cron *cron.Cron

	mu        sync.Mutex
	baselines map[string]Sample
}

// Option is a functional option for New.
type Option func(*Pipeline)

// WithLocker attaches the distributed pipeline lock. Without one, analysis
// assumes a single process.
func WithLocker(l Locker) Option {
	return func(p *Pipeline) { p.locks = l }
}

// WithHealthSampler attaches the source of monitoring samples. Without one,
// the monitor only expires windows and never rolls back.
func WithHealthSampler(s HealthSampler) Option {
	return func(p *Pipeline) { p.sampler = s }
}

// WithClustering overrides the similarity threshold and minimum cluster size.
func WithClustering(similarity float64, minSize int) Option {
	return func(p *Pipeline) { p.clusterSim, p.clusterMin = similarity, minSize }
}

// WithMonitorWindow overrides the post-apply monitoring window.
func WithMonitorWindow(d time.Duration) Option {
	return func(p *Pipeline) { p.window = d }
}

// WithSchedule overrides the cron expression for the analysis run.
func WithSchedule(expr string) Option {
	return func(p *Pipeline) { p.schedule = expr }
}

// WithMetrics overrides the metrics instance.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithRollbackTriggers overrides the monitoring rollback thresholds: the
// accuracy drop against the apply-time baseline, the p95 latency rise, and
// the user-override rate. Zero values keep the defaults.
func WithRollbackTriggers(accuracyDrop float64, latencyRise time.Duration, overrideRate float64) Option {
	return func(p *Pipeline) {
		if accuracyDrop > 0 {
			p.trigAccuracyDrop = accuracyDrop
		}
		if latencyRise > 0 {
			p.trigLatencyRise = latencyRise
		}
		if overrideRate > 0 {
			p.trigOverrideRate = overrideRate
		}
	}
}

// New creates the pipeline over its stores and live data.
func New(st *store.Store, data *LiveData, embedder embeddings.Provider, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:      st,
		data:       data,
		embedder:   embedder,
		clusterSim: defaultClusterSimilarity,
		clusterMin: defaultClusterMinSize,
		window:     defaultMonitorWindow,
		schedule:   defaultSchedule,

		trigAccuracyDrop: defaultRollbackAccuracyDrop,
		trigLatencyRise:  defaultRollbackLatencyRise,
		trigErrorRate:    defaultRollbackErrorRate,
		trigOverrideRate: defaultRollbackOverrideRate,

		baselines: make(map[string]Sample),
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// Start schedules the nightly analysis and the hourly monitor. ctx bounds
// each job run, not the scheduler.
func (p *Pipeline) Start(ctx context.Context) error {
	p.cron = cron.New()
	log := observe.Logger(ctx)
	if _, err := p.cron.AddFunc(p.schedule, func() {
		if err := p.RunAnalysis(ctx); err != nil {
			log.Error("nightly improvement analysis failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("improve: schedule analysis: %w", err)
	}
	if _, err := p.cron.AddFunc("0 * * * *", func() {
		if err := p.RunMonitor(ctx); err != nil {
			log.Error("improvement monitor failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("improve: schedule monitor: %w", err)
	}
	p.cron.Start()
	return nil
}

// Stop halts the scheduler, waiting for a running job to finish.
func (p *Pipeline) Stop() {
	if p.cron != nil {
		<-p.cron.Stop().Done()
	}
}

// RunAnalysis is the nightly job: cluster unprocessed signals, propose,
// shadow-test, and apply or queue. Also run on demand by the improve-now
// command.
func (p *Pipeline) RunAnalysis(ctx context.Context) error {
	release, ok, err := p.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !ok {
		observe.Logger(ctx).Info("improvement analysis skipped, pipeline lock held elsewhere")
		return nil
	}
	defer release()

	sigs, err := p.store.UnprocessedSignals(ctx, time.Now().Add(-signalLookback))
	if err != nil {
		return fmt.Errorf("improve: load signals: %w", err)
	}
	if len(sigs) == 0 {
		return nil
	}

	texts := make([]string, len(sigs))
	for i, s := range sigs {
		texts[i] = s.Utterance
	}
	vecs, err := p.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("improve: embed signals: %w", err)
	}

	log := observe.Logger(ctx)
	for _, c := range clusterSignals(sigs, vecs, p.clusterSim) {
		if len(c.signals) < p.clusterMin {
			continue
		}
		imp := propose(c)
		if imp == nil {
			continue
		}
		if err := p.submit(ctx, *imp, true); err != nil {
			log.Error("improvement submission failed",
				"type", imp.Type, "target", imp.Target, "error", err)
			continue
		}
		if err := p.store.MarkSignalsProcessed(ctx, c.signalIDs()); err != nil {
			log.Error("marking signals processed failed", "error", err)
		}
	}
	return nil
}

// submit creates the improvement, shadow-tests it, and routes it by tier.
// locked says whether the caller already holds the pipeline lock, which is
// not reentrant.
func (p *Pipeline) submit(ctx context.Context, imp store.Improvement, locked bool) error {
	created, err := p.store.CreateImprovement(ctx, imp)
	if err != nil {
		return err
	}
	log := observe.Logger(ctx).With("improvement_id", created.ID, "type", created.Type, "tier", created.Tier)

	if created.Tier >= 3 {
		// Forbidden target. Recorded, audited, never applied.
		if err := p.store.AppendAudit(ctx, created.ID, "blocked", "tier-3 target is forbidden"); err != nil {
			return err
		}
		p.metrics.RecordImprovement(ctx, "blocked")
		log.Warn("tier-3 improvement blocked", "target", created.Target)
		return nil
	}

	candidate, err := p.data.Candidate(ctx, *created)
	if err != nil {
		return err
	}
	golden, err := p.store.GoldenCases(ctx)
	if err != nil {
		return err
	}
	passed, report, err := runShadow(ctx, golden, p.data.Baseline(), candidate)
	if err != nil {
		return err
	}
	if err := p.store.RecordShadowResult(ctx, created.ID, passed, report.String()); err != nil {
		return err
	}
	if !passed {
		if err := p.store.TransitionImprovement(ctx, created.ID, store.ImprovementRejected); err != nil {
			return err
		}
		p.metrics.RecordImprovement(ctx, "rejected")
		log.Info("improvement rejected by shadow test", "verdict", report.Verdict)
		return nil
	}

	if created.Tier == 1 {
		if locked {
			return p.applyLocked(ctx, created.ID)
		}
		return p.apply(ctx, created.ID)
	}
	// Tier 2 waits for Approve.
	if err := p.store.AppendAudit(ctx, created.ID, "queued", "awaiting human approval"); err != nil {
		return err
	}
	p.metrics.RecordImprovement(ctx, "queued")
	log.Info("improvement queued for approval")
	return nil
}

// Approve moves a shadow-passed tier-2 improvement through approval into
// apply. The human front door.
func (p *Pipeline) Approve(ctx context.Context, id string) error {
	imp, err := p.store.GetImprovement(ctx, id)
	if err != nil {
		return err
	}
	if imp.ShadowPassed == nil || !*imp.ShadowPassed {
		return fmt.Errorf("improve: %s has not passed its shadow test", id)
	}
	if err := p.store.TransitionImprovement(ctx, id, store.ImprovementApproved); err != nil {
		return err
	}
	return p.apply(ctx, id)
}

// Reject marks a pending improvement rejected.
func (p *Pipeline) Reject(ctx context.Context, id, reason string) error {
	if err := p.store.TransitionImprovement(ctx, id, store.ImprovementRejected); err != nil {
		return err
	}
	return p.store.AppendAudit(ctx, id, "rejected", reason)
}

// apply commits one improvement under the pipeline lock. Entry point for
// callers that do not already hold it.
func (p *Pipeline) apply(ctx context.Context, id string) error {
	release, ok, err := p.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("improve: pipeline lock held elsewhere")
	}
	defer release()
	return p.applyLocked(ctx, id)
}

// applyLocked commits one improvement atomically: backup snapshot, data
// change, live reload, monitoring window. The caller holds the pipeline lock.
func (p *Pipeline) applyLocked(ctx context.Context, id string) error {
	imp, err := p.store.GetImprovement(ctx, id)
	if err != nil {
		return err
	}
	snapshot, err := p.data.Snapshot(ctx, *imp)
	if err != nil {
		return fmt.Errorf("improve: snapshot %s: %w", id, err)
	}
	if err := p.store.SaveBackup(ctx, id, imp.Target, snapshot); err != nil {
		return err
	}
	if err := p.data.Apply(ctx, *imp); err != nil {
		if auditErr := p.store.AppendAudit(ctx, id, "apply_failed", err.Error()); auditErr != nil {
			observe.Logger(ctx).Error("audit append failed", "error", auditErr)
		}
		return fmt.Errorf("improve: apply %s: %w", id, err)
	}
	if err := p.store.MarkApplied(ctx, id, p.window); err != nil {
		return err
	}
	if p.sampler != nil {
		if sample, err := p.sampler.Sample(ctx); err == nil {
			p.mu.Lock()
			p.baselines[id] = sample
			p.mu.Unlock()
		}
	}
	if err := p.store.AppendAudit(ctx, id, "applied", "monitoring window opened"); err != nil {
		return err
	}
	p.metrics.RecordImprovement(ctx, "applied")
	observe.Logger(ctx).Info("improvement applied", "improvement_id", id, "type", imp.Type, "target", imp.Target)
	return nil
}

// RunMonitor is the hourly job: close expired monitoring windows and roll
// back applied improvements that regressed production health.
func (p *Pipeline) RunMonitor(ctx context.Context) error {
	applied, err := p.store.ImprovementsByStatus(ctx, store.ImprovementApplied)
	if err != nil {
		return err
	}
	now := time.Now()
	log := observe.Logger(ctx)
	for _, imp := range applied {
		if now.After(imp.MonitorEnd) {
			// Window closed clean; the backup is no longer needed.
			if err := p.store.DeleteBackup(ctx, imp.ID); err != nil {
				log.Error("backup cleanup failed", "improvement_id", imp.ID, "error", err)
				continue
			}
			if err := p.store.AppendAudit(ctx, imp.ID, "monitoring_complete", "no regression observed"); err != nil {
				log.Error("audit append failed", "improvement_id", imp.ID, "error", err)
			}
			p.forgetBaseline(imp.ID)
			continue
		}
		if reason := p.regression(ctx, imp.ID); reason != "" {
			if err := p.Rollback(ctx, imp.ID, reason); err != nil {
				log.Error("rollback failed", "improvement_id", imp.ID, "error", err)
			}
		}
	}
	return nil
}

// regression compares the current health sample to the baseline captured at
// apply time. Returns the trigger description, empty when healthy.
func (p *Pipeline) regression(ctx context.Context, id string) string {
	if p.sampler == nil {
		return ""
	}
	p.mu.Lock()
	baseline, ok := p.baselines[id]
	p.mu.Unlock()
	if !ok {
		// Process restarted since apply; no baseline to compare against.
		return ""
	}
	current, err := p.sampler.Sample(ctx)
	if err != nil {
		observe.Logger(ctx).Warn("health sample failed", "error", err)
		return ""
	}
	switch {
	case baseline.Accuracy-current.Accuracy > p.trigAccuracyDrop:
		return fmt.Sprintf("accuracy dropped %.1f points", (baseline.Accuracy-current.Accuracy)*100)
	case current.P95-baseline.P95 > p.trigLatencyRise:
		return fmt.Sprintf("p95 latency rose by %s", current.P95-baseline.P95)
	case current.ErrorRate > p.trigErrorRate:
		return fmt.Sprintf("error rate %.1f%%", current.ErrorRate*100)
	case current.CorrectionRate > p.trigOverrideRate:
		return fmt.Sprintf("user override rate %.1f%%", current.CorrectionRate*100)
	}
	return ""
}

// Rollback restores the pre-apply backup and marks the improvement rolled
// back. Holds the pipeline lock.
func (p *Pipeline) Rollback(ctx context.Context, id, reason string) error {
	release, ok, err := p.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("improve: pipeline lock held elsewhere")
	}
	defer release()

	imp, err := p.store.GetImprovement(ctx, id)
	if err != nil {
		return err
	}
	_, snapshot, err := p.store.GetBackup(ctx, id)
	if err != nil {
		return fmt.Errorf("improve: load backup for %s: %w", id, err)
	}
	if err := p.data.Revert(ctx, *imp, snapshot); err != nil {
		return fmt.Errorf("improve: revert %s: %w", id, err)
	}
	if err := p.store.TransitionImprovement(ctx, id, store.ImprovementRolledBack); err != nil {
		return err
	}
	if err := p.store.AppendAudit(ctx, id, "rolled_back", reason); err != nil {
		return err
	}
	p.forgetBaseline(id)
	p.metrics.RecordImprovement(ctx, "rolled_back")
	observe.Logger(ctx).Warn("improvement rolled back", "improvement_id", id, "reason", reason)
	return nil
}

func (p *Pipeline) forgetBaseline(id string) {
	p.mu.Lock()
	delete(p.baselines, id)
	p.mu.Unlock()
}

// SuggestAlias submits a user alias suggestion, bypassing clustering. It
// implements the resolver's suggestion sink.
func (p *Pipeline) SuggestAlias(ctx context.Context, entityID, alias, speaker string) error {
	return p.submit(ctx, store.Improvement{
		Type:          TypeAlias,
		Tier:          1,
		Target:        entityID,
		ProposedValue: alias,
		Rationale:     fmt.Sprintf("suggested during resolution for %s", speaker),
		Source:        "user_suggestion",
	}, false)
}

// VoiceTeach handles a parsed "remember that X means Y" command: X becomes an
// alias of the entity Y resolved to. Bypasses clustering like a user
// suggestion.
func (p *Pipeline) VoiceTeach(ctx context.Context, phrase, entityID, speaker string) error {
	return p.submit(ctx, store.Improvement{
		Type:          TypeAlias,
		Tier:          1,
		Target:        entityID,
		ProposedValue: phrase,
		Rationale:     fmt.Sprintf("voice-taught by %s", speaker),
		Source:        "voice_command",
	}, false)
}

// acquireLock takes the global pipeline lock when a locker is configured.
func (p *Pipeline) acquireLock(ctx context.Context) (release func(), ok bool, err error) {
	if p.locks == nil {
		return func() {}, true, nil
	}
	lock, ok, err := p.locks.AcquireLock(ctx, pipelineLockName)
	if err != nil || !ok {
		return func() {}, ok, err
	}
	return func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			observe.Logger(ctx).Warn("pipeline lock release failed", "error", err)
		}
	}, true, nil
}

// Pending lists improvements awaiting human review.
func (p *Pipeline) Pending(ctx context.Context) ([]store.Improvement, error) {
	imps, err := p.store.ImprovementsByStatus(ctx, store.ImprovementPending)
	if err != nil {
		return nil, err
	}
	// Tier-2 queue only; tier-3 rows stay pending forever by design of the
	// store guard and are not actionable.
	out := imps[:0:0]
	for _, imp := range imps {
		if imp.Tier == 2 {
			out = append(out, imp)
		}
	}
	return out, nil
}
