// Package executor turns a classified command into hub service calls.
//
// Each actionable intent maps to a hub domain and an action rule that infers
// the service and payload from the extracted slots. Targets are validated
// against the mirror's availability view, serialized per entity through the
// session-store lock, and dispatched with one transport retry under a hard
// total deadline. Failures are collected per entity; a command where anything
// succeeded reports success with warnings rather than failure.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/barnabee-home/barnabee/internal/intent"
	"github.com/barnabee-home/barnabee/internal/mirror"
	"github.com/barnabee-home/barnabee/internal/observe"
	"github.com/barnabee-home/barnabee/internal/sessionstore"
	"github.com/barnabee-home/barnabee/pkg/homeauto"
)

// ErrNotActionable is returned for intents with no service mapping.
var ErrNotActionable = errors.New("executor: intent is not actionable")

const (
	// totalTimeout caps one command's executor time end to end.
	totalTimeout = 500 * time.Millisecond

	// retryBackoff is the pause before the single transport retry.
	retryBackoff = 200 * time.Millisecond
)

// Command is one resolved, classified instruction.
type Command struct {
	RequestID  string
	Intent     intent.Intent
	Entities   []mirror.Entity
	Slots      map[string]string
	Speaker    string
	Confidence float64
}

// Result is the outcome of one dispatch.
type Result struct {
	// Succeeded and Failed partition the target entities. Failed maps
	// entity ID to the reason.
	Succeeded []string
	Failed    map[string]string

	// Warnings is true when the command partially succeeded.
	Warnings bool

	Duration time.Duration
}

// OK reports whether anything was actually done.
func (r Result) OK() bool { return len(r.Succeeded) > 0 }

// Locker is the per-entity serialization surface, satisfied by
// [sessionstore.Store].
type Locker interface {
	AcquireLock(ctx context.Context, name string) (*sessionstore.Lock, bool, error)
}

// Executor dispatches commands to the hub. Safe for concurrent use.
type Executor struct {
	hub     homeauto.Hub
	locks   Locker
	metrics *observe.Metrics

	specMin       float64
	specHeadStart time.Duration

	spec speculativeRegistry
}

// Option is a functional option for New.
type Option func(*Executor)

// WithLocker attaches the per-entity lock provider. Without one, commands
// for the same entity may interleave.
func WithLocker(l Locker) Option {
	return func(e *Executor) { e.locks = l }
}

// WithMetrics overrides the metrics instance.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithSpeculationGate tunes the speculative path: minConfidence is the
// classifier confidence floor, headStart the cancellation window before the
// service call goes out. Zero values keep the defaults.
func WithSpeculationGate(minConfidence float64, headStart time.Duration) Option {
	return func(e *Executor) {
		if minConfidence > 0 {
			e.specMin = minConfidence
		}
		if headStart > 0 {
			e.specHeadStart = headStart
		}
	}
}

// New creates an executor over the hub transport.
func New(hub homeauto.Hub, opts ...Option) *Executor {
	e := &Executor{hub: hub, specMin: speculativeMinConfidence, specHeadStart: headStart}
	e.spec.inflight = make(map[string]*speculativeTask)
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	return e
}

// Execute runs cmd synchronously and returns the per-entity outcome.
func (e *Executor) Execute(ctx context.Context, cmd Command) (Result, error) {
	rule, ok := serviceRules[cmd.Intent]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrNotActionable, cmd.Intent)
	}
	if len(cmd.Entities) == 0 {
		return Result{}, errors.New("executor: no target entities")
	}

	ctx, cancel := context.WithTimeout(ctx, totalTimeout)
	defer cancel()
	start := time.Now()

	res := Result{Failed: make(map[string]string)}

	// Unavailable targets fail up front; the hub would time out on them.
	targets := cmd.Entities[:0:0]
	for _, ent := range cmd.Entities {
		if !ent.IsAvailable() {
			res.Failed[ent.ID] = "entity is unavailable"
			continue
		}
		targets = append(targets, ent)
	}

	service, data, err := rule.build(canonicalSlots(cmd))
	if err != nil {
		e.metrics.RecordExecution(ctx, rule.domain, "invalid", time.Since(start))
		return Result{}, fmt.Errorf("executor: %s: %w", cmd.Intent, err)
	}

	locked, unlock := e.lockTargets(ctx, targets, res.Failed)
	defer unlock()

	if len(locked) > 0 {
		if err := e.dispatch(ctx, rule.domain, service, data, locked); err != nil {
			for _, ent := range locked {
				res.Failed[ent.ID] = err.Error()
			}
		} else {
			for _, ent := range locked {
				res.Succeeded = append(res.Succeeded, ent.ID)
			}
		}
	}

	res.Duration = time.Since(start)
	res.Warnings = len(res.Succeeded) > 0 && len(res.Failed) > 0

	status := "ok"
	switch {
	case len(res.Succeeded) == 0:
		status = "failed"
	case res.Warnings:
		status = "partial"
	}
	e.metrics.RecordExecution(ctx, rule.domain, status, res.Duration)

	if len(res.Succeeded) == 0 {
		return res, fmt.Errorf("executor: %s: all %d targets failed", cmd.Intent, len(cmd.Entities))
	}
	return res, nil
}

// lockTargets serializes on the session-store lock per entity. Entities whose
// lock is held elsewhere fail as busy rather than waiting out the deadline.
func (e *Executor) lockTargets(ctx context.Context, targets []mirror.Entity, failed map[string]string) ([]mirror.Entity, func()) {
	if e.locks == nil {
		return targets, func() {}
	}
	var held []*sessionstore.Lock
	var locked []mirror.Entity
	for _, ent := range targets {
		lock, ok, err := e.locks.AcquireLock(ctx, "entity:"+ent.ID)
		if err != nil {
			failed[ent.ID] = err.Error()
			continue
		}
		if !ok {
			failed[ent.ID] = "entity is busy with another command"
			continue
		}
		held = append(held, lock)
		locked = append(locked, ent)
	}
	return locked, func() {
		for _, lock := range held {
			if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
				observe.Logger(ctx).Warn("entity lock release failed", "error", err)
			}
		}
	}
}

// dispatch issues one service call for the target set, retrying the transport
// once. Multiple entities go out as a single call with a list argument.
func (e *Executor) dispatch(ctx context.Context, domain, service string, data map[string]any, targets []mirror.Entity) error {
	call := homeauto.ServiceCall{Domain: domain, Service: service, Data: data}
	if len(targets) == 1 {
		call.EntityID = targets[0].ID
	} else {
		ids := make([]string, len(targets))
		for i, t := range targets {
			ids[i] = t.ID
		}
		call.Data = cloneData(data)
		call.Data["entity_id"] = ids
	}

	err := e.hub.CallService(ctx, call)
	if err == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return err
	case <-time.After(retryBackoff):
	}
	if retryErr := e.hub.CallService(ctx, call); retryErr == nil {
		return nil
	}
	return err
}

func cloneData(data map[string]any) map[string]any {
	out := make(map[string]any, len(data)+1)
	for k, v := range data {
		out[k] = v
	}
	return out
}

// canonicalSlots maps the classifier's slot vocabulary onto the service
// rules: pattern hits say "turn_on" where the rules expect "on", and relative
// commands like "dim" or "warmer" become absolute payload slots using the
// target's current state.
func canonicalSlots(cmd Command) map[string]string {
	slots := make(map[string]string, len(cmd.Slots))
	for k, v := range cmd.Slots {
		slots[k] = v
	}
	switch slots["action"] {
	case "turn_on":
		slots["action"] = "on"
	case "turn_off":
		slots["action"] = "off"
	case "dim":
		slots["action"] = "on"
		slots["brightness_step"] = "-25"
	case "brighten":
		slots["action"] = "on"
		slots["brightness_step"] = "25"
	case "warmer", "cooler":
		step := 2.0
		if slots["action"] == "cooler" {
			step = -2.0
		}
		delete(slots, "action")
		if cur, ok := currentTemperature(cmd.Entities); ok {
			slots["temperature"] = strconv.FormatFloat(cur+step, 'f', -1, 64)
		}
	}
	return slots
}

// currentTemperature reads the first target's reported temperature.
func currentTemperature(entities []mirror.Entity) (float64, bool) {
	for _, e := range entities {
		switch v := e.Attributes["temperature"].(type) {
		case float64:
			return v, true
		case int:
			return float64(v), true
		}
	}
	return 0, false
}

// actionRule infers the hub service and payload for one intent's slots.
type actionRule struct {
	domain string
	build  func(slots map[string]string) (service string, data map[string]any, err error)
}

// serviceRules maps each actionable intent to its hub rule. Intents absent
// here are answered in software and never reach the hub.
var serviceRules = map[intent.Intent]actionRule{
	intent.LightControl: {domain: "light", build: buildLight},
	intent.ClimateControl: {domain: "climate", build: func(slots map[string]string) (string, map[string]any, error) {
		if raw, ok := slots["temperature"]; ok {
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return "", nil, fmt.Errorf("bad temperature %q", raw)
			}
			return "set_temperature", map[string]any{"temperature": v}, nil
		}
		switch slots["action"] {
		case "off":
			return "turn_off", nil, nil
		case "on":
			return "turn_on", nil, nil
		}
		return "", nil, errors.New("climate command needs a temperature or on/off action")
	}},
	intent.LockControl: {domain: "lock", build: func(slots map[string]string) (string, map[string]any, error) {
		switch slots["action"] {
		case "lock", "":
			return "lock", nil, nil
		case "unlock":
			return "unlock", nil, nil
		}
		return "", nil, fmt.Errorf("bad lock action %q", slots["action"])
	}},
	intent.CoverControl: {domain: "cover", build: func(slots map[string]string) (string, map[string]any, error) {
		if raw, ok := slots["position"]; ok {
			v, err := parsePercent(raw)
			if err != nil {
				return "", nil, fmt.Errorf("bad position %q", raw)
			}
			return "set_cover_position", map[string]any{"position": v}, nil
		}
		switch slots["action"] {
		case "open", "":
			return "open_cover", nil, nil
		case "close":
			return "close_cover", nil, nil
		case "stop":
			return "stop_cover", nil, nil
		}
		return "", nil, fmt.Errorf("bad cover action %q", slots["action"])
	}},
	intent.MediaControl: {domain: "media_player", build: func(slots map[string]string) (string, map[string]any, error) {
		if raw, ok := slots["volume"]; ok {
			v, err := parsePercent(raw)
			if err != nil {
				return "", nil, fmt.Errorf("bad volume %q", raw)
			}
			return "volume_set", map[string]any{"volume_level": float64(v) / 100}, nil
		}
		switch slots["action"] {
		case "play", "":
			return "media_play", nil, nil
		case "pause", "stop":
			return "media_pause", nil, nil
		case "next":
			return "media_next_track", nil, nil
		case "previous":
			return "media_previous_track", nil, nil
		}
		return "", nil, fmt.Errorf("bad media action %q", slots["action"])
	}},
	intent.SceneControl: {domain: "scene", build: func(map[string]string) (string, map[string]any, error) {
		return "turn_on", nil, nil
	}},
}

func buildLight(slots map[string]string) (string, map[string]any, error) {
	data := map[string]any{}
	if raw, ok := slots["brightness"]; ok {
		v, err := parsePercent(raw)
		if err != nil {
			return "", nil, fmt.Errorf("bad brightness %q", raw)
		}
		data["brightness_pct"] = v
	}
	if raw, ok := slots["color_temp"]; ok {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return "", nil, fmt.Errorf("bad color temperature %q", raw)
		}
		data["color_temp_kelvin"] = v
	}
	if raw, ok := slots["brightness_step"]; ok {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return "", nil, fmt.Errorf("bad brightness step %q", raw)
		}
		data["brightness_step_pct"] = v
	}

	switch slots["action"] {
	case "off":
		if len(data) > 0 {
			return "", nil, errors.New("cannot set brightness while turning off")
		}
		return "turn_off", nil, nil
	case "toggle":
		return "toggle", nil, nil
	case "on", "":
		// Any value slot implies turn_on.
		if len(data) == 0 {
			return "turn_on", nil, nil
		}
		return "turn_on", data, nil
	}
	return "", nil, fmt.Errorf("bad light action %q", slots["action"])
}

// parsePercent accepts "50" and "50%", clamped to [0,100].
func parsePercent(raw string) (int, error) {
	raw = trimPercent(raw)
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if v < 0 {
		v = 0
	}
	if v > 100 {
		v = 100
	}
	return v, nil
}

func trimPercent(raw string) string {
	if n := len(raw); n > 0 && raw[n-1] == '%' {
		return raw[:n-1]
	}
	return raw
}

// Actionable reports whether the intent has a service mapping.
func Actionable(in intent.Intent) bool {
	_, ok := serviceRules[in]
	return ok
}
