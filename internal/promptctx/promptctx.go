// Package promptctx selects the mirrored entities worth showing the LLM for
// one request and renders them as prompt lines.
//
// Selection is strategy-per-intent under a hard token budget. The budget
// uses a fixed per-entity token cost; real tokenization is not worth the
// latency for lines this uniform. Camera entities are never included.
package promptctx

import (
	"sort"
	"strings"

	"github.com/barnabee-home/barnabee/internal/intent"
	"github.com/barnabee-home/barnabee/internal/mirror"
)

const (
	// DefaultTokenBudget caps the prompt context section.
	DefaultTokenBudget = 500

	// perEntityTokens is the assumed cost of one rendered entity line.
	perEntityTokens = 25
)

// Request describes what the orchestrator knows when assembling context.
type Request struct {
	Intent intent.Intent

	// Areas are the areas mentioned in the utterance, already resolved to
	// canonical names. May be empty.
	Areas []string

	// SpeakerArea is the area of the requesting device, empty when unknown.
	SpeakerArea string
}

// Context is the assembled prompt context.
type Context struct {
	Entities []mirror.Entity
	Lines    []string
	Tokens   int
}

// Injector assembles per-request context from the mirror.
type Injector struct {
	mirror *mirror.Mirror
	budget int
}

// Option is a functional option for New.
type Option func(*Injector)

// WithTokenBudget overrides the context token budget.
func WithTokenBudget(budget int) Option {
	return func(i *Injector) { i.budget = budget }
}

// New creates an injector over the mirror.
func New(m *mirror.Mirror, opts ...Option) *Injector {
	i := &Injector{mirror: m, budget: DefaultTokenBudget}
	for _, o := range opts {
		o(i)
	}
	return i
}

// Assemble picks entities for the request's intent and renders their state
// descriptions, stopping when the token budget is consumed.
func (i *Injector) Assemble(req Request) Context {
	selected := i.selectEntities(req)

	var ctx Context
	for _, e := range selected {
		if ctx.Tokens+perEntityTokens > i.budget {
			break
		}
		desc, ok := i.mirror.Description(e.ID)
		if !ok {
			continue
		}
		ctx.Entities = append(ctx.Entities, e)
		ctx.Lines = append(ctx.Lines, desc)
		ctx.Tokens += perEntityTokens
	}
	return ctx
}

// Render joins the context lines into the prompt section, empty when no
// entities were selected.
func (c Context) Render() string {
	if len(c.Lines) == 0 {
		return ""
	}
	return "Current home state:\n- " + strings.Join(c.Lines, "\n- ")
}

// selectEntities applies the per-intent strategy.
func (i *Injector) selectEntities(req Request) []mirror.Entity {
	switch req.Intent {
	case intent.LightControl:
		return i.areaDevices("light", req, 10)
	case intent.CoverControl:
		return i.areaDevices("cover", req, 10)
	case intent.MediaControl:
		return i.areaDevices("media_player", req, 5)
	case intent.ClimateControl:
		return limit(i.mirror.GetByDomain("climate"), 10)
	case intent.LockControl:
		return limit(i.securityEntities(), 10)
	case intent.LocationQuery:
		return limit(i.mirror.GetByDomain("person"), 6)
	case intent.WeatherQuery:
		return limit(i.mirror.GetByDomain("weather"), 1)
	case intent.TimerSet, intent.TimerQuery, intent.TimerCancel, intent.TimeQuery:
		return nil
	default:
		// Minimal context: who is home.
		return limit(i.mirror.GetByDomain("person"), 2)
	}
}

// areaDevices picks domain entities from the mentioned areas, else the
// speaker's area, else the most recently active in the domain.
func (i *Injector) areaDevices(domain string, req Request, max int) []mirror.Entity {
	for _, area := range req.Areas {
		if got := i.mirror.GetByDomainAndArea(domain, area); len(got) > 0 {
			return limit(got, max)
		}
	}
	if req.SpeakerArea != "" {
		if got := i.mirror.GetByDomainAndArea(domain, req.SpeakerArea); len(got) > 0 {
			return limit(got, max)
		}
	}
	all := i.mirror.GetByDomain(domain)
	sort.Slice(all, func(a, b int) bool {
		if !all[a].ChangedAt.Equal(all[b].ChangedAt) {
			return all[a].ChangedAt.After(all[b].ChangedAt)
		}
		return all[a].ID < all[b].ID
	})
	return limit(all, max)
}

// securityEntities is every lock plus door and window sensors.
func (i *Injector) securityEntities() []mirror.Entity {
	out := i.mirror.GetByDomain("lock")
	for _, e := range i.mirror.GetByDomain("binary_sensor") {
		if e.DeviceClass == "door" || e.DeviceClass == "window" {
			out = append(out, e)
		}
	}
	return out
}

// limit trims the list to max, dropping cameras first regardless of strategy.
func limit(list []mirror.Entity, max int) []mirror.Entity {
	kept := list[:0:0]
	for _, e := range list {
		if e.Domain == "camera" {
			continue
		}
		kept = append(kept, e)
	}
	if len(kept) > max {
		kept = kept[:max]
	}
	return kept
}
