// Package classifier decides which downstream handler owns a flushed turn.
//
// A Cascade holds detectors in explicit priority order. Every detector scores
// the turn; the first one (by priority, never by magnitude) whose confidence
// reaches its threshold wins. When none does, the fallback detector's result
// is returned, so Classify always yields exactly one winner.
package classifier

import (
	"context"
	"fmt"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/tbourn/coach-intake/internal/config"
	"github.com/tbourn/coach-intake/internal/llm"
)

// Detector names.
const (
	AdIntent     = "ad_intent"
	NutritionLog = "nutrition_log"
	FormCheck    = "form_check"
	GeneralChat  = "general_chat"
)

// Metadata is the lightweight user context available to detectors.
type Metadata struct {
	ConversationLength int    // user turns recorded before this one
	LeadSource         string // acquisition channel, e.g. "paid_plant_based_challenge"
	FunnelKind         string
	FunnelStage        string
	FunnelScenario     string
	HasMedia           bool
	MediaKind          string // "image", "video" or "" when unknown
}

// Result is one detector's verdict on a turn.
type Result struct {
	DetectorName string
	Matched      bool
	Confidence   int // 0..100
	ScenarioTag  string
	Payload      map[string]string

	// DegradedCause is set when a model judgment was wanted but unusable and
	// the result fell back to heuristics alone.
	DegradedCause error
}

// Detector scores a turn. Implementations must be safe for concurrent use and
// must not fail: degraded inputs lower confidence instead.
type Detector interface {
	Name() string
	Detect(ctx context.Context, text string, md Metadata) Result
}

// Rule pairs a detector with the confidence it must reach to win.
type Rule struct {
	Detector  Detector
	Threshold int
}

var (
	decisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classifier_decisions_total",
			Help: "Winning detector per classified turn.",
		},
		[]string{"detector"},
	)
	degraded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classifier_degraded_total",
			Help: "Detector runs that fell back to heuristic-only confidence.",
		},
		[]string{"detector"},
	)
)

func init() {
	prometheus.MustRegister(decisions, degraded)
}

// Cascade applies rules in priority order.
type Cascade struct {
	rules    []Rule
	fallback Detector
}

// NewCascade builds a cascade. rules are evaluated in the order given;
// fallback is used when no rule reaches its threshold.
func NewCascade(fallback Detector, rules ...Rule) *Cascade {
	if fallback == nil {
		fallback = NewGeneralChatDetector()
	}
	return &Cascade{rules: append([]Rule(nil), rules...), fallback: fallback}
}

// Decision is the outcome of Classify: the winner plus every detector's
// result in priority order for logging.
type Decision struct {
	Winner Result
	All    []Result
}

// Degraded returns the results that fell back to heuristics.
func (d Decision) Degraded() []Result {
	var out []Result
	for _, r := range d.All {
		if r.DegradedCause != nil {
			out = append(out, r)
		}
	}
	return out
}

// Classify runs every detector concurrently and picks the winner in priority
// order.
func (c *Cascade) Classify(ctx context.Context, text string, md Metadata) Decision {
	tr := otel.Tracer("classifier/Cascade")
	ctx, span := tr.Start(ctx, "Classify",
		trace.WithAttributes(
			attribute.Int("conversation.length", md.ConversationLength),
			attribute.String("lead.source", md.LeadSource),
		),
	)
	defer span.End()

	results := make([]Result, len(c.rules))
	g, gctx := errgroup.WithContext(ctx)
	for i, r := range c.rules {
		g.Go(func() error {
			results[i] = safeDetect(gctx, r.Detector, text, md)
			return nil
		})
	}
	_ = g.Wait()

	for _, res := range results {
		if res.DegradedCause != nil {
			degraded.WithLabelValues(res.DetectorName).Inc()
		}
	}

	winner, found := pick(c.rules, results)
	if !found {
		winner = c.fallback.Detect(ctx, text, md)
		winner.DetectorName = c.fallback.Name()
		winner.Matched = true
	}
	decisions.WithLabelValues(winner.DetectorName).Inc()
	span.SetAttributes(
		attribute.String("classifier.winner", winner.DetectorName),
		attribute.String("classifier.confidence", strconv.Itoa(winner.Confidence)),
	)
	return Decision{Winner: winner, All: results}
}

// safeDetect runs d and turns a panic into an unmatched, degraded result.
func safeDetect(ctx context.Context, d Detector, text string, md Metadata) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{DegradedCause: fmt.Errorf("detector %s panicked: %v", d.Name(), r)}
		}
		res.DetectorName = d.Name()
	}()
	return d.Detect(ctx, text, md)
}

// pick returns the first result whose detector matched at or above its
// threshold.
func pick(rules []Rule, results []Result) (Result, bool) {
	for i, r := range rules {
		res := results[i]
		if res.Matched && res.Confidence >= r.Threshold {
			return res, true
		}
	}
	return Result{}, false
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Default builds the production cascade: ad-intent, nutrition-log and
// form-check in that priority order, with general chat as the fallback.
func Default(cfg config.ClassifierConfig, model llm.Generator) *Cascade {
	return NewCascade(NewGeneralChatDetector(),
		Rule{Detector: NewAdIntentDetector(model), Threshold: cfg.AdIntentThreshold},
		Rule{Detector: NewNutritionLogDetector(), Threshold: cfg.NutritionThreshold},
		Rule{Detector: NewFormCheckDetector(), Threshold: cfg.FormCheckThreshold},
	)
}
