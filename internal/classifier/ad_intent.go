package classifier

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/tbourn/coach-intake/internal/domain"
	"github.com/tbourn/coach-intake/internal/funnel"
	"github.com/tbourn/coach-intake/internal/llm"
	"github.com/tbourn/coach-intake/internal/sysutil"
)

// ErrUnparseableJudgment is the degraded cause when the model answered with
// something that is not a judgment object.
var ErrUnparseableJudgment = errors.New("model judgment unparseable")

// Fusion constants.
const (
	firstContactBoost  = 15
	paidLeadBoost      = 20
	heuristicCap       = 100
	modelFloorAt       = 0.65
	modelFloor         = 70
	activeFunnelFloor  = 90
	firstContactWords  = 12
	earlyConversation  = 2
	defaultAdScenario  = "general_ad"
	leadScenarioMarker = "challenge"
)

type cue struct {
	phrase   string
	weight   int
	scenario string
}

// adCues are matched on word boundaries against lower-cased, hyphen-free
// text. Scenario-bearing cues are listed before generic ones.
var adCues = []cue{
	{"plant based", 25, "plant_based_challenge"},
	{"vegan", 20, "plant_based_challenge"},
	{"summer shred", 30, "summer_shred_challenge"},
	{"shred", 20, "summer_shred_challenge"},
	{"28 day", 20, "28_day_challenge"},
	{"saw your ad", 40, ""},
	{"your ad", 30, ""},
	{"saw your post", 30, ""},
	{"challenge", 35, ""},
	{"interested", 25, ""},
	{"sign me up", 35, ""},
	{"sign up", 30, ""},
	{"count me in", 30, ""},
	{"how do i join", 35, ""},
	{"join", 15, ""},
	{"offer", 20, ""},
	{"spots", 15, ""},
	{"spot", 15, ""},
	{"how much", 15, ""},
	{"price", 15, ""},
	{"more info", 20, ""},
	{"free", 10, ""},
}

// AdIntentDetector recognises replies to paid ads and challenge offers. It
// fuses keyword heuristics with an optional model judgment.
type AdIntentDetector struct {
	Model llm.Generator // nil disables the model judgment
}

// NewAdIntentDetector returns an ad-intent detector. model may be nil.
func NewAdIntentDetector(model llm.Generator) *AdIntentDetector {
	return &AdIntentDetector{Model: model}
}

// Name implements Detector.
func (d *AdIntentDetector) Name() string { return AdIntent }

// Detect implements Detector.
func (d *AdIntentDetector) Detect(ctx context.Context, text string, md Metadata) Result {
	h, scenario, hits := adHeuristic(text, md)
	res := Result{
		DetectorName: AdIntent,
		Payload:      map[string]string{"heuristic": strconv.Itoa(h)},
	}
	if len(hits) > 0 {
		res.Payload["keywords"] = strings.Join(hits, ",")
	}

	// A participant mid-funnel keeps talking to the funnel; no model call.
	if inActiveFunnel(md) {
		res.Matched = true
		res.Confidence = max(h, activeFunnelFloor)
		res.ScenarioTag = sysutil.FirstNonEmpty(md.FunnelScenario, scenario, defaultAdScenario)
		res.Payload["reason"] = "active_funnel"
		return res
	}

	fused := h
	var j Judgment
	modelOK := false
	if d.Model != nil {
		raw, err := d.Model.GenerateText(ctx, judgmentPrompt(text, md))
		switch {
		case err != nil:
			res.DegradedCause = fmt.Errorf("ad intent judgment: %w", err)
		default:
			if j, modelOK = ParseJudgment(raw); !modelOK {
				res.DegradedCause = ErrUnparseableJudgment
			}
		}
	}
	if modelOK {
		fused = Fuse(h, j)
		res.Payload["model_confidence"] = strconv.FormatFloat(j.Confidence, 'f', 2, 64)
		res.Payload["model_match"] = strconv.FormatBool(j.IsAdResponse)
		if len(j.Cues) > 0 {
			res.Payload["cues"] = strings.Join(j.Cues, ",")
		}
	}

	res.Confidence = fused
	res.Matched = fused > 0
	res.ScenarioTag = sysutil.FirstNonEmpty(scenario, modelScenario(j, modelOK), defaultAdScenario)
	return res
}

// Fuse combines a heuristic confidence with a model judgment:
// max(heuristic, model*100), raised to at least 70 when the model reports a
// match at confidence >= 0.65.
func Fuse(heuristic int, j Judgment) int {
	fused := max(heuristic, j.AdProbability())
	if j.IsAdResponse && j.Confidence >= modelFloorAt && fused < modelFloor {
		fused = modelFloor
	}
	return clamp(fused, 0, 100)
}

// adHeuristic scores text and returns the scenario implied by keywords or
// lead source, plus the matched phrases.
func adHeuristic(text string, md Metadata) (score int, scenario string, hits []string) {
	norm := normalizeText(text)
	for _, c := range adCues {
		if !containsPhrase(norm, c.phrase) {
			continue
		}
		score += c.weight
		hits = append(hits, c.phrase)
		if scenario == "" && c.scenario != "" {
			scenario = c.scenario
		}
	}
	if scenario == "" {
		scenario = scenarioFromLead(md.LeadSource)
	}

	words := len(strings.Fields(norm))
	if score > 0 && md.ConversationLength == 0 && words <= firstContactWords {
		score += firstContactBoost
	}
	if isPaidLead(md.LeadSource) && md.ConversationLength <= earlyConversation {
		score += paidLeadBoost
	}
	return clamp(score, 0, heuristicCap), scenario, hits
}

func modelScenario(j Judgment, ok bool) string {
	if !ok {
		return ""
	}
	if j.Scenario != "" {
		return j.Scenario
	}
	for _, c := range j.Cues {
		norm := normalizeText(c)
		for _, k := range adCues {
			if k.scenario != "" && containsPhrase(norm, k.phrase) {
				return k.scenario
			}
		}
	}
	return ""
}

func inActiveFunnel(md Metadata) bool {
	if md.FunnelKind != domain.FunnelAdResponse {
		return false
	}
	st, ok := funnel.Parse(md.FunnelStage)
	return ok && st != funnel.Completed
}

// isPaidLead reports whether the lead source names a paid channel, e.g.
// "paid_plant_based_challenge" or "facebook-ads".
func isPaidLead(lead string) bool {
	for _, tok := range strings.FieldsFunc(strings.ToLower(lead), isLeadSep) {
		switch tok {
		case "paid", "ad", "ads", "sponsored", "fb", "facebook", "instagram", "meta":
			return true
		}
	}
	return false
}

// scenarioFromLead derives "plant_based_challenge" from
// "paid_plant_based_challenge".
func scenarioFromLead(lead string) string {
	lead = strings.ToLower(strings.TrimSpace(lead))
	if !strings.Contains(lead, leadScenarioMarker) {
		return ""
	}
	toks := strings.FieldsFunc(lead, isLeadSep)
	out := toks[:0]
	for _, t := range toks {
		switch t {
		case "paid", "organic", "ad", "ads", "fb", "facebook", "instagram", "meta", "sponsored":
			continue
		}
		out = append(out, t)
	}
	return strings.Join(out, "_")
}

func isLeadSep(r rune) bool { return r == '_' || r == '-' || r == ' ' || r == '/' }
