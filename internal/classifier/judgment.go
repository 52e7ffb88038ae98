package classifier

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// Judgment is the structured verdict requested from the model.
type Judgment struct {
	IsAdResponse bool     `json:"is_ad_response"`
	Confidence   float64  `json:"confidence"` // 0..1
	Cues         []string `json:"cues"`
	Scenario     string   `json:"scenario"`
}

// ParseJudgment extracts a Judgment from raw model output. Models often wrap
// JSON in prose or code fences, so the outermost {...} span is decoded. The
// boolean is false when no usable object is present.
func ParseJudgment(raw string) (Judgment, bool) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return Judgment{}, false
	}
	var j Judgment
	if err := json.Unmarshal([]byte(raw[start:end+1]), &j); err != nil {
		return Judgment{}, false
	}
	if math.IsNaN(j.Confidence) {
		return Judgment{}, false
	}
	j.Confidence = math.Max(0, math.Min(1, j.Confidence))
	j.Scenario = normalizeTag(j.Scenario)
	return j, true
}

// AdProbability is the model's ad confidence, 0..100. A negative verdict
// contributes nothing.
func (j Judgment) AdProbability() int {
	if !j.IsAdResponse {
		return 0
	}
	return int(math.Round(j.Confidence * 100))
}

// judgmentPrompt is the constrained classification prompt.
func judgmentPrompt(text string, md Metadata) string {
	lead := md.LeadSource
	if lead == "" {
		lead = "unknown"
	}
	return fmt.Sprintf(`You classify inbound messages for an online fitness coach.
Decide whether the message is a reply to one of the coach's paid ads or challenge offers
(e.g. "interested in the challenge", "saw your ad", "how do I join").

Lead source: %s
Prior messages from this user: %d

Message:
"""%s"""

Answer with JSON only, no prose:
{"is_ad_response": true|false, "confidence": 0.0-1.0, "cues": ["short phrases that drove the decision"], "scenario": "snake_case offer name or empty"}`,
		lead, md.ConversationLength, text)
}

func normalizeTag(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer(" ", "_", "-", "_").Replace(s)
	return s
}
