package classifier

import (
	"context"
	"strconv"
	"strings"
)

const (
	formVideoBoost = 40
	formCap        = 95
)

var formCues = []cue{
	{"form check", 50, ""},
	{"check my form", 50, ""},
	{"my form", 30, ""},
	{"technique", 25, ""},
	{"video", 15, ""},
	{"clip", 10, ""},
	{"rep", 10, ""},
	{"reps", 10, ""},
	{"set", 5, ""},
}

// exercises are reported in the payload; the first match wins.
var exercises = []string{
	"romanian deadlift", "deadlift", "back squat", "front squat", "squat",
	"bench press", "overhead press", "hip thrust", "pull up", "push up",
	"lunge", "row",
}

// FormCheckDetector recognises exercise-video submissions asking for
// technique feedback.
type FormCheckDetector struct{}

// NewFormCheckDetector returns a form-check detector.
func NewFormCheckDetector() *FormCheckDetector { return &FormCheckDetector{} }

// Name implements Detector.
func (*FormCheckDetector) Name() string { return FormCheck }

// Detect implements Detector.
func (*FormCheckDetector) Detect(_ context.Context, text string, md Metadata) Result {
	norm := normalizeText(text)
	score := 0
	var hits []string
	for _, c := range formCues {
		if containsPhrase(norm, c.phrase) {
			score += c.weight
			hits = append(hits, c.phrase)
		}
	}

	payload := map[string]string{}
	for _, ex := range exercises {
		if containsPhrase(norm, ex) || containsPhrase(norm, ex+"s") {
			payload["exercise"] = strings.ReplaceAll(ex, " ", "_")
			score += 15
			break
		}
	}
	if md.HasMedia && md.MediaKind == "video" {
		payload["media"] = "video"
		score += formVideoBoost
	}
	if len(hits) > 0 {
		payload["keywords"] = strings.Join(hits, ",")
	}
	score = clamp(score, 0, formCap)
	payload["heuristic"] = strconv.Itoa(score)

	return Result{
		DetectorName: FormCheck,
		Matched:      score > 0,
		Confidence:   score,
		ScenarioTag:  FormCheck,
		Payload:      payload,
	}
}
