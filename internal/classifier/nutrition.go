package classifier

import (
	"context"
	"regexp"
	"strconv"
	"strings"
)

const (
	nutritionImageBoost = 40
	nutritionMacroBoost = 20
	nutritionCap        = 95
)

var nutritionCues = []cue{
	{"food log", 40, ""},
	{"meal log", 40, ""},
	{"logged my", 30, ""},
	{"breakfast", 20, ""},
	{"lunch", 20, ""},
	{"dinner", 20, ""},
	{"snack", 15, ""},
	{"ate", 15, ""},
	{"meal", 15, ""},
	{"macros", 25, ""},
	{"calories", 25, ""},
	{"kcal", 25, ""},
	{"protein", 15, ""},
	{"carbs", 15, ""},
	{"fats", 10, ""},
}

var (
	caloriesRe = regexp.MustCompile(`(\d{2,5})\s*(?:kcal|cals?|calories)\b`)
	proteinRe  = regexp.MustCompile(`(\d{1,4})\s*g(?:rams?)?\s*(?:of\s+)?protein\b`)
)

// NutritionLogDetector recognises meal logs and food photos.
type NutritionLogDetector struct{}

// NewNutritionLogDetector returns a nutrition-log detector.
func NewNutritionLogDetector() *NutritionLogDetector { return &NutritionLogDetector{} }

// Name implements Detector.
func (*NutritionLogDetector) Name() string { return NutritionLog }

// Detect implements Detector. Calories and protein grams are extracted into
// the payload when present.
func (*NutritionLogDetector) Detect(_ context.Context, text string, md Metadata) Result {
	norm := normalizeText(text)
	score := 0
	var hits []string
	for _, c := range nutritionCues {
		if containsPhrase(norm, c.phrase) {
			score += c.weight
			hits = append(hits, c.phrase)
		}
	}

	payload := map[string]string{}
	lower := strings.ToLower(text)
	if m := caloriesRe.FindStringSubmatch(lower); m != nil {
		payload["calories"] = m[1]
		score += nutritionMacroBoost
	}
	if m := proteinRe.FindStringSubmatch(lower); m != nil {
		payload["protein_g"] = m[1]
		score += nutritionMacroBoost
	}
	if md.HasMedia && md.MediaKind == "image" {
		payload["media"] = "image"
		if score > 0 {
			score += nutritionImageBoost
		}
	}
	if len(hits) > 0 {
		payload["keywords"] = strings.Join(hits, ",")
	}
	score = clamp(score, 0, nutritionCap)
	payload["heuristic"] = strconv.Itoa(score)

	return Result{
		DetectorName: NutritionLog,
		Matched:      score > 0,
		Confidence:   score,
		ScenarioTag:  NutritionLog,
		Payload:      payload,
	}
}
