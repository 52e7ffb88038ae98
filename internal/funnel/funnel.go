// Package funnel implements the paid-challenge ad-response funnel as a pure
// state-transition function. It performs no I/O; callers persist the stage.
//
// Stages advance step1 → step2 → step3 → step4 → completed:
//
//	step1      any text                      → step2 (first hop is unconditional)
//	step2      more than MinSubstantialWords → step3, otherwise stays
//	step3      affirmative                   → step4
//	           negative                      → step2
//	           otherwise                       stays
//	step4      negative                      → step2
//	           confirmation                  → completed, otherwise → step2
//	completed  anything                        stays
package funnel

import (
	"regexp"
	"strings"
)

// Stage is a position in the funnel.
type Stage string

const (
	Step1     Stage = "step1"
	Step2     Stage = "step2"
	Step3     Stage = "step3"
	Step4     Stage = "step4"
	Completed Stage = "completed"
)

// Initial is the stage of a brand-new funnel participant.
const Initial = Step1

// MinSubstantialWords is the word count a step2 reply must exceed to advance.
const MinSubstantialWords = 5

// Transition reasons.
const (
	ReasonFirstContact = "first_contact"
	ReasonSubstantial  = "substantial_reply"
	ReasonTooShort     = "reply_too_short"
	ReasonAffirmative  = "affirmative"
	ReasonNegative     = "negative"
	ReasonUndecided    = "undecided"
	ReasonConfirmed    = "confirmed"
	ReasonUnconfirmed  = "unconfirmed"
	ReasonAbsorbing    = "completed"
	ReasonUnknownStage = "unknown_stage"
)

// Transition describes one Advance call for audit logging.
type Transition struct {
	From   Stage  `json:"from"`
	To     Stage  `json:"to"`
	Reason string `json:"reason"`
}

// Changed reports whether the stage moved.
func (t Transition) Changed() bool { return t.From != t.To }

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	switch s {
	case Step1, Step2, Step3, Step4, Completed:
		return true
	}
	return false
}

// Parse converts a persisted stage string. Empty or unknown values yield
// (Initial, false).
func Parse(s string) (Stage, bool) {
	st := Stage(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return Initial, false
	}
	return st, true
}

// Advance returns the next stage for text received while in stage.
// An unknown stage is treated as a fresh participant.
func Advance(stage Stage, text string) (Stage, Transition) {
	next, reason := step(stage, text)
	return next, Transition{From: stage, To: next, Reason: reason}
}

func step(stage Stage, text string) (Stage, string) {
	switch stage {
	case Step1:
		return Step2, ReasonFirstContact
	case Step2:
		if WordCount(text) > MinSubstantialWords {
			return Step3, ReasonSubstantial
		}
		return Step2, ReasonTooShort
	case Step3:
		toks := words(text)
		// Negative takes precedence: "yes but I'm too busy" → step2.
		if hasAny(toks, negative) {
			return Step2, ReasonNegative
		}
		if hasAny(toks, affirmative) {
			return Step4, ReasonAffirmative
		}
		return Step3, ReasonUndecided
	case Step4:
		toks := words(text)
		// "no thanks" carries a confirmation word.
		if hasAny(toks, negative) {
			return Step2, ReasonNegative
		}
		if hasAny(toks, confirmation) {
			return Completed, ReasonConfirmed
		}
		return Step2, ReasonUnconfirmed
	case Completed:
		return Completed, ReasonAbsorbing
	default:
		return Step2, ReasonUnknownStage
	}
}

// keywords holds single words matched against tokens and phrases matched
// against the normalized text.
type keywords struct {
	words   map[string]struct{}
	phrases []string
}

func newKeywords(ws []string, phrases []string) keywords {
	m := make(map[string]struct{}, len(ws))
	for _, w := range ws {
		m[w] = struct{}{}
	}
	return keywords{words: m, phrases: phrases}
}

var (
	affirmative = newKeywords(
		[]string{"yes", "yeah", "yep", "yup", "sure", "definitely", "absolutely", "ok", "okay", "interested", "keen", "deal"},
		[]string{"sounds good", "sounds great", "let's do it", "lets do it", "i'm in", "im in", "count me in", "sign me up", "why not"},
	)
	negative = newKeywords(
		[]string{"no", "nope", "nah", "busy", "later", "can't", "cant", "cannot", "unsubscribe", "stop"},
		[]string{"too busy", "not now", "not interested", "not for me", "maybe later", "no thanks", "don't think", "dont think"},
	)
	confirmation = newKeywords(
		[]string{"booked", "thanks", "thank", "thx", "ty", "scheduled", "confirmed", "done", "perfect"},
		[]string{"see you", "all set", "just booked"},
	)
)

var wordRE = regexp.MustCompile(`[\p{L}\p{N}']+`)

func words(s string) []string {
	return wordRE.FindAllString(strings.ToLower(s), -1)
}

// WordCount counts letter/digit runs, keeping apostrophes inside words.
func WordCount(s string) int {
	return len(words(s))
}

func hasAny(toks []string, kw keywords) bool {
	for _, t := range toks {
		if _, ok := kw.words[t]; ok {
			return true
		}
	}
	low := " " + strings.Join(toks, " ") + " "
	for _, p := range kw.phrases {
		if strings.Contains(low, " "+p+" ") {
			return true
		}
	}
	return false
}
