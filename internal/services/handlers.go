package services

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/tbourn/coach-intake/internal/classifier"
	"github.com/tbourn/coach-intake/internal/domain"
	"github.com/tbourn/coach-intake/internal/funnel"
	"github.com/tbourn/coach-intake/internal/llm"
	"github.com/tbourn/coach-intake/internal/search"
)

// Prompt types recorded on review entries.
const (
	PromptAdResponse    = "facebook_ad_response"
	PromptNutritionLog  = "nutrition_log_feedback"
	PromptFormCheck     = "form_check_feedback"
	PromptGeneralChat   = "general_chat"
	PromptFallbackReply = "fallback_apology"
)

// FallbackApology is sent when the pipeline could not produce a reply.
const FallbackApology = "Sorry, something went wrong on my side. I've seen your message and will get back to you shortly!"

// Request is what a reply handler receives for one flushed turn.
type Request struct {
	UserID      string
	FirstName   string
	TurnText    string
	ScenarioTag string
	Payload     map[string]string
	FunnelStage string
	History     []domain.HistoryEntry
}

// Reply is a handler's proposed answer.
type Reply struct {
	Text       string
	Prompt     string
	PromptType string
}

// Handler produces a reply for a turn. ok=false means the handler chose to
// stay silent.
type Handler interface {
	Handle(ctx context.Context, req Request) (reply Reply, ok bool, err error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req Request) (Reply, bool, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, req Request) (Reply, bool, error) {
	return f(ctx, req)
}

// DefaultHandlers maps each detector to its reply handler. model may be
// llm.Unavailable, in which case templated replies are used.
func DefaultHandlers(model llm.Generator, faq search.Index, bookingURL string) map[string]Handler {
	return map[string]Handler{
		classifier.AdIntent:     &AdResponseHandler{Model: model, BookingURL: bookingURL},
		classifier.NutritionLog: &NutritionLogHandler{Model: model},
		classifier.FormCheck:    &FormCheckHandler{Model: model},
		classifier.GeneralChat:  &GeneralChatHandler{Model: model, FAQ: faq},
	}
}

// titleCase uses a fresh Caser per call; Casers are stateful.
func titleCase(s string) string {
	return cases.Title(language.English).String(s)
}

// displayName title-cases a first name; "" stays "".
func displayName(name string) string {
	return titleCase(strings.ToLower(strings.TrimSpace(name)))
}

// scenarioTitle turns "plant_based_challenge" into "Plant Based Challenge".
func scenarioTitle(tag string) string {
	if tag == "" {
		return "challenge"
	}
	return titleCase(strings.ReplaceAll(tag, "_", " "))
}

func greeting(name string) string {
	if name == "" {
		return "Hey!"
	}
	return "Hey " + name + "!"
}

// generate asks the model for a reply and falls back to template when the
// model is missing, fails or answers blank.
func generate(ctx context.Context, model llm.Generator, prompt, template string) string {
	if model == nil {
		return template
	}
	out, err := model.GenerateText(ctx, prompt)
	if err != nil {
		return template
	}
	if out = strings.TrimSpace(out); out == "" {
		return template
	}
	return out
}

func transcript(h []domain.HistoryEntry) string {
	if len(h) == 0 {
		return "(no earlier messages)"
	}
	var b strings.Builder
	for _, e := range h {
		who := "Client"
		if e.Direction == domain.DirectionBot {
			who = "Coach"
		}
		fmt.Fprintf(&b, "%s: %s\n", who, e.Text)
	}
	return strings.TrimRight(b.String(), "\n")
}

// AdResponseHandler answers people who replied to a paid ad, walking them
// through the challenge funnel one stage at a time.
type AdResponseHandler struct {
	Model      llm.Generator
	BookingURL string
}

func (h *AdResponseHandler) Handle(ctx context.Context, req Request) (Reply, bool, error) {
	stage, _ := funnel.Parse(req.FunnelStage)
	name := displayName(req.FirstName)
	offer := scenarioTitle(req.ScenarioTag)

	var goal, template string
	switch stage {
	case funnel.Step1, funnel.Step2:
		goal = "welcome them and ask about their main goal and what a typical week looks like"
		template = fmt.Sprintf("%s Thanks for reaching out about the %s. What's your main goal right now, and what does a normal week of training and eating look like for you?", greeting(name), offer)
	case funnel.Step3:
		goal = "connect their goal to the offer and ask if they want the details"
		template = fmt.Sprintf("Love that. The %s is built for exactly that: a plan for your week, daily targets and a weekly check-in with me. Want me to send over the details?", offer)
	case funnel.Step4:
		goal = "share the booking link and ask them to confirm once booked"
		template = "Amazing! Grab a time for your onboarding call here and let me know once you're booked in."
		if h.BookingURL != "" {
			template = fmt.Sprintf("Amazing! Grab a time for your onboarding call here: %s. Let me know once you're booked in.", h.BookingURL)
		}
	default:
		goal = "thank them and confirm next steps"
		template = fmt.Sprintf("You're all set%s! I'll see you on the call. Any questions before then, just message me here.", commaName(name))
	}

	prompt := fmt.Sprintf(`You are an online fitness coach replying on Instagram/Facebook to someone who answered your %s ad.
Funnel stage: %s. Goal of this reply: %s.
Keep it under 60 words, warm, no emojis overload, no hard selling.
Client first name: %s

Conversation so far:
%s

Latest message:
%s`, offer, stage, goal, sysName(name), transcript(req.History), req.TurnText)

	if h.BookingURL != "" {
		prompt += "\n\nBooking link (include only at the booking stage): " + h.BookingURL
	}

	return Reply{
		Text:       generate(ctx, h.Model, prompt, template),
		Prompt:     prompt,
		PromptType: PromptAdResponse,
	}, true, nil
}

func commaName(name string) string {
	if name == "" {
		return ""
	}
	return ", " + name
}

func sysName(name string) string {
	if name == "" {
		return "unknown"
	}
	return name
}

// NutritionLogHandler acknowledges meal logs and food photos.
type NutritionLogHandler struct {
	Model llm.Generator
}

func (h *NutritionLogHandler) Handle(ctx context.Context, req Request) (Reply, bool, error) {
	var facts []string
	if v := req.Payload["calories"]; v != "" {
		facts = append(facts, v+" kcal")
	}
	if v := req.Payload["protein_g"]; v != "" {
		facts = append(facts, v+"g protein")
	}

	template := "Thanks for logging that! Keep them coming, it makes it much easier to dial in your targets."
	if len(facts) > 0 {
		template = fmt.Sprintf("Nice work logging that (%s). Keep protein steady across the day and we'll review the trend at your check-in.", strings.Join(facts, ", "))
	}

	prompt := fmt.Sprintf(`You are an online fitness coach. A client logged a meal.
Extracted numbers: %s
Photo attached: %t
Give one short, encouraging sentence of feedback and one practical tip. Under 50 words.

Client message:
%s`, orNone(strings.Join(facts, ", ")), req.Payload["media"] == "image", req.TurnText)

	return Reply{
		Text:       generate(ctx, h.Model, prompt, template),
		Prompt:     prompt,
		PromptType: PromptNutritionLog,
	}, true, nil
}

// FormCheckHandler answers exercise technique videos. Without a video it asks
// for one.
type FormCheckHandler struct {
	Model llm.Generator
}

func (h *FormCheckHandler) Handle(ctx context.Context, req Request) (Reply, bool, error) {
	exercise := strings.ReplaceAll(req.Payload["exercise"], "_", " ")
	if req.Payload["media"] != "video" {
		text := "Happy to check your form! Film a working set from the side at hip height with your whole body in frame and send it over."
		if exercise != "" {
			text = fmt.Sprintf("Happy to check your %s! Film a working set from the side at hip height with your whole body in frame and send it over.", exercise)
		}
		return Reply{Text: text, PromptType: PromptFormCheck}, true, nil
	}

	template := "Thanks for the video! I'll go through it properly and send you some cues shortly."
	if exercise != "" {
		template = fmt.Sprintf("Thanks for the %s video! I'll go through it properly and send you some cues shortly.", exercise)
	}
	prompt := fmt.Sprintf(`You are an online fitness coach. A client sent a video asking for a form check.
Exercise: %s
Acknowledge the video, say you will review it and ask one question about how the set felt. Under 40 words.

Client message:
%s`, orNone(exercise), req.TurnText)

	return Reply{
		Text:       generate(ctx, h.Model, prompt, template),
		Prompt:     prompt,
		PromptType: PromptFormCheck,
	}, true, nil
}

// GeneralChatHandler answers everything else, grounded on the coaching FAQ.
// Bare acknowledgements get no reply.
type GeneralChatHandler struct {
	Model llm.Generator
	FAQ   search.Index
	TopK  int
}

var acknowledgements = map[string]struct{}{
	"ok": {}, "okay": {}, "k": {}, "kk": {}, "thanks": {}, "thank you": {}, "ty": {},
	"cool": {}, "great": {}, "nice": {}, "got it": {}, "sounds good": {}, "perfect": {},
}

func (h *GeneralChatHandler) Handle(ctx context.Context, req Request) (Reply, bool, error) {
	if isAcknowledgement(req.TurnText) {
		return Reply{}, false, nil
	}

	k := h.TopK
	if k <= 0 {
		k = 3
	}
	var hits []search.Result
	if h.FAQ != nil {
		hits = h.FAQ.TopK(req.TurnText, k)
	}

	template := fmt.Sprintf("%s Thanks for the message. I'll get back to you properly shortly.", greeting(displayName(req.FirstName)))
	var grounding strings.Builder
	for i, r := range hits {
		fmt.Fprintf(&grounding, "[%d] (%s) %s\n", i+1, r.Topic, r.Snippet)
	}
	if len(hits) > 0 {
		template = hits[0].Snippet
		if _, answer, found := strings.Cut(hits[0].Snippet, "? "); found {
			template = answer
		}
	}

	prompt := fmt.Sprintf(`You are an online fitness coach answering a client's message.
Use only the FAQ notes below when they are relevant; otherwise reply briefly and say you will follow up.
Under 60 words.

FAQ notes:
%s
Conversation so far:
%s

Latest message:
%s`, orNone(grounding.String()), transcript(req.History), req.TurnText)

	return Reply{
		Text:       generate(ctx, h.Model, prompt, template),
		Prompt:     prompt,
		PromptType: PromptGeneralChat,
	}, true, nil
}

func isAcknowledgement(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	t = strings.TrimRight(t, "!. ")
	if t == "" {
		return true
	}
	if _, ok := acknowledgements[t]; ok {
		return true
	}
	// Emoji or punctuation only.
	for _, r := range t {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "none"
	}
	return s
}
