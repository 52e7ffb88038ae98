package classifier

import (
	"regexp"
	"strings"
)

var tokenRe = regexp.MustCompile(`[\p{L}\p{N}']+`)

// normalizeText lower-cases text, treats hyphens as spaces and rejoins the
// word tokens with single spaces. The result is padded with one space on each
// side so containsPhrase can match on word boundaries.
func normalizeText(text string) string {
	text = strings.ToLower(strings.ReplaceAll(text, "-", " "))
	toks := tokenRe.FindAllString(text, -1)
	if len(toks) == 0 {
		return " "
	}
	return " " + strings.Join(toks, " ") + " "
}

// containsPhrase reports whether the normalized text holds phrase as whole
// words.
func containsPhrase(norm, phrase string) bool {
	return strings.Contains(norm, " "+phrase+" ")
}
