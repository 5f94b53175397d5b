package router

import "strings"

// Language tags the router understands. Patterns carry one of these (or
// empty for language-neutral); request text is classified with cheap
// character and stopword heuristics, never an external service.
const (
	LangEnglish = "en"
	LangGerman  = "de"
	LangFrench  = "fr"
	LangSpanish = "es"
	LangRussian = "ru"
)

var stopwords = map[string][]string{
	LangEnglish: {"the", "and", "please", "can", "you", "what", "how", "list", "show"},
	LangGerman:  {"der", "die", "das", "und", "bitte", "kannst", "zeige", "liste"},
	LangFrench:  {"le", "la", "les", "et", "vous", "pouvez", "montrez", "liste"},
	LangSpanish: {"el", "los", "las", "por", "favor", "puedes", "muestra", "lista"},
}

// DetectLanguage returns the best-guess language tag for already-lowercased
// text. Cyrillic characters decide immediately; otherwise the language with
// the most stopword hits wins, defaulting to English.
func DetectLanguage(text string) string {
	for _, r := range text {
		if r >= 0x0400 && r <= 0x04FF {
			return LangRussian
		}
	}

	words := strings.Fields(text)
	best := LangEnglish
	bestHits := 0
	for _, lang := range []string{LangEnglish, LangGerman, LangFrench, LangSpanish} {
		hits := 0
		for _, w := range words {
			for _, sw := range stopwords[lang] {
				if w == sw {
					hits++
					break
				}
			}
		}
		if hits > bestHits {
			best = lang
			bestHits = hits
		}
	}
	return best
}
