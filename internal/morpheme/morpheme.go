// Package morpheme scores how complete a Korean utterance sounds from its
// transcript text alone. It never touches audio or timing — those signals
// are fused in separately by the turn detector.
package morpheme

import (
	"regexp"
	"strings"
)

// Default scores for each rule tier, per the sentence-completion heuristics
// used by the Korean turn detector.
const (
	ScoreEnding     = 0.95
	ScoreContinuing = 0.2
	ScoreDefault    = 0.5

	scoreTagEF           = 0.85
	scoreTagEC           = 0.3
	scoreTagTerminalNoun = 0.4
	scoreTagBareVerb     = 0.3
	scorePunctAfterEF    = 0.9
	scorePunctAfterEC    = 0.35
)

// ending matches final sentence enders, politeness forms, and short
// confirmations/negations — strong evidence the speaker has finished.
var ending = []*regexp.Regexp{
	regexp.MustCompile(`(다|요|까요|네요|어요|아요|습니다|입니다|됩니다)[.?!]?$`),
	regexp.MustCompile(`^(네|예|아니요|아니오|응|어|오케이|알겠습니다|알겠어요)[.?!]?$`),
	regexp.MustCompile(`(감사합니다|고맙습니다|죄송합니다)[.?!]?$`),
}

// continuing matches connective endings and hesitation fillers — evidence
// the speaker intends to keep talking.
var continuing = []*regexp.Regexp{
	regexp.MustCompile(`(그리고|그래서|근데|그런데|하지만|그러면|그러니까)$`),
	regexp.MustCompile(`(은|는|이|가|을|를|도|에|에서|으로|고|면서)$`),
	regexp.MustCompile(`^(음|어|저|그|아|에|그러니까|저기요?)[.,]?$`),
}

// Tagger is an optional morphological tagger consulted when neither rule set
// matches. No tagger ships in this package; callers wire in a Korean
// morphological analyzer (see Design Notes on the optional tagger).
type Tagger interface {
	// LastTokenTag returns the part-of-speech tag of the final morpheme in
	// s, and whether the second-to-last token was EF or EC (used to score
	// trailing punctuation after a sentence-final form).
	LastTokenTag(s string) (tag string, priorEnderEF bool, priorEnderEC bool)
}

// Analyzer scores transcripts for sentence completeness. The zero value is
// usable: it applies only the ENDING/CONTINUING rule sets and the default
// score, with no tagger fallback.
type Analyzer struct {
	tagger Tagger
}

// NewAnalyzer builds an Analyzer. tagger may be nil.
func NewAnalyzer(tagger Tagger) *Analyzer {
	return &Analyzer{tagger: tagger}
}

// Analyze is a pure function of s: ENDING rules are checked first, then
// CONTINUING, then the optional tagger, falling back to ScoreDefault.
// Empty or whitespace-only input scores ScoreDefault.
func (a *Analyzer) Analyze(s string) float64 {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return ScoreDefault
	}

	for _, re := range ending {
		if re.MatchString(trimmed) {
			return ScoreEnding
		}
	}
	for _, re := range continuing {
		if re.MatchString(trimmed) {
			return ScoreContinuing
		}
	}

	if a.tagger == nil {
		return ScoreDefault
	}

	tag, priorEF, priorEC := a.tagger.LastTokenTag(trimmed)
	switch {
	case isPunctuation(tag) && priorEF:
		return scorePunctAfterEF
	case isPunctuation(tag) && priorEC:
		return scorePunctAfterEC
	case tag == "EF":
		return scoreTagEF
	case tag == "EC":
		return scoreTagEC
	case tag == "NNG" || tag == "NNP" || tag == "NP":
		return scoreTagTerminalNoun
	case tag == "VV" || tag == "VA" || tag == "VX":
		return scoreTagBareVerb
	default:
		return ScoreDefault
	}
}

func isPunctuation(tag string) bool {
	return tag == "SF" || tag == "SE" || tag == "SP"
}
