package proposal

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"
)

// Outcome says how an answer was turned into a Suggestion.
type Outcome int

const (
	// Parsed means the whole answer was a JSON suggestion.
	Parsed Outcome = iota
	// Extracted means a trailing JSON block was cut out of free text.
	Extracted
	// Fallback means no usable JSON was found.
	Fallback
)

func (o Outcome) String() string {
	switch o {
	case Parsed:
		return "parsed"
	case Extracted:
		return "extracted"
	default:
		return "fallback"
	}
}

// ParseResult is the result of lenient parsing.
// Reason is set only for Fallback.
type ParseResult struct {
	Outcome    Outcome
	Suggestion Suggestion
	Reason     string
}

// NonJSONReason is the fallback summary for answers without JSON.
const NonJSONReason = "AI returned non-JSON"

var (
	trailingObject = regexp.MustCompile(`(?s)\{.*\}$`)
	trailingFence  = regexp.MustCompile("(?s)\\s*```\\s*$")
)

// Parse turns a free-form answer into a Suggestion. It tries, in order, a
// direct decode, extraction of the brace-delimited block that ends the
// answer, and finally the NoChange fallback.
func Parse(answer string) ParseResult {
	if s, ok := decode(answer); ok {
		return ParseResult{Outcome: Parsed, Suggestion: s}
	}

	text := strings.TrimSpace(answer)
	text = trailingFence.ReplaceAllString(text, "")
	if block := trailingObject.FindString(text); block != "" {
		if s, ok := decode(block); ok {
			return ParseResult{Outcome: Extracted, Suggestion: s}
		}
	}

	return ParseResult{Outcome: Fallback, Suggestion: NoChange(NonJSONReason), Reason: NonJSONReason}
}

func decode(text string) (Suggestion, bool) {
	trimmed := bytes.TrimSpace([]byte(text))
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Suggestion{}, false
	}

	var s Suggestion
	if err := json.Unmarshal(trimmed, &s); err != nil {
		return Suggestion{}, false
	}
	if s.Diffs == nil {
		s.Diffs = []FileDiff{}
	}
	return s, true
}
