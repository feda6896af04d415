package orchestrator

import "strings"

// UncertaintyClassifier decides whether a text-only model response is
// asking for user input rather than delivering an answer. Pluggable so
// the heuristic can change without touching the loop.
type UncertaintyClassifier interface {
	Uncertain(text string) bool
}

// MarkerClassifier matches a fixed set of hedging phrases.
type MarkerClassifier struct {
	markers []string
}

// NewMarkerClassifier returns the default classifier.
func NewMarkerClassifier() *MarkerClassifier {
	return &MarkerClassifier{markers: []string{
		"i'm not sure",
		"im not sure",
		"i am not sure",
		"should i proceed",
		"should i continue",
		"do you want me to",
		"would you like me to",
		"please confirm",
		"need clarification",
		"can you clarify",
		"which option",
		"before i continue",
	}}
}

// Uncertain reports whether text contains any marker phrase.
func (c *MarkerClassifier) Uncertain(text string) bool {
	lower := strings.ToLower(text)
	for _, m := range c.markers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}
