// Package sentiment decides which comments are negative events and derives
// the score and fingerprint submitted with them. It is a keyword heuristic.
package sentiment

import (
	"fmt"
	"math"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Status is the sentiment class of a text.
type Status int

const (
	Negative Status = 1
	Neutral  Status = 2
	Positive Status = 3
)

func (s Status) String() string {
	switch s {
	case Negative:
		return "negative"
	case Positive:
		return "positive"
	default:
		return "neutral"
	}
}

var (
	negativeWords = []string{
		"bad", "terrible", "awful", "horrible", "worst", "disgusting",
		"rude", "cold", "stale", "overpriced", "slow", "dirty",
		"unacceptable", "tasteless", "inedible", "disappointing",
		"poor", "mediocre", "gross", "nasty", "hate", "angry",
		"complaint", "never again", "waste", "burnt", "raw",
		"food poisoning", "sick", "unhygienic", "cockroach", "fly",
	}
	positiveWords = []string{
		"good", "great", "excellent", "amazing", "wonderful", "fantastic",
		"delicious", "fresh", "friendly", "perfect", "love", "best",
		"outstanding", "superb", "recommend", "beautiful", "cozy",
		"elegant", "exquisite", "refined", "impeccable", "divine",
		"scrumptious", "heavenly", "brilliant", "stellar", "lovely",
		"charming", "pleasant", "attentive", "exceptional", "top-notch",
	}

	// The score uses a narrower vocabulary than the classifier.
	scoreNegativeWords = []string{
		"bad", "terrible", "awful", "horrible", "worst", "disgusting",
		"rude", "cold", "stale", "overpriced", "slow", "dirty",
		"hate", "angry", "complaint", "waste",
	}
	scorePositiveWords = []string{
		"good", "great", "excellent", "amazing", "wonderful", "fantastic",
		"delicious", "fresh", "friendly", "perfect", "love", "best",
		"recommend", "beautiful",
	}
)

func countMatches(text string, words []string) int {
	n := 0
	for _, w := range words {
		if strings.Contains(text, w) {
			n++
		}
	}
	return n
}

// Analyze classifies text by comparing negative and positive keyword hits.
func Analyze(text string) Status {
	lower := strings.ToLower(text)
	neg := countMatches(lower, negativeWords)
	pos := countMatches(lower, positiveWords)
	switch {
	case neg > pos:
		return Negative
	case pos > neg:
		return Positive
	default:
		return Neutral
	}
}

// Score maps keyword density to 0..100: 50 is neutral, lower is more
// negative.
func Score(text string) uint32 {
	lower := strings.ToLower(text)
	words := len(strings.Fields(lower))
	if words == 0 {
		words = 1
	}

	neg := float64(countMatches(lower, scoreNegativeWords))
	pos := float64(countMatches(lower, scorePositiveWords))
	ratio := (pos - neg) / float64(words)

	score := math.Max(0, math.Min(100, 50+ratio*100))
	return uint32(score)
}

// Fingerprint is a short non-cryptographic digest of content used for later
// spot checks against the comment store.
func Fingerprint(content string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(content))
}
