package validation

import (
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

const ReasonNoBiologicalContent = "no biological content detected"

// DefaultAcceptWords are body parts and tissue terms that mark a caption as
// medically relevant.
var DefaultAcceptWords = []string{
	"skin", "eye", "eyes", "tongue", "mouth", "lips", "teeth", "nose",
	"hand", "hands", "nail", "nails", "face", "tissue", "body", "finger",
	"fingers", "arm", "leg", "foot", "feet", "ear", "scalp", "hair", "gum",
	"gums", "throat", "palm", "knuckle", "wrist", "elbow", "knee", "ankle",
	"toe", "toes",
}

// DefaultRejectWords mark a caption as showing something other than a body.
var DefaultRejectWords = []string{
	"car", "vehicle", "tool", "equipment", "building", "road", "book",
	"phone", "animal", "cat", "dog", "flower", "plant", "toy", "person",
	"kid", "child", "man", "woman", "object", "product", "table", "chair",
	"wall", "door", "window", "computer", "laptop", "screen", "keyboard",
	"bottle", "cup", "food", "fruit", "vegetable", "tree", "grass", "sky",
	"cloud", "mountain", "water", "ocean", "bird", "fish", "insect",
	"clothing",
}

type Result struct {
	Accepted      bool     `json:"accepted"`
	Caption       string   `json:"caption"`
	MatchedReject []string `json:"matched_reject"`
	MatchedAccept []string `json:"matched_accept"`
	Reason        string   `json:"reason"`
	// Fallback is set when no caption could be produced and the image was
	// let through unchecked.
	Fallback bool `json:"fallback"`
}

type Validator struct {
	accept map[string]struct{}
	reject map[string]struct{}
}

func New() *Validator {
	return NewWithVocabulary(DefaultAcceptWords, DefaultRejectWords)
}

// NewWithVocabulary builds a validator from custom word lists. Empty lists
// fall back to the defaults.
func NewWithVocabulary(accept, reject []string) *Validator {
	if len(accept) == 0 {
		accept = DefaultAcceptWords
	}
	if len(reject) == 0 {
		reject = DefaultRejectWords
	}
	return &Validator{
		accept: toSet(accept),
		reject: toSet(reject),
	}
}

// Validate classifies a caption. Any reject word wins over accept words.
func (v *Validator) Validate(caption string) Result {
	tokens := Tokenize(caption)

	res := Result{
		Caption:       caption,
		MatchedReject: intersect(tokens, v.reject),
		MatchedAccept: intersect(tokens, v.accept),
	}

	switch {
	case len(res.MatchedReject) > 0:
		res.Reason = "non-medical content detected: " + strings.Join(res.MatchedReject, ", ")
	case len(res.MatchedAccept) > 0:
		res.Accepted = true
		res.Reason = "biological content detected: " + strings.Join(res.MatchedAccept, ", ")
	default:
		res.Reason = ReasonNoBiologicalContent
	}
	return res
}

// Tokenize lower-cases text, replaces everything that is not a letter, digit
// or whitespace with a space, and returns the set of remaining words.
func Tokenize(text string) map[string]struct{} {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) || r == '_' {
			return r
		}
		return ' '
	}, strings.ToLower(norm.NFKC.String(text)))

	words := strings.Fields(cleaned)
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

func toSet(words []string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		w = strings.ToLower(strings.TrimSpace(w))
		if w != "" {
			set[w] = struct{}{}
		}
	}
	return set
}

func intersect(tokens, vocab map[string]struct{}) []string {
	out := []string{}
	for w := range tokens {
		if _, ok := vocab[w]; ok {
			out = append(out, w)
		}
	}
	sort.Strings(out)
	return out
}
