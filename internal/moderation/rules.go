package moderation

import (
	"regexp"
	"strings"
)

// Default keyword sets. WithProfanity and WithHateSpeech add terms.
var defaultProfanity = []string{
	"fuck", "fucking", "shit", "bullshit", "bitch", "bastard", "asshole", "dickhead", "motherfucker", "cunt",
}

var defaultHateSpeech = []string{
	"subhuman", "untermensch", "ethnic cleansing", "white power", "sieg heil",
	"gas the", "kill all", "go back to your country", "inferior race",
}

// piiPattern is one personal-data detector.
type piiPattern struct {
	name string
	re   *regexp.Regexp
}

var defaultPII = []piiPattern{
	{name: "ssn", re: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{name: "card_number", re: regexp.MustCompile(`\b\d{4}[ -]?\d{4}[ -]?\d{4}[ -]?\d{4}\b`)},
	{name: "email", re: regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)},
}

var wordPattern = regexp.MustCompile(`[a-z0-9']+`)

// keywordSet matches single words by token and multi-word phrases on token
// boundaries, so "skill all" never matches "kill all".
type keywordSet struct {
	words   map[string]struct{}
	phrases []string // token sequences joined by single spaces
}

func newKeywordSet(terms []string) keywordSet {
	ks := keywordSet{words: make(map[string]struct{})}
	for _, t := range terms {
		tokens := wordPattern.FindAllString(strings.ToLower(t), -1)
		switch len(tokens) {
		case 0:
		case 1:
			ks.words[tokens[0]] = struct{}{}
		default:
			ks.phrases = append(ks.phrases, strings.Join(tokens, " "))
		}
	}
	return ks
}

// match returns the terms found in the token stream, words in order of first
// appearance followed by phrases.
func (ks keywordSet) match(tokens []string) []string {
	var found []string
	seen := make(map[string]struct{})
	for _, tok := range tokens {
		if _, ok := ks.words[tok]; !ok {
			continue
		}
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}
		found = append(found, tok)
	}
	if len(ks.phrases) == 0 {
		return found
	}
	padded := " " + strings.Join(tokens, " ") + " "
	for _, p := range ks.phrases {
		if strings.Contains(padded, " "+p+" ") {
			found = append(found, p)
		}
	}
	return found
}

// tokenize lowercases text and splits it into words.
func tokenize(text string) []string {
	return wordPattern.FindAllString(strings.ToLower(text), -1)
}
