package lockstore

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Priority indicates how aggressively a lock should surface in retrieval.
type Priority string

const (
	// PriorityAlwaysCheck marks load-bearing rules that should be consulted
	// on every relevant operation.
	PriorityAlwaysCheck Priority = "always_check"
	// PriorityImportant marks records that matter but are not standing rules.
	PriorityImportant Priority = "important"
	// PriorityReference marks plain reference material.
	PriorityReference Priority = "reference"
)

// ValidPriority reports whether p is a known priority value.
func ValidPriority(p Priority) bool {
	switch p {
	case PriorityAlwaysCheck, PriorityImportant, PriorityReference:
		return true
	}
	return false
}

// priorityRule maps trigger terms to a priority. Rules are evaluated in
// order; the first match wins.
type priorityRule struct {
	triggers []string
	result   Priority
}

var priorityRules = []priorityRule{
	{triggers: []string{"always", "never", "must"}, result: PriorityAlwaysCheck},
	{triggers: []string{"critical"}, result: PriorityImportant},
}

// ClassifyPriority derives a priority from content trigger terms.
//
// The classifier is a pure function over a fixed ordered rule table so its
// behavior is testable in isolation.
func ClassifyPriority(content string) Priority {
	lowered := strings.ToLower(content)
	for _, rule := range priorityRules {
		for _, trigger := range rule.triggers {
			if containsWord(lowered, trigger) {
				return rule.result
			}
		}
	}
	return PriorityReference
}

// containsWord matches trigger as a whole word, so "mustard" does not
// classify as a standing rule.
func containsWord(s, word string) bool {
	idx := 0
	for {
		i := strings.Index(s[idx:], word)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(word)
		beforeOK := start == 0 || !isWordByte(s[start-1])
		afterOK := end == len(s) || !isWordByte(s[end])
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
	}
}

func isWordByte(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= '0' && b <= '9') || b == '_'
}

// conceptRule contributes a concept tag when its pattern matches content.
type conceptRule struct {
	pattern *regexp.Regexp
	concept string
}

var conceptRules = []conceptRule{
	{regexp.MustCompile(`(?i)\b(output|write|save|export)s?\b.*\b(to|into|at)\b|\bpath\b|\bdirectory\b|\bfolder\b`), "output_location"},
	{regexp.MustCompile(`(?i)\btest(s|ing)?\b|\bspec(s)?\b|\bcoverage\b|\bassert`), "testing"},
	{regexp.MustCompile(`(?i)\bconfig(uration)?\b|\bsettings?\b|\benv(ironment)?\b`), "configuration"},
	{regexp.MustCompile(`(?i)\bapi\b|\bendpoint\b|\broute\b|\bhttp\b|\brest\b`), "api"},
	{regexp.MustCompile(`(?i)\bdatabase\b|\bsql\b|\bschema\b|\bmigration\b|\bquery\b`), "database"},
	{regexp.MustCompile(`(?i)\bsecurity\b|\bauth(entication|orization)?\b|\btls\b|\bsecret\b|\btoken\b|\bcredential`), "security"},
	{regexp.MustCompile(`(?i)\bperformance\b|\blatency\b|\bcach(e|ing)\b|\bthroughput\b`), "performance"},
	{regexp.MustCompile(`(?i)\berror(s)?\b|\bexception\b|\bretry\b|\bfail(ure|ing)?\b`), "error_handling"},
}

// ExtractConcepts derives the key-concept set from content using the fixed
// concept rule table. Order of the result follows rule order.
func ExtractConcepts(content string) []string {
	var concepts []string
	for _, rule := range conceptRules {
		if rule.pattern.MatchString(content) {
			concepts = append(concepts, rule.concept)
		}
	}
	return concepts
}

// MakePreview returns a bounded truncation of content for cheap display and
// stage-1 scoring.
func MakePreview(content string, limit int) string {
	if limit <= 0 {
		limit = PreviewLimit
	}
	if len(content) <= limit {
		return content
	}
	// The byte cut can land inside a multibyte rune; back up to a rune start
	// so the preview stays valid UTF-8.
	cut := limit
	for cut > 0 && !utf8.RuneStart(content[cut]) {
		cut--
	}
	out := content[:cut]
	// Break on the last whitespace so previews do not end mid-word.
	if i := strings.LastIndexAny(out, " \t\n"); i > limit/2 {
		out = out[:i]
	}
	return out + "..."
}
