package iteration

import (
	"regexp"
	"strconv"
	"sync"
)

const number = `(-?\d+(?:\.\d+)?)`

// patternSet holds the compiled patterns for one field name.
type patternSet struct {
	arrow     *regexp.Regexp
	verbFirst *regexp.Regexp
	fieldVerb *regexp.Regexp
}

// Extractor pulls "<field> ... <old> -> <new>" style updates out of free text.
// Compiled patterns are cached per field name.
type Extractor struct {
	mu    sync.RWMutex
	cache map[string]*patternSet
}

// NewExtractor creates an extractor with an empty pattern cache.
func NewExtractor() *Extractor {
	return &Extractor{cache: make(map[string]*patternSet)}
}

func (e *Extractor) patterns(field string) *patternSet {
	e.mu.RLock()
	ps, ok := e.cache[field]
	e.mu.RUnlock()
	if ok {
		return ps
	}

	f := regexp.QuoteMeta(field)
	verbs := `(?:set|adjust(?:ed)?|increase[sd]?|decrease[sd]?|raise[sd]?|lower(?:ed)?|change[sd]?|reduce[sd]?)`
	ps = &patternSet{
		// "Al: 30 -> 32", "Ti from 25% to 27%", "N 45 → 43 at%"
		arrow: regexp.MustCompile(`(?i)\b` + f + `\b[^0-9\n]{0,40}?` + number +
			`[^0-9\n]{0,20}?(?:→|->|=>|⇒|\bto\b)[^0-9\n]{0,10}?` + number),
		// "raise Ti to 27"
		verbFirst: regexp.MustCompile(`(?i)\b` + verbs + `\b[^0-9\n]{0,15}?\b` + f +
			`\b[^0-9\n]{0,20}?\bto\b[^0-9\n]{0,10}?` + number),
		// "Ti should be increased to 27"
		fieldVerb: regexp.MustCompile(`(?i)\b` + f + `\b[^0-9\n]{0,30}?\b` + verbs +
			`\b[^0-9\n]{0,20}?\bto\b[^0-9\n]{0,10}?` + number),
	}

	e.mu.Lock()
	e.cache[field] = ps
	e.mu.Unlock()
	return ps
}

// Extract returns the new value found for each field. Fields without a match
// are absent from the result; a miss is never an error.
func (e *Extractor) Extract(text string, fields []string) map[string]float64 {
	out := make(map[string]float64)
	if text == "" {
		return out
	}
	for _, field := range fields {
		if field == "" {
			continue
		}
		ps := e.patterns(field)
		if m := ps.arrow.FindStringSubmatch(text); m != nil {
			if v, err := strconv.ParseFloat(m[2], 64); err == nil {
				out[field] = v
				continue
			}
		}
		for _, re := range []*regexp.Regexp{ps.verbFirst, ps.fieldVerb} {
			if m := re.FindStringSubmatch(text); m != nil {
				if v, err := strconv.ParseFloat(m[1], 64); err == nil {
					out[field] = v
					break
				}
			}
		}
	}
	return out
}
