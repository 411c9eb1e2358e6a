package sandbox

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// Detector order matters: earlier detectors claim their matches first, so
// an API key containing digit runs is tokenized as a key, not a phone
// number. Card numbers are Luhn-checked to keep ordinary 16-digit ids out.
var piiDetectors = []struct {
	label   string
	pattern *regexp.Regexp
	verify  func(string) bool
}{
	{"EMAIL", regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`), nil},
	{"API_KEY", regexp.MustCompile(`\b(?:sk-[A-Za-z0-9\-_]{16,}|ghp_[A-Za-z0-9]{20,}|gho_[A-Za-z0-9]{20,}|xoxb-[A-Za-z0-9\-]{10,}|AKIA[A-Z0-9]{16}|AIza[A-Za-z0-9\-_]{30,})`), nil},
	{"API_KEY", regexp.MustCompile(`Bearer\s+[A-Za-z0-9\-_.~+/]{16,}=*`), nil},
	{"SSN", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), nil},
	{"CARD", regexp.MustCompile(`\b(?:\d[ -]?){13,19}\b`), luhnValid},
	{"PHONE", regexp.MustCompile(`(?:\+|\b)\d{1,3}[ .\-]?\(?\d{2,4}\)?[ .\-]?\d{3,4}[ .\-]?\d{3,4}\b`), nil},
}

// luhnValid reports whether the digit sequence passes the Luhn checksum.
func luhnValid(s string) bool {
	var digits []int
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits = append(digits, int(r-'0'))
		}
	}
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

// Scrubber replaces PII in text with stable tokens and keeps the reverse
// map host-side so real values can be restored on the way back out. The
// same value always maps to the same token within one scrubber, so user
// code can still compare and join on tokenized fields.
type Scrubber struct {
	mu       sync.Mutex
	tokens   map[string]string // value -> token
	reverse  map[string]string // token -> value
	counters map[string]int
}

// NewScrubber creates an empty scrubber.
func NewScrubber() *Scrubber {
	return &Scrubber{
		tokens:   make(map[string]string),
		reverse:  make(map[string]string),
		counters: make(map[string]int),
	}
}

// ScrubValue walks an arbitrary JSON-shaped value and tokenizes PII found
// in its strings. Non-string leaves pass through untouched.
func (s *Scrubber) ScrubValue(v interface{}) interface{} {
	switch val := v.(type) {
	case string:
		return s.ScrubText(val)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = s.ScrubValue(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = s.ScrubValue(item)
		}
		return out
	default:
		return v
	}
}

// ScrubText tokenizes every detected PII span in the text.
func (s *Scrubber) ScrubText(text string) string {
	for _, det := range piiDetectors {
		text = det.pattern.ReplaceAllStringFunc(text, func(match string) string {
			if strings.HasPrefix(match, "[") && strings.HasSuffix(match, "]") {
				return match
			}
			if det.verify != nil && !det.verify(match) {
				return match
			}
			return s.token(det.label, match)
		})
	}
	return text
}

// token returns the stable token for a value, minting one on first sight.
func (s *Scrubber) token(label, value string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tok, ok := s.tokens[value]; ok {
		return tok
	}
	s.counters[label]++
	tok := fmt.Sprintf("[%s_%d]", label, s.counters[label])
	s.tokens[value] = tok
	s.reverse[tok] = value
	return tok
}

// RestoreValue walks a JSON-shaped value and swaps tokens back to their
// original values. Tokens the scrubber never minted are left alone.
func (s *Scrubber) RestoreValue(v interface{}) interface{} {
	switch val := v.(type) {
	case string:
		return s.RestoreText(val)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = s.RestoreValue(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = s.RestoreValue(item)
		}
		return out
	default:
		return v
	}
}

var tokenPattern = regexp.MustCompile(`\[(?:EMAIL|API_KEY|SSN|CARD|PHONE)_\d+\]`)

// RestoreText replaces known tokens in the text with their real values.
func (s *Scrubber) RestoreText(text string) string {
	return tokenPattern.ReplaceAllStringFunc(text, func(tok string) string {
		s.mu.Lock()
		defer s.mu.Unlock()
		if value, ok := s.reverse[tok]; ok {
			return value
		}
		return tok
	})
}

// Count returns how many distinct values were tokenized.
func (s *Scrubber) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}
