// Package alert classifies messages by severity and renders them into the
// text payload handed to the dispatcher.
package alert

import (
	"strings"
	"sync/atomic"
)

// Tier is the severity of an alert. Higher is more urgent.
type Tier int

const (
	Informational Tier = iota
	Moderate
	Critical
)

func (t Tier) String() string {
	switch t {
	case Critical:
		return "critical"
	case Moderate:
		return "moderate"
	default:
		return "informational"
	}
}

// Icon is the emoji prefix used in rendered alerts.
func (t Tier) Icon() string {
	switch t {
	case Critical:
		return "🚨"
	case Moderate:
		return "⚠️"
	default:
		return "ℹ️"
	}
}

// Default keyword sets, matched as case-insensitive substrings of the subject.
var (
	DefaultCritical = []string{"urgente", "crítico", "critico", "emergência", "emergencia", "urgent", "critical", "emergency"}
	DefaultModerate = []string{"importante", "atenção", "atencao", "important", "warning"}
)

type keywords struct {
	critical []string
	moderate []string
}

// Classifier maps a subject to a Tier. Keywords can be swapped at runtime.
type Classifier struct {
	kw atomic.Pointer[keywords]
}

// NewClassifier builds a classifier; empty lists use the defaults.
func NewClassifier(critical, moderate []string) *Classifier {
	c := &Classifier{}
	c.SetKeywords(critical, moderate)
	return c
}

func (c *Classifier) SetKeywords(critical, moderate []string) {
	if len(critical) == 0 {
		critical = DefaultCritical
	}
	if len(moderate) == 0 {
		moderate = DefaultModerate
	}
	c.kw.Store(&keywords{critical: normalize(critical), moderate: normalize(moderate)})
}

func normalize(in []string) []string {
	out := make([]string, 0, len(in))
	for _, k := range in {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			out = append(out, k)
		}
	}
	return out
}

// Classify checks the critical set first, then the moderate set. A subject
// matching both is Critical regardless of where the words appear.
func (c *Classifier) Classify(subject string) Tier {
	kw := c.kw.Load()
	s := strings.ToLower(subject)
	if containsAny(s, kw.critical) {
		return Critical
	}
	if containsAny(s, kw.moderate) {
		return Moderate
	}
	return Informational
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
