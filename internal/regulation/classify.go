package regulation

import "strings"

// KeywordRule assigns RTypeID when Keyword occurs in a title.
type KeywordRule struct {
	Keyword string `mapstructure:"keyword"`
	RTypeID int64  `mapstructure:"rtype_id"`
}

// DefaultRTypeID is used when no keyword matches.
const DefaultRTypeID = 14

// DefaultKeywordRules is the built-in classification table.
func DefaultKeywordRules() []KeywordRule {
	return []KeywordRule{
		{Keyword: "resolución", RTypeID: 15},
		{Keyword: "resolucion", RTypeID: 15},
		{Keyword: "decreto", RTypeID: 14},
	}
}

// Classifier maps titles onto regulation type ids. Rules are checked in order.
type Classifier struct {
	rules    []KeywordRule
	fallback int64
}

// NewClassifier builds a Classifier; an empty rule list uses the defaults and a
// non-positive fallback uses DefaultRTypeID.
func NewClassifier(rules []KeywordRule, fallback int64) *Classifier {
	if len(rules) == 0 {
		rules = DefaultKeywordRules()
	}
	if fallback <= 0 {
		fallback = DefaultRTypeID
	}
	normalized := make([]KeywordRule, 0, len(rules))
	for _, r := range rules {
		kw := strings.ToLower(strings.TrimSpace(r.Keyword))
		if kw == "" {
			continue
		}
		normalized = append(normalized, KeywordRule{Keyword: kw, RTypeID: r.RTypeID})
	}
	return &Classifier{rules: normalized, fallback: fallback}
}

// RTypeID returns the id of the first rule whose keyword appears in title.
func (c *Classifier) RTypeID(title string) int64 {
	lower := strings.ToLower(title)
	for _, r := range c.rules {
		if strings.Contains(lower, r.Keyword) {
			return r.RTypeID
		}
	}
	return c.fallback
}
