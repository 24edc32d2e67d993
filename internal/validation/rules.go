// Package validation applies a declarative, field-keyed ruleset to batches of rows.
package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/ani-regulations/internal/coerce"
)

// DefaultRulesPath is read when no explicit ruleset path is configured.
const DefaultRulesPath = "configs/validation_rules.json"

// Rule is the on-disk shape of one field's validation settings.
type Rule struct {
	Type      string `json:"type" yaml:"type"`
	Regex     string `json:"regex,omitempty" yaml:"regex,omitempty"`
	Required  bool   `json:"required" yaml:"required"`
	MaxLength *int   `json:"max_length,omitempty" yaml:"max_length,omitempty"`
}

// Document is the on-disk ruleset: {"fields": {name: rule}}. Field names are
// matched exactly, case and dots included.
type Document struct {
	Fields map[string]Rule `json:"fields" yaml:"fields"`
}

// FieldRule is a compiled rule for a single field.
type FieldRule struct {
	Field     string
	Kind      coerce.Kind
	HasType   bool
	Regex     *regexp.Regexp
	Required  bool
	MaxLength int
	HasMax    bool
}

// Ruleset is an immutable, compiled set of field rules ordered by field name.
type Ruleset struct {
	fields []FieldRule
}

// Fields returns a copy of the compiled rules.
func (r Ruleset) Fields() []FieldRule {
	return append([]FieldRule(nil), r.fields...)
}

// Required lists the fields whose null value discards a row.
func (r Ruleset) Required() []string {
	var out []string
	for _, f := range r.fields {
		if f.Required {
			out = append(out, f.Field)
		}
	}
	return out
}

// Compile validates the document and builds a Ruleset.
func Compile(doc Document) (Ruleset, error) {
	names := make([]string, 0, len(doc.Fields))
	for name := range doc.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	fields := make([]FieldRule, 0, len(names))
	for _, name := range names {
		rule := doc.Fields[name]
		fr := FieldRule{
			Field:    name,
			Required: rule.Required,
		}
		if rule.Type != "" {
			fr.HasType = true
			fr.Kind = coerce.ParseKind(rule.Type)
		}
		if rule.Regex != "" {
			re, err := regexp.Compile(rule.Regex)
			if err != nil {
				return Ruleset{}, fmt.Errorf("compile regex for %s: %w", name, err)
			}
			fr.Regex = re
		}
		if rule.MaxLength != nil {
			if *rule.MaxLength < 0 {
				return Ruleset{}, fmt.Errorf("max_length for %s must be >= 0", name)
			}
			fr.HasMax = true
			fr.MaxLength = *rule.MaxLength
		}
		fields = append(fields, fr)
	}
	return Ruleset{fields: fields}, nil
}

// MustCompile is like Compile but panics on error. Intended for static rulesets.
func MustCompile(doc Document) Ruleset {
	rs, err := Compile(doc)
	if err != nil {
		panic(err)
	}
	return rs
}

// DefaultDocument returns the built-in regulation ruleset.
func DefaultDocument() Document {
	maxTitle := 65
	return Document{Fields: map[string]Rule{
		"title":             {Type: "string", Regex: `.+`, Required: true, MaxLength: &maxTitle},
		"created_at":        {Type: "date", Regex: `^\d{4}-\d{2}-\d{2}`, Required: true},
		"external_link":     {Type: "string", Regex: `^https?://.+`, Required: true},
		"summary":           {Type: "string", Required: false},
		"rtype_id":          {Type: "integer", Required: true},
		"classification_id": {Type: "integer", Required: true},
		"is_active":         {Type: "boolean", Required: true},
		"update_at":         {Type: "string", Regex: `^\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}$`, Required: true},
	}}
}

// DefaultRuleset compiles DefaultDocument.
func DefaultRuleset() Ruleset {
	return MustCompile(DefaultDocument())
}

// LoadRuleset reads a ruleset, JSON for a .json extension and YAML otherwise.
// A missing file yields the defaults.
func LoadRuleset(path string) (Ruleset, error) {
	if path == "" {
		path = DefaultRulesPath
	}
	info, err := os.Stat(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return DefaultRuleset(), nil
	case err != nil:
		return Ruleset{}, fmt.Errorf("stat ruleset: %w", err)
	case info.IsDir():
		return DefaultRuleset(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Ruleset{}, fmt.Errorf("read ruleset: %w", err)
	}
	var doc Document
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(data, &doc)
	} else {
		err = yaml.Unmarshal(data, &doc)
	}
	if err != nil {
		return Ruleset{}, fmt.Errorf("unmarshal ruleset %s: %w", path, err)
	}
	rs, err := Compile(doc)
	if err != nil {
		return Ruleset{}, err
	}
	return rs, nil
}
