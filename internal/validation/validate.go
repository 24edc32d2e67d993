package validation

import (
	"unicode/utf8"

	"github.com/JakeFAU/ani-regulations/internal/coerce"
	"github.com/JakeFAU/ani-regulations/internal/regulation"
)

// Stats summarizes one validation pass. InvalidCells counts nulled cells per
// field regardless of whether the row survived.
type Stats struct {
	RowsReceived  int            `json:"rows_received"`
	RowsDiscarded int            `json:"rows_discarded"`
	RowsValid     int            `json:"rows_valid"`
	InvalidCells  map[string]int `json:"invalid_cells"`
}

// Result is the cleaned batch plus its stats.
type Result struct {
	Rows  []regulation.Row
	Stats Stats
}

// Apply coerces and checks every ruled field, nulls cells that fail, and drops
// rows left null in a required field. Fields without a rule pass through. The
// input rows are not modified.
func Apply(rows []regulation.Row, rules Ruleset) Result {
	if len(rows) == 0 {
		return Result{
			Rows:  []regulation.Row{},
			Stats: Stats{InvalidCells: map[string]int{}},
		}
	}

	clean := make([]regulation.Row, len(rows))
	for i, row := range rows {
		cp := make(regulation.Row, len(row))
		for k, v := range row {
			cp[k] = v
		}
		clean[i] = cp
	}

	invalid := make(map[string]int)
	for _, rule := range rules.fields {
		if !presentInAny(clean, rule.Field) {
			for _, row := range clean {
				row[rule.Field] = nil
			}
			invalid[rule.Field] = len(clean)
			continue
		}

		values := make([]any, len(clean))
		for i, row := range clean {
			values[i] = row[rule.Field]
		}
		mask := make([]bool, len(clean))
		for i := range mask {
			mask[i] = true
		}

		if rule.HasType {
			var typeMask []bool
			values, typeMask = coerce.Coerce(values, rule.Kind)
			and(mask, typeMask)
		}
		if rule.Regex != nil {
			for i, v := range values {
				if !matchesAtStart(rule, coerce.Text(v)) {
					values[i] = nil
					mask[i] = false
				}
			}
		}
		if rule.HasMax {
			for i, v := range values {
				if utf8.RuneCountInString(coerce.Text(v)) > rule.MaxLength {
					values[i] = nil
					mask[i] = false
				}
			}
		}

		count := 0
		for i, ok := range mask {
			if !ok {
				count++
			}
			clean[i][rule.Field] = values[i]
		}
		if count > 0 {
			invalid[rule.Field] = count
		}
	}

	required := rules.Required()
	kept := make([]regulation.Row, 0, len(clean))
	for _, row := range clean {
		if missingRequired(row, required) {
			continue
		}
		kept = append(kept, row)
	}

	return Result{
		Rows: kept,
		Stats: Stats{
			RowsReceived:  len(rows),
			RowsDiscarded: len(clean) - len(kept),
			RowsValid:     len(kept),
			InvalidCells:  invalid,
		},
	}
}

func presentInAny(rows []regulation.Row, field string) bool {
	for _, row := range rows {
		if _, ok := row[field]; ok {
			return true
		}
	}
	return false
}

// matchesAtStart reports whether the rule's regex matches beginning at offset 0.
// The leftmost match starts at 0 whenever any match does.
func matchesAtStart(rule FieldRule, s string) bool {
	loc := rule.Regex.FindStringIndex(s)
	return loc != nil && loc[0] == 0
}

func missingRequired(row regulation.Row, required []string) bool {
	for _, f := range required {
		if row[f] == nil {
			return true
		}
	}
	return false
}

func and(dst, src []bool) {
	for i := range dst {
		dst[i] = dst[i] && src[i]
	}
}
