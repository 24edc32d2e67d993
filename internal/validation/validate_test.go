package validation

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/ani-regulations/internal/regulation"
)

func intPtr(v int) *int { return &v }

func TestApplyDropsRowOverMaxLength(t *testing.T) {
	t.Parallel()

	rules := MustCompile(Document{Fields: map[string]Rule{
		"title": {Type: "string", Required: true, MaxLength: intPtr(5)},
	}})

	res := Apply([]regulation.Row{{"title": "abcdef"}}, rules)

	require.Empty(t, res.Rows)
	require.Equal(t, 1, res.Stats.RowsReceived)
	require.Equal(t, 1, res.Stats.RowsDiscarded)
	require.Equal(t, 0, res.Stats.RowsValid)
	require.Equal(t, 1, res.Stats.InvalidCells["title"])
}

func TestApplyEmptyBatch(t *testing.T) {
	t.Parallel()

	res := Apply(nil, DefaultRuleset())
	require.Empty(t, res.Rows)
	require.Equal(t, Stats{InvalidCells: map[string]int{}}, res.Stats)
}

func TestApplyNullsOptionalFieldsWithoutDroppingRow(t *testing.T) {
	t.Parallel()

	rules := MustCompile(Document{Fields: map[string]Rule{
		"title":   {Type: "string", Required: true},
		"summary": {Type: "string"},
		"count":   {Type: "integer"},
	}})
	rows := []regulation.Row{
		{"title": " Decreto 1 ", "summary": "   ", "count": "12", "extra": "kept"},
		{"title": "Decreto 2", "summary": "ok", "count": "x"},
	}

	res := Apply(rows, rules)

	require.Len(t, res.Rows, 2)
	require.Equal(t, "Decreto 1", res.Rows[0]["title"])
	require.Nil(t, res.Rows[0]["summary"])
	require.Equal(t, int64(12), res.Rows[0]["count"])
	require.Equal(t, "kept", res.Rows[0]["extra"])
	require.Nil(t, res.Rows[1]["count"])
	require.Equal(t, map[string]int{"summary": 1, "count": 1}, res.Stats.InvalidCells)
	require.Equal(t, 0, res.Stats.RowsDiscarded)
	require.Equal(t, " Decreto 1 ", rows[0]["title"], "input rows must not be mutated")
}

func TestApplyRegexAnchorsAtStart(t *testing.T) {
	t.Parallel()

	rules := MustCompile(Document{Fields: map[string]Rule{
		"external_link": {Type: "string", Regex: `https?://.+`, Required: true},
	}})
	rows := []regulation.Row{
		{"external_link": "https://www.ani.gov.co/a"},
		{"external_link": "see https://www.ani.gov.co/a"},
	}

	res := Apply(rows, rules)

	require.Len(t, res.Rows, 1)
	require.Equal(t, "https://www.ani.gov.co/a", res.Rows[0]["external_link"])
	require.Equal(t, 1, res.Stats.RowsDiscarded)
}

func TestApplySynthesizesMissingRequiredField(t *testing.T) {
	t.Parallel()

	rules := MustCompile(Document{Fields: map[string]Rule{
		"title":    {Type: "string", Required: true},
		"rtype_id": {Type: "integer", Required: true},
	}})
	rows := []regulation.Row{{"title": "a"}, {"title": "b"}}

	res := Apply(rows, rules)

	require.Empty(t, res.Rows)
	require.Equal(t, 2, res.Stats.InvalidCells["rtype_id"])
	require.Equal(t, 2, res.Stats.RowsDiscarded)
}

func TestApplyRequiredInvariantWithDefaults(t *testing.T) {
	t.Parallel()

	summary := "Resumen"
	good := regulation.Record{
		Title:            "Resolución 10",
		CreatedAt:        "2024-03-15",
		UpdateAt:         "2024-03-16 10:00:00",
		ExternalLink:     "https://www.ani.gov.co/r10",
		GType:            regulation.LinkGType,
		Summary:          &summary,
		RTypeID:          15,
		ClassificationID: 13,
		IsActive:         true,
		Entity:           regulation.DefaultEntity,
	}
	badDate := good
	badDate.CreatedAt = "marzo 2024"
	badLink := good
	badLink.ExternalLink = "ftp://x"
	longTitle := good
	longTitle.Title = "Resolución 0123456789012345678901234567890123456789012345678901234"

	rules := DefaultRuleset()
	res := Apply([]regulation.Row{good.Row(), badDate.Row(), badLink.Row(), longTitle.Row()}, rules)

	require.Len(t, res.Rows, 1)
	for _, row := range res.Rows {
		for _, f := range rules.Required() {
			require.NotNil(t, row[f], "required field %s", f)
		}
	}
	require.Equal(t, 3, res.Stats.RowsDiscarded)
	require.Equal(t, 1, res.Stats.InvalidCells["created_at"])
	require.Equal(t, 1, res.Stats.InvalidCells["external_link"])
	require.Equal(t, 1, res.Stats.InvalidCells["title"])

	rec, err := regulation.FromRow(res.Rows[0])
	require.NoError(t, err)
	require.Equal(t, good, rec)
}

func TestApplyUnknownTypePassesThrough(t *testing.T) {
	t.Parallel()

	rules := MustCompile(Document{Fields: map[string]Rule{
		"code": {Type: "uuid", Required: true},
	}})
	res := Apply([]regulation.Row{{"code": 42}}, rules)
	require.Len(t, res.Rows, 1)
	require.Equal(t, 42, res.Rows[0]["code"])
}

func TestCompileRejectsBadRegex(t *testing.T) {
	t.Parallel()

	_, err := Compile(Document{Fields: map[string]Rule{"title": {Regex: "("}}})
	require.Error(t, err)
	require.Contains(t, err.Error(), "title")
}

func TestLoadRulesetFallsBackToDefaults(t *testing.T) {
	t.Parallel()

	rs, err := LoadRuleset(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	require.ElementsMatch(t,
		[]string{"title", "created_at", "external_link", "rtype_id", "classification_id", "is_active", "update_at"},
		rs.Required())
}

func TestLoadRulesetFromJSON(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "rules.json")
	doc := `{"fields": {
		"title": {"type": "string", "required": true, "max_length": 10},
		"summary": {"type": "string", "regex": "^[A-Z]", "required": false}
	}}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	rs, err := LoadRuleset(path)
	require.NoError(t, err)
	require.Equal(t, []string{"title"}, rs.Required())

	fields := rs.Fields()
	require.Len(t, fields, 2)
	require.Equal(t, "summary", fields[0].Field)
	require.NotNil(t, fields[0].Regex)
	require.Equal(t, "title", fields[1].Field)
	require.True(t, fields[1].HasMax)
	require.Equal(t, 10, fields[1].MaxLength)
}

func TestLoadRulesetKeepsFieldNames(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	jsonPath := filepath.Join(dir, "rules.json")
	require.NoError(t, os.WriteFile(jsonPath,
		[]byte(`{"fields": {"Title": {"type": "string", "required": true}, "meta.source": {"type": "string", "required": true}}}`),
		0o600))
	yamlPath := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(`fields:
  Title:
    type: string
    required: true
  meta.source:
    type: string
    required: true
    max_length: 3
`), 0o600))

	for _, path := range []string{jsonPath, yamlPath} {
		rs, err := LoadRuleset(path)
		require.NoError(t, err, path)
		require.Equal(t, []string{"Title", "meta.source"}, rs.Required(), path)
	}
}

func TestLoadRulesetMalformedFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "rules.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := LoadRuleset(path)
	require.Error(t, err)
}
