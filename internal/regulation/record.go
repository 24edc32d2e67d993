// Package regulation defines the canonical regulation record and its identity key.
package regulation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/JakeFAU/ani-regulations/internal/coerce"
)

// Field names shared by the extractor, the validator and the store.
const (
	FieldTitle            = "title"
	FieldCreatedAt        = "created_at"
	FieldUpdateAt         = "update_at"
	FieldExternalLink     = "external_link"
	FieldGType            = "gtype"
	FieldSummary          = "summary"
	FieldRTypeID          = "rtype_id"
	FieldClassificationID = "classification_id"
	FieldIsActive         = "is_active"
	FieldEntity           = "entity"
)

// Deployment defaults for the tracked source.
const (
	DefaultEntity           = "Agencia Nacional de Infraestructura"
	DefaultClassificationID = 13
	DefaultComponentID      = 7
	MaxTitleLength          = 65
	LinkGType               = "link"
)

// Record is one regulation as extracted from the listing and persisted.
type Record struct {
	Title            string
	CreatedAt        string
	UpdateAt         string
	ExternalLink     string
	GType            string
	Summary          *string
	RTypeID          int64
	ClassificationID int64
	IsActive         bool
	Entity           string
}

// Row is the field-keyed form of a record. A nil value is a null cell.
type Row map[string]any

// Row converts the record into its field-keyed form.
func (r Record) Row() Row {
	row := Row{
		FieldTitle:            r.Title,
		FieldCreatedAt:        r.CreatedAt,
		FieldUpdateAt:         r.UpdateAt,
		FieldExternalLink:     r.ExternalLink,
		FieldSummary:          nil,
		FieldRTypeID:          r.RTypeID,
		FieldClassificationID: r.ClassificationID,
		FieldIsActive:         r.IsActive,
		FieldEntity:           r.Entity,
		FieldGType:            nil,
	}
	if r.Summary != nil {
		row[FieldSummary] = *r.Summary
	}
	if r.GType != "" {
		row[FieldGType] = r.GType
	}
	return row
}

// Key returns the identity key of the record.
func (r Record) Key() IdentityKey {
	return NewIdentityKey(r.Title, r.CreatedAt, r.ExternalLink)
}

// FromRow rebuilds a record from a validated row. Fields the record requires for
// persistence must be present and of a compatible type.
func FromRow(row Row) (Record, error) {
	var (
		rec  Record
		errs []error
	)
	rec.Title = stringField(row, FieldTitle, &errs)
	rec.CreatedAt = stringField(row, FieldCreatedAt, &errs)
	rec.UpdateAt = stringField(row, FieldUpdateAt, &errs)
	rec.ExternalLink = stringField(row, FieldExternalLink, &errs)
	rec.Entity = stringField(row, FieldEntity, &errs)
	rec.RTypeID = intField(row, FieldRTypeID, &errs)
	rec.ClassificationID = intField(row, FieldClassificationID, &errs)

	switch v := row[FieldIsActive].(type) {
	case bool:
		rec.IsActive = v
	default:
		b, err := coerce.Value(v, coerce.Boolean)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", FieldIsActive, err))
		} else {
			rec.IsActive = b.(bool)
		}
	}
	if v := row[FieldSummary]; v != nil {
		s := coerce.Text(v)
		rec.Summary = &s
	}
	if v := row[FieldGType]; v != nil {
		rec.GType = coerce.Text(v)
	}
	if len(errs) > 0 {
		return Record{}, errors.Join(errs...)
	}
	return rec, nil
}

func stringField(row Row, field string, errs *[]error) string {
	v := row[field]
	if v == nil {
		*errs = append(*errs, fmt.Errorf("%s: missing", field))
		return ""
	}
	return coerce.Text(v)
}

func intField(row Row, field string, errs *[]error) int64 {
	v, err := coerce.Value(row[field], coerce.Integer)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", field, err))
		return 0
	}
	return v.(int64)
}

// IdentityKey identifies a regulation across runs. Two records with equal keys
// are the same regulation.
type IdentityKey struct {
	Title        string
	CreatedAt    string
	ExternalLink string
}

// NewIdentityKey builds a key with the normalization applied to both persisted
// and incoming rows: trimmed title, date string as given, link or empty.
func NewIdentityKey(title, createdAt, externalLink string) IdentityKey {
	return IdentityKey{
		Title:        strings.TrimSpace(title),
		CreatedAt:    createdAt,
		ExternalLink: externalLink,
	}
}

// String renders the key in title|date|link form for logs.
func (k IdentityKey) String() string {
	return k.Title + "|" + k.CreatedAt + "|" + k.ExternalLink
}
