// Package schema models the inferred structure of an uploaded dataset and
// renders it as prompt context for query planning.
package schema

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// FieldType is the coarse type bucket a dataset field falls into.
type FieldType string

const (
	TypeNumeric FieldType = "numeric"
	TypeDate    FieldType = "date"
	TypeText    FieldType = "text"
	TypeBoolean FieldType = "boolean"
)

// Field describes a single column of a dataset.
type Field struct {
	Name         string    `json:"name"`
	Type         FieldType `json:"type"`
	Nullable     bool      `json:"nullable"`
	SampleValues []string  `json:"sample_values,omitempty"`
}

// Context is the full schema picture of one dataset, handed to capabilities
// and the planner as prompt material.
type Context struct {
	DatasetID string  `json:"dataset_id"`
	Name      string  `json:"name"`
	RowCount  int     `json:"row_count"`
	Fields    []Field `json:"fields"`
}

var datePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^\d{4}-\d{2}-\d{2}`),
	regexp.MustCompile(`^\d{2}/\d{2}/\d{4}`),
	regexp.MustCompile(`^\d{2}-\d{2}-\d{4}`),
	regexp.MustCompile(`^\d{1,2}/\d{1,2}/\d{2,4}`),
}

var booleanLiterals = map[string]struct{}{
	"true": {}, "false": {}, "yes": {}, "no": {},
	"0": {}, "1": {}, "t": {}, "f": {}, "y": {}, "n": {},
}

// InferType buckets a field by its sample values. A bucket wins when at
// least 80% of the non-empty samples match it; otherwise the field is text.
func InferType(samples []string) FieldType {
	var numeric, date, boolean, total int
	for _, raw := range samples {
		s := strings.TrimSpace(raw)
		if s == "" {
			continue
		}
		total++
		if _, ok := booleanLiterals[strings.ToLower(s)]; ok {
			boolean++
			continue
		}
		if isNumeric(s) {
			numeric++
			continue
		}
		if isDate(s) {
			date++
		}
	}
	if total == 0 {
		return TypeText
	}
	threshold := float64(total) * 0.8
	switch {
	case float64(numeric) >= threshold:
		return TypeNumeric
	case float64(date) >= threshold:
		return TypeDate
	case float64(boolean) >= threshold:
		return TypeBoolean
	default:
		return TypeText
	}
}

func isNumeric(v string) bool {
	cleaned := strings.NewReplacer(",", "", "$", "", "%", "", " ", "").Replace(v)
	if cleaned == "" {
		return false
	}
	_, err := strconv.ParseFloat(cleaned, 64)
	return err == nil
}

func isDate(v string) bool {
	if len(v) < 6 {
		return false
	}
	// Bare short numbers like "2024" are ambiguous; treat as not-a-date.
	if allDigits(v) && len(v) <= 4 {
		return false
	}
	for _, p := range datePatterns {
		if p.MatchString(v) {
			return true
		}
	}
	return false
}

func allDigits(v string) bool {
	for _, r := range v {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// FieldsOfType returns the names of fields matching any of the given types.
func (c Context) FieldsOfType(types ...FieldType) []string {
	want := make(map[FieldType]struct{}, len(types))
	for _, t := range types {
		want[t] = struct{}{}
	}
	var names []string
	for _, f := range c.Fields {
		if _, ok := want[f.Type]; ok {
			names = append(names, f.Name)
		}
	}
	return names
}

// Restrict returns a copy of the context keeping only fields of the given
// types. Identifier-looking text fields ("id" suffix) are always kept so
// joins and grouping keys survive the cut.
func (c Context) Restrict(types ...FieldType) Context {
	want := make(map[FieldType]struct{}, len(types))
	for _, t := range types {
		want[t] = struct{}{}
	}
	out := c
	out.Fields = nil
	for _, f := range c.Fields {
		if _, ok := want[f.Type]; ok {
			out.Fields = append(out.Fields, f)
			continue
		}
		lower := strings.ToLower(f.Name)
		if lower == "id" || strings.HasSuffix(lower, "_id") || lower == "name" {
			out.Fields = append(out.Fields, f)
		}
	}
	return out
}

// Describe renders the schema as a prompt block. Rows live in the
// dataset_rows table as JSONB, so the block spells out the access paths a
// generated query must use.
func (c Context) Describe() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Dataset %q (%d rows) is stored in table dataset_rows.\n", c.Name, c.RowCount)
	b.WriteString("Each row is a JSONB document in column row_data; filter with dataset_id = '" + c.DatasetID + "'.\n")
	b.WriteString("Fields:\n")
	for _, f := range c.Fields {
		access := f.AccessPath()
		fmt.Fprintf(&b, "  - %s (%s): access as %s", f.Name, f.Type, access)
		if len(f.SampleValues) > 0 {
			fmt.Fprintf(&b, ", e.g. %s", strings.Join(truncate(f.SampleValues, 3), ", "))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// AccessPath is the SQL expression extracting this field from row_data with
// the right cast for its type.
func (f Field) AccessPath() string {
	raw := fmt.Sprintf("row_data->>'%s'", f.Name)
	switch f.Type {
	case TypeNumeric:
		return "(" + raw + ")::numeric"
	case TypeDate:
		return "(" + raw + ")::date"
	case TypeBoolean:
		return "(" + raw + ")::boolean"
	default:
		return raw
	}
}

func truncate(values []string, n int) []string {
	if len(values) <= n {
		return values
	}
	return values[:n]
}
