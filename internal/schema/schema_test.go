package schema

import (
	"strings"
	"testing"
)

func TestInferType(t *testing.T) {
	cases := []struct {
		name    string
		samples []string
		want    FieldType
	}{
		{"numeric", []string{"12", "3.5", "$1,200", "95%"}, TypeNumeric},
		{"years_are_numeric", []string{"2024", "2023", "2022"}, TypeNumeric},
		{"date_iso", []string{"2024-01-02", "2024-02-03", "2024-03-04"}, TypeDate},
		{"date_slash", []string{"01/02/2024", "11/30/2023", "3/4/2024"}, TypeDate},
		{"boolean", []string{"true", "false", "yes", "no"}, TypeBoolean},
		{"text", []string{"alice", "bob", "carol"}, TypeText},
		{"mixed_below_threshold", []string{"12", "alice", "bob", "carol", "dave"}, TypeText},
		{"empty", nil, TypeText},
		{"blank_samples", []string{"", "  "}, TypeText},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := InferType(tc.samples); got != tc.want {
				t.Fatalf("InferType(%v) = %s, want %s", tc.samples, got, tc.want)
			}
		})
	}
}

func TestRestrictKeepsIdentifiers(t *testing.T) {
	ctx := Context{
		DatasetID: "ds-1",
		Name:      "clients",
		Fields: []Field{
			{Name: "id", Type: TypeText},
			{Name: "client_id", Type: TypeText},
			{Name: "revenue", Type: TypeNumeric},
			{Name: "notes", Type: TypeText},
			{Name: "signed_at", Type: TypeDate},
		},
	}
	got := ctx.Restrict(TypeNumeric, TypeDate)
	var names []string
	for _, f := range got.Fields {
		names = append(names, f.Name)
	}
	joined := strings.Join(names, ",")
	if joined != "id,client_id,revenue,signed_at" {
		t.Fatalf("unexpected restricted fields: %s", joined)
	}
}

func TestDescribeAccessPaths(t *testing.T) {
	ctx := Context{
		DatasetID: "ds-1",
		Name:      "clients",
		RowCount:  10,
		Fields: []Field{
			{Name: "revenue", Type: TypeNumeric, SampleValues: []string{"100", "250"}},
			{Name: "notes", Type: TypeText},
		},
	}
	desc := ctx.Describe()
	if !strings.Contains(desc, "(row_data->>'revenue')::numeric") {
		t.Fatalf("numeric access path missing from description: %s", desc)
	}
	if !strings.Contains(desc, "row_data->>'notes'") {
		t.Fatalf("text access path missing from description: %s", desc)
	}
	if !strings.Contains(desc, "dataset_id = 'ds-1'") {
		t.Fatalf("dataset filter missing from description: %s", desc)
	}
}
