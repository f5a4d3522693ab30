package queryengine

import (
	"fmt"
	"regexp"
	"strings"
)

// UnsafeQueryError marks a query rejected by the safety gate. It is
// terminal: rejected queries are never sent for correction.
type UnsafeQueryError struct {
	Keyword string
}

func (e *UnsafeQueryError) Error() string {
	return fmt.Sprintf("query rejected: mutating keyword %s is not allowed", e.Keyword)
}

// MalformedQueryError marks LLM output that is not a single usable SQL
// statement. It counts toward the correction budget.
type MalformedQueryError struct {
	Reason string
}

func (e *MalformedQueryError) Error() string {
	return "malformed query: " + e.Reason
}

// mutatingKeyword matches any data- or schema-mutating keyword as a whole
// token, anywhere in the statement, case-insensitive. Word boundaries keep
// identifiers like created_at or updated_by from tripping the gate.
var mutatingKeyword = regexp.MustCompile(`(?i)\b(DROP|DELETE|INSERT|UPDATE|ALTER|TRUNCATE|CREATE|GRANT|REVOKE)\b`)

// Validate applies the safety gate to a candidate query.
func Validate(query string) error {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return &MalformedQueryError{Reason: "empty statement"}
	}
	if m := mutatingKeyword.FindString(trimmed); m != "" {
		return &UnsafeQueryError{Keyword: strings.ToUpper(m)}
	}
	return nil
}

// NormalizeStatement strips markdown code fences and trailing semicolons
// from LLM output and rejects anything that is not exactly one statement.
func NormalizeStatement(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```sql")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}
	s = strings.TrimSuffix(s, ";")
	if strings.TrimSpace(s) == "" {
		return "", &MalformedQueryError{Reason: "empty statement"}
	}
	if strings.Contains(s, ";") {
		return "", &MalformedQueryError{Reason: "multiple statements"}
	}
	return strings.TrimSpace(s), nil
}
