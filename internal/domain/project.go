package domain

import (
	"regexp"
	"strings"
	"time"
)

// Project aggregates generations that share an issue-key prefix.
type Project struct {
	Key              string    `json:"key" db:"key"`
	CreatedBy        string    `json:"createdBy" db:"created_by"`
	FirstGeneratedAt time.Time `json:"firstGeneratedAt" db:"first_generated_at"`
	LastGeneratedAt  time.Time `json:"lastGeneratedAt" db:"last_generated_at"`
	TotalGenerations int       `json:"totalGenerations" db:"total_generations"`
}

var projectKeyPattern = regexp.MustCompile(`^([A-Za-z0-9]+)-`)

// ExtractProjectKey returns the upper-cased token before the first hyphen of an
// issue key ("sdet-45" -> "SDET"). ok is false when the key has no such prefix.
func ExtractProjectKey(issueKey string) (string, bool) {
	m := projectKeyPattern.FindStringSubmatch(strings.TrimSpace(issueKey))
	if m == nil {
		return "", false
	}
	return strings.ToUpper(m[1]), true
}
