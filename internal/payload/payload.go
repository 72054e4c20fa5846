// Package payload validates payload and metadata documents before they reach
// either store. Both stores are durable and replayed, so validation here is
// the last line of defense against persisting secret material.
package payload

import (
	"encoding/json"
	"fmt"
	"strings"

	"signaline/internal/domain"
)

// Check verifies that doc is JSON-safe and carries no key matching the
// denylist. Denylist entries match case-insensitive substrings of map keys at
// any depth. A violation is a programming error in the caller and fails
// loudly.
func Check(field string, doc map[string]any, denylist []string) error {
	if doc == nil {
		return nil
	}
	if _, err := json.Marshal(doc); err != nil {
		return domain.ValidationError{Field: field, Reason: fmt.Sprintf("not JSON-safe: %v", err)}
	}
	if key := findDenylisted(doc, denylist); key != "" {
		return domain.SecretLeakageError{Key: key}
	}
	return nil
}

func findDenylisted(doc map[string]any, denylist []string) string {
	for k, v := range doc {
		lk := strings.ToLower(k)
		for _, banned := range denylist {
			if banned != "" && strings.Contains(lk, strings.ToLower(banned)) {
				return k
			}
		}
		if hit := findDenylistedValue(v, denylist); hit != "" {
			return hit
		}
	}
	return ""
}

func findDenylistedValue(v any, denylist []string) string {
	switch t := v.(type) {
	case map[string]any:
		return findDenylisted(t, denylist)
	case []any:
		for _, item := range t {
			if hit := findDenylistedValue(item, denylist); hit != "" {
				return hit
			}
		}
	}
	return ""
}

// Marshal renders a document for storage; nil becomes the empty object so
// columns stay NOT NULL.
func Marshal(doc map[string]any) (string, error) {
	if doc == nil {
		doc = map[string]any{}
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return string(data), nil
}

// Unmarshal parses a stored document, tolerating empty columns.
func Unmarshal(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return doc, nil
}
