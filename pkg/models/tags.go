package models

import (
	"strconv"
	"strings"
)

// Recognized tag keys. All other tags are opaque metadata.
const (
	// TagPriority holds a numeric priority. Run-level and step-level
	// priorities are summed; higher dispatches first.
	TagPriority = "dagster/priority"
	// TagMaxConcurrentPrefix prefixes per-resource-key concurrency
	// ceilings, e.g. "dagster/max_concurrent/db" = "1".
	TagMaxConcurrentPrefix = "dagster/max_concurrent/"
)

// Tags is an arbitrary key/value metadata set attached to runs and node
// definitions, used for routing and prioritization.
type Tags map[string]string

// Priority returns the numeric value of the priority tag, defaulting to 0
// for absent or malformed values.
func (t Tags) Priority() int {
	raw, ok := t[TagPriority]
	if !ok {
		return 0
	}

	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0
	}

	return n
}

// ConcurrencyLimits extracts per-resource-key ceilings declared through
// max_concurrent tags. Non-numeric and non-positive values are ignored.
func (t Tags) ConcurrencyLimits() map[string]int {
	limits := make(map[string]int)

	for key, raw := range t {
		if !strings.HasPrefix(key, TagMaxConcurrentPrefix) {
			continue
		}

		resource := strings.TrimPrefix(key, TagMaxConcurrentPrefix)
		if resource == "" {
			continue
		}

		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil || n <= 0 {
			continue
		}

		limits[resource] = n
	}

	return limits
}

// Merge returns a new tag set with entries from other overriding t.
func (t Tags) Merge(other Tags) Tags {
	merged := make(Tags, len(t)+len(other))
	for k, v := range t {
		merged[k] = v
	}

	for k, v := range other {
		merged[k] = v
	}

	return merged
}
