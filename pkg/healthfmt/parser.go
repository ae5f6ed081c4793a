// Package healthfmt parses health-endpoint response bodies into
// canonical dependency records. Services with a schema_config
// delegate to the schema mapper; everything else uses the default
// format: a JSON array of check objects. Parse problems are
// warnings, never fatal errors; fatal is reserved for the transport
// layer.
package healthfmt

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/depsera/depsera/pkg/schema"
)

// DependencyTypes is the closed set accepted for a check's type;
// anything else falls back to "other".
var DependencyTypes = map[string]bool{
	"database": true, "rest": true, "soap": true, "grpc": true,
	"graphql": true, "message_queue": true, "cache": true,
	"file_system": true, "smtp": true, "other": true,
}

// NormalizeType returns the canonical dependency type for raw.
func NormalizeType(raw string) string {
	t := strings.ToLower(strings.TrimSpace(raw))
	if DependencyTypes[t] {
		return t
	}
	return "other"
}

// defaultCheck is one element of the default wire format. Unknown
// keys pass through silently; flat aliases are accepted alongside
// the nested health object.
type defaultCheck struct {
	Name        string          `json:"name"`
	Healthy     *bool           `json:"healthy"`
	Health      *healthDetail   `json:"health"`
	Type        string          `json:"type"`
	Impact      string          `json:"impact"`
	Description string          `json:"description"`
	LastChecked string          `json:"lastChecked"`
	Skipped     bool            `json:"skipped"`
	Error       json.RawMessage `json:"error"`
	ErrorMsg    string          `json:"errorMessage"`

	// Flat aliases for the nested health fields.
	HealthCode  *int64   `json:"healthCode"`
	LatencyMS   *float64 `json:"latencyMs"`
	HealthState *int64   `json:"healthState"`
}

type healthDetail struct {
	State   *int64   `json:"state"`
	Code    *int64   `json:"code"`
	Latency *float64 `json:"latency"`
}

// Parse converts a raw response body into canonical records. When
// schemaConfig is non-nil the body is mapped through the schema
// mapper instead of the default format.
func Parse(body []byte, schemaConfig *string) ([]schema.Record, []string) {
	if schemaConfig != nil && *schemaConfig != "" {
		return parseWithMapping(body, *schemaConfig)
	}
	return parseDefault(body)
}

func parseWithMapping(body []byte, rawMapping string) ([]schema.Record, []string) {
	mapping, err := schema.ParseMapping(rawMapping)
	if err != nil {
		return nil, []string{fmt.Sprintf("schema mapping rejected: %v", err)}
	}
	var doc interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, []string{fmt.Sprintf("response is not valid JSON: %v", err)}
	}
	return schema.Map(doc, mapping)
}

func parseDefault(body []byte) ([]schema.Record, []string) {
	var checks []defaultCheck
	if err := json.Unmarshal(body, &checks); err != nil {
		return nil, []string{fmt.Sprintf("response is not a JSON array of checks: %v", err)}
	}

	var warnings []string
	records := make([]schema.Record, 0, len(checks))
	for i, c := range checks {
		if c.Name == "" {
			warnings = append(warnings, fmt.Sprintf("element %d: missing name, row dropped", i))
			continue
		}

		rec := schema.Record{
			Name:        c.Name,
			Description: c.Description,
			Impact:      strings.ToLower(strings.TrimSpace(c.Impact)),
			Type:        NormalizeType(c.Type),
			Skipped:     c.Skipped,
		}

		state := c.HealthState
		code := c.HealthCode
		latency := c.LatencyMS
		if c.Health != nil {
			if c.Health.State != nil {
				state = c.Health.State
			}
			if c.Health.Code != nil {
				code = c.Health.Code
			}
			if c.Health.Latency != nil {
				latency = c.Health.Latency
			}
		}

		rec.HealthState = state
		rec.HealthCode = code
		if latency != nil {
			if *latency < 0 {
				warnings = append(warnings, fmt.Sprintf("element %d: negative latency ignored", i))
			} else {
				ms := int64(math.Floor(*latency))
				rec.LatencyMS = &ms
			}
		}

		// healthy collapses from state when absent: state 0 is OK.
		switch {
		case c.Healthy != nil:
			rec.Healthy = c.Healthy
		case state != nil:
			h := *state == 0
			rec.Healthy = &h
		}

		if len(c.Error) > 0 && string(c.Error) != "null" {
			rec.Error = string(c.Error)
		}
		rec.ErrorMessage = c.ErrorMsg

		records = append(records, rec)
	}

	return records, warnings
}
