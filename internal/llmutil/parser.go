// internal/llmutil/parser.go
package llmutil

import (
	"fmt"
	"regexp"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	// Regex definitions use \x60 (hex representation) for backticks because
	// Go raw strings cannot contain backticks.

	// jsonArrayRegex extracts a JSON array wrapped in markdown fences.
	jsonArrayRegex = regexp.MustCompile("(?s)\x60\x60\x60(?:json)?\\s*(\\[.*\\])\\s*\x60\x60\x60")
	// jsonObjectRegex extracts a JSON object wrapped in markdown fences.
	jsonObjectRegex = regexp.MustCompile("(?s)\x60\x60\x60(?:json)?\\s*({.*})\\s*\x60\x60\x60")
)

// ParseJSONResponse parses an LLM response string into a target Go type,
// tolerating the common formatting quirks: markdown code fences and
// conversational text around the payload. Section proposals arrive as
// arrays, so array extraction is tried first.
func ParseJSONResponse[T any](response string) (*T, error) {
	response = strings.TrimSpace(response)
	jsonStringToParse := response

	isObject := strings.Contains(response, "{")
	isArray := strings.Contains(response, "[")

	if strings.HasPrefix(response, "```") {
		var matches []string
		if isArray {
			matches = jsonArrayRegex.FindStringSubmatch(response)
		}
		if len(matches) <= 1 && isObject {
			matches = jsonObjectRegex.FindStringSubmatch(response)
		}
		if len(matches) > 1 {
			jsonStringToParse = matches[1]
		}
	} else if (isObject || isArray) && !strings.HasPrefix(response, "{") && !strings.HasPrefix(response, "[") {
		// The payload is buried in conversational text; take the widest
		// bracketed span.
		if span, ok := boundedSpan(response, "[", "]"); ok {
			jsonStringToParse = span
		} else if span, ok := boundedSpan(response, "{", "}"); ok {
			jsonStringToParse = span
		}
	}

	var result T
	if err := json.Unmarshal([]byte(jsonStringToParse), &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal LLM JSON response: %w. Extracted JSON (truncated): %s",
			err, truncateString(jsonStringToParse, 500))
	}
	return &result, nil
}

func boundedSpan(s, open, closing string) (string, bool) {
	first := strings.Index(s, open)
	last := strings.LastIndex(s, closing)
	if first == -1 || last == -1 || last <= first {
		return "", false
	}
	return s[first : last+1], true
}

// truncateString truncates a string for error messages. Byte-based; rune
// boundaries do not matter for logging.
func truncateString(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
