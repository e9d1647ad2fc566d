package dispatch

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/quailyquaily/uniai"
)

// StatusProcessedAsText marks a fallback envelope built from unparseable output.
const StatusProcessedAsText = "processed_as_text"

var (
	errEmptyOutput    = errors.New("empty output")
	errNoJSONObject   = errors.New("no json object in output")
	errNotAJSONObject = errors.New("output is json but not an object")
)

// Sanitize turns raw executor output into a structured result. Parse failures
// never fail the task: the raw text is wrapped in a fallback envelope.
func Sanitize(raw, taskType string) any {
	obj, err := parseObject(raw)
	if err == nil {
		return obj
	}
	return map[string]any{
		"raw_output":  raw,
		"parse_error": err.Error(),
		"status":      StatusProcessedAsText,
		"task_type":   taskType,
	}
}

// IsFallback reports whether result is a processed_as_text envelope.
func IsFallback(result any) bool {
	m, ok := result.(map[string]any)
	if !ok {
		return false
	}
	s, _ := m["status"].(string)
	return s == StatusProcessedAsText
}

// parseObject strips markdown fences, then tries the text as-is followed by
// uniai-extracted and repaired candidates. Only JSON objects are accepted.
func parseObject(raw string) (map[string]any, error) {
	text := stripFences(raw)
	if text == "" {
		return nil, errEmptyOutput
	}

	var lastErr error
	for _, cand := range jsonCandidates(text) {
		var obj map[string]any
		err := json.Unmarshal([]byte(cand), &obj)
		if err == nil && obj != nil {
			return obj, nil
		}
		if err == nil {
			err = errNotAJSONObject
		} else if isNonObjectJSON(cand) {
			err = errNotAJSONObject
		}
		if lastErr == nil || errors.Is(lastErr, errNotAJSONObject) {
			lastErr = err
		}
	}
	if lastErr == nil {
		lastErr = errNoJSONObject
	}
	return nil, lastErr
}

// stripFences removes a leading ```lang line and a trailing ``` fence.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	} else {
		s = strings.TrimPrefix(s, "```")
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func jsonCandidates(text string) []string {
	out := make([]string, 0, 8)
	seen := make(map[string]bool, 8)
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			return
		}
		seen[s] = true
		out = append(out, s)
	}

	add(text)
	base := []string{text}
	if cands, err := uniai.CollectJSONCandidates(text); err == nil {
		base = append(base, cands...)
	}
	base = append(base, uniai.FindJSONSnippets(text)...)

	for _, c := range base {
		add(c)
		stripped := uniai.StripNonJSONLines(c)
		add(stripped)
		add(uniai.AttemptJSONRepair(c))
		if strings.TrimSpace(stripped) != "" {
			add(uniai.AttemptJSONRepair(stripped))
		}
	}
	return out
}

func isNonObjectJSON(s string) bool {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return false
	}
	_, isObj := v.(map[string]any)
	return !isObj
}
