package plan

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Extract pulls the JSON payload out of a raw model reply and parses it
// into a validated Plan. Models wrap JSON in markdown fences or prose more
// often than not; when straight parsing fails it falls back to the
// truncated-WRITE_FILE recovery.
func Extract(raw string) (Plan, error) {
	candidate := extractJSON(raw)
	candidate = cleanJSON(candidate)

	var obj map[string]any
	if err := json.Unmarshal([]byte(candidate), &obj); err == nil {
		return FromValue(obj)
	}

	if p, ok := recoverTruncatedWrite(raw); ok {
		return p, nil
	}

	return Plan{}, SchemaError{Reason: "reply is not valid JSON and no recovery applied"}
}

func extractJSON(raw string) string {
	raw = strings.TrimSpace(raw)

	// Fenced code block first (``` or ```json), teacher-style.
	if i := strings.Index(raw, "```"); i != -1 {
		rest := raw[i+3:]
		if nl := strings.IndexByte(rest, '\n'); nl != -1 {
			firstLine := strings.ToLower(strings.TrimSpace(rest[:nl]))
			if firstLine == "json" || firstLine == "application/json" || firstLine == "" {
				rest = rest[nl+1:]
			}
		}
		if j := strings.Index(rest, "```"); j != -1 {
			return strings.TrimSpace(rest[:j])
		}
		return strings.TrimSpace(rest)
	}

	// Else the first balanced-looking {...} substring.
	start := strings.IndexByte(raw, '{')
	if start == -1 {
		return raw
	}
	end := strings.LastIndexByte(raw, '}')
	if end <= start {
		return raw[start:]
	}
	return raw[start : end+1]
}

var (
	reTrailingComma = regexp.MustCompile(`,\s*([}\]])`)
	reBareKey       = regexp.MustCompile(`([{,]\s*)([A-Za-z_][A-Za-z0-9_]*)\s*:`)
	reSingleQuoted  = regexp.MustCompile(`:\s*'([^'\\]*)'`)
)

// cleanJSON repairs the common shapes of almost-JSON: trailing commas,
// bare object keys, and single-quoted string values.
func cleanJSON(s string) string {
	s = reTrailingComma.ReplaceAllString(s, "$1")
	s = reBareKey.ReplaceAllString(s, `$1"$2":`)
	s = reSingleQuoted.ReplaceAllString(s, `: "$1"`)
	return s
}

var (
	reWriteHeader  = regexp.MustCompile(`"action"\s*:\s*"WRITE_FILE"`)
	rePathField    = regexp.MustCompile(`"path"\s*:\s*"((?:[^"\\]|\\.)*)"`)
	reContentStart = regexp.MustCompile(`"content"\s*:\s*"`)
)

// recoverTruncatedWrite salvages a WRITE_FILE plan whose content string was
// cut off mid-stream. The content is taken from the opening quote through
// the last </html>, else through heuristic trims of the trailing JSON tail.
func recoverTruncatedWrite(raw string) (Plan, bool) {
	if !reWriteHeader.MatchString(raw) {
		return Plan{}, false
	}
	pm := rePathField.FindStringSubmatch(raw)
	if pm == nil {
		return Plan{}, false
	}
	path, err := unescapeJSONString(pm[1])
	if err != nil || path == "" {
		return Plan{}, false
	}

	loc := reContentStart.FindStringIndex(raw)
	if loc == nil {
		return Plan{}, false
	}
	body := raw[loc[1]:]

	if i := strings.LastIndex(body, "</html>"); i != -1 {
		body = body[:i+len("</html>")]
	} else {
		body = trimJSONTail(body)
	}

	content, err := unescapeJSONString(body)
	if err != nil {
		// The cut may have landed inside an escape sequence; drop the last
		// character until the remainder unescapes.
		for len(body) > 0 {
			body = body[:len(body)-1]
			if content, err = unescapeJSONString(body); err == nil {
				break
			}
		}
		if err != nil {
			return Plan{}, false
		}
	}

	p := Plan{
		Action: ActionWriteFile,
		Args:   map[string]any{"path": path, "content": content},
		Done:   false,
		Reason: "recovered from truncated reply",
	}
	if p.Validate() != nil {
		return Plan{}, false
	}
	return p, true
}

// trimJSONTail strips whatever is left of the JSON envelope after the
// content string: a closing quote and any dangling braces, commas, or
// trailing fields the model managed to emit.
func trimJSONTail(body string) string {
	for _, tail := range []string{`"}}`, `"},`, `"}`, `"`} {
		if i := strings.LastIndex(body, tail); i != -1 {
			return body[:i]
		}
	}
	return strings.TrimRight(body, "}\n\t ,")
}

func unescapeJSONString(s string) (string, error) {
	var out string
	err := json.Unmarshal([]byte(`"`+s+`"`), &out)
	return out, err
}
