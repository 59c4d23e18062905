// Package jsonextract recovers the structured payloads the reasoner embeds in
// free-form text.
package jsonextract

import (
	"encoding/json"
	"regexp"
	"strings"
)

var fencedJSON = regexp.MustCompile("(?is)```[ \\t]*json[^\\n]*\\n(.*?)```")

// Extract returns the JSON object in text that carries key, together with its
// raw source. The last ```json fenced block is tried first, then earlier
// fenced blocks from last to first, then a balanced-brace scan over the whole
// text, which keeps the largest object carrying key.
func Extract(text, key string) (map[string]any, string, bool) {
	blocks := fencedJSON.FindAllStringSubmatch(text, -1)
	for i := len(blocks) - 1; i >= 0; i-- {
		body := strings.TrimSpace(blocks[i][1])
		if obj, ok := decodeObject(body); ok && hasKey(obj, key) {
			return obj, body, true
		}
		if obj, raw, ok := scanObjects(body, key); ok {
			return obj, raw, true
		}
	}
	return scanObjects(text, key)
}

func hasKey(obj map[string]any, key string) bool {
	if key == "" {
		return true
	}
	_, ok := obj[key]
	return ok
}

func decodeObject(s string) (map[string]any, bool) {
	if !strings.HasPrefix(s, "{") {
		return nil, false
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}

// scanObjects tries every balanced {...} span in text and keeps the largest
// one that decodes and carries key.
func scanObjects(text, key string) (map[string]any, string, bool) {
	var (
		best    string
		bestObj map[string]any
	)
	for i := 0; i < len(text); i++ {
		if text[i] != '{' {
			continue
		}
		end := matchBrace(text, i)
		if end < 0 {
			continue
		}
		cand := text[i : end+1]
		if len(cand) <= len(best) {
			continue
		}
		obj, ok := decodeObject(cand)
		if !ok || !hasKey(obj, key) {
			continue
		}
		best, bestObj = cand, obj
		// Spans starting inside best end inside it too, so none can be larger.
		i = end
	}
	if bestObj == nil {
		return nil, "", false
	}
	return bestObj, best, true
}

// matchBrace returns the index of the brace closing the one at start, or -1.
// Braces inside JSON strings are ignored.
func matchBrace(text string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
