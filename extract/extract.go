// Package extract recovers structured agent responses from free-form model
// text. It is the fallback path used when structured formatting was skipped
// or failed, or when a model embedded JSON in its token stream.
package extract

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/hupe1980/careflow/core"
)

// Options tune Extract.
type Options struct {
	// Discriminators name high-value fields. The first block carrying a
	// non-empty value for any of them becomes the merge base.
	Discriminators []string
}

// Extract scans text for JSON objects and merges them into one result:
//
//  1. Objects inside fenced code blocks are parsed first.
//  2. When no fenced object qualifies, balanced brace-delimited substrings of
//     the whole text are parsed as well.
//  3. A block carrying a discriminator is used as the base; the remaining
//     blocks follow in text order. For each key the first non-null value
//     wins and later blocks only fill absent or null keys.
//  4. thinking_progress is removed from the merged result.
//
// It reports false when no JSON object was found.
func Extract(text string, optFns ...func(o *Options)) (map[string]any, bool) {
	opts := Options{}
	for _, fn := range optFns {
		fn(&opts)
	}

	blocks := FencedObjects(text)
	if len(blocks) == 0 || (len(opts.Discriminators) > 0 && qualifying(blocks, opts.Discriminators) < 0) {
		blocks = appendUnique(blocks, BraceObjects(text)...)
	}

	if len(blocks) == 0 {
		return nil, false
	}

	ordered := blocks
	if base := qualifying(blocks, opts.Discriminators); base > 0 {
		ordered = make([]map[string]any, 0, len(blocks))
		ordered = append(ordered, blocks[base])
		ordered = append(ordered, blocks[:base]...)
		ordered = append(ordered, blocks[base+1:]...)
	}

	merged := Merge(ordered...)
	delete(merged, core.FieldThinkingProgress)

	return merged, true
}

// WithDiscriminators sets Options.Discriminators.
func WithDiscriminators(fields ...string) func(o *Options) {
	return func(o *Options) { o.Discriminators = append(o.Discriminators, fields...) }
}

// Merge folds objects left to right. The first non-null value seen for a key
// wins; later objects only fill keys that are absent or null.
func Merge(objects ...map[string]any) map[string]any {
	out := map[string]any{}
	for _, obj := range objects {
		core.MergeMissing(out, core.CloneMap(obj))
	}
	return out
}

// FirstObject returns the first JSON object found in text. The whole text is
// tried first, then fenced blocks, then balanced braces.
func FirstObject(text string) (map[string]any, bool) {
	if obj, ok := parseObject(strings.TrimSpace(text)); ok {
		return obj, true
	}
	if blocks := FencedObjects(text); len(blocks) > 0 {
		return blocks[0], true
	}
	if blocks := BraceObjects(text); len(blocks) > 0 {
		return blocks[0], true
	}
	return nil, false
}

// FencedObjects parses the JSON objects held in fenced code blocks, in order.
// A fence whose body is not a single object is scanned for embedded objects.
func FencedObjects(text string) []map[string]any {
	var out []map[string]any
	for _, body := range fencedBlocks(normalizeNewlines(text)) {
		if obj, ok := parseObject(body); ok {
			out = append(out, obj)
			continue
		}
		out = append(out, BraceObjects(body)...)
	}
	return out
}

// BraceObjects parses every top-level balanced {...} substring that decodes
// as a JSON object. Scanning is string-aware so braces inside JSON strings do
// not affect nesting.
func BraceObjects(text string) []map[string]any {
	raw := normalizeNewlines(text)
	var out []map[string]any
	for i := 0; i < len(raw); i++ {
		if raw[i] != '{' {
			continue
		}
		s, end, ok := scanObject(raw, i)
		if !ok {
			continue
		}
		if obj, ok := parseObject(s); ok {
			out = append(out, obj)
			i = end - 1
		}
	}
	return out
}

// StripFences removes fenced code blocks from text, leaving the prose. An
// unclosed fence loses only its opening marker and info string; the text
// after it is kept.
func StripFences(text string) string {
	raw := normalizeNewlines(text)
	var b strings.Builder
	for {
		start := strings.Index(raw, "```")
		if start < 0 {
			b.WriteString(raw)
			break
		}
		b.WriteString(raw[:start])
		rest := raw[start+3:]
		end := strings.Index(rest, "```")
		if end < 0 {
			if info, body, _ := strings.Cut(rest, "\n"); !strings.ContainsAny(info, " \t{") {
				rest = body
			}
			b.WriteString(rest)
			break
		}
		raw = rest[end+3:]
	}
	return strings.TrimSpace(b.String())
}

func fencedBlocks(text string) []string {
	var out []string
	rest := text
	for {
		start := strings.Index(rest, "```")
		if start < 0 {
			return out
		}
		rest = rest[start+3:]
		// Skip the info string (e.g. json) up to the first newline.
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 && !strings.Contains(rest[:nl], "{") {
			rest = rest[nl+1:]
		}
		end := strings.Index(rest, "```")
		if end < 0 {
			return out
		}
		out = append(out, strings.TrimSpace(rest[:end]))
		rest = rest[end+3:]
	}
}

func scanObject(s string, start int) (string, int, bool) {
	depth := 0
	inString := false
	escape := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			if escape {
				escape = false
				continue
			}
			if ch == '\\' {
				escape = true
				continue
			}
			if ch == '"' {
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], i + 1, true
			}
			if depth < 0 {
				return "", 0, false
			}
		}
	}
	return "", 0, false
}

func parseObject(s string) (map[string]any, bool) {
	if !strings.HasPrefix(s, "{") {
		return nil, false
	}
	dec := json.NewDecoder(strings.NewReader(s))
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil || obj == nil {
		return nil, false
	}
	if dec.More() {
		return nil, false
	}
	return obj, true
}

func qualifying(blocks []map[string]any, fields []string) int {
	for i, b := range blocks {
		for _, f := range fields {
			if !isEmpty(b[f]) {
				return i
			}
		}
	}
	return -1
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	case bool:
		return !t
	default:
		return false
	}
}

func appendUnique(dst []map[string]any, src ...map[string]any) []map[string]any {
	seen := make(map[string]struct{}, len(dst))
	for _, d := range dst {
		seen[canonical(d)] = struct{}{}
	}
	for _, s := range src {
		k := canonical(s)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		dst = append(dst, s)
	}
	return dst
}

func canonical(m map[string]any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(m); err != nil {
		return ""
	}
	return buf.String()
}

func normalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return s
}
