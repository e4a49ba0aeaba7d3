package service

import (
	"errors"
	"regexp"
	"strings"
)

// Models wrap structured output in reasoning tags or markdown fences
// depending on family and mood. Everything that parses model JSON goes
// through the same pipeline: strip tags, strip fences, scan for the
// first balanced object.

var (
	// Matches closed reasoning blocks of any supported tag name.
	reasoningBlockRe = regexp.MustCompile(`(?s)<(think|thinking|reasoning)>.*?</(think|thinking|reasoning)>`)
	// Matches an unclosed opening tag; everything after it is reasoning.
	reasoningOpenRe = regexp.MustCompile(`(?s)<(think|thinking|reasoning)>.*$`)
)

// ErrNoJSONObject reports that no balanced JSON object was found in
// the model output.
var ErrNoJSONObject = errors.New("no JSON object in model output")

// StripReasoningTags removes <think>-style blocks from model output.
// An unclosed tag truncates the rest of the text; the model was still
// thinking and nothing after it is an answer.
func StripReasoningTags(content string) string {
	out := reasoningBlockRe.ReplaceAllString(content, "")
	out = reasoningOpenRe.ReplaceAllString(out, "")
	return strings.TrimSpace(out)
}

// ExtractJSONObject returns the first top-level JSON object in model
// output, tolerating reasoning tags, markdown fences, and surrounding
// prose. The returned string starts at '{' and ends at its matching
// '}'.
func ExtractJSONObject(content string) (string, error) {
	cleaned := StripReasoningTags(content)
	cleaned = stripFences(cleaned)

	start := strings.IndexByte(cleaned, '{')
	if start < 0 {
		return "", ErrNoJSONObject
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(cleaned); i++ {
		c := cleaned[i]
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
				return cleaned[start : i+1], nil
			}
		}
	}
	return "", ErrNoJSONObject
}

// stripFences unwraps ```json ... ``` (or bare ```) code fences.
func stripFences(content string) string {
	trimmed := strings.TrimSpace(content)
	if !strings.Contains(trimmed, "```") {
		return trimmed
	}

	open := strings.Index(trimmed, "```")
	rest := trimmed[open+3:]
	// Skip the language tag on the opening fence line.
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		firstLine := strings.TrimSpace(rest[:nl])
		if firstLine == "" || isFenceLang(firstLine) {
			rest = rest[nl+1:]
		}
	}
	if closeIdx := strings.Index(rest, "```"); closeIdx >= 0 {
		return strings.TrimSpace(rest[:closeIdx])
	}
	return strings.TrimSpace(rest)
}

func isFenceLang(s string) bool {
	for _, r := range s {
		if !(r >= 'a' && r <= 'z') && !(r >= 'A' && r <= 'Z') && !(r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}
