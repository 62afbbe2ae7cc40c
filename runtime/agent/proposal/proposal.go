// Package proposal parses model output into edit proposals. A proposal is a
// set of whole-file writes, a unified diff, or both. Model output is either a
// JSON object of the form {"summary": ..., "proposal": {...}} (optionally
// fenced in a ```json block) or a raw unified diff.
package proposal

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type (
	// Write replaces the content of one workspace file.
	Write struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}

	// Proposal is an edit proposal awaiting approval.
	Proposal struct {
		Writes []Write `json:"writes,omitempty"`
		Patch  string  `json:"patch,omitempty"`
	}

	// Parsed is the result of parsing model output.
	Parsed struct {
		Summary      string
		Proposal     Proposal
		FilesChanged int
		// Dropped counts writes discarded because they were malformed.
		Dropped int
	}

	rawOutput struct {
		Summary  string          `json:"summary"`
		Proposal json.RawMessage `json:"proposal"`
		Writes   json.RawMessage `json:"writes"`
		Patch    json.RawMessage `json:"patch"`
	}

	rawProposal struct {
		Writes json.RawMessage `json:"writes"`
		Patch  json.RawMessage `json:"patch"`
	}
)

var (
	// ErrEmpty is returned when the output carries neither writes nor a patch.
	ErrEmpty = errors.New("model output did not include any writes or patch")
	// ErrUnrecognized is returned when the output is neither a JSON proposal
	// nor a unified diff.
	ErrUnrecognized = errors.New("model output is neither a JSON proposal nor a unified diff")
)

// Parse parses model output into a proposal. Malformed writes are dropped
// individually; ErrEmpty is returned when nothing usable remains.
func Parse(text string) (Parsed, error) {
	body := strings.TrimSpace(StripFences(text))
	if body == "" {
		return Parsed{}, ErrEmpty
	}
	var parsed Parsed
	if strings.HasPrefix(body, "{") {
		var raw rawOutput
		if err := json.Unmarshal([]byte(body), &raw); err != nil {
			if !LooksLikePatch(body) {
				return Parsed{}, fmt.Errorf("%w: %w", ErrUnrecognized, err)
			}
			parsed.Proposal.Patch = body
		} else {
			parsed.Summary = strings.TrimSpace(raw.Summary)
			writes, patch := raw.Writes, raw.Patch
			if len(raw.Proposal) > 0 && string(raw.Proposal) != "null" {
				var rp rawProposal
				if err := json.Unmarshal(raw.Proposal, &rp); err != nil {
					return Parsed{}, fmt.Errorf("%w: proposal: %w", ErrUnrecognized, err)
				}
				writes, patch = rp.Writes, rp.Patch
			}
			parsed.Proposal.Writes, parsed.Dropped = decodeWrites(writes)
			parsed.Proposal.Patch = decodePatch(patch)
		}
	} else {
		if !LooksLikePatch(body) {
			return Parsed{}, ErrUnrecognized
		}
		parsed.Proposal.Patch = body
	}
	if len(parsed.Proposal.Writes) == 0 && parsed.Proposal.Patch == "" {
		return parsed, ErrEmpty
	}
	parsed.FilesChanged = len(parsed.Proposal.Writes) + CountPatchFiles(parsed.Proposal.Patch)
	return parsed, nil
}

// StripFences removes a surrounding Markdown code fence (``` or ```json).
func StripFences(text string) string {
	t := strings.TrimSpace(text)
	if !strings.HasPrefix(t, "```") {
		return text
	}
	nl := strings.IndexByte(t, '\n')
	if nl < 0 {
		return text
	}
	t = t[nl+1:]
	if end := strings.LastIndex(t, "```"); end >= 0 {
		t = t[:end]
	}
	return t
}

// LooksLikePatch reports whether text looks like a unified diff.
func LooksLikePatch(text string) bool {
	if strings.HasPrefix(text, "diff --git ") || strings.Contains(text, "\ndiff --git ") {
		return true
	}
	return (strings.HasPrefix(text, "--- ") || strings.Contains(text, "\n--- ")) &&
		strings.Contains(text, "\n+++ ")
}

// CountPatchFiles returns the number of files touched by a unified diff,
// counting "diff --git" headers and falling back to "+++ " headers.
func CountPatchFiles(patch string) int {
	if patch == "" {
		return 0
	}
	var git, plus int
	for line := range strings.SplitSeq(patch, "\n") {
		switch {
		case strings.HasPrefix(line, "diff --git "):
			git++
		case strings.HasPrefix(line, "+++ "):
			plus++
		}
	}
	if git > 0 {
		return git
	}
	return plus
}

// decodeWrites validates each write independently and drops malformed ones.
func decodeWrites(raw json.RawMessage) ([]Write, int) {
	if len(raw) == 0 {
		return nil, 0
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, 0
	}
	writes := make([]Write, 0, len(items))
	dropped := 0
	for _, item := range items {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(item, &fields); err != nil {
			dropped++
			continue
		}
		path, ok := jsonString(fields["path"])
		if !ok || strings.TrimSpace(path) == "" {
			dropped++
			continue
		}
		content, ok := jsonString(fields["content"])
		if !ok {
			dropped++
			continue
		}
		writes = append(writes, Write{Path: path, Content: content})
	}
	if len(writes) == 0 {
		writes = nil
	}
	return writes, dropped
}

// jsonString decodes raw when it is a JSON string. Decoding null into a
// string succeeds without a value, so null is rejected up front.
func jsonString(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func decodePatch(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}
