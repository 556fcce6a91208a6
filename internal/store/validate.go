package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// ValidateContent checks content against the schema of kind and returns it
// in compact form. Invalid input is rejected, never coerced.
func ValidateContent(kind ArchetypeKind, content json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(content)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, fmt.Errorf("content is required: %w", ErrValidation)
	}
	if !json.Valid(trimmed) {
		return nil, fmt.Errorf("content is not valid JSON: %w", ErrValidation)
	}

	switch kind {
	case KindBuild:
	case KindTask:
		if _, err := ParseTaskContent(trimmed); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown archetype kind %q: %w", kind, ErrValidation)
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return nil, fmt.Errorf("content is not valid JSON: %w", ErrValidation)
	}
	return buf.Bytes(), nil
}

// ParseTaskContent decodes and validates task archetype content.
// num_jobs must be a positive integer and pipeline a non-empty string.
func ParseTaskContent(content json.RawMessage) (TaskContent, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(content, &raw); err != nil {
		return TaskContent{}, fmt.Errorf("task content must be a JSON object: %w", ErrValidation)
	}

	numRaw, okNum := raw["num_jobs"]
	pipeRaw, okPipe := raw["pipeline"]
	if !okNum || !okPipe {
		return TaskContent{}, fmt.Errorf("num_jobs and pipeline are required: %w", ErrValidation)
	}

	// json.Number also accepts a quoted "3", so decode into any.
	var v any
	dec := json.NewDecoder(bytes.NewReader(numRaw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return TaskContent{}, fmt.Errorf("num_jobs must be a positive integer: %w", ErrValidation)
	}
	num, ok := v.(json.Number)
	if !ok {
		return TaskContent{}, fmt.Errorf("num_jobs must be a positive integer: %w", ErrValidation)
	}
	n, err := num.Int64()
	if err != nil || n < 1 || n > int64(maxJobs) {
		return TaskContent{}, fmt.Errorf("num_jobs must be a positive integer: %w", ErrValidation)
	}

	var pipeline string
	if err := json.Unmarshal(pipeRaw, &pipeline); err != nil || strings.TrimSpace(pipeline) == "" {
		return TaskContent{}, fmt.Errorf("pipeline must be a non-empty string: %w", ErrValidation)
	}

	return TaskContent{NumJobs: int(n), Pipeline: pipeline}, nil
}

// maxJobs keeps num_jobs inside a PostgreSQL INTEGER column.
const maxJobs = 1<<31 - 1

// ParseBuildContent extracts the worker-relevant fields of a build archetype.
// Content that is not an object yields an empty BuildContent.
func ParseBuildContent(content json.RawMessage) BuildContent {
	var bc BuildContent
	if err := json.Unmarshal(content, &bc); err != nil {
		return BuildContent{}
	}
	return bc
}
