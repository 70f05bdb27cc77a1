// Package telemetry normalizes per-request performance metrics reported
// by the inference backends in their own stream dialects.
package telemetry

import (
	"bufio"
	"bytes"
	"strings"

	"github.com/tidwall/gjson"
)

// Record is the normalized telemetry for one inference request. Pointer
// fields stay nil when a backend does not report the value, which
// serializes as JSON null.
type Record struct {
	InputTokens      *int64    `json:"input_tokens"`
	OutputTokens     *int64    `json:"output_tokens"`
	TTFTSeconds      *float64  `json:"time_to_first_token"`
	DecodeTPS        *float64  `json:"tokens_per_second"`
	DecodeTokenTimes []float64 `json:"decode_token_times,omitempty"`
	FinishReason     string    `json:"finish_reason,omitempty"`
}

// Empty reports whether no backend metric was extracted at all.
func (r *Record) Empty() bool {
	return r.InputTokens == nil && r.OutputTokens == nil &&
		r.TTFTSeconds == nil && r.DecodeTPS == nil &&
		len(r.DecodeTokenTimes) == 0 && r.FinishReason == ""
}

// merge folds metrics from one stream chunk into the record. Later chunks
// win, matching the backends' habit of reporting totals on the final
// chunk.
func (r *Record) merge(chunk gjson.Result) {
	// llama.cpp dialect: a "timings" object on the last chunk.
	if timings := chunk.Get("timings"); timings.Exists() {
		if v := timings.Get("prompt_n"); v.Exists() {
			r.InputTokens = int64Ptr(v.Int())
		}
		if v := timings.Get("predicted_n"); v.Exists() {
			r.OutputTokens = int64Ptr(v.Int())
		}
		if v := timings.Get("prompt_ms"); v.Exists() {
			r.TTFTSeconds = floatPtr(v.Float() / 1000.0)
		}
		if v := timings.Get("predicted_per_second"); v.Exists() {
			r.DecodeTPS = floatPtr(v.Float())
		}
	}

	// FLM dialect: a "usage" object with engine specific fields.
	if usage := chunk.Get("usage"); usage.Exists() {
		if v := usage.Get("prompt_tokens"); v.Exists() {
			r.InputTokens = int64Ptr(v.Int())
		}
		if v := usage.Get("completion_tokens"); v.Exists() {
			r.OutputTokens = int64Ptr(v.Int())
		}
		if v := usage.Get("prefill_duration_ttft"); v.Exists() {
			r.TTFTSeconds = floatPtr(v.Float())
		}
		if v := usage.Get("decoding_speed_tps"); v.Exists() {
			r.DecodeTPS = floatPtr(v.Float())
		}
	}

	if v := chunk.Get("choices.0.finish_reason"); v.Exists() && v.String() != "" {
		r.FinishReason = v.String()
	}
}

// ExtractFromTail parses the tail of an SSE response body and returns the
// telemetry found in it, or nil when nothing was extracted. Parse errors
// never propagate; a request must not fail because its metrics were
// malformed.
func ExtractFromTail(tail []byte) *Record {
	rec := &Record{}
	scanner := bufio.NewScanner(bytes.NewReader(tail))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		payload, ok := chunkPayload(scanner.Text())
		if !ok {
			continue
		}
		parsed := gjson.Parse(payload)
		if !parsed.IsObject() {
			continue
		}
		rec.merge(parsed)
	}
	if rec.Empty() {
		return nil
	}
	return rec
}

// ExtractFromBody parses a non-streaming JSON response body.
func ExtractFromBody(body []byte) *Record {
	parsed := gjson.ParseBytes(body)
	if !parsed.IsObject() {
		return nil
	}
	rec := &Record{}
	rec.merge(parsed)
	if rec.Empty() {
		return nil
	}
	return rec
}

// chunkPayload strips SSE framing or FLM stdout framing from a line and
// returns the JSON payload, if any.
func chunkPayload(line string) (string, bool) {
	line = strings.TrimSpace(line)
	switch {
	case strings.HasPrefix(line, "data:"):
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" || payload == "[DONE]" {
			return "", false
		}
		return payload, true
	case strings.HasPrefix(line, "ChatCompletionChunk:"):
		// FLM echoes each chunk on stdout in this form.
		return strings.TrimSpace(strings.TrimPrefix(line, "ChatCompletionChunk:")), true
	default:
		return "", false
	}
}

func int64Ptr(v int64) *int64 { return &v }

func floatPtr(v float64) *float64 { return &v }
