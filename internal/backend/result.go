package backend

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnparseableResult is returned when a result file is missing, empty,
// not a JSON object, or an object without any result field.
var ErrUnparseableResult = errors.New("unparseable result")

// Result is the structured outcome a worker leaves at its result path.
type Result struct {
	Success   bool               `json:"success"`
	Message   string             `json:"message,omitempty"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`
	Artifacts []string           `json:"artifacts,omitempty"`
}

// ResultDecoder is implemented by worker kinds whose output format differs
// from the generic result contract.
type ResultDecoder interface {
	DecodeResult(data []byte) (Result, error)
}

// resultDoc accepts the field spellings seen in worker output.
type resultDoc struct {
	Success   *bool                      `json:"success"`
	IsError   *bool                      `json:"is_error"`
	Message   string                     `json:"message"`
	Result    json.RawMessage            `json:"result"`
	Content   string                     `json:"content"`
	Error     string                     `json:"error"`
	Metrics   map[string]json.RawMessage `json:"metrics"`
	Artifacts []string                   `json:"artifacts"`
}

// ParseResult decodes a result file. A single JSON object is preferred;
// otherwise the last line holding a JSON object wins, which covers workers
// that stream JSON lines.
//
// The object must carry at least one of "success", "is_error", "message",
// "result", "content" or "error". Success is taken from "success", else the
// negation of "is_error", else assumed true. The message comes from "message", "result" (when a string),
// "content" or "error", in that order.
func ParseResult(data []byte) (Result, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return Result{}, fmt.Errorf("%w: empty result", ErrUnparseableResult)
	}

	doc, err := decodeResultDoc(trimmed)
	if err != nil {
		last, ok := lastJSONObject(trimmed)
		if !ok {
			return Result{}, err
		}
		doc = last
	}

	return doc.toResult(), nil
}

// resultFields are the keys of which a result object must carry at least one.
var resultFields = []string{"success", "is_error", "message", "result", "content", "error"}

// decodeResultDoc decodes one JSON object holding at least one result field.
// A null document or an object with none of the fields is rejected.
func decodeResultDoc(data []byte) (resultDoc, error) {
	if err := requireFields(data, resultFields...); err != nil {
		return resultDoc{}, err
	}
	var doc resultDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return resultDoc{}, fmt.Errorf("%w: %v", ErrUnparseableResult, err)
	}
	return doc, nil
}

// requireFields checks that data is a JSON object carrying at least one of
// the named keys.
func requireFields(data []byte, names ...string) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("%w: %v", ErrUnparseableResult, err)
	}
	if fields == nil {
		return fmt.Errorf("%w: null document", ErrUnparseableResult)
	}
	for _, name := range names {
		if _, ok := fields[name]; ok {
			return nil
		}
	}
	return fmt.Errorf("%w: none of %v present", ErrUnparseableResult, names)
}

func lastJSONObject(data []byte) (resultDoc, bool) {
	var (
		found bool
		last  resultDoc
	)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		if doc, err := decodeResultDoc(line); err == nil {
			last = doc
			found = true
		}
	}
	return last, found
}

func (d resultDoc) toResult() Result {
	r := Result{Success: true, Artifacts: d.Artifacts}
	switch {
	case d.Success != nil:
		r.Success = *d.Success
	case d.IsError != nil:
		r.Success = !*d.IsError
	}

	var resultText string
	if len(d.Result) > 0 {
		_ = json.Unmarshal(d.Result, &resultText)
	}
	for _, candidate := range []string{d.Message, resultText, d.Content, d.Error} {
		if candidate != "" {
			r.Message = candidate
			break
		}
	}

	for name, raw := range d.Metrics {
		var v float64
		if err := json.Unmarshal(raw, &v); err == nil {
			if r.Metrics == nil {
				r.Metrics = make(map[string]float64)
			}
			r.Metrics[name] = v
		}
	}
	return r
}
