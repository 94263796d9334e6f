// Package configmap reads and rewrites one string entry of a ConfigMap JSON
// document, leaving every other field untouched.
package configmap

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	jsonpatch "github.com/evanphx/json-patch/v5"
)

// ErrMalformedRemoteState is wrapped by every MalformedRemoteStateError.
var ErrMalformedRemoteState = errors.New("malformed remote state")

// MalformedRemoteStateError reports a fetched document without the expected
// structure.
type MalformedRemoteStateError struct {
	Path   string
	Reason string
}

func (e *MalformedRemoteStateError) Error() string {
	return fmt.Sprintf("malformed remote state at %s: %s", e.Path, e.Reason)
}

func (e *MalformedRemoteStateError) Unwrap() error { return ErrMalformedRemoteState }

type document struct {
	Data map[string]json.RawMessage `json:"data"`
}

// Extract returns the string stored under data.<key>.
func Extract(raw []byte, key string) (string, error) {
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", &MalformedRemoteStateError{Path: "$", Reason: fmt.Sprintf("decode JSON: %v", err)}
	}
	if doc.Data == nil {
		return "", &MalformedRemoteStateError{Path: "data", Reason: "field missing"}
	}
	value, ok := doc.Data[key]
	if !ok {
		return "", &MalformedRemoteStateError{Path: "data." + key, Reason: "key missing"}
	}
	if bytes.Equal(bytes.TrimSpace(value), []byte("null")) {
		return "", &MalformedRemoteStateError{Path: "data." + key, Reason: "value is null"}
	}
	var s string
	if err := json.Unmarshal(value, &s); err != nil {
		return "", &MalformedRemoteStateError{Path: "data." + key, Reason: "value is not a string"}
	}
	return s, nil
}

// Replace sets data.<key> to value. The key must already exist; use Extract
// first to validate the document.
func Replace(raw []byte, key, value string) ([]byte, error) {
	ops := []map[string]any{{
		"op":    "replace",
		"path":  "/data/" + escapePointer(key),
		"value": value,
	}}
	patchJSON, err := json.Marshal(ops)
	if err != nil {
		return nil, fmt.Errorf("encode patch: %w", err)
	}
	patch, err := jsonpatch.DecodePatch(patchJSON)
	if err != nil {
		return nil, fmt.Errorf("decode patch: %w", err)
	}
	out, err := patch.Apply(raw)
	if err != nil {
		return nil, &MalformedRemoteStateError{Path: "data." + key, Reason: fmt.Sprintf("apply patch: %v", err)}
	}
	return out, nil
}

// escapePointer escapes a JSON Pointer reference token (RFC 6901).
func escapePointer(token string) string {
	return strings.NewReplacer("~", "~0", "/", "~1").Replace(token)
}
