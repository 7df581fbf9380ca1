// ABOUTME: The stored result envelope: a JSON value XOR a captured failure.
// ABOUTME: JobError is the deserializable rendition of a handler's error.
package task

import (
	"encoding/json"
	"fmt"
)

// JobError is a handler failure captured into the result column. It
// round-trips through JSON so the process that stored it and the process
// that retrieves it need not share anything beyond this type.
type JobError struct {
	// Kind is the Go type of the original error, e.g. "*exec.Error".
	Kind string `json:"kind"`
	// Message is the original Error() text.
	Message string `json:"message"`
}

func (e *JobError) Error() string {
	return fmt.Sprintf("job failed (%s): %s", e.Kind, e.Message)
}

// envelope is the wire form of the result column. Exactly one field is set.
type envelope struct {
	Value json.RawMessage `json:"value,omitempty"`
	Error *JobError       `json:"error,omitempty"`
}

// EncodeValue wraps a handler's return value into a result envelope.
func EncodeValue(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode result value: %w", err)
	}
	env, err := json.Marshal(envelope{Value: raw})
	if err != nil {
		return nil, fmt.Errorf("encode result envelope: %w", err)
	}
	return env, nil
}

// EncodeError wraps a handler's error into a result envelope. Encoding a
// JobError cannot fail, so no error is returned.
func EncodeError(err error) json.RawMessage {
	env, mErr := json.Marshal(envelope{Error: &JobError{
		Kind:    fmt.Sprintf("%T", err),
		Message: err.Error(),
	}})
	if mErr != nil {
		// Both fields are plain strings; Marshal cannot fail on them.
		panic(mErr)
	}
	return env
}

// DecodeResult splits a stored envelope back into a value or a JobError.
// Exactly one of the two returns is non-nil on success.
func DecodeResult(raw json.RawMessage) (json.RawMessage, *JobError, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, nil, fmt.Errorf("decode result envelope: %w", err)
	}
	if env.Error != nil {
		return nil, env.Error, nil
	}
	return env.Value, nil, nil
}
