// Package envelope encodes and decodes the saga envelope: a JSON object of
// opaque business fields plus the reserved integer "stage" marker.
package envelope

import (
	"bytes"
	"sort"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
)

// StageKey is the reserved wire key carrying the stage marker.
const StageKey = "stage"

// Stage is the 0-indexed ordinal of the last stage that handled an envelope.
type Stage int

// Unstaged marks an envelope that carries no stage key on the wire.
const Unstaged Stage = -1

var (
	ErrReservedKey = errors.New("stage is a reserved envelope key")
	ErrNilEnvelope = errors.New("envelope is nil")
	ErrNoField     = errors.New("envelope field not found")
)

// Envelope is the unit of work flowing through the pipeline.
//
// Fields holds compacted JSON values keyed by field name. It never contains
// StageKey; the marker lives in Stage.
type Envelope struct {
	Fields map[string]json.RawMessage
	Stage  Stage
}

// New returns an empty, unstaged envelope.
func New() *Envelope {
	return &Envelope{
		Fields: make(map[string]json.RawMessage),
		Stage:  Unstaged,
	}
}

// Staged reports whether the envelope carries a stage marker.
func (e *Envelope) Staged() bool {
	return e.Stage >= 0
}

// Stamp sets the stage marker, replacing any previous value.
func (e *Envelope) Stamp(stage Stage) {
	e.Stage = stage
}

// Marshal returns the JSON encoding of v without HTML escaping, so raw
// messages inside v are copied as they are.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}

// Set stores the JSON encoding of value under key.
func (e *Envelope) Set(key string, value any) error {
	if key == StageKey {
		return ErrReservedKey
	}
	raw, err := Marshal(value)
	if err != nil {
		return errors.Wrapf(err, "failed to encode field %q", key)
	}
	if e.Fields == nil {
		e.Fields = make(map[string]json.RawMessage)
	}
	e.Fields[key] = raw
	return nil
}

// Get decodes the field stored under key into v.
func (e *Envelope) Get(key string, v any) error {
	raw, ok := e.Fields[key]
	if !ok {
		return errors.Wrapf(ErrNoField, "field %q", key)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.Wrapf(err, "failed to decode field %q", key)
	}
	return nil
}

// Has reports whether a field named key exists.
func (e *Envelope) Has(key string) bool {
	_, ok := e.Fields[key]
	return ok
}

// Delete removes the field named key.
func (e *Envelope) Delete(key string) {
	delete(e.Fields, key)
}

// Keys returns the field names in sorted order.
func (e *Envelope) Keys() []string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a deep copy of the envelope.
func (e *Envelope) Clone() *Envelope {
	clone := &Envelope{
		Fields: make(map[string]json.RawMessage, len(e.Fields)),
		Stage:  e.Stage,
	}
	for k, v := range e.Fields {
		clone.Fields[k] = append(json.RawMessage(nil), v...)
	}
	return clone
}

// Decode parses a JSON object into an envelope. Anything else, including
// null, arrays and scalars, fails with a *DecodeError, as does a stage value
// that is not a non-negative integer.
func Decode(data []byte) (*Envelope, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, &DecodeError{Reason: "empty payload"}
	}
	if trimmed[0] != '{' {
		return nil, &DecodeError{Reason: "payload is not a JSON object"}
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, &DecodeError{Reason: "malformed JSON", Err: err}
	}

	env := &Envelope{
		Fields: make(map[string]json.RawMessage, len(raw)),
		Stage:  Unstaged,
	}
	for key, value := range raw {
		if key == StageKey {
			stage, err := parseStage(value)
			if err != nil {
				return nil, err
			}
			env.Stage = stage
			continue
		}

		var buf bytes.Buffer
		if err := json.Compact(&buf, value); err != nil {
			return nil, &DecodeError{Reason: "malformed field " + strconv.Quote(key), Err: err}
		}
		env.Fields[key] = buf.Bytes()
	}

	return env, nil
}

// Encode renders the envelope as a JSON object with sorted keys. The stage
// key is written only for staged envelopes. Field values are written as
// stored, so a field survives any number of hops byte for byte.
func Encode(e *Envelope) ([]byte, error) {
	if e == nil {
		return nil, ErrNilEnvelope
	}

	keys := make([]string, 0, len(e.Fields)+1)
	size := 2
	for k, v := range e.Fields {
		if k == StageKey {
			continue
		}
		keys = append(keys, k)
		size += len(k) + len(v) + 4
	}
	if e.Staged() {
		keys = append(keys, StageKey)
		size += len(StageKey) + 16
	}
	sort.Strings(keys)

	buf := bytes.NewBuffer(make([]byte, 0, size))
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := Marshal(k)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to encode key %q", k)
		}
		buf.Write(name)
		buf.WriteByte(':')

		if k == StageKey {
			buf.WriteString(strconv.Itoa(int(e.Stage)))
			continue
		}
		value := e.Fields[k]
		if len(value) == 0 {
			return nil, errors.Errorf("failed to encode envelope: field %q is empty", k)
		}
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func parseStage(raw json.RawMessage) (Stage, error) {
	n, err := strconv.Atoi(string(bytes.TrimSpace(raw)))
	if err != nil {
		return Unstaged, &DecodeError{Reason: "stage is not an integer", Err: err}
	}
	if n < 0 {
		return Unstaged, &DecodeError{Reason: "stage is negative"}
	}
	return Stage(n), nil
}
