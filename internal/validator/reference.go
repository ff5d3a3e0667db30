package validator

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/xkilldash9x/datalayer-validator/api/schemas"
)

// requiredReferenceFields must be present as strings on every reference entry.
var requiredReferenceFields = []string{"event", "event_category", "event_action", "event_label"}

// Field is one key/value pair of a reference entry, kept in document order.
type Field struct {
	Key   string
	Value any
}

// Entry is a single expected event from the reference document.
type Entry struct {
	Name   string
	Named  bool
	Fields []Field
}

// Reference is the parsed, ordered reference event set of a session.
type Reference struct {
	entries []Entry
}

// Len returns the number of reference entries.
func (r *Reference) Len() int {
	if r == nil {
		return 0
	}
	return len(r.entries)
}

// Entries returns the reference entries in document order.
func (r *Reference) Entries() []Entry {
	if r == nil {
		return nil
	}
	return r.entries
}

// Named returns every entry whose event name equals name, in reference order.
func (r *Reference) Named(name string) []Entry {
	var out []Entry
	for _, e := range r.Entries() {
		if e.Named && e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

// ParseReference turns a reference document into an ordered Reference.
// gjson is used instead of encoding/json so that field order survives parsing
// and error lists come out in the order the operator wrote them.
// Entries that are not objects are ignored. A nil or empty document yields an
// empty reference.
func ParseReference(raw []byte) (*Reference, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return &Reference{}, nil
	}
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("reference document is not valid JSON")
	}
	root := gjson.ParseBytes(raw)
	if !root.IsArray() {
		return nil, fmt.Errorf("reference document must be a JSON array, got %s", typeName(root))
	}

	ref := &Reference{}
	root.ForEach(func(_, item gjson.Result) bool {
		if !item.IsObject() {
			return true
		}
		var entry Entry
		item.ForEach(func(key, value gjson.Result) bool {
			v := resultValue(value)
			if key.Str == "event" {
				entry.Named = true
				entry.Name = schemas.Stringify(v)
			}
			entry.Fields = append(entry.Fields, Field{Key: key.Str, Value: v})
			return true
		})
		ref.entries = append(ref.entries, entry)
		return true
	})
	return ref, nil
}

// ReferenceError describes a structural problem in an uploaded reference document.
type ReferenceError struct {
	Index  int
	Field  string
	Reason string
}

func (e *ReferenceError) Error() string {
	if e.Index < 0 {
		return e.Reason
	}
	if e.Field == "" {
		return fmt.Sprintf("item %d: %s", e.Index, e.Reason)
	}
	return fmt.Sprintf("item %d: field %q %s", e.Index, e.Field, e.Reason)
}

// ValidateReferenceDocument performs the structural check applied when a
// session is created: a JSON array of objects, each carrying the required
// string fields. Additional fields are allowed; user_type may be a string or null.
func ValidateReferenceDocument(raw []byte) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return &ReferenceError{Index: -1, Reason: "reference document is empty"}
	}
	if !gjson.ValidBytes(raw) {
		return &ReferenceError{Index: -1, Reason: "reference document is not valid JSON"}
	}
	root := gjson.ParseBytes(raw)
	if !root.IsArray() {
		return &ReferenceError{Index: -1, Reason: "reference document must be a JSON array"}
	}

	var errs []error
	for i, item := range root.Array() {
		if !item.IsObject() {
			errs = append(errs, &ReferenceError{Index: i, Reason: "must be an object"})
			continue
		}
		for _, field := range requiredReferenceFields {
			v := item.Get(gjsonKey(field))
			switch {
			case !v.Exists():
				errs = append(errs, &ReferenceError{Index: i, Field: field, Reason: "is required"})
			case v.Type != gjson.String:
				errs = append(errs, &ReferenceError{Index: i, Field: field, Reason: "must be a string"})
			}
		}
		if ut := item.Get("user_type"); ut.Exists() && ut.Type != gjson.String && ut.Type != gjson.Null {
			errs = append(errs, &ReferenceError{Index: i, Field: "user_type", Reason: "must be a string or null"})
		}
	}
	return errors.Join(errs...)
}

// resultValue converts a gjson result into the same shapes encoding/json
// produces with UseNumber, so reference and captured values compare alike.
func resultValue(r gjson.Result) any {
	switch r.Type {
	case gjson.Null:
		return nil
	case gjson.True:
		return true
	case gjson.False:
		return false
	case gjson.Number:
		return json.Number(r.Raw)
	case gjson.String:
		return r.Str
	default:
		dec := json.NewDecoder(bytes.NewReader([]byte(r.Raw)))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err != nil {
			return r.Raw
		}
		return v
	}
}

func typeName(r gjson.Result) string {
	switch {
	case r.IsObject():
		return "object"
	case r.Type == gjson.String:
		return "string"
	case r.Type == gjson.Number:
		return "number"
	case r.Type == gjson.True, r.Type == gjson.False:
		return "boolean"
	case r.Type == gjson.Null:
		return "null"
	default:
		return "unknown"
	}
}

// gjsonKey escapes path metacharacters so a field name is matched literally.
func gjsonKey(key string) string {
	var b bytes.Buffer
	for _, c := range key {
		switch c {
		case '.', '*', '?', '|', '#', '@', '\\', '!', '=', '<', '>', '%':
			b.WriteByte('\\')
		}
		b.WriteRune(c)
	}
	return b.String()
}
