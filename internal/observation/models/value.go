package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	dErrors "verity/pkg/domain-errors"
)

// ValueKind enumerates the closed set of field value types. Observations
// tolerate unknown field names, not unknown value shapes: keeping the value
// domain closed is what makes merge comparisons deterministic.
type ValueKind string

const (
	KindNull   ValueKind = "null"
	KindString ValueKind = "string"
	KindNumber ValueKind = "number"
	KindBool   ValueKind = "bool"
	KindList   ValueKind = "list"
)

// FieldValue is a tagged value: exactly one representation is meaningful for
// a given Kind. The zero value is null.
type FieldValue struct {
	Kind ValueKind
	Str  string
	Num  float64
	Bool bool
	List []FieldValue
}

func Null() FieldValue                { return FieldValue{Kind: KindNull} }
func String(s string) FieldValue     { return FieldValue{Kind: KindString, Str: s} }
func Number(n float64) FieldValue    { return FieldValue{Kind: KindNumber, Num: n} }
func Bool(b bool) FieldValue         { return FieldValue{Kind: KindBool, Bool: b} }
func List(vs ...FieldValue) FieldValue {
	return FieldValue{Kind: KindList, List: vs}
}

// Canonical returns a deterministic string form used for equality and set
// union. Two values are the same member iff their canonical forms match.
func (v FieldValue) Canonical() string {
	switch v.Kind {
	case KindString:
		return "s:" + v.Str
	case KindNumber:
		return "n:" + strconv.FormatFloat(v.Num, 'g', -1, 64)
	case KindBool:
		return "b:" + strconv.FormatBool(v.Bool)
	case KindList:
		parts := make([]string, len(v.List))
		for i, item := range v.List {
			parts[i] = item.Canonical()
		}
		return "l:[" + strings.Join(parts, ",") + "]"
	default:
		return "null"
	}
}

// Equal reports canonical equality.
func (v FieldValue) Equal(other FieldValue) bool {
	return v.Canonical() == other.Canonical()
}

// Union merges two list values as a set, preserving first-appearance order.
// Non-list operands are treated as single-element lists, so accumulate works
// for scalar observations too. This is the default combine function for the
// accumulate strategy; policies may supply their own.
func Union(acc, next FieldValue) FieldValue {
	members := make([]FieldValue, 0, 4)
	seen := make(map[string]struct{})
	appendMember := func(v FieldValue) {
		key := v.Canonical()
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		members = append(members, v)
	}
	for _, v := range flatten(acc) {
		appendMember(v)
	}
	for _, v := range flatten(next) {
		appendMember(v)
	}
	return FieldValue{Kind: KindList, List: members}
}

func flatten(v FieldValue) []FieldValue {
	if v.Kind == KindList {
		return v.List
	}
	if v.Kind == KindNull {
		return nil
	}
	return []FieldValue{v}
}

// MarshalJSON renders the natural JSON form: strings as strings, numbers as
// numbers, lists as arrays. The tag is recovered on unmarshal from the JSON
// type, which is unambiguous because the value domain is closed.
func (v FieldValue) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindString:
		return json.Marshal(v.Str)
	case KindNumber:
		return json.Marshal(v.Num)
	case KindBool:
		return json.Marshal(v.Bool)
	case KindList:
		if v.List == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.List)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON accepts the natural JSON form. Objects are rejected: nested
// documents belong in their own observations, not in a field value.
func (v *FieldValue) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		*v = Null()
		return nil
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = String(s)
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		*v = Bool(b)
	case '[':
		var list []FieldValue
		if err := json.Unmarshal(data, &list); err != nil {
			return err
		}
		*v = FieldValue{Kind: KindList, List: list}
	case '{':
		return dErrors.New(dErrors.CodeInvalidInput, "object field values are not supported")
	default:
		var n float64
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("invalid field value %s: %w", trimmed, err)
		}
		*v = Number(n)
	}
	return nil
}

// FieldNames returns the sorted field names of a field map. Sorting keeps
// every iteration over observation fields deterministic.
func FieldNames(fields map[string]FieldValue) []string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
