package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	TypeProperty     = "Property"
	TypeRelationship = "Relationship"
)

// StringList is a list of strings whose wire form may also be a single
// string. Empty entries are dropped on decode.
type StringList []string

func (l *StringList) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*l = nil
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			*l = nil
			return nil
		}
		*l = StringList{s}
		return nil
	}
	var raw []string
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("string or list of strings expected: %w", err)
	}
	out := make(StringList, 0, len(raw))
	for _, s := range raw {
		if s != "" {
			out = append(out, s)
		}
	}
	*l = out
	return nil
}

func (l StringList) MarshalJSON() ([]byte, error) {
	if len(l) == 1 {
		return json.Marshal(l[0])
	}
	return json.Marshal([]string(l))
}

// First returns the first entry or "".
func (l StringList) First() string {
	if len(l) == 0 {
		return ""
	}
	return l[0]
}

// ContainsFold reports whether l contains s, ignoring case.
func (l StringList) ContainsFold(s string) bool {
	for _, v := range l {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

// FlexString decodes a JSON string, bool, number or {"value": ...} object
// into its textual form.
type FlexString string

func (f *FlexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	switch b[0] {
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexString(s)
	case '{':
		var wrapped struct {
			Value FlexString `json:"value"`
		}
		if err := json.Unmarshal(b, &wrapped); err != nil {
			return err
		}
		*f = wrapped.Value
	default:
		*f = FlexString(b)
	}
	return nil
}

func (f FlexString) String() string { return string(f) }

// Property is an NGSI-LD property with a typed value.
type Property[T any] struct {
	Type       string     `json:"type,omitempty"`
	Value      T          `json:"value"`
	ObservedAt *time.Time `json:"observedAt,omitempty"`
	UnitCode   string     `json:"unitCode,omitempty"`
}

func NewProperty[T any](v T) *Property[T] {
	return &Property[T]{Type: TypeProperty, Value: v}
}

// ValueOf returns the property value, or the zero value for a nil property.
func ValueOf[T any](p *Property[T]) T {
	if p == nil {
		var zero T
		return zero
	}
	return p.Value
}

// Relationship is an NGSI-LD relationship. Object is normalized to a list.
type Relationship struct {
	Type               string            `json:"type,omitempty"`
	Object             StringList        `json:"object,omitempty"`
	MonitoredAttribute *Property[string] `json:"monitoredAttribute,omitempty"`
}

func NewRelationship(ids ...string) *Relationship {
	return &Relationship{Type: TypeRelationship, Object: StringList(ids)}
}

// Target returns the first related id, or "" for a nil or empty relationship.
func (r *Relationship) Target() string {
	if r == nil {
		return ""
	}
	return r.Object.First()
}

// UnitProperty is a numeric property qualified by a unit such as "minutes".
// The unit may arrive as a plain string or as a nested property.
type UnitProperty struct {
	Type     string     `json:"type,omitempty"`
	Value    int        `json:"value"`
	Unit     FlexString `json:"unit,omitempty"`
	UnitCode string     `json:"unitCode,omitempty"`
}

// UnitName returns the unit, preferring "unit" over "unitCode".
func (u *UnitProperty) UnitName() string {
	if u == nil {
		return ""
	}
	if u.Unit != "" {
		return string(u.Unit)
	}
	return u.UnitCode
}

// Enabled reports whether the property is present with a positive value.
func (u *UnitProperty) Enabled() bool {
	return u != nil && u.Value > 0
}

func (u *UnitProperty) String() string {
	if u == nil {
		return ""
	}
	return strconv.Itoa(u.Value) + " " + u.UnitName()
}

// GeoPoint is a GeoJSON point.
type GeoPoint struct {
	Type        string    `json:"type"`
	Coordinates []float64 `json:"coordinates"`
}

func (p GeoPoint) String() string {
	parts := make([]string, 0, len(p.Coordinates))
	for _, c := range p.Coordinates {
		parts = append(parts, strconv.FormatFloat(c, 'f', -1, 64))
	}
	return strings.Join(parts, ",")
}

// NumberValue parses a JSON number, or a string holding one. NaN and the
// infinities are not numbers here.
func NumberValue(raw json.RawMessage) (float64, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
