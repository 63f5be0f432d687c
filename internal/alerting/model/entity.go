package model

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

// MetadataPrefix prefixes the sibling property that carries the alarm
// relationships of a monitored attribute.
const MetadataPrefix = "metadata_"

// MetadataKey returns the metadata property name for an attribute.
func MetadataKey(attribute string) string { return MetadataPrefix + attribute }

// Entity is an NGSI-LD entity of any type. Attributes other than id, type
// and @context are kept undecoded in Attrs.
type Entity struct {
	ID      string
	Type    string
	Context json.RawMessage
	Attrs   map[string]json.RawMessage
}

func (e *Entity) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("entity must be a JSON object")
	}
	e.ID, e.Type, e.Context = "", "", nil
	if v, ok := raw["id"]; ok {
		if err := json.Unmarshal(v, &e.ID); err != nil {
			return fmt.Errorf("entity id: %w", err)
		}
		delete(raw, "id")
	}
	if v, ok := raw["type"]; ok {
		if err := json.Unmarshal(v, &e.Type); err != nil {
			return fmt.Errorf("entity type: %w", err)
		}
		delete(raw, "type")
	}
	if v, ok := raw["@context"]; ok {
		e.Context = v
		delete(raw, "@context")
	}
	e.Attrs = raw
	return nil
}

func (e Entity) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(e.Attrs)+3)
	for k, v := range e.Attrs {
		out[k] = v
	}
	id, _ := json.Marshal(e.ID)
	out["id"] = id
	if e.Type != "" {
		t, _ := json.Marshal(e.Type)
		out["type"] = t
	}
	if len(e.Context) > 0 {
		out["@context"] = e.Context
	}
	return json.Marshal(out)
}

// Attr looks up an attribute by exact name, then case-insensitively.
func (e *Entity) Attr(name string) (json.RawMessage, string, bool) {
	if v, ok := e.Attrs[name]; ok {
		return v, name, true
	}
	for k, v := range e.Attrs {
		if strings.EqualFold(k, name) {
			return v, k, true
		}
	}
	return nil, "", false
}

// MonitoredAttribute is a measured attribute paired with its metadata.
type MonitoredAttribute struct {
	Key         string
	MetadataKey string
	Value       SourceProperty
	Metadata    MetaProperty
}

// MonitoredAttributes returns the attributes that have a sibling metadata
// property carrying a non-empty alarmRule relationship, sorted by key.
func (e *Entity) MonitoredAttributes() ([]MonitoredAttribute, []error) {
	var (
		out  []MonitoredAttribute
		errs []error
	)
	for _, key := range slices.Sorted(maps.Keys(e.Attrs)) {
		if strings.HasPrefix(strings.ToLower(key), MetadataPrefix) {
			continue
		}
		metaRaw, metaKey, ok := e.Attr(MetadataKey(key))
		if !ok {
			continue
		}
		var meta MetaProperty
		if err := json.Unmarshal(metaRaw, &meta); err != nil {
			errs = append(errs, fmt.Errorf("attribute %s: decode %s: %w", key, metaKey, err))
			continue
		}
		if meta.AlarmRule.Target() == "" {
			continue
		}
		var prop SourceProperty
		if err := json.Unmarshal(e.Attrs[key], &prop); err != nil {
			errs = append(errs, fmt.Errorf("attribute %s: decode value: %w", key, err))
			continue
		}
		out = append(out, MonitoredAttribute{Key: key, MetadataKey: metaKey, Value: prop, Metadata: meta})
	}
	return out, errs
}

// SourceProperty is a measured attribute on a monitored entity.
type SourceProperty struct {
	Type       string          `json:"type,omitempty"`
	Value      json.RawMessage `json:"value"`
	ObservedAt *time.Time      `json:"observedAt,omitempty"`
	UnitCode   string          `json:"unitCode,omitempty"`
	Unit       FlexString      `json:"unit,omitempty"`
}

// Number returns the numeric value of the property.
func (p *SourceProperty) Number() (float64, bool) { return NumberValue(p.Value) }

// UnitName returns the unit of the measurement, if any.
func (p *SourceProperty) UnitName() string {
	if p.UnitCode != "" {
		return p.UnitCode
	}
	return string(p.Unit)
}

// MetaProperty is the metadata sibling of a monitored attribute. Sub-attributes
// not modelled here are preserved in Extra so that writing the property back
// does not drop them.
type MetaProperty struct {
	Type         string
	Value        json.RawMessage
	AlarmRule    *Relationship
	Alarm        *Relationship
	Notification *Relationship
	Extra        map[string]json.RawMessage
}

var metaKnown = map[string]string{
	"type":         "type",
	"value":        "value",
	"alarmrule":    "alarmRule",
	"alarm":        "alarm",
	"notification": "notification",
}

func (m *MetaProperty) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*m = MetaProperty{}
	for k, v := range raw {
		var err error
		switch metaKnown[strings.ToLower(k)] {
		case "type":
			err = json.Unmarshal(v, &m.Type)
		case "value":
			m.Value = v
		case "alarmRule":
			err = json.Unmarshal(v, &m.AlarmRule)
		case "alarm":
			err = json.Unmarshal(v, &m.Alarm)
		case "notification":
			err = json.Unmarshal(v, &m.Notification)
		default:
			if m.Extra == nil {
				m.Extra = map[string]json.RawMessage{}
			}
			m.Extra[k] = v
		}
		if err != nil {
			return fmt.Errorf("metadata %s: %w", k, err)
		}
	}
	return nil
}

func (m MetaProperty) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Extra)+5)
	for k, v := range m.Extra {
		out[k] = v
	}
	typ := m.Type
	if typ == "" {
		typ = TypeProperty
	}
	out["type"] = typ
	if len(m.Value) > 0 {
		out["value"] = m.Value
	}
	if m.AlarmRule != nil {
		out["alarmRule"] = m.AlarmRule
	}
	if m.Alarm != nil {
		out["alarm"] = m.Alarm
	}
	if m.Notification != nil {
		out["notification"] = m.Notification
	}
	return json.Marshal(out)
}
