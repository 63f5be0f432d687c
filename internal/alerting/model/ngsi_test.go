package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStringList_Decode(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want StringList
	}{
		{name: "single string", in: `"urn:a"`, want: StringList{"urn:a"}},
		{name: "list", in: `["urn:a","urn:b"]`, want: StringList{"urn:a", "urn:b"}},
		{name: "empty string", in: `""`, want: nil},
		{name: "null", in: `null`, want: nil},
		{name: "drops empty entries", in: `["","urn:b"]`, want: StringList{"urn:b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got StringList
			require.NoError(t, json.Unmarshal([]byte(tt.in), &got))
			assert.Equal(t, tt.want, got)
		})
	}

	var bad StringList
	assert.Error(t, json.Unmarshal([]byte(`42`), &bad))
}

func TestFlexString_Decode(t *testing.T) {
	tests := []struct {
		in   string
		want FlexString
	}{
		{`"true"`, "true"},
		{`true`, "true"},
		{`5`, "5"},
		{`{"type":"Property","value":"minutes"}`, "minutes"},
		{`null`, ""},
	}
	for _, tt := range tests {
		var got FlexString
		require.NoError(t, json.Unmarshal([]byte(tt.in), &got), tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestNumberValue(t *testing.T) {
	v, ok := NumberValue(json.RawMessage(`95.5`))
	assert.True(t, ok)
	assert.Equal(t, 95.5, v)

	v, ok = NumberValue(json.RawMessage(`" 12 "`))
	assert.True(t, ok)
	assert.Equal(t, 12.0, v)

	_, ok = NumberValue(json.RawMessage(`"warm"`))
	assert.False(t, ok)
	_, ok = NumberValue(nil)
	assert.False(t, ok)

	for _, raw := range []string{`"NaN"`, `"Inf"`, `"+Inf"`, `"-Infinity"`, `"infinity"`} {
		_, ok = NumberValue(json.RawMessage(raw))
		assert.False(t, ok, raw)
	}
}

func TestEntity_MonitoredAttributes(t *testing.T) {
	raw := `{
		"id": "urn:ngsi-ld:Sensor:1",
		"type": "Sensor",
		"@context": "https://example.org/context.jsonld",
		"temperature": {"type": "Property", "value": 95, "unitCode": "CEL", "observedAt": "2025-01-02T03:04:05Z"},
		"metadata_temperature": {
			"type": "Property",
			"value": "meta",
			"AlarmRule": {"type": "Relationship", "object": "urn:ngsi-ld:AlarmRule:1"},
			"alarm": {"type": "Relationship", "object": ["urn:ngsi-ld:Alarm:1"]},
			"logRule": {"type": "Relationship", "object": "urn:ngsi-ld:LogRule:1"}
		},
		"humidity": {"type": "Property", "value": 40},
		"metadata_humidity": {"type": "Property", "value": "meta"},
		"pressure": {"type": "Property", "value": 1000}
	}`
	var e Entity
	require.NoError(t, json.Unmarshal([]byte(raw), &e))
	assert.Equal(t, "urn:ngsi-ld:Sensor:1", e.ID)
	assert.Equal(t, "Sensor", e.Type)
	assert.NotContains(t, e.Attrs, "id")

	attrs, errs := e.MonitoredAttributes()
	require.Empty(t, errs)
	require.Len(t, attrs, 1)
	a := attrs[0]
	assert.Equal(t, "temperature", a.Key)
	assert.Equal(t, "metadata_temperature", a.MetadataKey)
	assert.Equal(t, "urn:ngsi-ld:AlarmRule:1", a.Metadata.AlarmRule.Target())
	assert.Equal(t, "urn:ngsi-ld:Alarm:1", a.Metadata.Alarm.Target())
	v, ok := a.Value.Number()
	assert.True(t, ok)
	assert.Equal(t, 95.0, v)
	assert.Equal(t, "CEL", a.Value.UnitName())

	// unknown sub-attributes survive a round trip
	out, err := json.Marshal(a.Metadata)
	require.NoError(t, err)
	var back map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out, &back))
	assert.Contains(t, back, "logRule")
	assert.Contains(t, back, "alarmRule")
}

func TestEntity_MarshalKeepsAttrs(t *testing.T) {
	e := Entity{ID: "urn:x", Type: "Sensor", Attrs: map[string]json.RawMessage{"a": json.RawMessage(`{"value":1}`)}}
	b, err := json.Marshal(e)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"urn:x","type":"Sensor","a":{"value":1}}`, string(b))
}
