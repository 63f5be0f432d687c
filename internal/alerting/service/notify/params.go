package notify

import (
	"strconv"

	"github.com/qiniu/sensorwatch/internal/alerting/model"
)

const (
	ParamEventType        = "EventType"
	ParamSensorID         = "SensorId"
	ParamSensorName       = "SensorName"
	ParamSensorLocation   = "SensorLocation"
	ParamAlarmType        = "AlarmType"
	ParamAlarmDescription = "AlarmDescription"
	ParamAlarmStatus      = "AlarmStatus"
	ParamAttributeValue   = "AttributeValue"
	ParamAttributeUnit    = "AttributeUnit"
	ParamUserName         = "UserName"
)

// Parameters builds the template substitutions for a notice about alarm on
// the named sensor attribute.
func Parameters(notice model.Notice, sensorID, sensorName string, alarm *model.Alarm) map[string]string {
	p := map[string]string{
		ParamEventType:        notice.EventType(),
		ParamSensorID:         sensorID,
		ParamSensorName:       sensorName,
		ParamSensorLocation:   "Unknown",
		ParamAlarmType:        "Unknown",
		ParamAlarmDescription: "No description",
		ParamAttributeValue:   "N/A",
		ParamAttributeUnit:    "N/A",
	}
	if alarm == nil {
		return p
	}
	if alarm.Location != nil && len(alarm.Location.Value.Coordinates) > 0 {
		p[ParamSensorLocation] = alarm.Location.Value.String()
	}
	if v := model.ValueOf(alarm.Condition); v != "" {
		p[ParamAlarmType] = v
	}
	if v := model.ValueOf(alarm.Description); v != "" {
		p[ParamAlarmDescription] = v
	}
	p[ParamAlarmStatus] = model.ValueOf(alarm.Status)
	if m, ok := alarm.LastMeasurement(); ok {
		p[ParamAttributeValue] = strconv.FormatFloat(m.Value, 'f', -1, 64)
		if u := model.ValueOf(m.Unit); u != "" {
			p[ParamAttributeUnit] = u
		}
	}
	return p
}
