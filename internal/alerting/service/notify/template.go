package notify

import (
	"encoding/json"
	"strings"
)

const (
	DefaultEmailSubject = "SensorsReport - Alarm Notification"
	DefaultEmailBody    = `Dear {{UserName}},</br>
The following alarm has occurred:</br>
Alarm Description: {{AlarmDescription}}</br>
Sensor Location: {{SensorLocation}}</br>
Sensor Name: {{SensorName}}</br>
Sensor ID: {{SensorId}}</br>
Current Value: {{AttributeValue}} {{AttributeUnit}}</br>
</br>
Regards,</br>
http://www.sensorsreport.com`
	DefaultSmsMessage = "{{AlarmDescription}} {{SensorId}} {{SensorName}} {{SensorLocation}} {{AlarmType}} {{AttributeValue}} {{AttributeUnit}}"
)

// Render replaces every {{key}} in tmpl with its value from params.
// Placeholders without a value are left as they are.
func Render(tmpl string, params map[string]string) string {
	if !strings.Contains(tmpl, "{{") {
		return tmpl
	}
	pairs := make([]string, 0, 2*len(params))
	for k, v := range params {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}

// unescape decodes text stored JSON-escaped (e.g. `Line\nbreak`), returning
// it unchanged when it is not valid escaped text.
func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var v string
	if err := json.Unmarshal([]byte(`"`+s+`"`), &v); err == nil {
		return v
	}
	r := strings.NewReplacer(`\"`, `"`, `\\`, `\`, `\n`, "\n", `\r`, "\r", `\t`, "\t", `\/`, "/")
	return r.Replace(s)
}
