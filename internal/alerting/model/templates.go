package model

const (
	EmailTemplatePrefix = "urn:ngsi-ld:EmailTemplate:Email"
	SmsTemplatePrefix   = "urn:ngsi-ld:SMSTemplate:Sms"
)

// Notice is the kind of message sent to recipients.
type Notice string

const (
	NoticeFirstAlarm        Notice = "FirstAlarm"
	NoticeReturnToNormal    Notice = "ReturnToNormal"
	NoticeFirstAcknowledge  Notice = "FirstAcknowledge"
	NoticeRepeatAcknowledge Notice = "RepeatAcknowledge"
	NoticeRepeat            Notice = "Repeat"
	NoticeTimeout           Notice = "Timeout"
)

var emailTemplateNames = map[Notice]string{
	NoticeFirstAlarm:        "SensorFirstAlarm",
	NoticeReturnToNormal:    "ReturnToNormal",
	NoticeFirstAcknowledge:  "FirstAcknowledgeAlarm",
	NoticeRepeatAcknowledge: "RepetAcknowledgeAlarm",
	NoticeRepeat:            "SensorRepetAlarm",
	NoticeTimeout:           "SensorTimeoutAlarm",
}

var smsTemplateNames = map[Notice]string{
	NoticeFirstAlarm:        "SmsSensorFirstAlarm",
	NoticeReturnToNormal:    "SmsReturnToNormal",
	NoticeFirstAcknowledge:  "SmsFirstAcknowledgeAlarm",
	NoticeRepeatAcknowledge: "SmsRepetAcknowledgeAlarm",
	NoticeRepeat:            "SmsSensorRepetAlarm",
	NoticeTimeout:           "SmsTimeoutAlarm",
}

// EmailTemplateID is the context-store id of the email template for n,
// e.g. urn:ngsi-ld:EmailTemplate:EmailSensorFirstAlarm.
func (n Notice) EmailTemplateID() string { return EmailTemplatePrefix + emailTemplateNames[n] }

// SmsTemplateID is the context-store id of the SMS template for n,
// e.g. urn:ngsi-ld:SMSTemplate:SmsSmsSensorFirstAlarm.
func (n Notice) SmsTemplateID() string { return SmsTemplatePrefix + smsTemplateNames[n] }

// EventType is the human label passed to templates.
func (n Notice) EventType() string {
	switch n {
	case NoticeFirstAlarm:
		return "First Alarm"
	case NoticeReturnToNormal:
		return "Return To Normal"
	case NoticeFirstAcknowledge:
		return "Acknowledged"
	case NoticeRepeatAcknowledge:
		return "Acknowledged Reminder"
	case NoticeRepeat:
		return "Repeated Alarm"
	case NoticeTimeout:
		return "Timeout"
	}
	return string(n)
}
