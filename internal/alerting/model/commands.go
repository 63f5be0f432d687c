package model

// Command is an outbound message published on the event bus.
type Command interface {
	CommandName() string
}

// CreateEmailCommand asks the email service to send one message.
type CreateEmailCommand struct {
	ToEmail  string `json:"toEmail"`
	ToName   string `json:"toName"`
	Subject  string `json:"subject"`
	BodyHTML string `json:"bodyHtml"`
	Tenant   string `json:"tenant,omitempty"`
}

func (CreateEmailCommand) CommandName() string { return "CreateEmailCommand" }

// CreateSmsCommand asks the SMS service to send one message.
type CreateSmsCommand struct {
	PhoneNumber string `json:"phoneNumber"`
	Message     string `json:"message"`
	Tenant      string `json:"tenant,omitempty"`
	MessageType string `json:"messageType"`
}

func (CreateSmsCommand) CommandName() string { return "CreateSmsCommand" }

// AlarmEvaluated is emitted after an evaluation has been persisted.
type AlarmEvaluated struct {
	Tenant      string `json:"tenant,omitempty"`
	SensorID    string `json:"sensorId"`
	PropertyKey string `json:"propertyKey"`
	MetadataKey string `json:"metadataKey"`
	AlarmID     string `json:"alarmId"`
}
