package domain

import "fmt"

// ConnackCode is the closed enumeration of MQTT connection outcomes.
// The numeric values match the classic client library codes so they can
// be reported verbatim in status documents.
type ConnackCode int8

const (
	CodeConnectionRefused           ConnackCode = -2
	CodeConnectionTimeout           ConnackCode = -1
	CodeSuccess                     ConnackCode = 0
	CodeUnacceptableProtocolVersion ConnackCode = 1
	CodeIdentifierRejected          ConnackCode = 2
	CodeServerUnavailable           ConnackCode = 3
	CodeBadCredentials              ConnackCode = 4
	CodeNotAuthorized               ConnackCode = 5
)

// String returns the human-readable name of the code.
func (c ConnackCode) String() string {
	switch c {
	case CodeConnectionRefused:
		return "connection refused"
	case CodeConnectionTimeout:
		return "connection timeout"
	case CodeSuccess:
		return "success"
	case CodeUnacceptableProtocolVersion:
		return "unacceptable protocol version"
	case CodeIdentifierRejected:
		return "identifier rejected"
	case CodeServerUnavailable:
		return "server unavailable"
	case CodeBadCredentials:
		return "bad user name or password"
	case CodeNotAuthorized:
		return "not authorized"
	}
	return fmt.Sprintf("unknown code %d", int8(c))
}

// MqttError wraps an underlying client error with its taxonomy code.
// The supervisor reports these; retry policy belongs to the caller.
type MqttError struct {
	Code ConnackCode
	Err  error
}

func (e *MqttError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("mqtt: %s: %v", e.Code, e.Err)
	}
	return "mqtt: " + e.Code.String()
}

func (e *MqttError) Unwrap() error { return e.Err }
