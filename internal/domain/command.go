package domain

import "strings"

// Command is one of the recognized text payloads accepted on the
// command topic. Payloads are exact and case-sensitive.
type Command string

const (
	CommandSettings   Command = "settings"
	CommandResetPulse Command = "resetPulseCounter"
	CommandReboot     Command = "reboot"
	CommandVersion    Command = "version"
	CommandStatus     Command = "status"

	// CommandUpdate is not a literal payload: any payload that looks
	// like a JSON object is treated as a settings update.
	CommandUpdate Command = "update"

	CommandUnknown Command = "unknown"
)

// ParseCommand classifies a raw command payload. The original payload
// is returned alongside so unknown and update commands keep their text.
func ParseCommand(payload string) (Command, string) {
	switch payload {
	case string(CommandSettings):
		return CommandSettings, payload
	case string(CommandResetPulse):
		return CommandResetPulse, payload
	case string(CommandReboot):
		return CommandReboot, payload
	case string(CommandVersion):
		return CommandVersion, payload
	case string(CommandStatus):
		return CommandStatus, payload
	}
	if strings.HasPrefix(strings.TrimSpace(payload), "{") {
		return CommandUpdate, payload
	}
	return CommandUnknown, payload
}

// Topic suffixes appended to the device base topic.
const (
	TopicMoisture = "percent"
	TopicReading  = "value"
	TopicPeriod   = "period"
	TopicCommand  = "command"
	TopicResponse = "command/response"
)
