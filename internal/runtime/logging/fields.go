package logging

// Field names shared by client and server log entries.
const (
	FieldPattern       = "pattern"
	FieldCorrelationID = "correlation_id"
	FieldInstanceID    = "instance_id"
	FieldTopic         = "topic"
	FieldSubscription  = "subscription"
	FieldMessageID     = "message_id"
	FieldOrderingKey   = "ordering_key"
)

// MessageFields returns the fields identifying one message. Empty values are
// left out.
func MessageFields(pattern, correlationID, messageID string) LogFields {
	fields := LogFields{}
	if pattern != "" {
		fields[FieldPattern] = pattern
	}
	if correlationID != "" {
		fields[FieldCorrelationID] = correlationID
	}
	if messageID != "" {
		fields[FieldMessageID] = messageID
	}
	return fields
}
