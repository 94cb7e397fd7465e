package logger

import "go.uber.org/zap"

// Field constructors for identifiers that show up in most log lines.

// UserID tags a log line with a user id.
func UserID(id string) zap.Field { return zap.String("user_id", id) }

// ConversationID tags a log line with a conversation id.
func ConversationID(id string) zap.Field { return zap.String("conversation_id", id) }

// MessageID tags a log line with a message id.
func MessageID(id string) zap.Field { return zap.String("message_id", id) }

// ConnID tags a log line with a realtime connection handle.
func ConnID(id string) zap.Field { return zap.String("conn_id", id) }

// Event tags a log line with a realtime event name.
func Event(name string) zap.Field { return zap.String("event", name) }
