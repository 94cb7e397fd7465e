package service

import (
	"strings"

	"github.com/google/uuid"

	"github.com/campswap/messaging/internal/apperr"
)

// checkConversationID rejects ids that cannot name a stored conversation, so
// every transport reports the same error kind for the same input.
func checkConversationID(id string) error {
	if strings.TrimSpace(id) == "" {
		return apperr.Validation("conversationId is required")
	}
	if _, err := uuid.Parse(id); err != nil {
		return apperr.Validation("invalid conversation ID format")
	}
	return nil
}
