package middleware

import (
	"errors"
	"unicode/utf8"

	"github.com/townsim-ai/dialogue-engine/internal/model"
)

// ValidateConversationID validates a conversation id.
func ValidateConversationID(id string) error {
	if !model.ValidConversationID(id) {
		return errors.New("invalid conversation ID format")
	}
	return nil
}

// ValidateAgentID validates an agent id.
func ValidateAgentID(id string) error {
	if len(id) == 0 {
		return errors.New("agent ID cannot be empty")
	}
	if len(id) > 64 {
		return errors.New("agent ID exceeds maximum length")
	}
	if !utf8.ValidString(id) {
		return errors.New("agent ID must be valid UTF-8")
	}
	return nil
}

// ValidateDisplayName validates an agent display name.
func ValidateDisplayName(name string) error {
	if len(name) == 0 {
		return errors.New("display name cannot be empty")
	}
	if len(name) > 128 {
		return errors.New("display name exceeds maximum length")
	}
	if !utf8.ValidString(name) {
		return errors.New("display name must be valid UTF-8")
	}
	return nil
}

// ValidateTopic validates a conversation topic.
func ValidateTopic(topic string) error {
	if len(topic) > 256 {
		return errors.New("topic exceeds maximum length")
	}
	if !utf8.ValidString(topic) {
		return errors.New("topic must be valid UTF-8")
	}
	return nil
}

// ValidateMessageContent validates externally injected message text.
func ValidateMessageContent(content string) error {
	if len(content) == 0 {
		return errors.New("content cannot be empty")
	}
	if len(content) > 2000 {
		return errors.New("content exceeds maximum length")
	}
	if !utf8.ValidString(content) {
		return errors.New("content must be valid UTF-8")
	}
	return nil
}
