package validator

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

type ValidationErrors map[string]string

func (v ValidationErrors) HasErrors() bool {
	return len(v) > 0
}

func (v ValidationErrors) Add(field, message string) {
	v[field] = message
}

var channelNameRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)

// SendLimits bounds an outbound message.
type SendLimits struct {
	MaxRecipients    int
	MaxMessageLength int
}

// ValidateSend checks an outbound message before anything is persisted.
// Content length is counted in characters, not bytes.
func ValidateSend(senderID string, recipients []string, content, msgType, channel string, limits SendLimits) ValidationErrors {
	errs := make(ValidationErrors)

	if strings.TrimSpace(senderID) == "" {
		errs.Add("sender_id", "Sender is required")
	}

	if len(recipients) == 0 {
		errs.Add("recipients", "At least one recipient is required")
	} else if limits.MaxRecipients > 0 && len(recipients) > limits.MaxRecipients {
		errs.Add("recipients", fmt.Sprintf("Too many recipients (max %d)", limits.MaxRecipients))
	} else {
		for _, r := range recipients {
			if strings.TrimSpace(r) == "" {
				errs.Add("recipients", "Recipient ids cannot be empty")
				break
			}
		}
	}

	if content == "" {
		errs.Add("content", "Content is required")
	} else if limits.MaxMessageLength > 0 && utf8.RuneCountInString(content) > limits.MaxMessageLength {
		errs.Add("content", fmt.Sprintf("Content is too long (max %d characters)", limits.MaxMessageLength))
	}

	switch msgType {
	case "", "group", "broadcast":
	case "direct":
		if channel == "" && len(recipients) > 1 {
			errs.Add("type", "Direct messages must have exactly one recipient")
		}
	default:
		errs.Add("type", "Message type must be direct, group, or broadcast")
	}

	return errs
}

func ValidateChannel(name, chType string, participants []string) ValidationErrors {
	errs := make(ValidationErrors)

	name = strings.TrimSpace(name)
	if chType != "direct" {
		if name == "" {
			errs.Add("name", "Channel name is required")
		} else if len(name) > 100 {
			errs.Add("name", "Channel name is too long")
		} else if !channelNameRegex.MatchString(name) {
			errs.Add("name", "Channel name can only contain letters, numbers, _ . : and -")
		}
	}

	switch chType {
	case "group", "topic", "broadcast":
	case "direct":
		if len(participants) != 2 || participants[0] == participants[1] {
			errs.Add("participants", "Direct channels need exactly two distinct participants")
		}
	default:
		errs.Add("type", "Channel type must be direct, group, topic, or broadcast")
	}

	return errs
}

func ValidateSubscriptionStatus(status string) ValidationErrors {
	errs := make(ValidationErrors)
	if status != "active" && status != "muted" && status != "blocked" {
		errs.Add("status", "Subscription status must be active, muted, or blocked")
	}
	return errs
}
