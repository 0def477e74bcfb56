package types

import (
	"encoding/json"
	"strings"
	"unicode"
)

const (
	maxKeyLength = 200
	maxDataBytes = 65536
)

// IsValidTopic checks a topic key: 1-200 characters, no whitespace
func IsValidTopic(topic string) bool {
	return isValidKey(topic)
}

// IsValidActor checks an actor identity with the same rules as topics
func IsValidActor(actor string) bool {
	return isValidKey(actor)
}

func isValidKey(key string) bool {
	if len(key) < 1 || len(key) > maxKeyLength {
		return false
	}
	return strings.IndexFunc(key, unicode.IsSpace) < 0
}

// Validate checks that exactly one target is set and an envelope is present
func (m *BackboneMessage) Validate() error {
	if m.Envelope == nil {
		return ErrMissingEnvelope
	}
	if (m.Topic == "") == (m.Actor == "") {
		return ErrAmbiguousTarget
	}
	if m.Topic != "" && !IsValidTopic(m.Topic) {
		return ErrInvalidTopic
	}
	if m.Actor != "" && !IsValidActor(m.Actor) {
		return ErrInvalidActor
	}
	return nil
}

// ValidateData checks the serialized size of an event payload
func ValidateData(data map[string]interface{}) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if len(b) > maxDataBytes {
		return ErrContentTooLarge
	}
	return nil
}
