package common

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// subjectIDWrapper wrapper structure for validating a subject ID
type subjectIDWrapper struct {
	SubjectID string `validate:"required,max=256,printascii"`
}

// eventNameWrapper wrapper structure for validating an event name
type eventNameWrapper struct {
	EventName string `validate:"required,max=128,printascii"`
}

// ValidateSubjectID validate the string is usable as a live connection subject ID
func ValidateSubjectID(subjectID string, validate *validator.Validate) error {
	if err := validate.Struct(&subjectIDWrapper{SubjectID: subjectID}); err != nil {
		return fmt.Errorf("invalid subject ID '%s': %w", subjectID, err)
	}
	return nil
}

// ValidateEventName validate the string is usable as a push event name
func ValidateEventName(eventName string, validate *validator.Validate) error {
	if err := validate.Struct(&eventNameWrapper{EventName: eventName}); err != nil {
		return fmt.Errorf("invalid event name '%s': %w", eventName, err)
	}
	return nil
}
