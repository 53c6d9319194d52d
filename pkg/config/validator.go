package config

import (
	"regexp"

	"github.com/go-playground/validator/v10"
)

var channelPrefixPattern = regexp.MustCompile(`^[a-zA-Z0-9:_.-]*$`)

// RegisterCustomValidators registers custom validation functions
func RegisterCustomValidators(v *validator.Validate) error {
	return v.RegisterValidation("channel_prefix", validateChannelPrefix)
}

// validateChannelPrefix accepts Redis-safe channel prefixes.
func validateChannelPrefix(fl validator.FieldLevel) bool {
	return channelPrefixPattern.MatchString(fl.Field().String())
}
