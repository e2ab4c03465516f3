package validator

import (
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	inviteCodePattern  = regexp.MustCompile(`^[A-Z0-9]{6}$`)
	clockTimePattern   = regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]$`)
	displayNamePattern = regexp.MustCompile(`^[\p{L}\p{N} .'-]+$`)
)

type Validator struct {
	validate *validator.Validate
}

func New() *Validator {
	v := validator.New()

	// Custom validators
	v.RegisterValidation("invite_code", validateInviteCode)
	v.RegisterValidation("display_name", validateDisplayName)
	v.RegisterValidation("clock_time", validateClockTime)

	return &Validator{validate: v}
}

func (v *Validator) Validate(i interface{}) error {
	return v.validate.Struct(i)
}

// Invite codes are six uppercase alphanumerics, rolled server-side.
func validateInviteCode(fl validator.FieldLevel) bool {
	return inviteCodePattern.MatchString(fl.Field().String())
}

func validateDisplayName(fl validator.FieldLevel) bool {
	name := strings.TrimSpace(fl.Field().String())
	if name == "" || len(name) > 64 {
		return false
	}
	return displayNamePattern.MatchString(name)
}

// Clock times on custom schedules are 24h "HH:MM".
func validateClockTime(fl validator.FieldLevel) bool {
	return clockTimePattern.MatchString(fl.Field().String())
}
