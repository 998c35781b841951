package notifications

import (
	"github.com/go-playground/validator/v10"
	"github.com/hbashar434/easy-shop-backend/internal/domain"
)

// RecipientValidator checks recipient addresses against the format of a channel.
type RecipientValidator struct {
	validate *validator.Validate
	tag      string
}

// NewRecipientValidator returns the validator for the given channel.
func NewRecipientValidator(channel domain.ChannelType) *RecipientValidator {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("phone", func(fl validator.FieldLevel) bool {
		return domain.IsPhoneNumber(fl.Field().String())
	})

	tag := "required,email"
	if channel == domain.ChannelTypeSMS {
		tag = "required,phone"
	}

	return &RecipientValidator{validate: v, tag: tag}
}

// Valid reports whether recipient is acceptable for the channel.
func (v *RecipientValidator) Valid(recipient string) bool {
	return v.validate.Var(recipient, v.tag) == nil
}
