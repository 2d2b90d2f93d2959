package chat

import (
	"strings"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"

	"github.com/konfihub/konfichat/core"
)

var (
	// custom validation tags & texts
	roomKindTag  = "roomkind"
	roomKindText = "invalid room type"

	notBlankTag  = "notblank"
	notBlankText = "this field cannot be blank"
)

// InitValidators registers the chat domain's custom validators.
func InitValidators(validate *validator.Validate, translator ut.Translator) {
	_ = validate.RegisterValidation(roomKindTag, roomKindValidation)
	core.RegisterCustomTranslation(validate, translator, roomKindTag, roomKindText)

	_ = validate.RegisterValidation(notBlankTag, notBlankValidation)
	core.RegisterCustomTranslation(validate, translator, notBlankTag, notBlankText)
}

// roomKindValidation checks that the provided room type is one of RoomKinds.
func roomKindValidation(fl validator.FieldLevel) bool {
	kind := fl.Field().String()
	for _, k := range RoomKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// notBlankValidation rejects whitespace-only strings.
func notBlankValidation(fl validator.FieldLevel) bool {
	if str, ok := fl.Field().Interface().(string); ok {
		return strings.TrimSpace(str) != ""
	}
	return false
}
