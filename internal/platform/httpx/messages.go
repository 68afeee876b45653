package httpx

import (
	"net/http"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// User-facing message keys. The English string doubles as the catalog key.
const (
	MsgUnexpected         = "Something went wrong. Please try again."
	MsgInvalidCredentials = "The email or password is not valid."
	MsgTooManyAttempts    = "Too many attempts. Please wait and try again."
)

var supported = language.NewMatcher([]language.Tag{
	language.English, // fallback
	language.Spanish,
})

func init() {
	for key, es := range map[string]string{
		MsgUnexpected:         "Ocurrió un error inesperado. Intenta nuevamente.",
		MsgInvalidCredentials: "El correo electrónico o la contraseña no es válido.",
		MsgTooManyAttempts:    "Demasiados intentos. Espera un momento y vuelve a intentarlo.",
	} {
		_ = message.SetString(language.Spanish, key, es)
	}
}

// Printer selects a message printer from the request's Accept-Language.
func Printer(r *http.Request) *message.Printer {
	tags, _, err := language.ParseAcceptLanguage(r.Header.Get("Accept-Language"))
	if err != nil || len(tags) == 0 {
		return message.NewPrinter(language.English)
	}
	tag, _, _ := supported.Match(tags...)
	return message.NewPrinter(tag)
}
