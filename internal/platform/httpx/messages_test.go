package httpx

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPrinterLanguageSelection(t *testing.T) {
	tests := []struct {
		name           string
		acceptLanguage string
		want           string
	}{
		{"no header falls back to english", "", MsgInvalidCredentials},
		{"spanish", "es", "El correo electrónico o la contraseña no es válido."},
		{"regional spanish", "es-PE,es;q=0.9,en;q=0.5", "El correo electrónico o la contraseña no es válido."},
		{"unsupported language falls back", "fr-FR,fr;q=0.9", MsgInvalidCredentials},
		{"garbage header falls back", ";;;", MsgInvalidCredentials},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			if tt.acceptLanguage != "" {
				r.Header.Set("Accept-Language", tt.acceptLanguage)
			}
			got := Printer(r).Sprintf(MsgInvalidCredentials)
			assert.Equal(t, tt.want, got)
		})
	}
}
