package mail

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender(t *testing.T) {
	subject, body, err := render(Message{
		To:   "ana@example.com",
		Kind: KindVerification,
		Params: map[string]string{
			"name": "Ana",
			"link": "http://localhost:8080/auth/verify-email?token=abc",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "Verify your email address", subject)
	assert.Contains(t, body, "Ana")
	assert.Contains(t, body, "http://localhost:8080/auth/verify-email?token=abc")

	subject, body, err = render(Message{Kind: KindWelcome, Params: map[string]string{"name": "Ana"}})
	require.NoError(t, err)
	assert.Equal(t, "Welcome to the library", subject)
	assert.Contains(t, body, "Happy reading")

	_, _, err = render(Message{Kind: Kind("newsletter")})
	assert.Error(t, err)
}
