package masking

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskSecretKeepsPrefixAndSuffix(t *testing.T) {
	assert.Equal(t, "sk_live_****cdef", MaskSecret("sk_live_0123456789abcdef"))
	assert.Equal(t, "****", MaskSecret("abc"))
	assert.Equal(t, "", MaskSecret("   "))
}

func TestMaskSensitiveOnlyTouchesCredentialKeys(t *testing.T) {
	in := map[string]any{
		"full_number": "A/2025/0006",
		"api_key":     "vf_0123456789",
		"issuer": map[string]any{
			"tax_id": "B12345678",
			"token":  "abcdefgh",
		},
	}

	out := MaskSensitive(in)

	assert.Equal(t, "A/2025/0006", out["full_number"])
	assert.Equal(t, "vf_****6789", out["api_key"])
	issuer := out["issuer"].(map[string]any)
	assert.Equal(t, "B12345678", issuer["tax_id"])
	assert.Equal(t, "****efgh", issuer["token"])
	assert.Equal(t, "vf_0123456789", in["api_key"], "input must not be mutated")
}
