package automation

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
)

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignatureAcceptsPrefixedAndBareHex(t *testing.T) {
	body := []byte(`{"hello":"world"}`)
	digest := sign("s3cr3t", body)

	assert.True(t, VerifySignature("s3cr3t", body, "sha256="+digest))
	assert.True(t, VerifySignature("s3cr3t", body, digest))
	assert.False(t, VerifySignature("s3cr3t", body, "sha256=deadbeef"))
}

func TestVerifySignatureNoSecretConfiguredSkipsCheck(t *testing.T) {
	assert.True(t, VerifySignature("", []byte("anything"), ""))
}

func TestSignatureFromHeadersPrefersHubSignature(t *testing.T) {
	assert.Equal(t, "a", SignatureFromHeaders("a", "b"))
	assert.Equal(t, "b", SignatureFromHeaders("", "b"))
}

func TestMergeWebhookVariablesPrecedence(t *testing.T) {
	automationVars := map[string]string{"repo": "org/repo", "env": "staging"}
	mappings := map[string]string{"env": "environment"}
	payload := []byte(`{"environment": "prod", "variables": {"env": "canary"}}`)

	merged := MergeWebhookVariables(automationVars, mappings, payload)
	assert.Equal(t, "org/repo", merged["repo"])
	// payload.variables{} wins over webhook_mappings, which wins over
	// automation.variables.
	assert.Equal(t, "canary", merged["env"])
}
