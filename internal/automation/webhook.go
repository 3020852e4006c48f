package automation

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// VerifySignature validates an HMAC-SHA256 signature over rawBody using
// secret, accepting either a "sha256=<hex>" prefixed value or a bare hex
// digest.
func VerifySignature(secret string, rawBody []byte, signatureHeader string) bool {
	if secret == "" {
		return true // no secret configured: signature check is skipped
	}
	if signatureHeader == "" {
		return false
	}

	sig := strings.TrimPrefix(signatureHeader, "sha256=")
	given, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(rawBody)
	expected := mac.Sum(nil)

	return hmac.Equal(given, expected)
}

// SignatureFromHeaders picks the signature value from whichever of the two
// accepted headers is present, preferring X-Hub-Signature-256.
func SignatureFromHeaders(hubSig256, webhookSig string) string {
	if hubSig256 != "" {
		return hubSig256
	}
	return webhookSig
}

// payloadVariables extracts top-level string-ish fields from a JSON payload
// under a `variables` key, e.g. `{"variables": {"pr_number": "42"}}`.
func payloadVariables(payload map[string]any) map[string]string {
	out := make(map[string]string)
	raw, ok := payload["variables"].(map[string]any)
	if !ok {
		return out
	}
	for k, v := range raw {
		out[k] = fmt.Sprintf("%v", v)
	}
	return out
}

// resolveMappedVariables maps webhook_mappings (variable name -> top-level
// payload field name) against the parsed payload.
func resolveMappedVariables(mappings map[string]string, payload map[string]any) map[string]string {
	out := make(map[string]string)
	for varName, fieldPath := range mappings {
		if v, ok := payload[fieldPath]; ok {
			out[varName] = fmt.Sprintf("%v", v)
		}
	}
	return out
}

// MergeWebhookVariables implements the merge precedence:
// automation.variables < webhook_mappings < payload.variables{...}.
func MergeWebhookVariables(automationVars map[string]string, mappings map[string]string, rawPayload []byte) map[string]string {
	var payload map[string]any
	_ = json.Unmarshal(rawPayload, &payload) // malformed/empty payload just yields no mapped/payload vars

	merged := make(map[string]string, len(automationVars))
	for k, v := range automationVars {
		merged[k] = v
	}
	for k, v := range resolveMappedVariables(mappings, payload) {
		merged[k] = v
	}
	for k, v := range payloadVariables(payload) {
		merged[k] = v
	}
	return merged
}
