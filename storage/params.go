package storage

import (
	"fmt"

	"github.com/giantswarm/oauth-ext/security"
)

// sensitiveParams returns pointers to the pushed parameters that carry user data
// or signed material and are encrypted at rest.
//
// SECURITY: login_hint identifies the end user, request/claims may embed PII,
// authorization_details may describe payments or account numbers.
func sensitiveParams(p *PushedParams) map[string]*string {
	return map[string]*string{
		"request":               &p.Request,
		"claims":                &p.Claims,
		"login_hint":            &p.LoginHint,
		"authorization_details": &p.AuthorizationDetails,
	}
}

// EncryptPushedParams returns a copy of p with the sensitive fields encrypted.
// If encryptor is nil or disabled, p is returned unchanged.
func EncryptPushedParams(p PushedParams, encryptor *security.Encryptor) (PushedParams, error) {
	if encryptor == nil || !encryptor.IsEnabled() {
		return p, nil
	}
	for name, field := range sensitiveParams(&p) {
		if *field == "" {
			continue
		}
		encrypted, err := encryptor.Encrypt(*field)
		if err != nil {
			return PushedParams{}, fmt.Errorf("failed to encrypt pushed parameter %s: %w", name, err)
		}
		*field = encrypted
	}
	return p, nil
}

// DecryptPushedParams reverses EncryptPushedParams.
func DecryptPushedParams(p PushedParams, encryptor *security.Encryptor) (PushedParams, error) {
	if encryptor == nil || !encryptor.IsEnabled() {
		return p, nil
	}
	for name, field := range sensitiveParams(&p) {
		if *field == "" {
			continue
		}
		decrypted, err := encryptor.Decrypt(*field)
		if err != nil {
			return PushedParams{}, fmt.Errorf("failed to decrypt pushed parameter %s: %w", name, err)
		}
		*field = decrypted
	}
	return p, nil
}
