package middleware

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"partnerhub/pkg/protocol"
)

// SignHS256JWT builds a compact JWT using HS256 with the given payload.
func SignHS256JWT(payload map[string]interface{}, secret string) (string, error) {
	if secret == "" {
		return "", errors.New("empty signing secret")
	}
	headerJSON, err := json.Marshal(map[string]string{"alg": "HS256", "typ": "JWT"})
	if err != nil {
		return "", err
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	enc := base64.RawURLEncoding.EncodeToString
	signing := enc(headerJSON) + "." + enc(payloadJSON)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signing))
	return signing + "." + enc(mac.Sum(nil)), nil
}

// IdentityToken mints a token for identity valid for ttl (no exp when ttl <= 0).
func IdentityToken(identity protocol.Identity, secret string, ttl time.Duration) (string, error) {
	if err := identity.Validate(); err != nil {
		return "", err
	}
	now := time.Now()
	payload := map[string]interface{}{
		"sub":   identity.ID,
		"role":  string(identity.Role),
		"roles": []string{string(identity.Role)},
		"iat":   now.Unix(),
	}
	if ttl > 0 {
		payload["exp"] = now.Add(ttl).Unix()
	}
	return SignHS256JWT(payload, secret)
}

// validateHS256JWT verifies an HS256 JWT and returns its payload as a generic map.
// Time claims (exp/nbf/iat) are checked when present.
func validateHS256JWT(token, secret string, now time.Time) (map[string]interface{}, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, errors.New("invalid token format")
	}
	headerB64, payloadB64, sigB64 := parts[0], parts[1], parts[2]

	headerJSON, err := base64.RawURLEncoding.DecodeString(headerB64)
	if err != nil {
		return nil, errors.New("invalid header encoding")
	}
	var header map[string]interface{}
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return nil, errors.New("invalid header json")
	}
	if alg, _ := header["alg"].(string); alg != "" && alg != "HS256" {
		return nil, errors.New("unsupported alg")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(headerB64 + "." + payloadB64))
	sig, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil {
		return nil, errors.New("invalid signature encoding")
	}
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return nil, errors.New("invalid signature")
	}

	payloadJSON, err := base64.RawURLEncoding.DecodeString(payloadB64)
	if err != nil {
		return nil, errors.New("invalid payload encoding")
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(payloadJSON, &payload); err != nil {
		return nil, errors.New("invalid payload json")
	}

	nowSec := now.Unix()
	checks := []struct {
		key string
		ok  func(int64) bool
	}{
		{"nbf", func(sec int64) bool { return nowSec >= sec }},
		{"iat", func(sec int64) bool { return nowSec >= sec }},
		{"exp", func(sec int64) bool { return nowSec < sec }},
	}
	for _, chk := range checks {
		if v, ok := payload[chk.key].(float64); ok && !chk.ok(int64(v)) {
			return nil, errors.New("token time constraint failed: " + chk.key)
		}
	}
	return payload, nil
}

// identityFromClaims extracts sub/user_id and the role claim.
// A "roles" list is accepted when "role" is absent; the first known role wins.
func identityFromClaims(claims map[string]interface{}) (protocol.Identity, error) {
	var id string
	for _, key := range []string{"user_id", "sub"} {
		switch v := claims[key].(type) {
		case string:
			id = strings.TrimSpace(v)
		case float64:
			id = fmt.Sprintf("%.0f", v)
		}
		if id != "" {
			break
		}
	}

	var role protocol.Role
	if r, ok := claims["role"].(string); ok {
		role = protocol.Role(strings.TrimSpace(r))
	}
	if role == "" {
		for _, r := range normalizeStringList(claims["roles"]) {
			if protocol.Role(r).Valid() {
				role = protocol.Role(r)
				break
			}
		}
	}

	identity := protocol.Identity{ID: id, Role: role}
	if err := identity.Validate(); err != nil {
		return protocol.Identity{}, err
	}
	return identity, nil
}

func normalizeStringList(v interface{}) []string {
	var raw []string
	switch t := v.(type) {
	case []string:
		raw = t
	case []interface{}:
		for _, it := range t {
			if s, ok := it.(string); ok {
				raw = append(raw, s)
			}
		}
	case string:
		raw = strings.Split(t, ",")
	}
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
