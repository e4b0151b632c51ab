package auth

import (
	"context"
	"crypto"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

type tokenHeader struct {
	Alg string `json:"alg"`
	Kid string `json:"kid"`
}

// Claims holds the subset of JWT claims the service acts on.
type Claims struct {
	Subject   string     `json:"sub"`
	Roles     stringList `json:"roles"`
	Issuer    string     `json:"iss"`
	Audience  stringList `json:"aud"`
	ExpiresAt int64      `json:"exp"`
	NotBefore int64      `json:"nbf"`
}

// stringList accepts both a JSON array and a bare string, which OIDC
// providers emit interchangeably for roles and aud.
type stringList []string

func (s *stringList) UnmarshalJSON(b []byte) error {
	var many []string
	if err := json.Unmarshal(b, &many); err == nil {
		*s = many
		return nil
	}
	var one string
	if err := json.Unmarshal(b, &one); err != nil {
		return err
	}
	if one != "" {
		*s = stringList{one}
	}
	return nil
}

func (s stringList) contains(expected string) bool {
	for _, v := range s {
		if v == expected {
			return true
		}
	}
	return false
}

func (c Claims) validate(now time.Time, issuer, audience string) error {
	if c.Subject == "" {
		return errors.New("missing subject")
	}
	if c.ExpiresAt == 0 || now.Unix() >= c.ExpiresAt {
		return errors.New("token expired")
	}
	if c.NotBefore != 0 && now.Unix() < c.NotBefore {
		return errors.New("token not yet valid")
	}
	if issuer != "" && c.Issuer != issuer {
		return errors.New("issuer mismatch")
	}
	if audience != "" && !c.Audience.contains(audience) {
		return errors.New("audience mismatch")
	}
	return nil
}

type token struct {
	header tokenHeader
	claims Claims
	// signingInput is header.payload, the bytes the signature covers.
	signingInput string
	signature    []byte
}

func parseToken(raw string) (token, error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return token{}, errors.New("malformed token")
	}
	headerRaw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return token{}, err
	}
	payloadRaw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return token{}, err
	}
	signature, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return token{}, err
	}
	var t token
	if err := json.Unmarshal(headerRaw, &t.header); err != nil {
		return token{}, err
	}
	if err := json.Unmarshal(payloadRaw, &t.claims); err != nil {
		return token{}, err
	}
	t.signingInput = parts[0] + "." + parts[1]
	t.signature = signature
	return t, nil
}

type verifier interface {
	verify(ctx context.Context, t token) error
}

type hs256Verifier struct {
	secret []byte
}

func (v hs256Verifier) verify(_ context.Context, t token) error {
	if len(v.secret) == 0 {
		return errors.New("signing secret not configured")
	}
	if !strings.EqualFold(t.header.Alg, "HS256") {
		return errors.New("unexpected signing algorithm")
	}
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(t.signingInput))
	if !hmac.Equal(t.signature, mac.Sum(nil)) {
		return errors.New("signature mismatch")
	}
	return nil
}

type rs256Verifier struct {
	keys *keySet
}

func (v rs256Verifier) verify(ctx context.Context, t token) error {
	if !strings.EqualFold(t.header.Alg, "RS256") {
		return errors.New("unexpected signing algorithm")
	}
	if strings.TrimSpace(t.header.Kid) == "" {
		return errors.New("missing kid")
	}
	pub, err := v.keys.lookup(ctx, t.header.Kid)
	if err != nil {
		return err
	}
	digest := sha256.Sum256([]byte(t.signingInput))
	return rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], t.signature)
}
