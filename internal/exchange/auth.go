package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strconv"
	"time"
)

// Credentials holds the API key pair used for HMAC-signed trading requests.
type Credentials struct {
	APIKey string `json:"apiKey"`
	Secret string `json:"secret"`
}

// Signer produces HMAC-SHA256 request signatures for private venue
// endpoints. The signed message is "timestamp + method + path [+ body]".
//
// Venues hand out secrets in several base64 flavors; decoding tries each
// in turn and falls back to the raw bytes for plain-text secrets.
type Signer struct {
	creds Credentials
}

// NewSigner creates a signer from an API key pair.
func NewSigner(apiKey, secret string) *Signer {
	return &Signer{creds: Credentials{APIKey: apiKey, Secret: secret}}
}

// HasCredentials returns whether an API key pair is configured.
func (s *Signer) HasCredentials() bool {
	return s.creds.APIKey != "" && s.creds.Secret != ""
}

// Headers generates the auth headers for a private endpoint call.
func (s *Signer) Headers(method, path, body string) map[string]string {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)

	return map[string]string{
		"X-API-KEY":   s.creds.APIKey,
		"X-TIMESTAMP": timestamp,
		"X-SIGNATURE": s.buildHMAC(timestamp, method, path, body),
	}
}

// buildHMAC computes the HMAC-SHA256 signature.
// message = timestamp + method + requestPath [+ body]
func (s *Signer) buildHMAC(timestamp, method, path, body string) string {
	decoders := []*base64.Encoding{
		base64.URLEncoding,
		base64.RawURLEncoding,
		base64.StdEncoding,
		base64.RawStdEncoding,
	}

	var secretBytes []byte
	var err error
	for _, dec := range decoders {
		secretBytes, err = dec.DecodeString(s.creds.Secret)
		if err == nil {
			break
		}
	}
	if err != nil {
		// Plain-text secret
		secretBytes = []byte(s.creds.Secret)
	}

	message := timestamp + method + path
	if body != "" {
		message += body
	}

	mac := hmac.New(sha256.New, secretBytes)
	mac.Write([]byte(message))
	return base64.URLEncoding.EncodeToString(mac.Sum(nil))
}
