// signer.go implements the Signer (C3): a pure function of its inputs that
// produces Kraken's authenticated request signature and header set. No
// state, no network calls.
//
// signature = HMAC-SHA512(base64_decoded_secret, path_bytes || SHA256(nonce_string || urlencoded_post_params))
package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
)

// Signer holds the API key pair used to authenticate private REST and WS
// requests. It carries no mutable state; Sign is a pure function of its
// arguments plus the held secret.
type Signer struct {
	apiKey string
	secret []byte // base64-decoded API secret
}

// NewSigner decodes the base64 API secret once at construction so Sign
// never has to handle a decode error.
func NewSigner(apiKey, base64Secret string) (*Signer, error) {
	secret, err := base64.StdEncoding.DecodeString(base64Secret)
	if err != nil {
		return nil, fmt.Errorf("decode api secret: %w", err)
	}
	return &Signer{apiKey: apiKey, secret: secret}, nil
}

// APIKey returns the public half of the key pair, for the API-Key header.
func (s *Signer) APIKey() string {
	return s.apiKey
}

// Sign computes Kraken's API-Sign header value for a private REST call.
//
//	path:          e.g. "/0/private/AddOrder"
//	nonce:         the decimal nonce string, identical to the one present
//	               in postData's "nonce" field
//	postData:      the urlencoded POST body, including "nonce"
func (s *Signer) Sign(path, nonce, postData string) string {
	shaSum := sha256.Sum256([]byte(nonce + postData))

	mac := hmac.New(sha512.New, s.secret)
	mac.Write([]byte(path))
	mac.Write(shaSum[:])
	sig := mac.Sum(nil)

	return base64.StdEncoding.EncodeToString(sig)
}

// Headers returns the {API-Key, API-Sign} header set for a signed request.
func (s *Signer) Headers(path, nonce, postData string) map[string]string {
	return map[string]string{
		"API-Key":  s.apiKey,
		"API-Sign": s.Sign(path, nonce, postData),
	}
}
