package payment

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/url"
	"time"

	"gopkg.in/square/go-jose.v2"
	"gopkg.in/square/go-jose.v2/jwt"

	"github.com/tollbooth-dev/tollbooth/config"
)

// CDPAuth mints short-lived JWT Bearer tokens for facilitators fronted by
// Coinbase Developer Platform credentials. Immutable after construction and
// safe for concurrent use; the parsed private key is cached.
type CDPAuth struct {
	keyName    string
	privateKey interface{}
}

// cdpClaims extends the standard claims with the CDP uri field:
// "{METHOD} {host}{path}".
type cdpClaims struct {
	*jwt.Claims
	URI string `json:"uri"`
}

const cdpTokenTTL = 2 * time.Minute

// NewCDPAuth parses the PEM-encoded ECDSA or Ed25519 private key and returns
// a token minter bound to the key name.
func NewCDPAuth(keyName, keySecret string) (*CDPAuth, error) {
	if keyName == "" {
		return nil, fmt.Errorf("cdp key name must not be empty")
	}

	block, _ := pem.Decode([]byte(keySecret))
	if block == nil {
		return nil, fmt.Errorf("cdp key secret is not valid PEM")
	}

	var privateKey interface{}
	privateKey, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		privateKey, err = x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse cdp private key: %w", err)
		}
	}

	switch privateKey.(type) {
	case *ecdsa.PrivateKey:
	case crypto.Signer:
	default:
		return nil, fmt.Errorf("unsupported cdp key type: must be ECDSA or Ed25519")
	}
	return &CDPAuth{keyName: keyName, privateKey: privateKey}, nil
}

// Provider adapts the minter to the AuthProvider shape, producing
// "Bearer <jwt>" per request.
func (a *CDPAuth) Provider() AuthProvider {
	return func(method, requestURL string) (string, error) {
		token, err := a.GenerateBearerToken(method, requestURL)
		if err != nil {
			return "", err
		}
		return "Bearer " + token, nil
	}
}

// GenerateBearerToken signs a 2-minute JWT whose uri claim names the request
// being authorized.
func (a *CDPAuth) GenerateBearerToken(method, requestURL string) (string, error) {
	u, err := url.Parse(requestURL)
	if err != nil {
		return "", fmt.Errorf("parse request url: %w", err)
	}

	alg := jose.EdDSA
	if _, ok := a.privateKey.(*ecdsa.PrivateKey); ok {
		alg = jose.ES256
	}

	sig, err := jose.NewSigner(
		jose.SigningKey{Algorithm: alg, Key: a.privateKey},
		(&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", a.keyName),
	)
	if err != nil {
		return "", fmt.Errorf("create jwt signer: %w", err)
	}

	now := time.Now()
	claims := &cdpClaims{
		Claims: &jwt.Claims{
			Subject:   a.keyName,
			Issuer:    "coinbase-cloud",
			NotBefore: jwt.NewNumericDate(now),
			Expiry:    jwt.NewNumericDate(now.Add(cdpTokenTTL)),
		},
		URI: fmt.Sprintf("%s %s%s", method, u.Host, u.Path),
	}

	token, err := jwt.Signed(sig).Claims(claims).CompactSerialize()
	if err != nil {
		return "", fmt.Errorf("sign jwt: %w", err)
	}
	return token, nil
}

// AuthFromConfig builds the AuthProvider for the configured facilitator auth,
// or nil when none is set. A static Authorization value wins over CDP keys.
func AuthFromConfig(auth *config.FacilitatorAuth) (AuthProvider, error) {
	if auth == nil {
		return nil, nil
	}
	if auth.Authorization != "" {
		return StaticAuth(auth.Authorization), nil
	}
	if auth.CDPKeyName != "" || auth.CDPKeySecret != "" {
		cdp, err := NewCDPAuth(auth.CDPKeyName, auth.CDPKeySecret)
		if err != nil {
			return nil, err
		}
		return cdp.Provider(), nil
	}
	return nil, nil
}
