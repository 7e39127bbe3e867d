package middleware

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrCookieFormat  = errors.New("invalid session cookie format")
	ErrCookieInvalid = errors.New("invalid session cookie")
	ErrCookieConfig  = errors.New("invalid secure cookie configuration")
)

// maxCookieLen bounds the cookie value we are willing to decode.
const maxCookieLen = 8192

// KeySize is the key length in bytes for the default AEAD, XChaCha20-Poly1305.
const KeySize = chacha20poly1305.KeySize

// SealedCookie seals CBOR-encoded values into cookies with an AEAD.
//
// The cookie value is keyID "." base64url(nonce || ciphertext). The cookie
// name, domain, path and secure flag are bound as additional data, so a
// value cannot be replayed under different attributes. Keys holds every
// accepted key; KeyID selects the one used for sealing, which allows
// rotation.
type SealedCookie struct {
	name     string
	path     string
	domain   string
	secure   bool
	sameSite http.SameSite

	keyID string
	aeads map[string]cipher.AEAD
}

// CookieOption configures a SealedCookie.
type CookieOption func(*cookieConfig)

type cookieConfig struct {
	path     string
	domain   string
	secure   bool
	sameSite http.SameSite
	newAEAD  func([]byte) (cipher.AEAD, error)
}

// WithPath sets the cookie path. The default is "/".
func WithPath(path string) CookieOption {
	return func(c *cookieConfig) { c.path = path }
}

// WithDomain sets the cookie domain.
func WithDomain(domain string) CookieOption {
	return func(c *cookieConfig) { c.domain = domain }
}

// WithSecure sets the Secure flag. The default is true.
func WithSecure(secure bool) CookieOption {
	return func(c *cookieConfig) { c.secure = secure }
}

// WithSameSite sets the SameSite attribute. The default is Lax.
func WithSameSite(s http.SameSite) CookieOption {
	return func(c *cookieConfig) { c.sameSite = s }
}

// WithAEAD replaces the AEAD constructor, e.g. for AES-GCM.
func WithAEAD(f func([]byte) (cipher.AEAD, error)) CookieOption {
	return func(c *cookieConfig) { c.newAEAD = f }
}

// NewSealedCookie creates a SealedCookie named name that seals with
// keys[keyID].
func NewSealedCookie(name, keyID string, keys map[string][]byte, opts ...CookieOption) (*SealedCookie, error) {
	cfg := cookieConfig{
		path:     "/",
		secure:   true,
		sameSite: http.SameSiteLaxMode,
		newAEAD:  chacha20poly1305.NewX,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.path == "" {
		cfg.path = "/"
	}
	if name == "" || cfg.newAEAD == nil {
		return nil, ErrCookieConfig
	}
	if _, ok := keys[keyID]; !ok {
		return nil, fmt.Errorf("%w: key %q not found", ErrCookieConfig, keyID)
	}

	aeads := make(map[string]cipher.AEAD, len(keys))
	for id, k := range keys {
		if id == "" || strings.Contains(id, ".") {
			return nil, fmt.Errorf("%w: bad key id %q", ErrCookieConfig, id)
		}
		a, err := cfg.newAEAD(k)
		if err != nil {
			return nil, fmt.Errorf("%w: key %s: %w", ErrCookieConfig, id, err)
		}
		aeads[id] = a
	}
	return &SealedCookie{
		name:     name,
		path:     cfg.path,
		domain:   cfg.domain,
		secure:   cfg.secure,
		sameSite: cfg.sameSite,
		keyID:    keyID,
		aeads:    aeads,
	}, nil
}

// Name returns the cookie name.
func (sc *SealedCookie) Name() string { return sc.name }

func (sc *SealedCookie) aad() []byte {
	secure := "f"
	if sc.secure {
		secure = "t"
	}
	return []byte(sc.name + ":" + sc.domain + ":" + sc.path + ":" + secure)
}

// Seal encrypts plain under the current key.
func (sc *SealedCookie) Seal(plain []byte) (string, error) {
	aead := sc.aeads[sc.keyID]
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := aead.Seal(nonce, nonce, plain, sc.aad())
	return sc.keyID + "." + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal with any accepted key.
func (sc *SealedCookie) Open(value string) ([]byte, error) {
	if value == "" || len(value) > maxCookieLen {
		return nil, ErrCookieFormat
	}
	keyID, enc, ok := strings.Cut(value, ".")
	if !ok || keyID == "" || enc == "" {
		return nil, ErrCookieFormat
	}
	aead, ok := sc.aeads[keyID]
	if !ok {
		return nil, ErrCookieInvalid
	}
	sealed, err := base64.RawURLEncoding.DecodeString(enc)
	if err != nil {
		return nil, ErrCookieFormat
	}
	n := aead.NonceSize()
	if len(sealed) < n+aead.Overhead() {
		return nil, ErrCookieFormat
	}
	plain, err := aead.Open(nil, sealed[:n], sealed[n:], sc.aad())
	if err != nil {
		return nil, ErrCookieInvalid
	}
	return plain, nil
}

// Encode marshals v as CBOR and returns the cookie carrying it.
func (sc *SealedCookie) Encode(v any, maxAge int) (*http.Cookie, error) {
	if maxAge <= 0 {
		return nil, ErrCookieInvalid
	}
	plain, err := cbor.Marshal(v)
	if err != nil {
		return nil, err
	}
	val, err := sc.Seal(plain)
	if err != nil {
		return nil, err
	}
	c := sc.cookie(val, maxAge)
	c.Expires = time.Now().Add(time.Duration(maxAge) * time.Second)
	return c, nil
}

// Decode opens c and unmarshals its CBOR payload into v.
func (sc *SealedCookie) Decode(c *http.Cookie, v any) error {
	if c == nil {
		return ErrCookieFormat
	}
	plain, err := sc.Open(c.Value)
	if err != nil {
		return err
	}
	return cbor.Unmarshal(plain, v)
}

// Clear returns a cookie that deletes this cookie in the client.
func (sc *SealedCookie) Clear() *http.Cookie {
	c := sc.cookie("", -1)
	c.Expires = time.Unix(0, 0)
	return c
}

func (sc *SealedCookie) cookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     sc.name,
		Value:    value,
		Path:     sc.path,
		Domain:   sc.domain,
		MaxAge:   maxAge,
		Secure:   sc.secure,
		HttpOnly: true,
		SameSite: sc.sameSite,
	}
}

// ParseKeys parses "id:base64key" pairs separated by commas, as used for the
// session key configuration. Keys may be standard or URL base64, with or
// without padding.
func ParseKeys(s string) (map[string][]byte, error) {
	keys := make(map[string][]byte)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		id, enc, ok := strings.Cut(pair, ":")
		if !ok || id == "" {
			return nil, fmt.Errorf("%w: key entry %q is not id:base64", ErrCookieConfig, pair)
		}
		k, err := decodeKey(enc)
		if err != nil {
			return nil, fmt.Errorf("%w: key %s: %w", ErrCookieConfig, id, err)
		}
		keys[id] = k
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: no keys", ErrCookieConfig)
	}
	return keys, nil
}

func decodeKey(s string) ([]byte, error) {
	s = strings.TrimRight(s, "=")
	if strings.ContainsAny(s, "-_") {
		return base64.RawURLEncoding.DecodeString(s)
	}
	return base64.RawStdEncoding.DecodeString(s)
}
