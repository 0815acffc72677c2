package credential

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// ErrMalformedMasterKey is returned when the configured master key is not
// valid base64. It is a configuration error and never retried.
var ErrMalformedMasterKey = errors.New("credential: malformed master key")

// ParseMasterKey decodes the base64 group master key.
func ParseMasterKey(b64 string) ([]byte, error) {
	if b64 == "" {
		return nil, fmt.Errorf("%w: empty", ErrMalformedMasterKey)
	}
	key, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedMasterKey, err)
	}
	return key, nil
}

// Derive returns HMAC-SHA256(masterKey, deviceID).
func Derive(masterKey []byte, deviceID string) []byte {
	mac := hmac.New(sha256.New, masterKey)
	mac.Write([]byte(deviceID)) //nolint:errcheck // hash.Hash.Write never fails
	return mac.Sum(nil)
}

// DeriveFromBase64 decodes the master key and derives the device credential.
func DeriveFromBase64(masterKeyB64, deviceID string) ([]byte, error) {
	key, err := ParseMasterKey(masterKeyB64)
	if err != nil {
		return nil, err
	}
	return Derive(key, deviceID), nil
}

// Encode renders a credential in the base64 form used on the wire.
func Encode(credential []byte) string {
	return base64.StdEncoding.EncodeToString(credential)
}

// Deriver binds a parsed master key so callers never hold the raw string.
type Deriver struct {
	masterKey []byte
}

// NewDeriver parses the master key once. A malformed key fails here, at
// construction, rather than on the first registration.
func NewDeriver(masterKeyB64 string) (*Deriver, error) {
	key, err := ParseMasterKey(masterKeyB64)
	if err != nil {
		return nil, err
	}
	return &Deriver{masterKey: key}, nil
}

// Derive returns the credential for deviceID.
func (d *Deriver) Derive(deviceID string) []byte {
	return Derive(d.masterKey, deviceID)
}

// SASToken builds a shared access signature over resource, valid until expiry.
//
// Format: SharedAccessSignature sr={resource}&sig={signature}&se={expiry}[&skn={keyName}]
// where signature = base64(HMAC-SHA256(key, urlencode(resource) + "\n" + expiry)).
func SASToken(key []byte, resource, keyName string, expiry time.Time) string {
	sr := url.QueryEscape(resource)
	se := strconv.FormatInt(expiry.Unix(), 10)

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(sr + "\n" + se)) //nolint:errcheck // hash.Hash.Write never fails
	sig := url.QueryEscape(base64.StdEncoding.EncodeToString(mac.Sum(nil)))

	token := "SharedAccessSignature sr=" + sr + "&sig=" + sig + "&se=" + se
	if keyName != "" {
		token += "&skn=" + url.QueryEscape(keyName)
	}
	return token
}
