package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

var (
	ErrInvalidSignature = errors.New("billing: invalid webhook signature")
	ErrInvalidPayload   = errors.New("billing: invalid webhook payload")
	ErrUnknownProvider  = errors.New("billing: unknown webhook provider")
)

// DefaultWebhookTolerance is the timestamp window used when none is set.
const DefaultWebhookTolerance = 5 * time.Minute

// VerifySignedWebhook checks a "<unix timestamp>;<hex hmac>" header. The MAC
// is HMAC-SHA256 over "<timestamp>.<payload>" and the timestamp must lie
// within tolerance of now. A non-positive tolerance means
// DefaultWebhookTolerance; the window is never unbounded.
func VerifySignedWebhook(payload []byte, signatureHeader, secret string, tolerance time.Duration, now time.Time) error {
	key := strings.TrimSpace(secret)
	if key == "" {
		return ErrInvalidSignature
	}
	tsRaw, sigRaw, ok := strings.Cut(strings.TrimSpace(signatureHeader), ";")
	if !ok {
		return ErrInvalidSignature
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(tsRaw), 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}
	age := now.Sub(time.Unix(ts, 0))
	if age < 0 {
		age = -age
	}
	if tolerance <= 0 {
		tolerance = DefaultWebhookTolerance
	}
	if age > tolerance {
		return ErrInvalidSignature
	}

	expected, err := hex.DecodeString(strings.ToLower(strings.TrimSpace(sigRaw)))
	if err != nil {
		return ErrInvalidSignature
	}
	if !hmac.Equal(signedMAC([]byte(key), tsRaw, payload), expected) {
		return ErrInvalidSignature
	}
	return nil
}

// SignWebhook builds the signature header for payload at ts.
func SignWebhook(payload []byte, secret string, ts time.Time) string {
	tsRaw := strconv.FormatInt(ts.Unix(), 10)
	return tsRaw + ";" + hex.EncodeToString(signedMAC([]byte(strings.TrimSpace(secret)), tsRaw, payload))
}

func signedMAC(secret []byte, ts string, payload []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(strings.TrimSpace(ts)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return mac.Sum(nil)
}
