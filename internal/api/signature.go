package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"time"
)

const (
	signatureHeader = "X-Signature"
	timestampHeader = "X-Timestamp"
)

var ErrSignature = errors.New("invalid webhook signature")

// Verifier checks HMAC-SHA256 signatures over "<timestamp>.<body>". A
// verifier without a secret accepts every request.
type Verifier struct {
	secret  []byte
	maxSkew time.Duration
	now     func() time.Time
}

func NewVerifier(secret string, maxSkew time.Duration) *Verifier {
	if maxSkew <= 0 {
		maxSkew = 5 * time.Minute
	}
	return &Verifier{secret: []byte(secret), maxSkew: maxSkew, now: time.Now}
}

func (v *Verifier) Enabled() bool {
	return v != nil && len(v.secret) > 0
}

func (v *Verifier) Verify(timestamp, signature string, body []byte) error {
	if !v.Enabled() {
		return nil
	}
	if timestamp == "" || signature == "" {
		return errors.Join(ErrSignature, errors.New("missing signature headers"))
	}

	sec, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return errors.Join(ErrSignature, errors.New("malformed timestamp"))
	}
	skew := v.now().Sub(time.Unix(sec, 0))
	if skew > v.maxSkew || skew < -v.maxSkew {
		return errors.Join(ErrSignature, errors.New("timestamp outside allowed skew"))
	}

	got, err := hex.DecodeString(signature)
	if err != nil {
		return errors.Join(ErrSignature, errors.New("malformed signature"))
	}
	if !hmac.Equal(got, sign(v.secret, timestamp, body)) {
		return ErrSignature
	}
	return nil
}

// Sign returns the hex signature a provider relay must send for body at ts.
func Sign(secret string, ts time.Time, body []byte) string {
	return hex.EncodeToString(sign([]byte(secret), strconv.FormatInt(ts.Unix(), 10), body))
}

func sign(secret []byte, timestamp string, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return mac.Sum(nil)
}
