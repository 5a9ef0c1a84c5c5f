// Package signature implements the request signing scheme the backend uses
// to authenticate proxied requests.
//
// A signature is the lowercase hex MD5 digest of the shared secret, the
// caller identity and the request timestamp, concatenated without any
// delimiter. The timestamp is the RFC 1123 HTTP-date that is also sent in the
// Date header, so the backend can recompute the digest from the request alone.
//
// MD5 is not a MAC and is not cryptographically strong. It is kept because the
// backend verifier expects exactly this construction; changing it requires
// changing the backend at the same time.
package signature

import (
	"crypto/md5"
	"encoding/hex"
	"net/http"
	"time"
)

const (
	// HeaderSignature carries the request signature.
	HeaderSignature = "X-API-KEY"
	// HeaderDate carries the timestamp the signature was computed over.
	HeaderDate = "Date"
)

// Sign returns the hex digest of secret, identity and timestamp.
func Sign(secret, identity, timestamp string) string {
	sum := md5.Sum([]byte(secret + identity + timestamp))
	return hex.EncodeToString(sum[:])
}

// Timestamp formats t as an HTTP-date, e.g. "Tue, 01 Jan 2030 00:00:00 GMT".
func Timestamp(t time.Time) string {
	return t.UTC().Format(http.TimeFormat)
}
