// Package sigv4 implements a minimal S3-compatible object client signed with
// AWS Signature Version 4. Only single-shot PUT and DELETE are supported.
package sigv4

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

const (
	algorithm  = "AWS4-HMAC-SHA256"
	amzDateFmt = "20060102T150405Z"
	scopeFmt   = "20060102"

	// EmptyPayloadHash is the hex SHA-256 of an empty body.
	EmptyPayloadHash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
)

// Signer computes SigV4 signatures for one credential and region.
type Signer struct {
	AccessKey string
	SecretKey string
	Region    string
	Service   string
}

// NewSigner creates a Signer for the s3 service.
func NewSigner(accessKey, secretKey, region string) *Signer {
	return &Signer{
		AccessKey: accessKey,
		SecretKey: secretKey,
		Region:    region,
		Service:   "s3",
	}
}

// PayloadHash returns the hex SHA-256 of body.
func PayloadHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Scope returns the credential scope for t: date/region/service/aws4_request.
func (s *Signer) Scope(t time.Time) string {
	return strings.Join([]string{t.UTC().Format(scopeFmt), s.Region, s.Service, "aws4_request"}, "/")
}

// CanonicalRequest builds the canonical request of r and returns it together
// with the signed header list. Every header present on r is signed, plus host.
func CanonicalRequest(r *http.Request, payloadHash string) (canonical, signedHeaders string) {
	headers := make(map[string]string, len(r.Header)+1)
	for name, values := range r.Header {
		lower := strings.ToLower(name)
		if lower == "authorization" {
			continue
		}
		trimmed := make([]string, len(values))
		for i, v := range values {
			trimmed[i] = collapseSpaces(v)
		}
		headers[lower] = strings.Join(trimmed, ",")
	}

	host := r.Host
	if host == "" {
		host = r.URL.Host
	}
	headers["host"] = host

	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)

	var hb strings.Builder
	for _, name := range names {
		hb.WriteString(name)
		hb.WriteByte(':')
		hb.WriteString(headers[name])
		hb.WriteByte('\n')
	}
	signedHeaders = strings.Join(names, ";")

	canonical = strings.Join([]string{
		r.Method,
		CanonicalURI(r.URL.Path),
		canonicalQuery(r.URL.Query()),
		hb.String(),
		signedHeaders,
		payloadHash,
	}, "\n")

	return canonical, signedHeaders
}

// StringToSign builds the string-to-sign for a canonical request.
func StringToSign(t time.Time, scope, canonical string) string {
	sum := sha256.Sum256([]byte(canonical))
	return strings.Join([]string{
		algorithm,
		t.UTC().Format(amzDateFmt),
		scope,
		hex.EncodeToString(sum[:]),
	}, "\n")
}

// SigningKey derives the signing key for the day of t.
func (s *Signer) SigningKey(t time.Time) []byte {
	kDate := hmacSHA256([]byte("AWS4"+s.SecretKey), t.UTC().Format(scopeFmt))
	kRegion := hmacSHA256(kDate, s.Region)
	kService := hmacSHA256(kRegion, s.Service)
	return hmacSHA256(kService, "aws4_request")
}

// Signature returns the hex signature of stringToSign.
func (s *Signer) Signature(t time.Time, stringToSign string) string {
	return hex.EncodeToString(hmacSHA256(s.SigningKey(t), stringToSign))
}

// Authorization formats the Authorization header value.
func (s *Signer) Authorization(t time.Time, signedHeaders, signature string) string {
	return fmt.Sprintf("%s Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		algorithm, s.AccessKey, s.Scope(t), signedHeaders, signature)
}

// Sign stamps r with x-amz-date, x-amz-content-sha256 and Authorization.
// Headers must be final before calling Sign.
func (s *Signer) Sign(r *http.Request, payloadHash string, t time.Time) {
	r.Header.Set("X-Amz-Date", t.UTC().Format(amzDateFmt))
	r.Header.Set("X-Amz-Content-Sha256", payloadHash)
	r.Header.Del("Authorization")

	canonical, signedHeaders := CanonicalRequest(r, payloadHash)
	signature := s.Signature(t, StringToSign(t, s.Scope(t), canonical))

	r.Header.Set("Authorization", s.Authorization(t, signedHeaders, signature))
}

// CanonicalURI encodes every path segment with the AWS unreserved set,
// leaving the separating slashes intact.
func CanonicalURI(path string) string {
	if path == "" {
		return "/"
	}
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		segments[i] = uriEncode(seg)
	}
	return strings.Join(segments, "/")
}

func canonicalQuery(values url.Values) string {
	if len(values) == 0 {
		return ""
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var pairs []string
	for _, k := range keys {
		vs := append([]string(nil), values[k]...)
		sort.Strings(vs)
		for _, v := range vs {
			pairs = append(pairs, uriEncode(k)+"="+uriEncode(v))
		}
	}
	return strings.Join(pairs, "&")
}

func uriEncode(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) {
			b.WriteByte(c)
			continue
		}
		fmt.Fprintf(&b, "%%%02X", c)
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') ||
		c == '-' || c == '_' || c == '.' || c == '~'
}

func collapseSpaces(v string) string {
	return strings.Join(strings.Fields(v), " ")
}

func hmacSHA256(key []byte, data string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return mac.Sum(nil)
}
