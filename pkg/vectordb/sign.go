package vectordb

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"time"
)

// volcSigner signs requests with the Volcengine HMAC-SHA256 scheme:
// a canonical request hashed into a string-to-sign, keyed through the
// date/region/service/request derivation chain.
type volcSigner struct {
	ak      string
	sk      string
	region  string
	service string
	now     func() time.Time
}

func newVolcSigner(ak, sk, region, service string) *volcSigner {
	return &volcSigner{ak: ak, sk: sk, region: region, service: service, now: time.Now}
}

func (s *volcSigner) sign(req *http.Request, body []byte) {
	payloadHash := sha256Hex(body)
	xDate := s.now().UTC().Format("20060102T150405Z")
	shortDate := xDate[:8]

	host := req.Host
	if host == "" {
		host = req.URL.Host
	}
	contentType := req.Header.Get("Content-Type")
	req.Header.Set("Host", host)
	req.Header.Set("X-Date", xDate)
	req.Header.Set("X-Content-Sha256", payloadHash)

	signedHeaders := "content-type;host;x-content-sha256;x-date"
	canonicalHeaders := strings.Join([]string{
		"content-type:" + contentType,
		"host:" + host,
		"x-content-sha256:" + payloadHash,
		"x-date:" + xDate,
	}, "\n") + "\n"

	path := req.URL.Path
	if path == "" {
		path = "/"
	}
	canonicalRequest := strings.Join([]string{
		req.Method,
		path,
		req.URL.Query().Encode(),
		canonicalHeaders,
		signedHeaders,
		payloadHash,
	}, "\n")

	scope := strings.Join([]string{shortDate, s.region, s.service, "request"}, "/")
	stringToSign := strings.Join([]string{
		"HMAC-SHA256",
		xDate,
		scope,
		sha256Hex([]byte(canonicalRequest)),
	}, "\n")

	kDate := hmacSHA256([]byte(s.sk), shortDate)
	kRegion := hmacSHA256(kDate, s.region)
	kService := hmacSHA256(kRegion, s.service)
	kSigning := hmacSHA256(kService, "request")
	signature := hex.EncodeToString(hmacSHA256(kSigning, stringToSign))

	req.Header.Set("Authorization", strings.Join([]string{
		"HMAC-SHA256 Credential=" + s.ak + "/" + scope,
		"SignedHeaders=" + signedHeaders,
		"Signature=" + signature,
	}, ", "))
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func hmacSHA256(key []byte, msg string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(msg))
	return mac.Sum(nil)
}
