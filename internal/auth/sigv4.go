package auth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

const (
	// algorithm is the signing algorithm identifier.
	algorithm = "AWS4-HMAC-SHA256"

	// scopeTerminator is the fixed suffix of the credential scope.
	scopeTerminator = "aws4_request"

	// unsignedPayload is the constant used when payload verification is skipped.
	unsignedPayload = "UNSIGNED-PAYLOAD"

	// emptySHA256 is the SHA-256 hash of an empty string.
	emptySHA256 = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

	// maxPresignedExpiry is the maximum presigned URL expiration in seconds (7 days).
	maxPresignedExpiry = 604800

	// clockSkewTolerance is the maximum allowed clock skew for header-based auth.
	clockSkewTolerance = 15 * time.Minute

	// amzDateFormat is the format for x-amz-date values.
	amzDateFormat = "20060102T150405Z"
)

// AuthError is an authentication failure with an S3-compatible error code.
type AuthError struct {
	Code    string // AccessDenied, SignatureDoesNotMatch, ...
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// parsedAuth holds the parsed components of an Authorization header.
type parsedAuth struct {
	AccessKeyID   string
	DateStr       string // YYYYMMDD
	Region        string
	Service       string
	SignedHeaders []string
	Signature     string
}

// parseAuthorizationHeader parses the AWS SigV4 Authorization header.
// Format: AWS4-HMAC-SHA256 Credential=AKID/date/region/service/aws4_request, SignedHeaders=host;..., Signature=hex
func parseAuthorizationHeader(header string) (*parsedAuth, error) {
	if !strings.HasPrefix(header, algorithm+" ") {
		return nil, fmt.Errorf("unsupported algorithm")
	}
	rest := strings.TrimPrefix(header, algorithm+" ")

	parts := make(map[string]string)
	for _, part := range strings.Split(rest, ",") {
		part = strings.TrimSpace(part)
		idx := strings.IndexByte(part, '=')
		if idx < 0 {
			continue
		}
		parts[strings.TrimSpace(part[:idx])] = strings.TrimSpace(part[idx+1:])
	}

	credential := parts["Credential"]
	if credential == "" {
		return nil, fmt.Errorf("missing Credential")
	}
	signedHeadersStr := parts["SignedHeaders"]
	if signedHeadersStr == "" {
		return nil, fmt.Errorf("missing SignedHeaders")
	}
	signature := parts["Signature"]
	if signature == "" {
		return nil, fmt.Errorf("missing Signature")
	}

	// Credential: accessKeyID/date/region/service/aws4_request
	credParts := strings.SplitN(credential, "/", 5)
	if len(credParts) != 5 {
		return nil, fmt.Errorf("invalid credential format")
	}
	if credParts[4] != scopeTerminator {
		return nil, fmt.Errorf("invalid credential scope terminator: %s", credParts[4])
	}

	return &parsedAuth{
		AccessKeyID:   credParts[0],
		DateStr:       credParts[1],
		Region:        credParts[2],
		Service:       credParts[3],
		SignedHeaders: strings.Split(signedHeadersStr, ";"),
		Signature:     signature,
	}, nil
}

// VerifySignature validates the AWS SigV4 signature r carries against
// secretKey. Presigned requests (X-Amz-Algorithm in the query) are checked
// against the query parameters, everything else against the Authorization
// header. The returned error is an *AuthError naming the S3 failure code.
func VerifySignature(r *http.Request, secretKey string) error {
	if r.URL.Query().Get("X-Amz-Algorithm") != "" {
		return verifyPresigned(r, secretKey)
	}
	return verifyHeader(r, secretKey)
}

// verifyHeader validates the Authorization-header form of SigV4.
func verifyHeader(r *http.Request, secretKey string) error {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return &AuthError{Code: "AccessDenied", Message: "Missing Authorization header"}
	}

	parsed, err := parseAuthorizationHeader(authHeader)
	if err != nil {
		return &AuthError{Code: "AccessDenied", Message: fmt.Sprintf("Invalid Authorization header: %v", err)}
	}

	amzDate := r.Header.Get("X-Amz-Date")
	if amzDate == "" {
		amzDate = r.Header.Get("Date")
	}
	if amzDate == "" {
		return &AuthError{Code: "AccessDenied", Message: "Missing X-Amz-Date or Date header"}
	}

	requestTime, parseErr := time.Parse(amzDateFormat, amzDate)
	if parseErr != nil {
		requestTime, parseErr = time.Parse(time.RFC1123, amzDate)
		if parseErr != nil {
			return &AuthError{Code: "AccessDenied", Message: "Invalid date format"}
		}
	}

	diff := time.Now().UTC().Sub(requestTime)
	if diff < 0 {
		diff = -diff
	}
	if diff > clockSkewTolerance {
		return &AuthError{Code: "RequestTimeTooSkewed", Message: "The difference between the request time and the server's time is too large"}
	}

	if parsed.DateStr != amzDate[:8] {
		return &AuthError{Code: "SignatureDoesNotMatch", Message: "Credential date does not match X-Amz-Date"}
	}

	// Clients that sign without the x-amz-content-sha256 header hash the
	// body into the canonical request anyway; recompute it here so their
	// signatures still verify.
	if r.Header.Get("X-Amz-Content-Sha256") == "" && r.Body != nil {
		bodyBytes, readErr := io.ReadAll(r.Body)
		if readErr != nil {
			return &AuthError{Code: "InternalError", Message: "Failed to read request body"}
		}
		r.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		bodyHash := sha256.Sum256(bodyBytes)
		r.Header.Set("X-Amz-Content-Sha256", hex.EncodeToString(bodyHash[:]))
	} else if r.Header.Get("X-Amz-Content-Sha256") == "" {
		r.Header.Set("X-Amz-Content-Sha256", emptySHA256)
	}

	canonicalRequest := buildCanonicalRequest(r, parsed.SignedHeaders)
	scope := fmt.Sprintf("%s/%s/%s/%s", parsed.DateStr, parsed.Region, parsed.Service, scopeTerminator)
	stringToSign := buildStringToSign(amzDate, scope, canonicalRequest)

	signingKey := deriveSigningKey(secretKey, parsed.DateStr, parsed.Region, parsed.Service)
	expected := hex.EncodeToString(hmacSHA256(signingKey, stringToSign))

	if subtle.ConstantTimeCompare([]byte(expected), []byte(parsed.Signature)) != 1 {
		return &AuthError{Code: "SignatureDoesNotMatch", Message: "The request signature we calculated does not match the signature you provided"}
	}
	return nil
}

// verifyPresigned validates the query-parameter form of SigV4.
func verifyPresigned(r *http.Request, secretKey string) error {
	q := r.URL.Query()

	if q.Get("X-Amz-Algorithm") != algorithm {
		return &AuthError{Code: "AccessDenied", Message: "Unsupported algorithm"}
	}
	credStr := q.Get("X-Amz-Credential")
	if credStr == "" {
		return &AuthError{Code: "AccessDenied", Message: "Missing X-Amz-Credential"}
	}
	credParts := strings.SplitN(credStr, "/", 5)
	if len(credParts) != 5 || credParts[4] != scopeTerminator {
		return &AuthError{Code: "AccessDenied", Message: "Invalid credential format"}
	}
	dateStr := credParts[1]
	region := credParts[2]
	svc := credParts[3]

	amzDate := q.Get("X-Amz-Date")
	if amzDate == "" {
		return &AuthError{Code: "AccessDenied", Message: "Missing X-Amz-Date"}
	}
	expiresStr := q.Get("X-Amz-Expires")
	if expiresStr == "" {
		return &AuthError{Code: "AccessDenied", Message: "Missing X-Amz-Expires"}
	}
	signedHeadersStr := q.Get("X-Amz-SignedHeaders")
	if signedHeadersStr == "" {
		return &AuthError{Code: "AccessDenied", Message: "Missing X-Amz-SignedHeaders"}
	}
	signature := q.Get("X-Amz-Signature")
	if signature == "" {
		return &AuthError{Code: "AccessDenied", Message: "Missing X-Amz-Signature"}
	}

	var expires int
	if _, scanErr := fmt.Sscanf(expiresStr, "%d", &expires); scanErr != nil || expires < 1 || expires > maxPresignedExpiry {
		return &AuthError{Code: "AccessDenied", Message: fmt.Sprintf("Invalid X-Amz-Expires value: %s", expiresStr)}
	}

	requestTime, parseErr := time.Parse(amzDateFormat, amzDate)
	if parseErr != nil {
		return &AuthError{Code: "AccessDenied", Message: "Invalid X-Amz-Date format"}
	}
	if time.Now().UTC().After(requestTime.Add(time.Duration(expires) * time.Second)) {
		return &AuthError{Code: "AccessDenied", Message: "Request has expired"}
	}
	if dateStr != amzDate[:8] {
		return &AuthError{Code: "SignatureDoesNotMatch", Message: "Credential date does not match X-Amz-Date"}
	}

	canonicalRequest := buildPresignedCanonicalRequest(r, strings.Split(signedHeadersStr, ";"))
	scope := fmt.Sprintf("%s/%s/%s/%s", dateStr, region, svc, scopeTerminator)
	stringToSign := buildStringToSign(amzDate, scope, canonicalRequest)

	signingKey := deriveSigningKey(secretKey, dateStr, region, svc)
	expected := hex.EncodeToString(hmacSHA256(signingKey, stringToSign))

	if subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) != 1 {
		return &AuthError{Code: "SignatureDoesNotMatch", Message: "The request signature we calculated does not match the signature you provided"}
	}
	return nil
}

// buildCanonicalRequest builds the canonical request string for header-based auth.
func buildCanonicalRequest(r *http.Request, signedHeaders []string) string {
	var sb strings.Builder

	sb.WriteString(r.Method)
	sb.WriteByte('\n')
	sb.WriteString(canonicalURI(r.URL.Path))
	sb.WriteByte('\n')
	sb.WriteString(canonicalQueryString(r.URL.Query()))
	sb.WriteByte('\n')
	sb.WriteString(canonicalHeaders(r, signedHeaders))
	sb.WriteByte('\n')
	sb.WriteString(strings.Join(signedHeaders, ";"))
	sb.WriteByte('\n')

	payloadHash := r.Header.Get("X-Amz-Content-Sha256")
	if payloadHash == "" {
		payloadHash = unsignedPayload
	}
	sb.WriteString(payloadHash)

	return sb.String()
}

// buildPresignedCanonicalRequest builds the canonical request for presigned URL auth.
func buildPresignedCanonicalRequest(r *http.Request, signedHeaders []string) string {
	var sb strings.Builder

	sb.WriteString(r.Method)
	sb.WriteByte('\n')
	sb.WriteString(canonicalURI(r.URL.Path))
	sb.WriteByte('\n')

	// The canonical query excludes the signature itself.
	q := r.URL.Query()
	q.Del("X-Amz-Signature")
	sb.WriteString(canonicalQueryString(q))
	sb.WriteByte('\n')

	sb.WriteString(canonicalHeaders(r, signedHeaders))
	sb.WriteByte('\n')
	sb.WriteString(strings.Join(signedHeaders, ";"))
	sb.WriteByte('\n')

	// Presigned URLs always use UNSIGNED-PAYLOAD.
	sb.WriteString(unsignedPayload)

	return sb.String()
}

// buildStringToSign builds the string to sign for SigV4.
func buildStringToSign(amzDate, scope, canonicalRequest string) string {
	hash := sha256.Sum256([]byte(canonicalRequest))
	return algorithm + "\n" +
		amzDate + "\n" +
		scope + "\n" +
		hex.EncodeToString(hash[:])
}

// deriveSigningKey derives the SigV4 signing key using the HMAC chain.
func deriveSigningKey(secretKey, dateStr, region, svc string) []byte {
	dateKey := hmacSHA256([]byte("AWS4"+secretKey), dateStr)
	regionKey := hmacSHA256(dateKey, region)
	serviceKey := hmacSHA256(regionKey, svc)
	return hmacSHA256(serviceKey, scopeTerminator)
}

// canonicalURI returns the URI-encoded absolute path.
// Forward slashes are NOT encoded. Empty path becomes "/".
func canonicalURI(path string) string {
	if path == "" {
		return "/"
	}
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		segments[i] = URIEncode(seg, false)
	}
	return strings.Join(segments, "/")
}

// canonicalQueryString returns the sorted, URI-encoded query string.
// Parameters with no value use empty value: "acl=".
func canonicalQueryString(values url.Values) string {
	if len(values) == 0 {
		return ""
	}
	var pairs []string
	for key, vals := range values {
		encodedKey := URIEncode(key, true)
		if len(vals) == 0 {
			pairs = append(pairs, encodedKey+"=")
		}
		for _, val := range vals {
			pairs = append(pairs, encodedKey+"="+URIEncode(val, true))
		}
	}
	sort.Strings(pairs)
	return strings.Join(pairs, "&")
}

// canonicalHeaders builds the canonical headers string from the signed header list.
func canonicalHeaders(r *http.Request, signedHeaders []string) string {
	var sb strings.Builder
	for _, name := range signedHeaders {
		name = strings.ToLower(name)
		var values []string
		if name == "host" {
			// The Host header lives in r.Host, not r.Header.
			host := r.Host
			if host == "" {
				host = r.Header.Get("Host")
			}
			values = []string{host}
		} else {
			values = r.Header.Values(http.CanonicalHeaderKey(name))
		}
		joined := strings.TrimSpace(strings.Join(values, ","))
		for strings.Contains(joined, "  ") {
			joined = strings.ReplaceAll(joined, "  ", " ")
		}
		sb.WriteString(name)
		sb.WriteByte(':')
		sb.WriteString(joined)
		sb.WriteByte('\n')
	}
	return sb.String()
}

// URIEncode encodes a string per S3 URI encoding rules.
// Characters A-Z, a-z, 0-9, '-', '_', '.', '~' are NOT encoded.
// If encodeSlash is false, '/' is also NOT encoded.
// All other characters are percent-encoded with uppercase hex.
func URIEncode(s string, encodeSlash bool) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isURIUnreserved(c) || (!encodeSlash && c == '/') {
			sb.WriteByte(c)
		} else {
			sb.WriteByte('%')
			sb.WriteByte(hexDigit(c >> 4))
			sb.WriteByte(hexDigit(c & 0x0f))
		}
	}
	return sb.String()
}

func isURIUnreserved(c byte) bool {
	return (c >= 'A' && c <= 'Z') ||
		(c >= 'a' && c <= 'z') ||
		(c >= '0' && c <= '9') ||
		c == '-' || c == '_' || c == '.' || c == '~'
}

func hexDigit(b byte) byte {
	if b < 10 {
		return '0' + b
	}
	return 'A' + b - 10
}

// hmacSHA256 computes HMAC-SHA256 of the data using the given key.
func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}
