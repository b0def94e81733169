package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/jimmy777/ditto-connectivity/pkg/ditterrors"
)

const (
	awsDateFormat     = "20060102T150405Z"
	awsDateOnlyFormat = "20060102"
)

var defaultAWSCanonicalHeaders = []string{"x-amz-date", "host"}

// awsSigner implements the AWS Signature Version 4 algorithm: it derives a
// chained-HMAC signing key from the secret key, region and service, builds
// the canonical request, and appends an Authorization header. Pure and
// deterministic: fixed inputs always produce a byte-identical signed request.
type awsSigner struct{}

func (awsSigner) Sign(req UnsignedRequest, creds Credentials, timestamp time.Time) (SignedRequest, error) {
	region, ok := creds.Parameters["region"]
	if !ok || region == "" {
		return SignedRequest{}, ditterrors.CredentialsInvalid("aws4-hmac-sha256 requires a non-empty %q parameter", "region")
	}
	service, ok := creds.Parameters["service"]
	if !ok || service == "" {
		return SignedRequest{}, ditterrors.CredentialsInvalid("aws4-hmac-sha256 requires a non-empty %q parameter", "service")
	}
	accessKey, ok := creds.Parameters["accessKey"]
	if !ok || accessKey == "" {
		return SignedRequest{}, ditterrors.CredentialsInvalid("aws4-hmac-sha256 requires a non-empty %q parameter", "accessKey")
	}
	secretKey, ok := creds.Parameters["secretKey"]
	if !ok || secretKey == "" {
		return SignedRequest{}, ditterrors.CredentialsInvalid("aws4-hmac-sha256 requires a non-empty %q parameter", "secretKey")
	}

	doubleEncode := true
	if v, present := creds.Parameters["doubleEncode"]; present {
		doubleEncode = v == "true"
	}

	canonicalHeaderNames := defaultAWSCanonicalHeaders
	if v, present := creds.Parameters["canonicalHeaders"]; present && v != "" {
		parts := strings.Split(v, ",")
		canonicalHeaderNames = make([]string, len(parts))
		for i, p := range parts {
			canonicalHeaderNames[i] = strings.ToLower(strings.TrimSpace(p))
		}
	}

	parsedURI, err := url.Parse(req.URI)
	if err != nil {
		return SignedRequest{}, ditterrors.CredentialsInvalid("request URI %q is not parseable: %v", req.URI, err)
	}

	amzDate := timestamp.UTC().Format(awsDateFormat)
	dateStamp := timestamp.UTC().Format(awsDateOnlyFormat)

	header := cloneHeader(req.Header)
	header.Set("X-Amz-Date", amzDate)

	canonicalURI := canonicalAWSPath(parsedURI.EscapedPath(), doubleEncode)
	canonicalQuery := canonicalAWSQuery(parsedURI.Query())
	canonicalHeaders, signedHeaders := canonicalAWSHeaders(canonicalHeaderNames, header, parsedURI.Host)
	payloadHash := hex.EncodeToString(sha256Sum(req.Body))

	canonicalRequest := strings.Join([]string{
		req.Method,
		canonicalURI,
		canonicalQuery,
		canonicalHeaders,
		signedHeaders,
		payloadHash,
	}, "\n")

	credentialScope := fmt.Sprintf("%s/%s/%s/aws4_request", dateStamp, region, service)
	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256",
		amzDate,
		credentialScope,
		hex.EncodeToString(sha256Sum([]byte(canonicalRequest))),
	}, "\n")

	signingKey := deriveAWSSigningKey(secretKey, dateStamp, region, service)
	signature := hex.EncodeToString(hmacSHA256(signingKey, []byte(stringToSign)))

	authorization := fmt.Sprintf("AWS4-HMAC-SHA256 Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		accessKey, credentialScope, signedHeaders, signature)
	header.Set("Authorization", authorization)

	return SignedRequest{
		Method: req.Method,
		URI:    req.URI,
		Header: header,
		Body:   req.Body,
	}, nil
}

func deriveAWSSigningKey(secretKey, dateStamp, region, service string) []byte {
	kSecret := []byte("AWS4" + secretKey)
	kDate := hmacSHA256(kSecret, []byte(dateStamp))
	kRegion := hmacSHA256(kDate, []byte(region))
	kService := hmacSHA256(kRegion, []byte(service))
	return hmacSHA256(kService, []byte("aws4_request"))
}

func hmacSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func sha256Sum(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// canonicalAWSPath percent-encodes a URI path per the AWS SigV4 rules: each
// segment is escaped leaving unreserved characters (RFC3986) untouched, and
// if doubleEncode is set the whole path is escaped a second time, except the
// leading "/", which is never re-encoded.
func canonicalAWSPath(path string, doubleEncode bool) string {
	if path == "" {
		return "/"
	}
	encoded := awsURIEncodePath(path)
	if doubleEncode {
		encoded = "/" + awsURIEncodePath(strings.TrimPrefix(encoded, "/"))
	}
	return encoded
}

func awsURIEncodePath(path string) string {
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		segments[i] = awsURIEncode(seg, false)
	}
	return strings.Join(segments, "/")
}

// awsURIEncode implements the AWS "UriEncode" function: percent-encode every
// byte except A-Za-z0-9 and -_.~ ; when encodeSlash is true, "/" is also
// percent-encoded (used for query keys/values, never for paths).
func awsURIEncode(s string, encodeSlash bool) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-', c == '_', c == '.', c == '~':
			b.WriteByte(c)
		case c == '/' && !encodeSlash:
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

func canonicalAWSQuery(query url.Values) string {
	if len(query) == 0 {
		return ""
	}
	type kv struct{ k, v string }
	var pairs []kv
	for k, vs := range query {
		for _, v := range vs {
			pairs = append(pairs, kv{awsURIEncode(k, true), awsURIEncode(v, true)})
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].k != pairs[j].k {
			return pairs[i].k < pairs[j].k
		}
		return pairs[i].v < pairs[j].v
	})
	parts := make([]string, len(pairs))
	for i, p := range pairs {
		parts[i] = p.k + "=" + p.v
	}
	return strings.Join(parts, "&")
}

func canonicalAWSHeaders(names []string, header map[string][]string, host string) (canonical, signed string) {
	var b strings.Builder
	signedNames := make([]string, len(names))
	copy(signedNames, names)
	sort.Strings(signedNames)
	for _, name := range signedNames {
		value := headerValueCaseInsensitive(header, name)
		if name == "host" && value == "" {
			value = host
		}
		b.WriteString(name)
		b.WriteByte(':')
		b.WriteString(strings.TrimSpace(collapseWhitespace(value)))
		b.WriteByte('\n')
	}
	return b.String(), strings.Join(signedNames, ";")
}

func headerValueCaseInsensitive(header map[string][]string, name string) string {
	for k, vs := range header {
		if strings.EqualFold(k, name) && len(vs) > 0 {
			return vs[0]
		}
	}
	return ""
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
