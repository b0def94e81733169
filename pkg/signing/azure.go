package signing

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/jimmy777/ditto-connectivity/pkg/ditterrors"
)

const azureDateFormat = "Mon, 02 Jan 2006 15:04:05 GMT"

// azureSigner implements the Azure Monitor HTTP Data Collector API's
// "SharedKey" HMAC-SHA256 scheme: the signature
// covers verb, content-length, content-type, the x-ms-date header and the
// resource path, HMAC'd with the base64-decoded shared key.
type azureSigner struct{}

func (azureSigner) Sign(req UnsignedRequest, creds Credentials, timestamp time.Time) (SignedRequest, error) {
	workspaceID, ok := creds.Parameters["workspaceId"]
	if !ok || workspaceID == "" {
		return SignedRequest{}, ditterrors.CredentialsInvalid("az-monitor-2016-04-01 requires a non-empty %q parameter", "workspaceId")
	}
	sharedKeyB64, ok := creds.Parameters["sharedKey"]
	if !ok || sharedKeyB64 == "" {
		return SignedRequest{}, ditterrors.CredentialsInvalid("az-monitor-2016-04-01 requires a non-empty %q parameter", "sharedKey")
	}
	sharedKey, err := base64.StdEncoding.DecodeString(sharedKeyB64)
	if err != nil {
		return SignedRequest{}, ditterrors.CredentialsInvalid("az-monitor-2016-04-01 sharedKey is not valid base64: %v", err)
	}

	parsedURI, err := url.Parse(req.URI)
	if err != nil {
		return SignedRequest{}, ditterrors.CredentialsInvalid("request URI %q is not parseable: %v", req.URI, err)
	}

	xMsDate := timestamp.UTC().Format(azureDateFormat)

	header := cloneHeader(req.Header)
	header.Set("x-ms-date", xMsDate)

	contentType := header.Get("Content-Type")
	contentLength := strconv.Itoa(len(req.Body))
	resourcePath := parsedURI.EscapedPath()
	if resourcePath == "" {
		resourcePath = "/"
	}

	stringToSign := fmt.Sprintf("%s\n%s\n%s\nx-ms-date:%s\n%s",
		req.Method, contentLength, contentType, xMsDate, resourcePath)

	signature := base64.StdEncoding.EncodeToString(hmacSHA256(sharedKey, []byte(stringToSign)))
	header.Set("Authorization", fmt.Sprintf("SharedKey %s:%s", workspaceID, signature))

	return SignedRequest{
		Method: req.Method,
		URI:    req.URI,
		Header: header,
		Body:   req.Body,
	}, nil
}
