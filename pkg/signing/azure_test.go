package signing_test

import (
	"encoding/base64"
	"net/http"
	"testing"
	"time"

	"github.com/jimmy777/ditto-connectivity/pkg/signing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedAzureCredentials() signing.Credentials {
	return signing.Credentials{
		Algorithm: signing.AlgorithmAzureMonitorHMAC,
		Parameters: map[string]string{
			"workspaceId": "11111111-2222-3333-4444-555555555555",
			"sharedKey":   base64.StdEncoding.EncodeToString([]byte("super-secret-shared-key")),
		},
	}
}

func TestAzureSigner_ByteIdentical(t *testing.T) {
	ts := time.Date(2023, 4, 5, 12, 0, 0, 0, time.UTC)
	creds := fixedAzureCredentials()
	req := fixedRequest()

	first, err := signing.Sign(req, creds, ts)
	require.NoError(t, err)
	second, err := signing.Sign(req, creds, ts)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestAzureSigner_SetsXMsDateHeader(t *testing.T) {
	ts := time.Date(2023, 4, 5, 12, 30, 45, 0, time.UTC)
	signed, err := signing.Sign(fixedRequest(), fixedAzureCredentials(), ts)
	require.NoError(t, err)
	assert.Equal(t, "Wed, 05 Apr 2023 12:30:45 GMT", signed.Header.Get("x-ms-date"))
}

func TestAzureSigner_AuthorizationHeaderShape(t *testing.T) {
	ts := time.Date(2023, 4, 5, 12, 0, 0, 0, time.UTC)
	signed, err := signing.Sign(fixedRequest(), fixedAzureCredentials(), ts)
	require.NoError(t, err)
	assert.Regexp(t, `^SharedKey 11111111-2222-3333-4444-555555555555:.+$`, signed.Header.Get("Authorization"))
}

func TestAzureSigner_InvalidBase64SharedKey(t *testing.T) {
	creds := fixedAzureCredentials()
	creds.Parameters["sharedKey"] = "not-base64!!"

	_, err := signing.Sign(fixedRequest(), creds, time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CREDENTIALS_INVALID")
}

func TestAzureSigner_MissingWorkspaceID(t *testing.T) {
	creds := fixedAzureCredentials()
	delete(creds.Parameters, "workspaceId")

	_, err := signing.Sign(fixedRequest(), creds, time.Now())
	require.Error(t, err)
}

func TestAzureSigner_DoesNotMutateInputHeader(t *testing.T) {
	req := signing.UnsignedRequest{
		Method: "GET",
		URI:    "https://workspace.ods.opinsights.azure.com/api/logs",
		Header: http.Header{},
		Body:   nil,
	}
	_, err := signing.Sign(req, fixedAzureCredentials(), time.Now())
	require.NoError(t, err)
	assert.Empty(t, req.Header.Get("Authorization"), "signer must not mutate the caller's header map")
}
