package auth

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCreds() aws.Credentials {
	return aws.Credentials{
		AccessKeyID:     "AKIDEXAMPLE",
		SecretAccessKey: "wJalrXUtnFEMI/K7MDENG+bPxRfiCYEXAMPLEKEY",
	}
}

func fixedClock() func() time.Time {
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return ts }
}

func TestSignHeaders(t *testing.T) {
	s := NewSigner(WithClock(fixedClock()))

	req, err := http.NewRequest(http.MethodGet, "https://bucket.example.com/videos/a.mp4", nil)
	require.NoError(t, err)

	err = s.SignHeaders(context.Background(), req, testCreds(), "us-east-1", "s3")
	require.NoError(t, err)

	authz := req.Header.Get("Authorization")
	require.NotEmpty(t, authz)
	assert.True(t, strings.HasPrefix(authz, "AWS4-HMAC-SHA256"))
	assert.Contains(t, authz, "Credential=AKIDEXAMPLE/20250601/us-east-1/s3/aws4_request")
	assert.NotEmpty(t, req.Header.Get("X-Amz-Date"))
}

func TestSignHeadersDeterministic(t *testing.T) {
	s := NewSigner(WithClock(fixedClock()))

	sign := func() string {
		req, err := http.NewRequest(http.MethodGet, "https://bucket.example.com/videos/a.mp4", nil)
		require.NoError(t, err)
		require.NoError(t, s.SignHeaders(context.Background(), req, testCreds(), "us-east-1", "s3"))
		return req.Header.Get("Authorization")
	}

	assert.Equal(t, sign(), sign())
}

func TestSignHeadersVerbatimRegion(t *testing.T) {
	s := NewSigner(WithClock(fixedClock()))

	req, err := http.NewRequest(http.MethodGet, "https://account.r2.example.com/videos/a.mp4", nil)
	require.NoError(t, err)

	// Non-geographic region tokens must be accepted as-is.
	err = s.SignHeaders(context.Background(), req, testCreds(), "auto", "s3")
	require.NoError(t, err)
	assert.Contains(t, req.Header.Get("Authorization"), "/auto/s3/aws4_request")
}

func TestPresignURL(t *testing.T) {
	s := NewSigner(WithClock(fixedClock()))

	req, err := http.NewRequest(http.MethodGet, "https://bucket.example.com/videos/a.mp4", nil)
	require.NoError(t, err)

	signed, _, err := s.PresignURL(context.Background(), req, testCreds(), "us-east-1", "s3", 15*time.Minute)
	require.NoError(t, err)

	u, err := url.Parse(signed)
	require.NoError(t, err)

	q := u.Query()
	assert.Equal(t, "AWS4-HMAC-SHA256", q.Get("X-Amz-Algorithm"))
	assert.Equal(t, "900", q.Get("X-Amz-Expires"))
	assert.NotEmpty(t, q.Get("X-Amz-Signature"))
	assert.NotEmpty(t, q.Get("X-Amz-Credential"))
	// The signature lives in the query, not the headers.
	assert.Empty(t, req.Header.Get("Authorization"))
}

func TestPresignURLDefaultExpiry(t *testing.T) {
	s := NewSigner(WithClock(fixedClock()))

	req, err := http.NewRequest(http.MethodGet, "https://bucket.example.com/videos/a.mp4", nil)
	require.NoError(t, err)

	signed, _, err := s.PresignURL(context.Background(), req, testCreds(), "us-east-1", "s3", 0)
	require.NoError(t, err)

	u, err := url.Parse(signed)
	require.NoError(t, err)
	assert.Equal(t, "3600", u.Query().Get("X-Amz-Expires"))
}
