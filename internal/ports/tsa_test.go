package ports

import (
	"context"
	"crypto/sha256"
	"encoding/asn1"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticTSARoundTrip(t *testing.T) {
	clock := FixedClock{T: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)}
	tsa := NewStaticTSA([]byte("shared-secret"), clock)
	digest := sha256.Sum256([]byte("evidence"))

	token, err := tsa.Timestamp(context.Background(), digest[:])
	require.NoError(t, err)
	require.NoError(t, tsa.Verify(context.Background(), token, digest[:]))

	other := sha256.Sum256([]byte("tampered"))
	assert.Error(t, tsa.Verify(context.Background(), token, other[:]))

	forged := NewStaticTSA([]byte("wrong-secret"), clock)
	assert.Error(t, forged.Verify(context.Background(), token, digest[:]))
}

func TestStaticTSARejectsShortDigest(t *testing.T) {
	tsa := NewStaticTSA([]byte("s"), nil)
	_, err := tsa.Timestamp(context.Background(), []byte("short"))
	assert.Error(t, err)
}

// tsaGrantedResponse builds a minimal DER reply whose token embeds the
// digest, enough for request/verify round trips in tests.
func tsaGrantedResponse(t *testing.T, digest []byte, status int) []byte {
	t.Helper()
	type testStatus struct {
		Status int
	}
	type testToken struct {
		Imprint []byte
	}
	type testResp struct {
		Status testStatus
		Token  testToken
	}
	der, err := asn1.Marshal(testResp{
		Status: testStatus{Status: status},
		Token:  testToken{Imprint: digest},
	})
	require.NoError(t, err)
	return der
}

func TestRFC3161TSATimestamp(t *testing.T) {
	digest := sha256.Sum256([]byte("evidence"))

	var gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		w.Write(tsaGrantedResponse(t, digest[:], 0))
	}))
	defer srv.Close()

	tsa := NewRFC3161TSA(srv.URL, time.Second)
	token, err := tsa.Timestamp(context.Background(), digest[:])
	require.NoError(t, err)
	assert.Equal(t, "application/timestamp-query", gotContentType)
	require.NoError(t, tsa.Verify(context.Background(), token, digest[:]))

	other := sha256.Sum256([]byte("other"))
	assert.Error(t, tsa.Verify(context.Background(), token, other[:]))
}

func TestRFC3161TSARejection(t *testing.T) {
	digest := sha256.Sum256([]byte("evidence"))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(tsaGrantedResponse(t, digest[:], 2))
	}))
	defer srv.Close()

	tsa := NewRFC3161TSA(srv.URL, time.Second)
	_, err := tsa.Timestamp(context.Background(), digest[:])
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rejected")
}

func TestRFC3161TSAHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	digest := sha256.Sum256([]byte("evidence"))
	tsa := NewRFC3161TSA(srv.URL, time.Second)
	_, err := tsa.Timestamp(context.Background(), digest[:])
	assert.Error(t, err)
}
