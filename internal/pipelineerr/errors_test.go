package pipelineerr

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyStatusCodes(t *testing.T) {
	cases := []struct {
		status  int
		wantErr any
	}{
		{http.StatusBadRequest, &BadRequest{}},
		{http.StatusNotFound, &NotFound{}},
		{http.StatusTooManyRequests, &RateLimited{}},
		{http.StatusPaymentRequired, &PaymentRequired{}},
		{http.StatusUnauthorized, &Unauthorized{}},
		{http.StatusForbidden, &Unauthorized{}},
		{http.StatusInternalServerError, &ServerError{}},
		{http.StatusBadGateway, &ServerError{}},
	}

	for _, c := range cases {
		resp := &http.Response{StatusCode: c.status, Header: http.Header{}}
		err := Classify(resp, "boom", nil)
		require.Error(t, err)
		assert.IsType(t, c.wantErr, err)
	}
}

func TestClassifySuccessIsNil(t *testing.T) {
	resp := &http.Response{StatusCode: 200, Header: http.Header{}}
	assert.NoError(t, Classify(resp, "", nil))
}

func TestClassifyRetryAfterSeconds(t *testing.T) {
	resp := &http.Response{StatusCode: http.StatusTooManyRequests, Header: http.Header{"Retry-After": []string{"2"}}}
	err := Classify(resp, "", nil)

	var rl *RateLimited
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, 2*time.Second, rl.RetryAfter)
}

func TestClassifyRetryAfterHTTPDate(t *testing.T) {
	future := time.Now().Add(90 * time.Second).UTC().Format(http.TimeFormat)
	resp := &http.Response{StatusCode: http.StatusTooManyRequests, Header: http.Header{"Retry-After": []string{future}}}
	err := Classify(resp, "", nil)

	var rl *RateLimited
	require.ErrorAs(t, err, &rl)
	assert.InDelta(t, 90*time.Second, rl.RetryAfter, float64(2*time.Second))
}

func TestClassifyTransportError(t *testing.T) {
	err := Classify(nil, "", assert.AnError)

	var nt *NetworkTransient
	require.ErrorAs(t, err, &nt)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(&RateLimited{}))
	assert.True(t, IsRetryable(&ServerError{}))
	assert.True(t, IsRetryable(&NetworkTransient{}))
	assert.True(t, IsRetryable(&StreamTimeout{}))
	assert.False(t, IsRetryable(&BadRequest{}))
	assert.False(t, IsRetryable(&NotFound{}))
	assert.False(t, IsRetryable(&Cancelled{}))
	assert.False(t, IsRetryable(&PaymentRequired{}))
	assert.False(t, IsRetryable(&Unauthorized{}))
}

func TestAllBucketsExhaustedUnwraps(t *testing.T) {
	inner := &ServerError{Status: 500}
	err := &AllBucketsExhausted{Buckets: 3, LastError: inner}
	assert.ErrorIs(t, err, inner)
}
