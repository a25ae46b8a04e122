package errors

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gridlens/gridlens/internal/core"
	"github.com/gridlens/gridlens/internal/server/middleware"
)

func TestFromDomainCodes(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		err    error
		code   string
		status int
	}{
		{fmt.Errorf("disable x: %w", core.ErrUnknownResource), CodeNotFound, http.StatusNotFound},
		{core.ErrJobNotFound, CodeNotFound, http.StatusNotFound},
		{core.ErrInvalidTransition, CodeConflict, http.StatusConflict},
		{core.ErrDuplicateJob, CodeConflict, http.StatusConflict},
		{core.ErrRateLimitExceeded, CodeRateLimited, http.StatusTooManyRequests},
		{core.ErrCircuitOpen, CodeCircuitOpen, http.StatusServiceUnavailable},
		{&core.UpstreamError{Resource: "weather", Timeout: true}, CodeTimeout, http.StatusGatewayTimeout},
		{&core.UpstreamError{Resource: "weather", StatusCode: 502}, CodeExternalService, http.StatusBadGateway},
		{core.ErrMissingSalt, CodeConfigInvalid, http.StatusInternalServerError},
		{fmt.Errorf("boom"), CodeInternal, http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			envelope := FromDomain(ctx, tc.err, "request failed")
			require.Equal(t, tc.code, envelope.Code)
			require.Equal(t, tc.status, HTTPStatusFromEnvelope(envelope))
			require.NotEmpty(t, envelope.CorrelationID)
			require.Equal(t, tc.err.Error(), envelope.Context["wrapped_error"])
		})
	}
}

func TestFromDomainKeepsEnvelopes(t *testing.T) {
	original := NewInvalidInputError("bad priority")
	require.Same(t, original, FromDomain(context.Background(), original, "ignored"))
}

func TestRespondWithEnvelopeUsesRequestID(t *testing.T) {
	var captured *http.Request
	handler := middleware.RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = r
		RespondWithEnvelope(w, r, FromDomain(r.Context(), core.ErrCircuitOpen, "resource unavailable"))
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/resources/weather/enable", nil)
	req.Header.Set(middleware.RequestIDHeader, "req-123")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.NotNil(t, captured)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Equal(t, CodeCircuitOpen, body.Error.Code)
	require.Equal(t, "req-123", body.Error.RequestID)
	require.Equal(t, "circuit_open", body.Error.Details["kind"])
}

func TestEnsureEnvelope(t *testing.T) {
	require.Equal(t, CodeInternal, EnsureEnvelope(nil).Code)

	env := EnsureEnvelope(fmt.Errorf("plain"))
	require.Equal(t, CodeInternal, env.Code)
	require.Equal(t, "plain", env.Context["wrapped_error"])
}
