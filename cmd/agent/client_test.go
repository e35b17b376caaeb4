package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClientRegisterRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/agent/v1/register", r.URL.Path)
		var req registerRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "single-use-token", req.Token)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(registerResponse{GUID: "agt_01ARZ3NDEKTSV4RRFFQ69G5FAV", APIKey: "agt_key_abc"})
	}))
	defer srv.Close()

	client := newAPIClient(srv.URL, "")
	resp, err := client.Register(context.Background(), registerRequest{Token: "single-use-token", Name: "box-1"})
	require.NoError(t, err)
	require.Equal(t, "agt_01ARZ3NDEKTSV4RRFFQ69G5FAV", resp.GUID)
	require.Equal(t, "agt_key_abc", resp.APIKey)
}

func TestClientClaimNextReturnsNilOnNoContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := newAPIClient(srv.URL, "agt_key_abc")
	job, err := client.ClaimNext(context.Background())
	require.NoError(t, err)
	require.Nil(t, job)
}

func TestClientSurfacesForbiddenAsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(map[string]string{"detail": "agent has been revoked"})
	}))
	defer srv.Close()

	client := newAPIClient(srv.URL, "agt_key_abc")
	_, err := client.Heartbeat(context.Background(), heartbeatRequest{})
	require.Error(t, err)

	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusForbidden, apiErr.Status)
	require.Equal(t, "agent has been revoked", apiErr.Detail)
}

func TestClientSendsBearerAuthHeader(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := newAPIClient(srv.URL, "agt_key_abc")
	require.NoError(t, client.Disconnect(context.Background()))
	require.Equal(t, "Bearer agt_key_abc", gotAuth)
}
