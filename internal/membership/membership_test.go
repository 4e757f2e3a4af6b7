package membership_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libracirc/internal/membership"
	"libracirc/internal/storage"
)

func newService() membership.Service {
	return membership.NewService(storage.NewMemory(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRegisterAndSuspend(t *testing.T) {
	ctx := context.Background()
	svc := newService()

	member, err := svc.RegisterMember(ctx, "Ada")
	require.NoError(t, err)
	assert.True(t, member.IsActive())

	suspended, err := svc.SetStatus(ctx, member.ID, membership.StatusSuspended)
	require.NoError(t, err)
	assert.False(t, suspended.IsActive())

	got, err := svc.GetMember(ctx, member.ID)
	require.NoError(t, err)
	assert.Equal(t, membership.StatusSuspended, got.Status)
}

func TestMemberValidation(t *testing.T) {
	ctx := context.Background()
	svc := newService()

	_, err := svc.RegisterMember(ctx, "")
	assert.ErrorIs(t, err, membership.ErrInvalidMember)

	member, err := svc.RegisterMember(ctx, "Ada")
	require.NoError(t, err)
	_, err = svc.SetStatus(ctx, member.ID, membership.Status("banned"))
	assert.ErrorIs(t, err, membership.ErrInvalidMember)

	_, err = svc.SetStatus(ctx, uuid.New(), membership.StatusExpired)
	assert.ErrorIs(t, err, membership.ErrMemberNotFound)
}

func TestHandlerRoutes(t *testing.T) {
	router := chi.NewRouter()
	membership.NewHandler(newService(), slog.New(slog.NewTextHandler(io.Discard, nil))).Routes(router)
	server := httptest.NewServer(router)
	defer server.Close()

	resp, err := http.Post(server.URL+"/members", "application/json", strings.NewReader(`{"name":"Ada"}`))
	require.NoError(t, err)
	var member membership.Member
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&member))
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	put := func(body string) int {
		req, err := http.NewRequest(http.MethodPut, server.URL+"/members/"+member.ID.String()+"/status", strings.NewReader(body))
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}
	assert.Equal(t, http.StatusOK, put(`{"status":"expired"}`))
	assert.Equal(t, http.StatusBadRequest, put(`{"status":"banned"}`))

	resp, err = http.Get(server.URL + "/members/" + member.ID.String())
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&member))
	resp.Body.Close()
	assert.Equal(t, membership.StatusExpired, member.Status)

	resp, err = http.Get(server.URL + "/members/" + uuid.NewString())
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
