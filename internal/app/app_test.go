package app

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"example.com/ledger/internal/config"
	"example.com/ledger/internal/domain"
	"example.com/ledger/internal/logging"
	"example.com/ledger/internal/persistence/memory"
)

func memoryConfig() config.Config {
	return config.Config{
		StoreDriver:  config.StoreDriverMemory,
		LockTimeout:  time.Second,
		MaxAttempts:  3,
		RetryBackoff: time.Millisecond,
		Timezone:     "UTC",
		JWTSecret:    "secret",
		JWTIssuer:    "ledger-test",
	}
}

func TestNewMemoryApp(t *testing.T) {
	a, err := New(context.Background(), memoryConfig(), logging.NewNop())
	require.NoError(t, err)
	defer a.Close()

	require.Nil(t, a.Pool)
	require.IsType(t, &memory.Store{}, a.Store)
	require.Len(t, a.Ledger.Catalog(), 9)
}

func TestNewLoadsCatalogOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`achievements:
  - id: first_vote
    type: votes
    threshold: 1
`), 0o600))

	cfg := memoryConfig()
	cfg.CatalogPath = path
	a, err := New(context.Background(), cfg, logging.NewNop())
	require.NoError(t, err)
	defer a.Close()
	require.Len(t, a.Ledger.Catalog(), 1)

	cfg.CatalogPath = filepath.Join(t.TempDir(), "missing.yaml")
	_, err = New(context.Background(), cfg, logging.NewNop())
	require.Error(t, err)
}

func TestNewRejectsUnknownDriver(t *testing.T) {
	cfg := memoryConfig()
	cfg.StoreDriver = "sqlite"
	_, err := New(context.Background(), cfg, logging.NewNop())
	require.Error(t, err)
}

func TestHandlerServesVotes(t *testing.T) {
	a, err := New(context.Background(), memoryConfig(), logging.NewNop())
	require.NoError(t, err)
	defer a.Close()
	a.Store.(*memory.Store).PutTopic(domain.Topic{ID: 1, Active: true})

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":    "12",
		"iss":    "ledger-test",
		"exp":    time.Now().Add(time.Hour).Unix(),
		"scopes": []string{"votes:write"},
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/topics/1/votes", strings.NewReader(`{"choice":"A"}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	streak, err := a.Ledger.GetStreak(context.Background(), 12)
	require.NoError(t, err)
	require.Equal(t, int64(1), streak.TotalVotes)

	for _, path := range []string{"/healthz", "/metrics"} {
		resp, err := srv.Client().Get(srv.URL + path)
		require.NoError(t, err, path)
		_ = resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode, fmt.Sprint(path))
	}
}
