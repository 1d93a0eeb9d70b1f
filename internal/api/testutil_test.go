package api

import (
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/kefu-relay/internal/assignment"
	"github.com/ashureev/kefu-relay/internal/auth"
	"github.com/ashureev/kefu-relay/internal/cache"
	"github.com/ashureev/kefu-relay/internal/presence"
	"github.com/ashureev/kefu-relay/internal/store"
)

type testEnv struct {
	repo     store.Repository
	cache    cache.Service
	presence *presence.Tracker
	auth     *auth.Service
	engine   *assignment.Engine
	handler  *Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	repo, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	c := cache.NewMemoryCache()
	tr := presence.NewTracker(c)
	authSvc := auth.NewService(repo, c)
	eng := assignment.NewEngine(c, tr, repo)

	return &testEnv{
		repo:     repo,
		cache:    c,
		presence: tr,
		auth:     authSvc,
		engine:   eng,
		handler:  NewHandler(repo, authSvc, tr, eng),
	}
}

// mountChiParams builds a chi route context with the given URL params
// populated, for exercising a single handler method without going through
// a full router.
func mountChiParams(params map[string]string) *chi.Context {
	rctx := chi.NewRouteContext()
	for k, v := range params {
		rctx.URLParams.Add(k, v)
	}
	return rctx
}
