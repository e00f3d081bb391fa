package utils

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	t.Parallel()

	id := uuid.New()
	token, err := GenerateToken("secret", id, time.Minute)
	require.NoError(t, err)

	got, err := ParseToken("secret", token)
	require.NoError(t, err)
	require.Equal(t, id, got)

	_, err = ParseToken("other", token)
	require.Error(t, err)

	stale, err := GenerateToken("secret", id, -time.Minute)
	require.NoError(t, err)
	_, err = ParseToken("secret", stale)
	require.Error(t, err)
}

func TestKeyHash(t *testing.T) {
	t.Parallel()

	hash, err := HashKey("ops-key")
	require.NoError(t, err)
	require.True(t, CheckKey(hash, "ops-key"))
	require.False(t, CheckKey(hash, "ops-key "))
	require.False(t, CheckKey("not-a-hash", "ops-key"))
}

func TestParsePagination(t *testing.T) {
	t.Parallel()

	cases := []struct {
		query string
		want  Pagination
	}{
		{"", Pagination{Page: 1, Limit: 20, Offset: 0}},
		{"?page=3&limit=10", Pagination{Page: 3, Limit: 10, Offset: 20}},
		{"?page=0&limit=-4", Pagination{Page: 1, Limit: 20, Offset: 0}},
		{"?page=x&limit=y", Pagination{Page: 1, Limit: 20, Offset: 0}},
		{"?page=2&limit=500", Pagination{Page: 2, Limit: MaxPageSize, Offset: MaxPageSize}},
	}

	got := make(chan Pagination, 1)
	app := fiber.New()
	app.Get("/", func(c *fiber.Ctx) error {
		got <- ParsePagination(c)
		return c.SendStatus(fiber.StatusNoContent)
	})

	for _, tc := range cases {
		resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/"+tc.query, nil), -1)
		require.NoError(t, err)
		require.Equal(t, fiber.StatusNoContent, resp.StatusCode)
		require.Equal(t, tc.want, <-got, tc.query)
	}
}
