package spyglass

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clipworks/pkg/catalog"
	"clipworks/pkg/models"
)

type fakeLister struct {
	clips []catalog.ClipWithStreamer
	err   error

	start time.Time
	end   time.Time
	limit int
}

func (f *fakeLister) ListClips(ctx context.Context, start, end time.Time, limit int) ([]catalog.ClipWithStreamer, error) {
	f.start, f.end, f.limit = start, end, limit
	return f.clips, f.err
}

var testNow = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestRouter(lister *fakeLister) *gin.Engine {
	gin.SetMode(gin.TestMode)
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	router := gin.New()
	NewHandlers(lister, logger, func() time.Time { return testNow }).Register(router)
	return router
}

func doRequest(router *gin.Engine, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestListClipsDefaults(t *testing.T) {
	lister := &fakeLister{
		clips: []catalog.ClipWithStreamer{{
			ClipRecord:    models.ClipRecord{ClipID: "C1", BroadcasterID: 111},
			StreamerLogin: "alpha",
		}},
	}
	w := doRequest(newTestRouter(lister), "/v1.0/clip")

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 50, lister.limit, "default limit")
	assert.True(t, lister.end.Equal(testNow), "end defaults to now")
	assert.True(t, lister.start.Equal(testNow.Add(-7*24*time.Hour)), "start defaults to now minus 7 days")

	var body struct {
		Clips []catalog.ClipWithStreamer `json:"clips"`
		Count int                        `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, 1, body.Count)
	require.Len(t, body.Clips, 1)
	assert.Equal(t, "alpha", body.Clips[0].StreamerLogin)
}

func TestListClipsExplicitWindow(t *testing.T) {
	lister := &fakeLister{}
	w := doRequest(newTestRouter(lister),
		"/v1.0/clip?start=2024-03-01T00:00:00Z&end=2024-03-02T00:00:00Z&limit=10")

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 10, lister.limit)
	assert.Equal(t, "2024-03-01T00:00:00Z", lister.start.Format(time.RFC3339))
	assert.Equal(t, "2024-03-02T00:00:00Z", lister.end.Format(time.RFC3339))
}

func TestListClipsLimitCapped(t *testing.T) {
	lister := &fakeLister{}
	w := doRequest(newTestRouter(lister), "/v1.0/clip?limit=5000")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 100, lister.limit, "limit capped at 100")
}

func TestListClipsValidation(t *testing.T) {
	cases := []struct {
		name   string
		target string
	}{
		{name: "bad start", target: "/v1.0/clip?start=yesterday"},
		{name: "bad end", target: "/v1.0/clip?end=tomorrow"},
		{name: "zero limit", target: "/v1.0/clip?limit=0"},
		{name: "negative limit", target: "/v1.0/clip?limit=-3"},
		{name: "non-numeric limit", target: "/v1.0/clip?limit=abc"},
		{name: "inverted window", target: "/v1.0/clip?start=2024-03-02T00:00:00Z&end=2024-03-01T00:00:00Z"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := doRequest(newTestRouter(&fakeLister{}), tc.target)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestListClipsStoreError(t *testing.T) {
	lister := &fakeLister{err: context.DeadlineExceeded}
	w := doRequest(newTestRouter(lister), "/v1.0/clip")

	require.Equal(t, http.StatusInternalServerError, w.Code)

	var body struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.NotEmpty(t, body.Error)
}

func TestListClipsEmptyResultIsNotAnError(t *testing.T) {
	w := doRequest(newTestRouter(&fakeLister{}), "/v1.0/clip")

	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 0, body.Count)
}
