package moderation

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/bluesky-social/fedmod/moderation/models"

	"github.com/stretchr/testify/assert"
)

func TestWebhookNotifier(t *testing.T) {
	assert := assert.New(t)

	var lk sync.Mutex
	var received []BlockChangeNotification
	var headers []http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var n BlockChangeNotification
		if err := json.Unmarshal(body, &n); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		lk.Lock()
		received = append(received, n)
		headers = append(headers, r.Header.Clone())
		lk.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer failing.Close()

	n := NewWebhookNotifier([]string{srv.URL, failing.URL}, "fedmod-test")
	ctx := WithRequestID(context.Background(), "req-42")
	n.DomainBlockChanged(ctx, &models.DomainBlock{
		Domain:         "example.com",
		Severity:       models.SeveritySuspend,
		State:          models.BlockStateActive,
		RejectMedia:    true,
		PrivateComment: "moderator notes",
		PublicComment:  "spam",
		Version:        3,
	})
	n.Wait()

	lk.Lock()
	defer lk.Unlock()
	if assert.Len(received, 1) {
		assert.Equal("example.com", received[0].Domain)
		assert.Equal(models.SeveritySuspend, received[0].Severity)
		assert.True(received[0].RejectMedia)
		assert.Equal("spam", received[0].PublicComment)
		assert.Equal(int64(3), received[0].Version)
		assert.Equal("req-42", headers[0].Get("X-Request-Id"))
		assert.Equal("fedmod-test", headers[0].Get("User-Agent"))
		assert.Contains(headers[0].Get("Via"), "fedmod")
	}
}

func TestWebhookNotifierOmitsPrivateComment(t *testing.T) {
	b, err := json.Marshal(BlockChangeNotification{Domain: "example.com"})
	assert.NoError(t, err)
	assert.NotContains(t, string(b), "private")
}
