package notifier

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_EmptyURLReturnsNil(t *testing.T) {
	assert.Nil(t, New("", zerolog.Nop()))
}

func TestNotifier_SendPostsEventAndPayload(t *testing.T) {
	received := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		received <- "ok"
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(srv.URL, zerolog.Nop())
	require.NotNil(t, n)

	n.Send(context.Background(), "task_completed", map[string]string{"task_id": "t1"})

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("webhook was never called")
	}
}

func TestNotifier_NilReceiverSendIsNoop(t *testing.T) {
	var n *Notifier
	assert.NotPanics(t, func() {
		n.Send(context.Background(), "heartbeat", nil)
	})
}
