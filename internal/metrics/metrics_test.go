package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHandlerExposesRegisteredSeries(t *testing.T) {
	m := New()
	m.MessagesSent.Inc()
	m.ActiveSessions.Set(3)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "relay_messages_sent_total"))
	assert.True(t, strings.Contains(body, "relay_active_sessions"))
}
