package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()
	m.RoomOpened()
	m.RoomOpened()
	m.RoomClosed()
	m.PeerConnected()
	m.Relayed("signal")
	m.Relayed("signal")
	m.Rejected("full")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.rooms))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.peers))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.relayed.WithLabelValues("signal")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rejected.WithLabelValues("full")))
}

func TestHandler(t *testing.T) {
	m := New()
	m.Relayed("ready")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), `guess_signaling_messages_relayed_total{event="ready"} 1`)
}
