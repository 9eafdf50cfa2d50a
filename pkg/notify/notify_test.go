package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/aegis/pkg/audit"
	"github.com/kadirpekel/aegis/pkg/security"
)

func testAlert(id string, level audit.AlertLevel) audit.Alert {
	return audit.Alert{
		ID:        id,
		Timestamp: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Level:     level,
		Title:     "Critical security event: threat-detected",
		EntryID:   "entry-" + id,
		Event:     security.EventThreatDetected,
	}
}

func TestBus_FanOut(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	a, unsubA := bus.Subscribe(4)
	b, unsubB := bus.Subscribe(4)
	defer unsubB()
	assert.Equal(t, 2, bus.Subscribers())

	bus.NotifyAlert(context.Background(), testAlert("1", audit.AlertCritical), true)

	for _, ch := range []<-chan Notification{a, b} {
		n := <-ch
		assert.Equal(t, "1", n.Alert.ID)
		assert.True(t, n.ShouldNotifyUser)
	}

	unsubA()
	unsubA()
	_, open := <-a
	assert.False(t, open)
	assert.Equal(t, 1, bus.Subscribers())
}

func TestBus_DropsWhenFull(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, unsub := bus.Subscribe(1)
	defer unsub()

	bus.NotifyAlert(context.Background(), testAlert("1", audit.AlertWarning), false)
	bus.NotifyAlert(context.Background(), testAlert("2", audit.AlertWarning), false)

	assert.Equal(t, int64(1), bus.Dropped())
	assert.Equal(t, "1", (<-ch).Alert.ID)
}

func TestBus_Close(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(1)
	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())
	unsub()

	_, open := <-ch
	assert.False(t, open)

	late, _ := bus.Subscribe(1)
	_, open = <-late
	assert.False(t, open)
	bus.NotifyAlert(context.Background(), testAlert("x", audit.AlertInfo), false)
}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	n := NewLogNotifier(slog.New(slog.NewJSONHandler(&buf, nil)))

	n.NotifyAlert(context.Background(), testAlert("42", audit.AlertCritical), true)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "ERROR", rec["level"])
	assert.Equal(t, "42", rec["alert_id"])
	assert.Equal(t, true, rec["notify_user"])
}

func TestMulti(t *testing.T) {
	var got []string
	record := audit.NotifierFunc(func(_ context.Context, a audit.Alert, _ bool) { got = append(got, a.ID) })

	Multi{record, nil, record}.NotifyAlert(context.Background(), testAlert("7", audit.AlertError), true)
	assert.Equal(t, []string{"7", "7"}, got)
}

func TestRedisPublisher(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	ctx := context.Background()
	sub := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer sub.Close()
	ps := sub.Subscribe(ctx, DefaultRedisChannel)
	defer ps.Close()
	_, err = ps.Receive(ctx)
	require.NoError(t, err)

	pub, err := NewRedisPublisher(ctx, RedisConfig{Addr: mr.Addr()}, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultRedisChannel, pub.Channel())

	pub.NotifyAlert(ctx, testAlert("r1", audit.AlertCritical), true)

	select {
	case msg := <-ps.Channel():
		var n Notification
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &n))
		assert.Equal(t, "r1", n.Alert.ID)
		assert.Equal(t, audit.AlertCritical, n.Alert.Level)
		assert.True(t, n.ShouldNotifyUser)
	case <-time.After(5 * time.Second):
		t.Fatal("alert was not published")
	}

	require.NoError(t, pub.Close())
	require.NoError(t, pub.Close())
	pub.NotifyAlert(ctx, testAlert("late", audit.AlertInfo), false)
	assert.Equal(t, int64(1), pub.Dropped())
}

func TestRedisPublisher_ConnectFailure(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()

	_, err = NewRedisPublisher(context.Background(), RedisConfig{Addr: addr}, nil)
	assert.Error(t, err)

	_, err = NewRedisPublisher(context.Background(), RedisConfig{}, nil)
	assert.Error(t, err)
}

func TestLedgerDeliversToBus(t *testing.T) {
	bus := NewBus()
	defer bus.Close()
	ch, unsub := bus.Subscribe(4)
	defer unsub()

	ledger, err := audit.New(audit.Options{}, audit.WithNotifier(bus))
	require.NoError(t, err)
	defer ledger.Close()

	threat := security.ThreatInfo{Type: security.ThreatXSS, Severity: security.SeverityCritical}
	entry := ledger.LogSecurityEvent(context.Background(), security.EventThreatDetected, security.EventContext{
		Threat: &security.ThreatDetail{Highest: threat, Threats: []security.ThreatInfo{threat}, Blocked: true},
	})

	n := <-ch
	assert.Equal(t, entry.ID, n.Alert.EntryID)
	assert.True(t, n.ShouldNotifyUser)
}
