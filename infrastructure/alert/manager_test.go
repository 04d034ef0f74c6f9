package alert

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// mockChannel 记录收到的告警
type mockChannel struct {
	name      string
	mu        sync.Mutex
	alerts    []Alert
	shouldErr bool
}

func (c *mockChannel) Send(a Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shouldErr {
		return errors.New("mock error")
	}
	c.alerts = append(c.alerts, a)
	return nil
}

func (c *mockChannel) Name() string { return c.name }

func (c *mockChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.alerts)
}

func TestSendAlert(t *testing.T) {
	mock := &mockChannel{name: "mock"}
	mgr := NewManager([]Channel{mock}, 5*time.Minute)

	if err := mgr.SendAlert(Alert{Level: LevelInfo, Message: "test message", Fields: map[string]interface{}{"key": "value"}}); err != nil {
		t.Fatalf("SendAlert failed: %v", err)
	}
	if mock.count() != 1 {
		t.Fatalf("expected 1 alert, got %d", mock.count())
	}
	a := mock.alerts[0]
	if a.Level != LevelInfo || a.Message != "test message" || a.Fields["key"] != "value" {
		t.Errorf("unexpected alert %+v", a)
	}
	if a.Timestamp.IsZero() {
		t.Error("timestamp should be set")
	}
	if names := mgr.Channels(); len(names) != 1 || names[0] != "mock" {
		t.Errorf("channels = %v", names)
	}
}

func TestSendAlertThrottled(t *testing.T) {
	mock := &mockChannel{name: "mock"}
	mgr := NewManager([]Channel{mock}, time.Hour)

	for i := 0; i < 3; i++ {
		mgr.SendError("indexer down", nil)
	}
	mgr.SendError("rpc down", nil)
	if mock.count() != 2 {
		t.Fatalf("expected 2 alerts after throttling, got %d", mock.count())
	}
}

func TestSendAlertChannelErrors(t *testing.T) {
	bad := &mockChannel{name: "bad", shouldErr: true}
	mgr := NewManager([]Channel{bad}, time.Minute)
	if err := mgr.SendError("x", nil); err == nil {
		t.Fatal("expected error when every channel fails")
	}

	good := &mockChannel{name: "good"}
	mgr.AddChannel(good)
	if err := mgr.SendError("y", nil); err != nil {
		t.Fatalf("one healthy channel should be enough: %v", err)
	}
	if good.count() != 1 {
		t.Fatalf("expected good channel to receive alert")
	}
}

func TestFailureWatchFiresAtThresholdAndRecovers(t *testing.T) {
	mock := &mockChannel{name: "mock"}
	w := NewFailureWatch(NewManager([]Channel{mock}, time.Hour), 3)
	boom := errors.New("status 502")

	w.Record("orderbook", 0, boom)
	w.Record("orderbook", 0, boom)
	if mock.count() != 0 {
		t.Fatalf("alert fired before threshold")
	}
	w.Record("orderbook", 0, boom)
	w.Record("orderbook", 0, boom) // 限流
	if mock.count() != 1 {
		t.Fatalf("expected exactly one failing alert, got %d", mock.count())
	}
	if got := mock.alerts[0]; got.Level != LevelError || got.Message != "orderbook failing" || got.Fields["consecutive"] != 3 {
		t.Fatalf("unexpected alert %+v", got)
	}
	if w.Streak("orderbook") != 4 {
		t.Fatalf("streak = %d", w.Streak("orderbook"))
	}

	w.Record("orderbook", 0, nil)
	if mock.count() != 2 || mock.alerts[1].Message != "orderbook recovered" {
		t.Fatalf("expected recovery alert, got %+v", mock.alerts)
	}
	// 恢复后再次失败可以立即告警
	for i := 0; i < 3; i++ {
		w.Record("orderbook", 0, boom)
	}
	if mock.count() != 3 {
		t.Fatalf("expected new failing alert after recovery, got %d", mock.count())
	}

	// 其它数据源互不影响；从未告警的数据源成功时不发送恢复通知
	w.Record("trades", 0, nil)
	if mock.count() != 3 {
		t.Fatalf("unexpected recovery alert for healthy source")
	}
}

func TestLogChannel(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	ch := NewLogChannel("log", zap.New(core))
	ch.Send(Alert{Level: LevelError, Message: "indexer failing", Fields: map[string]interface{}{"consecutive": 5}})
	ch.Send(Alert{Level: LevelInfo, Message: "indexer recovered"})

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 log entries, got %d", len(entries))
	}
	if entries[0].Level != zap.ErrorLevel || entries[0].Message != "[ALERT] indexer failing" {
		t.Errorf("unexpected entry %+v", entries[0])
	}
	if entries[0].ContextMap()["consecutive"] != int64(5) {
		t.Errorf("fields not attached: %v", entries[0].ContextMap())
	}
	if entries[1].Level != zap.InfoLevel {
		t.Errorf("info alert logged at %s", entries[1].Level)
	}
}

func TestWebhookChannel(t *testing.T) {
	received := make(chan Alert, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var a Alert
		if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
			t.Errorf("decode: %v", err)
		}
		received <- a
	}))
	defer ts.Close()

	ch := NewWebhookChannel("hook", ts.URL, time.Second)
	if err := ch.Send(Alert{Level: LevelError, Message: "rpc failing", Timestamp: time.Now()}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if a := <-received; a.Message != "rpc failing" || a.Level != LevelError {
		t.Fatalf("unexpected payload %+v", a)
	}

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()
	if err := NewWebhookChannel("hook", failing.URL, time.Second).Send(Alert{Message: "x"}); err == nil {
		t.Fatal("expected error on 500")
	}
}
