package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/thermserve/thermserve/internal/authz"
	"github.com/thermserve/thermserve/internal/config"
	"github.com/thermserve/thermserve/internal/devicestate"
	"github.com/thermserve/thermserve/internal/integrations"
	"github.com/thermserve/thermserve/internal/objectstore"
	"github.com/thermserve/thermserve/internal/subscriptions"
	"github.com/thermserve/thermserve/internal/watchdog"
)

func newTestServer(t *testing.T) (*Server, *authz.Reader, string) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := objectstore.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("objectstore.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	raw := store.DB()

	az := authz.New(raw)
	if err := az.Migrate(); err != nil {
		t.Fatalf("authz.Migrate: %v", err)
	}

	const serial = "A"
	const userID = "u1"
	if _, err := raw.Exec(`INSERT INTO device_owners (user_id, serial) VALUES (?, ?)`, userID, serial); err != nil {
		t.Fatalf("seed ownership: %v", err)
	}

	wd := watchdog.New(5*time.Minute, 30*time.Second, nil)
	subs := subscriptions.New()
	integ := integrations.NewManager(func(userID string) (integrations.Instance, error) {
		return noopInstance{}, nil
	}, nil)

	svc := devicestate.New(store, wd, subs, integ, az.UsersEntitled, nil)

	srv := New(
		config.ListenConfig{Address: "127.0.0.1", Port: 0, MaxConnections: 100},
		config.RateLimitConfig{RequestsPerSecond: 1000, Burst: 1000},
		svc, subs, az, 500*time.Millisecond, nil,
	)
	return srv, az, serial
}

type noopInstance struct{}

func (noopInstance) Initialize(ctx context.Context) error         { return nil }
func (noopInstance) Shutdown(ctx context.Context) error           { return nil }
func (noopInstance) OnDeviceStateChange(integrations.DeviceStateChange) {}
func (noopInstance) OnDeviceConnected(string)                     {}
func (noopInstance) OnDeviceDisconnected(string)                  {}

func TestHandleEntry(t *testing.T) {
	srv, _, serial := newTestServer(t)
	r := httptest.NewRequest(http.MethodGet, "/entry?serial="+serial, nil)
	w := httptest.NewRecorder()
	srv.router().ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp entryResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.OK {
		t.Error("expected ok=true")
	}
}

func TestHandlePutAndStatus(t *testing.T) {
	srv, _, serial := newTestServer(t)

	body, _ := json.Marshal(putRequest{Objects: []putObject{
		{Serial: serial, ObjectKey: "device." + serial, ObjectRevision: 1, ObjectTimestamp: 1000,
			Value: map[string]any{"temperature": 21.0}},
	}})
	r := httptest.NewRequest(http.MethodPut, "/transport/put", bytes.NewReader(body))
	w := httptest.NewRecorder()
	srv.router().ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("put status = %d, body = %s", w.Code, w.Body.String())
	}
	var putResp putResponse
	_ = json.Unmarshal(w.Body.Bytes(), &putResp)
	if putResp.Accepted != 1 {
		t.Fatalf("accepted = %d, want 1", putResp.Accepted)
	}

	r2 := httptest.NewRequest(http.MethodGet, "/status?serial="+serial, nil)
	w2 := httptest.NewRecorder()
	srv.router().ServeHTTP(w2, r2)
	if w2.Code != http.StatusOK {
		t.Fatalf("status code = %d", w2.Code)
	}
	var statusResp statusResponse
	if err := json.Unmarshal(w2.Body.Bytes(), &statusResp); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if _, ok := statusResp.DeviceState[serial]["device."+serial]; !ok {
		t.Errorf("status missing device.%s key: %+v", serial, statusResp.DeviceState)
	}
}

func TestHandlePutUnauthorizedSerial(t *testing.T) {
	srv, _, _ := newTestServer(t)

	body, _ := json.Marshal(putRequest{Objects: []putObject{
		{Serial: "unknown-serial", ObjectKey: "device.unknown-serial", ObjectRevision: 1, ObjectTimestamp: 1000,
			Value: map[string]any{"temperature": 21.0}},
	}})
	r := httptest.NewRequest(http.MethodPut, "/transport/put", bytes.NewReader(body))
	w := httptest.NewRecorder()
	srv.router().ServeHTTP(w, r)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestHandleSubscribeWakesOnMatchingWrite(t *testing.T) {
	srv, _, serial := newTestServer(t)

	subBody, _ := json.Marshal(subscribeRequest{Serial: serial, Keys: []string{"shared." + serial}, TimeoutMS: 2000})
	req := httptest.NewRequest(http.MethodPost, "/transport/subscribe", bytes.NewReader(subBody))
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		srv.router().ServeHTTP(rec, req)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond) // let the subscribe register

	putBody, _ := json.Marshal(putRequest{Objects: []putObject{
		{Serial: serial, ObjectKey: "shared." + serial, ObjectRevision: 5, ObjectTimestamp: 2000,
			Value: map[string]any{"target_temperature": 22.5}},
	}})
	putReq := httptest.NewRequest(http.MethodPut, "/transport/put", bytes.NewReader(putBody))
	putRec := httptest.NewRecorder()
	srv.router().ServeHTTP(putRec, putReq)
	if putRec.Code != http.StatusOK {
		t.Fatalf("put status = %d", putRec.Code)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("subscribe handler did not return after matching write")
	}

	var subResp subscribeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &subResp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(subResp.Objects) != 1 {
		t.Fatalf("objects = %d, want 1", len(subResp.Objects))
	}
	if subResp.Objects[0].ObjectRevision < 5 {
		t.Errorf("revision = %d, want >= 5", subResp.Objects[0].ObjectRevision)
	}
}

func TestHandleSubscribeTimeout(t *testing.T) {
	srv, _, serial := newTestServer(t)

	subBody, _ := json.Marshal(subscribeRequest{Serial: serial, TimeoutMS: 50})
	req := httptest.NewRequest(http.MethodPost, "/transport/subscribe", bytes.NewReader(subBody))
	w := httptest.NewRecorder()
	srv.router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp subscribeResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Objects) != 0 {
		t.Errorf("objects = %v, want empty on timeout", resp.Objects)
	}
}
