package protocol

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/thermserve/thermserve/internal/subscriptions"
)

// extractSerialFromRequest pulls a device serial out of a request for
// rate-limiting purposes, without reading the body. Only the serial
// query parameter is consulted: entry carries it there, while put and
// subscribe carry their serial in the JSON body, so for those this
// returns "" unless the client also sets the query parameter. It is
// used for rate-limit bucketing only.
func extractSerialFromRequest(r *http.Request) string {
	if s := r.URL.Query().Get("serial"); s != "" {
		return s
	}
	return ""
}

type entryResponse struct {
	OK bool `json:"ok"`
}

// handleEntry implements GET /entry: a device check-in. Body echoes
// assigned parameters; here that is just an acknowledgement, since
// server URL/service host assignment is static configuration in this
// deployment model rather than a per-device negotiation.
func (s *Server) handleEntry(w http.ResponseWriter, r *http.Request) {
	serial := r.URL.Query().Get("serial")
	if serial == "" {
		http.Error(w, "missing serial", http.StatusBadRequest)
		return
	}

	s.state.Touch(serial)
	writeJSON(w, http.StatusOK, entryResponse{OK: true})
}

type putObject struct {
	Serial          string `json:"serial"`
	ObjectKey       string `json:"object_key"`
	ObjectRevision  int64  `json:"object_revision"`
	ObjectTimestamp int64  `json:"object_timestamp"`
	Value           any    `json:"value"`
}

type putRequest struct {
	Objects []putObject `json:"objects"`
}

type putResponse struct {
	Accepted int `json:"accepted"`
}

// handlePut implements PUT /transport/put: one or more object writes.
func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	var req putRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}

	accepted := 0
	for _, obj := range req.Objects {
		if obj.Serial == "" || obj.ObjectKey == "" {
			http.Error(w, "malformed object entry", http.StatusBadRequest)
			return
		}
		if !s.authorizeSerial(w, r, obj.Serial) {
			return
		}

		if _, err := s.state.Upsert(obj.Serial, obj.ObjectKey, obj.ObjectRevision, obj.ObjectTimestamp, obj.Value); err != nil {
			s.logger.Error("put: upsert failed", "serial", obj.Serial, "key", obj.ObjectKey, "error", err)
			http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
			return
		}
		s.state.Touch(obj.Serial)
		accepted++
	}

	writeJSON(w, http.StatusOK, putResponse{Accepted: accepted})
}

type subscribeRequest struct {
	Serial    string   `json:"serial"`
	Keys      []string `json:"keys"`
	TimeoutMS int64    `json:"timeout_ms"`
}

type subscribeResponse struct {
	Objects []subscribedObject `json:"objects"`
}

type subscribedObject struct {
	ObjectKey      string `json:"object_key"`
	ObjectRevision int64  `json:"object_revision"`
	Value          any    `json:"value"`
}

// handleSubscribe implements POST /transport/subscribe: a long poll
// held open until a matching notify or the timeout elapses. The
// waiter's lifetime is tied to the request context so client
// disconnect cancels it promptly, per the request-owns-the-waiter
// discipline.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}
	if req.Serial == "" {
		http.Error(w, "missing serial", http.StatusBadRequest)
		return
	}
	if !s.authorizeSerial(w, r, req.Serial) {
		return
	}

	timeout := s.subTimeout
	if req.TimeoutMS > 0 {
		timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}

	handle := s.subs.Register(req.Serial, req.Keys)

	ctx := r.Context()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case obj, ok := <-handle.Chan():
		if !ok {
			writeJSON(w, http.StatusOK, subscribeResponse{Objects: []subscribedObject{}})
			return
		}
		writeJSON(w, http.StatusOK, subscribeResponse{Objects: []subscribedObject{toSubscribedObject(obj)}})
	case <-timer.C:
		handle.Cancel()
		writeJSON(w, http.StatusOK, subscribeResponse{Objects: []subscribedObject{}})
	case <-ctx.Done():
		handle.Cancel()
		// the client is gone; no response body is observable.
	}
}

func toSubscribedObject(obj subscriptions.Object) subscribedObject {
	return subscribedObject{
		ObjectKey:      obj.ObjectKey,
		ObjectRevision: obj.ObjectRevision,
		Value:          obj.Value,
	}
}

var statusReadableKeyPrefixes = []string{"user.", "device.", "shared.", "schedule.", "structure."}

type statusResponse struct {
	Devices     []string                  `json:"devices"`
	DeviceState map[string]map[string]any `json:"deviceState"`
}

// handleStatus implements the illustrative GET /status?serial=...
// read endpoint for frontend consumption, filtered to the
// object-key prefixes listed in the protocol design.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	serial := r.URL.Query().Get("serial")
	if serial == "" {
		http.Error(w, "missing serial", http.StatusBadRequest)
		return
	}

	all, err := s.state.GetAllForDevice(serial)
	if err != nil {
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
		return
	}

	filtered := make(map[string]any)
	for key, obj := range all {
		if hasReadablePrefix(key) {
			filtered[key] = map[string]any{
				"object_revision": obj.ObjectRevision,
				"value":           obj.Value,
			}
		}
	}

	resp := statusResponse{
		Devices:     []string{serial},
		DeviceState: map[string]map[string]any{serial: {}},
	}
	for k, v := range filtered {
		resp.DeviceState[serial][k] = v
	}
	writeJSON(w, http.StatusOK, resp)
}

func hasReadablePrefix(key string) bool {
	for _, prefix := range statusReadableKeyPrefixes {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}

// handleSettingsStub documents the pairing/provisioning boundary: the
// device-local settings exchange is consumed by the server in the
// source system but its semantics are out of scope for the core.
func (s *Server) handleSettingsStub(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "not implemented: device pairing/provisioning is out of scope", http.StatusNotImplemented)
}

// authorizeSerial checks the serial against the authz reader's
// ownership/share records. It writes 401 and returns false when the
// serial has no owner or share, and 503 and false when the lookup
// itself fails.
func (s *Server) authorizeSerial(w http.ResponseWriter, r *http.Request, serial string) bool {
	users, err := s.authz.UsersEntitled(serial)
	if err != nil {
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
		return false
	}
	if len(users) == 0 {
		http.Error(w, "unauthorized serial", http.StatusUnauthorized)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
