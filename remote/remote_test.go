package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/herald-labs/discord-herald/logging"
	"github.com/herald-labs/discord-herald/message"
	"github.com/herald-labs/discord-herald/tracking"
)

type fakeManager struct {
	refs    []tracking.Ref
	added   []string
	addErr  error
	removed []uuid.UUID
	rmErr   error
}

func (m *fakeManager) AccountRefs() []tracking.Ref { return m.refs }

func (m *fakeManager) AddAccount(_ context.Context, token string, _ float64) (tracking.Ref, error) {
	if m.addErr != nil {
		return tracking.Ref{}, m.addErr
	}
	m.added = append(m.added, token)
	return tracking.Ref{Type: "Account", ID: uuid.NewString()}, nil
}

func (m *fakeManager) RemoveAccount(id uuid.UUID) error {
	if m.rmErr != nil {
		return m.rmErr
	}
	m.removed = append(m.removed, id)
	return nil
}

type fakeLogSource struct {
	records []logging.Record
	err     error
	limit   int
}

func (l *fakeLogSource) Recent(_ context.Context, limit int) ([]logging.Record, error) {
	l.limit = limit
	return l.records, l.err
}

func testServer(t *testing.T, manager AccountManager, registry *tracking.Registry, logs LogSource) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewServer(Config{Addr: "127.0.0.1:0"}, logger, manager, registry, logs)
	srv := httptest.NewServer(s.http.Handler)
	t.Cleanup(srv.Close)
	return srv
}

func decodeEnvelope(t *testing.T, resp *http.Response) (string, json.RawMessage) {
	t.Helper()
	defer resp.Body.Close()
	var env struct {
		Message string          `json:"message"`
		Result  json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("response is not an envelope: %v", err)
	}
	return env.Message, env.Result
}

func TestPing(t *testing.T) {
	srv := testServer(t, &fakeManager{}, tracking.NewRegistry(), nil)

	resp, err := http.Get(srv.URL + "/ping")
	if err != nil {
		t.Fatalf("GET /ping: %v", err)
	}
	msg, _ := decodeEnvelope(t, resp)
	if resp.StatusCode != http.StatusOK || msg != "pong" {
		t.Fatalf("status %d message %q, want 200 pong", resp.StatusCode, msg)
	}
}

func TestListAccounts(t *testing.T) {
	manager := &fakeManager{refs: []tracking.Ref{
		{Type: "Account", ID: uuid.NewString(), Parameters: map[string]any{"servers": []any{}}},
	}}
	srv := testServer(t, manager, tracking.NewRegistry(), nil)

	resp, err := http.Get(srv.URL + "/accounts/")
	if err != nil {
		t.Fatalf("GET /accounts/: %v", err)
	}
	_, result := decodeEnvelope(t, resp)
	var refs []tracking.Ref
	if err := json.Unmarshal(result, &refs); err != nil {
		t.Fatalf("result is not a ref list: %v", err)
	}
	if len(refs) != 1 || refs[0].Type != "Account" {
		t.Fatalf("refs = %+v", refs)
	}
}

func TestAddAccount(t *testing.T) {
	manager := &fakeManager{}
	srv := testServer(t, manager, tracking.NewRegistry(), nil)

	body := bytes.NewBufferString(`{"token":"secret-token","rest_per_second":5}`)
	resp, err := http.Post(srv.URL+"/accounts/", "application/json", body)
	if err != nil {
		t.Fatalf("POST /accounts/: %v", err)
	}
	msg, _ := decodeEnvelope(t, resp)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status %d message %q, want 201", resp.StatusCode, msg)
	}
	if len(manager.added) != 1 || manager.added[0] != "secret-token" {
		t.Fatalf("manager.added = %v", manager.added)
	}
}

func TestAddAccountRejectsMissingToken(t *testing.T) {
	srv := testServer(t, &fakeManager{}, tracking.NewRegistry(), nil)

	resp, err := http.Post(srv.URL+"/accounts/", "application/json", bytes.NewBufferString(`{}`))
	if err != nil {
		t.Fatalf("POST /accounts/: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestAddAccountRejectsUnknownFields(t *testing.T) {
	srv := testServer(t, &fakeManager{}, tracking.NewRegistry(), nil)

	body := bytes.NewBufferString(`{"token":"x","bogus":true}`)
	resp, err := http.Post(srv.URL+"/accounts/", "application/json", body)
	if err != nil {
		t.Fatalf("POST /accounts/: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want unknown fields rejected with 400", resp.StatusCode)
	}
}

func TestRemoveAccount(t *testing.T) {
	manager := &fakeManager{}
	srv := testServer(t, manager, tracking.NewRegistry(), nil)

	id := uuid.New()
	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/accounts/"+id.String(), nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if len(manager.removed) != 1 || manager.removed[0] != id {
		t.Fatalf("manager.removed = %v", manager.removed)
	}
}

func TestRemoveAccountUnknown(t *testing.T) {
	manager := &fakeManager{rmErr: errors.New("no such account")}
	srv := testServer(t, manager, tracking.NewRegistry(), nil)

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/accounts/"+uuid.NewString(), nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestGetObject(t *testing.T) {
	registry := tracking.NewRegistry()
	msg := message.NewTextMessage(time.Hour, time.Hour,
		message.TextData{Content: "hello"}, []string{"1"}, message.ModeSend, time.Hour, message.RemoveNever())
	registry.Register(msg)
	srv := testServer(t, &fakeManager{}, registry, nil)

	resp, err := http.Get(fmt.Sprintf("%s/objects/%s", srv.URL, msg.TrackingID()))
	if err != nil {
		t.Fatalf("GET object: %v", err)
	}
	_, result := decodeEnvelope(t, resp)
	var ref tracking.Ref
	if err := json.Unmarshal(result, &ref); err != nil {
		t.Fatalf("result is not a ref: %v", err)
	}
	if ref.ID != msg.TrackingID().String() {
		t.Fatalf("ref = %+v, want the registered message", ref)
	}
}

func TestGetObjectUnknownID(t *testing.T) {
	srv := testServer(t, &fakeManager{}, tracking.NewRegistry(), nil)

	resp, err := http.Get(fmt.Sprintf("%s/objects/%s", srv.URL, uuid.NewString()))
	if err != nil {
		t.Fatalf("GET object: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestGetObjectMalformedID(t *testing.T) {
	srv := testServer(t, &fakeManager{}, tracking.NewRegistry(), nil)

	resp, err := http.Get(srv.URL + "/objects/not-a-uuid")
	if err != nil {
		t.Fatalf("GET object: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestUpdateObjectRewiresMessage(t *testing.T) {
	registry := tracking.NewRegistry()
	msg := message.NewTextMessage(time.Hour, time.Hour,
		message.TextData{Content: "hello"}, []string{"1"}, message.ModeSend, time.Hour, message.RemoveNever())
	registry.Register(msg)
	srv := testServer(t, &fakeManager{}, registry, nil)

	// An uninitialized message applies overrides directly.
	body := bytes.NewBufferString(`{"content":"updated","channels":["2","3"]}`)
	resp, err := http.Post(fmt.Sprintf("%s/objects/%s/update", srv.URL, msg.TrackingID()),
		"application/json", body)
	if err != nil {
		t.Fatalf("POST update: %v", err)
	}
	msgText, result := decodeEnvelope(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d message %q, want 200", resp.StatusCode, msgText)
	}

	var ref tracking.Ref
	if err := json.Unmarshal(result, &ref); err != nil {
		t.Fatalf("result is not a ref: %v", err)
	}
	if ref.ID != msg.TrackingID().String() {
		t.Fatal("update changed the object identity")
	}
}

func TestLogsWithoutSink(t *testing.T) {
	srv := testServer(t, &fakeManager{}, tracking.NewRegistry(), nil)

	resp, err := http.Get(srv.URL + "/logs")
	if err != nil {
		t.Fatalf("GET /logs: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotImplemented {
		t.Fatalf("status = %d, want 501 when no queryable sink exists", resp.StatusCode)
	}
}

func TestLogsForwardsLimit(t *testing.T) {
	logs := &fakeLogSource{records: []logging.Record{
		{Guild: logging.GuildContext{ID: "g1", Type: "GUILD"}},
	}}
	srv := testServer(t, &fakeManager{}, tracking.NewRegistry(), logs)

	resp, err := http.Get(srv.URL + "/logs?limit=7")
	if err != nil {
		t.Fatalf("GET /logs: %v", err)
	}
	_, result := decodeEnvelope(t, resp)
	if logs.limit != 7 {
		t.Fatalf("limit = %d, want 7", logs.limit)
	}
	var records []logging.Record
	if err := json.Unmarshal(result, &records); err != nil {
		t.Fatalf("result is not a record list: %v", err)
	}
	if len(records) != 1 || records[0].Guild.ID != "g1" {
		t.Fatalf("records = %+v", records)
	}
}

func TestLogsRejectsBadLimit(t *testing.T) {
	srv := testServer(t, &fakeManager{}, tracking.NewRegistry(), &fakeLogSource{})

	resp, err := http.Get(srv.URL + "/logs?limit=zero")
	if err != nil {
		t.Fatalf("GET /logs: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestBasicAuthGate(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewServer(Config{Addr: "127.0.0.1:0", Username: "admin", Password: "hunter2"},
		logger, &fakeManager{}, tracking.NewRegistry(), nil)
	srv := httptest.NewServer(s.http.Handler)
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/ping")
	if err != nil {
		t.Fatalf("GET /ping: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 without credentials", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/ping", nil)
	req.SetBasicAuth("admin", "hunter2")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /ping with auth: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 with credentials", resp.StatusCode)
	}
}
