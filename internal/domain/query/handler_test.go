package query

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func newTestHandler(idleTimeout time.Duration) (*Handler, *echo.Echo) {
	svc := newTestService(nil)
	h := NewHandler(svc, zerolog.Nop(), idleTimeout)
	e := echo.New()
	return h, e
}

func httpStatus(t *testing.T, err error) int {
	t.Helper()
	he, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected *echo.HTTPError, got %T: %v", err, err)
	}
	return he.Code
}

func TestCreateQuery_Success(t *testing.T) {
	h, e := newTestHandler(0)
	body := `{"kind":"diagnosis","origin_id":"patient-3"}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.CreateQuery(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}

	var q Query
	if err := json.Unmarshal(rec.Body.Bytes(), &q); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if q.ID == "" {
		t.Error("expected tracking_id in response")
	}
	if q.Status != StatusQueued {
		t.Errorf("expected queued, got %q", q.Status)
	}
}

func TestCreateQuery_InvalidKind(t *testing.T) {
	h, e := newTestHandler(0)
	body := `{"kind":"palmistry"}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := h.CreateQuery(c)
	if code := httpStatus(t, err); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func TestGetQuery_Success(t *testing.T) {
	h, e := newTestHandler(0)
	q, _ := h.svc.Enqueue(context.Background(), KindGeolocation, "")

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(q.ID)

	if err := h.GetQuery(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	var got Query
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got.ID != q.ID || got.Kind != KindGeolocation {
		t.Errorf("unexpected query %+v", got)
	}
}

func TestGetQuery_NotFound(t *testing.T) {
	h, e := newTestHandler(0)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("nonexistent")

	err := h.GetQuery(c)
	if code := httpStatus(t, err); code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", code)
	}
}

func TestPublishStatus_Success(t *testing.T) {
	h, e := newTestHandler(0)
	q, _ := h.svc.Enqueue(context.Background(), KindDiagnosis, "")

	body := `{"status":"in_progress"}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(q.ID)

	if err := h.PublishStatus(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	var ev StatusEvent
	json.Unmarshal(rec.Body.Bytes(), &ev)
	if ev.Status != StatusInProgress {
		t.Errorf("expected in_progress event, got %+v", ev)
	}
}

func TestPublishStatus_NotFound(t *testing.T) {
	h, e := newTestHandler(0)
	body := `{"status":"in_progress"}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("nonexistent")

	err := h.PublishStatus(c)
	if code := httpStatus(t, err); code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", code)
	}
}

func TestPublishStatus_InvalidTransition(t *testing.T) {
	h, e := newTestHandler(0)
	q, _ := h.svc.Enqueue(context.Background(), KindDiagnosis, "")
	h.svc.Publish(context.Background(), q.ID, StatusCompleted, nil)

	body := `{"status":"in_progress"}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(q.ID)

	err := h.PublishStatus(c)
	if code := httpStatus(t, err); code != http.StatusConflict {
		t.Errorf("expected 409, got %d", code)
	}
}

func TestGetStats(t *testing.T) {
	h, e := newTestHandler(0)
	h.svc.Enqueue(context.Background(), KindDiagnosis, "")

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.GetStats(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	var stats Stats
	json.Unmarshal(rec.Body.Bytes(), &stats)
	if stats.Queries != 1 {
		t.Errorf("expected 1 query in stats, got %d", stats.Queries)
	}
}

func TestStreamEvents_UnknownIDBeforeUpgrade(t *testing.T) {
	h, e := newTestHandler(0)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("nonexistent")

	err := h.StreamEvents(c)
	if code := httpStatus(t, err); code != http.StatusNotFound {
		t.Errorf("expected 404 before upgrade, got %d", code)
	}
}

func dialStream(t *testing.T, serverURL, id string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(serverURL, "http") + "/api/v1/queries/" + id + "/events"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}
	return conn
}

func TestStreamEvents_DeliversEventsUntilTerminal(t *testing.T) {
	h, e := newTestHandler(0)
	h.RegisterRoutes(e.Group("/api/v1"))
	server := httptest.NewServer(e)
	defer server.Close()

	q, _ := h.svc.Enqueue(context.Background(), KindDiagnosis, "patient-1")
	conn := dialStream(t, server.URL, q.ID)
	defer conn.Close()

	if _, err := h.svc.Publish(context.Background(), q.ID, StatusInProgress, nil); err != nil {
		t.Fatalf("publish: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev StatusEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read first event: %v", err)
	}
	if ev.Status != StatusInProgress || ev.QueryID != q.ID {
		t.Errorf("unexpected event %+v", ev)
	}

	payload := json.RawMessage(`{"diagnosis":"all clear"}`)
	if _, err := h.svc.Publish(context.Background(), q.ID, StatusCompleted, payload); err != nil {
		t.Fatalf("publish terminal: %v", err)
	}

	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read terminal event: %v", err)
	}
	if ev.Status != StatusCompleted {
		t.Errorf("expected completed, got %q", ev.Status)
	}
	if string(ev.Payload) != string(payload) {
		t.Errorf("expected payload %s, got %s", payload, ev.Payload)
	}

	// After the terminal event the server closes the socket normally.
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("expected normal close after terminal event, got %v", err)
	}
}

func TestStreamEvents_ReplaysCurrentStatusOnAttach(t *testing.T) {
	h, e := newTestHandler(0)
	h.RegisterRoutes(e.Group("/api/v1"))
	server := httptest.NewServer(e)
	defer server.Close()

	q, _ := h.svc.Enqueue(context.Background(), KindGeolocation, "")
	h.svc.Publish(context.Background(), q.ID, StatusInProgress, nil)

	conn := dialStream(t, server.URL, q.ID)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev StatusEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read replayed event: %v", err)
	}
	if ev.Status != StatusInProgress {
		t.Errorf("expected replayed in_progress, got %q", ev.Status)
	}
}

func TestStreamEvents_IdleTimeoutClosesStream(t *testing.T) {
	h, e := newTestHandler(50 * time.Millisecond)
	h.RegisterRoutes(e.Group("/api/v1"))
	server := httptest.NewServer(e)
	defer server.Close()

	q, _ := h.svc.Enqueue(context.Background(), KindDiagnosis, "")
	conn := dialStream(t, server.URL, q.ID)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("expected normal close on idle timeout, got %v", err)
	}
}

func TestStreamEvents_ClientDisconnectReleasesSubscriber(t *testing.T) {
	h, e := newTestHandler(0)
	h.RegisterRoutes(e.Group("/api/v1"))
	server := httptest.NewServer(e)
	defer server.Close()

	q, _ := h.svc.Enqueue(context.Background(), KindDiagnosis, "")
	conn := dialStream(t, server.URL, q.ID)

	stats := h.svc.Stats()
	if stats.Subscribers != 1 {
		t.Fatalf("expected 1 subscriber, got %d", stats.Subscribers)
	}

	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for h.svc.Stats().Subscribers != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber not released after client disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
