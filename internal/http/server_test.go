package httpapi

import (
	"bytes"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/accounts"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/gateway"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/presence"
)

type harness struct {
	t   *testing.T
	s   *Server
	srv *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	accts := accounts.NewMemoryAccounts()
	accts.Add("cap-a", models.VehicleCar)
	accts.Add("cap-b", models.VehicleCar)
	cfg := dispatch.DefaultConfig()
	cfg.SearchBudget = 2 * time.Second
	s := NewServer(Options{Accounts: accts, Dispatch: cfg})
	srv := httptest.NewServer(s)
	t.Cleanup(func() {
		s.Shutdown()
		srv.Close()
	})
	return &harness{t: t, s: s, srv: srv}
}

func (h *harness) dial() *websocket.Conn {
	h.t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (h *harness) emit(conn *websocket.Conn, event string, data any) {
	h.t.Helper()
	b, err := json.Marshal(data)
	require.NoError(h.t, err)
	require.NoError(h.t, conn.WriteJSON(gateway.Envelope{Event: event, Data: b}))
}

func (h *harness) read(conn *websocket.Conn) gateway.Envelope {
	h.t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env gateway.Envelope
	require.NoError(h.t, conn.ReadJSON(&env))
	return env
}

// captain connects, joins and reports a location, then waits until the
// store sees it idle.
func (h *harness) captain(id string, lat, lng float64) *websocket.Conn {
	h.t.Helper()
	conn := h.dial()
	h.emit(conn, gateway.EventJoin, map[string]string{"userId": id, "userType": "captain"})
	h.emit(conn, eventUpdateLocation, map[string]any{"userId": id, "location": map[string]float64{"ltd": lat, "lng": lng}})
	require.Eventually(h.t, func() bool {
		rec, ok := h.s.Presence.Get(id)
		return ok && rec.Status == presence.StatusIdle && rec.Location != nil
	}, 2*time.Second, 5*time.Millisecond)
	return conn
}

func (h *harness) do(method, path string, body any) (*http.Response, []byte) {
	h.t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(h.t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, rd)
	require.NoError(h.t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(h.t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

func decodeRide(t *testing.T, b []byte) dispatch.Ride {
	t.Helper()
	var r dispatch.Ride
	require.NoError(t, json.Unmarshal(b, &r))
	return r
}

var rideBody = map[string]any{
	"rider_id":      "rider-1",
	"pickup":        map[string]float64{"lat": 12.91, "lon": 77.60},
	"destination":   map[string]float64{"lat": 12.95, "lon": 77.62},
	"vehicle_class": "car",
}

func (h *harness) rider(id string) *websocket.Conn {
	h.t.Helper()
	conn := h.dial()
	h.emit(conn, gateway.EventJoin, map[string]string{"userId": id, "userType": "user"})
	// Riders may not send captain events; the error reply proves the join landed.
	h.emit(conn, eventAcceptRide, map[string]string{"rideId": "x"})
	require.Equal(h.t, gateway.EventError, h.read(conn).Event)
	return conn
}

func TestRideLifecycleOverSockets(t *testing.T) {
	h := newHarness(t)
	capConn := h.captain("cap-a", 12.92, 77.60)
	rider := h.rider("rider-1")

	resp, body := h.do(http.MethodPost, "/api/v1/rides", rideBody)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	ride := decodeRide(t, body)
	assert.Equal(t, dispatch.StateSearching, ride.State)
	assert.Equal(t, []string{"cap-a"}, ride.Offered)
	assert.Positive(t, ride.FareCents)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	env := h.read(capConn)
	require.Equal(t, dispatch.EventNewRide, env.Event)
	var offer models.RideOffer
	require.NoError(t, json.Unmarshal(env.Data, &offer))
	assert.Equal(t, ride.ID, offer.RideID)

	h.emit(capConn, eventAcceptRide, map[string]string{"rideId": ride.ID})
	env = h.read(capConn)
	require.Equal(t, dispatch.EventRideConfirmed, env.Event)
	assert.NotContains(t, string(env.Data), "otp")

	env = h.read(rider)
	require.Equal(t, dispatch.EventRideConfirmed, env.Event)
	var confirmed struct {
		ID        string `json:"id"`
		CaptainID string `json:"captain_id"`
		OTP       string `json:"otp"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &confirmed))
	assert.Equal(t, ride.ID, confirmed.ID)
	assert.Equal(t, "cap-a", confirmed.CaptainID)
	require.Len(t, confirmed.OTP, 6)

	rec, ok := h.s.Presence.Get("cap-a")
	require.True(t, ok)
	assert.Equal(t, presence.StatusBusy, rec.Status)

	resp, _ = h.do(http.MethodPost, "/api/v1/rides/"+ride.ID+"/complete", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	wrong := "000000"
	if confirmed.OTP == wrong {
		wrong = "111111"
	}
	h.emit(capConn, eventStartRide, map[string]string{"rideId": ride.ID, "otp": wrong})
	env = h.read(capConn)
	require.Equal(t, gateway.EventError, env.Event)
	assert.Contains(t, string(env.Data), dispatch.ErrInvalidOTP.Error())

	h.emit(capConn, eventStartRide, map[string]string{"rideId": ride.ID, "otp": confirmed.OTP})
	env = h.read(rider)
	require.Equal(t, dispatch.EventRideStarted, env.Event)
	started := decodeRide(t, env.Data)
	assert.True(t, started.Started)

	resp, body = h.do(http.MethodPost, "/api/v1/rides/"+ride.ID+"/complete", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.True(t, decodeRide(t, body).Completed)
	rec, _ = h.s.Presence.Get("cap-a")
	assert.Equal(t, presence.StatusIdle, rec.Status)
}

func TestAcceptOverHTTPAndConflicts(t *testing.T) {
	h := newHarness(t)
	h.captain("cap-a", 12.92, 77.60)
	h.captain("cap-b", 12.915, 77.60)

	_, body := h.do(http.MethodPost, "/api/v1/rides", rideBody)
	ride := decodeRide(t, body)
	require.ElementsMatch(t, []string{"cap-a", "cap-b"}, ride.Offered)

	resp, body := h.do(http.MethodPost, "/api/v1/rides/"+ride.ID+"/accept", map[string]string{"captain_id": "cap-b"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, "cap-b", decodeRide(t, body).CaptainID)
	assert.NotContains(t, string(body), "otp")

	resp, _ = h.do(http.MethodPost, "/api/v1/rides/"+ride.ID+"/accept", map[string]string{"captain_id": "cap-a"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = h.do(http.MethodPost, "/api/v1/rides/"+ride.ID+"/accept", map[string]string{"captain_id": "cap-z"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = h.do(http.MethodPost, "/api/v1/rides/"+ride.ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = h.do(http.MethodPost, "/api/v1/rides/nope/accept", map[string]string{"captain_id": "cap-a"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	matched, ok := h.s.Dispatch.Get(ride.ID)
	require.True(t, ok)
	resp, _ = h.do(http.MethodPost, "/api/v1/rides/"+ride.ID+"/start", map[string]string{"captain_id": "cap-a", "otp": matched.OTP})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp, _ = h.do(http.MethodPost, "/api/v1/rides/"+ride.ID+"/start", map[string]string{"captain_id": "cap-b"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, body = h.do(http.MethodPost, "/api/v1/rides/"+ride.ID+"/start", map[string]string{"captain_id": "cap-b", "otp": matched.OTP})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.True(t, decodeRide(t, body).Started)
	resp, _ = h.do(http.MethodPost, "/api/v1/rides/"+ride.ID+"/start", map[string]string{"captain_id": "cap-b", "otp": matched.OTP})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestRiderIsToldWhenRideIsCancelled(t *testing.T) {
	h := newHarness(t)
	h.captain("cap-a", 12.92, 77.60)

	rider := h.rider("rider-1")

	_, body := h.do(http.MethodPost, "/api/v1/rides", rideBody)
	ride := decodeRide(t, body)

	resp, body := h.do(http.MethodPost, "/api/v1/rides/"+ride.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, dispatch.StateCancelled, decodeRide(t, body).State)

	env := h.read(rider)
	assert.Equal(t, dispatch.EventRideCancelled, env.Event)
	var notice models.RideNotice
	require.NoError(t, json.Unmarshal(env.Data, &notice))
	assert.Equal(t, ride.ID, notice.RideID)

	rec, _ := h.s.Presence.Get("cap-a")
	assert.Equal(t, presence.StatusIdle, rec.Status)
}

func TestCreateRideValidation(t *testing.T) {
	h := newHarness(t)

	resp, _ := h.do(http.MethodPost, "/api/v1/rides", map[string]any{"pickup": map[string]float64{"lat": 123, "lon": 0}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	bad := map[string]any{"pickup": map[string]float64{"lat": 1, "lon": 1}, "vehicle_class": "boat"}
	resp, _ = h.do(http.MethodPost, "/api/v1/rides", bad)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := h.do(http.MethodPost, "/api/v1/rides", rideBody)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.True(t, decodeRide(t, body).NoCandidates)
}

func TestFareEstimate(t *testing.T) {
	h := newHarness(t)

	resp, body := h.do(http.MethodGet, "/api/v1/rides/fare?pickup_lat=12.91&pickup_lon=77.60&dest_lat=12.95&dest_lon=77.62", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var est struct {
		Fares     map[string]int64 `json:"fares"`
		Estimated bool             `json:"estimated"`
	}
	require.NoError(t, json.Unmarshal(body, &est))
	assert.True(t, est.Estimated)
	assert.Greater(t, est.Fares["car"], est.Fares["moto"])

	resp, _ = h.do(http.MethodGet, "/api/v1/rides/fare?pickup_lat=abc", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAvailabilityAndPresenceRoutes(t *testing.T) {
	h := newHarness(t)
	h.captain("cap-a", 12.92, 77.60)

	resp, body := h.do(http.MethodPost, "/api/v1/captains/cap-a/availability", map[string]bool{"online": false})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, body = h.do(http.MethodGet, "/api/v1/captains/cap-a/presence", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rec presence.Record
	require.NoError(t, json.Unmarshal(body, &rec))
	assert.Equal(t, presence.StatusOffline, rec.Status)

	_, body = h.do(http.MethodPost, "/api/v1/rides", rideBody)
	assert.True(t, decodeRide(t, body).NoCandidates)

	resp, _ = h.do(http.MethodGet, "/api/v1/captains/ghost/presence", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = h.do(http.MethodPost, "/api/v1/captains/cap-a/availability", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCaptainDisconnectGoesOffline(t *testing.T) {
	h := newHarness(t)
	conn := h.captain("cap-a", 12.92, 77.60)
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		rec, ok := h.s.Presence.Get("cap-a")
		return ok && rec.Status == presence.StatusOffline && !rec.Connected
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHealthAndReady(t *testing.T) {
	h := newHarness(t)
	resp, body := h.do(http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))

	resp, _ = h.do(http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStatusMapping(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusFor(dispatch.ErrUnknownRequest))
	assert.Equal(t, http.StatusConflict, statusFor(dispatch.ErrAlreadyMatched))
	assert.Equal(t, http.StatusConflict, statusFor(presence.ErrNotConnected))
	assert.Equal(t, http.StatusBadRequest, statusFor(dispatch.ErrInvalidVehicle))
	assert.Equal(t, http.StatusForbidden, statusFor(dispatch.ErrInvalidOTP))
	assert.Equal(t, http.StatusConflict, statusFor(dispatch.ErrNotStarted))
	assert.Equal(t, http.StatusInternalServerError, statusFor(assert.AnError))
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestAccessLogNamesRouteSubject(t *testing.T) {
	var logs syncBuffer
	s := NewServer(Options{Accounts: accounts.NewMemoryAccounts(), Logger: logging.NewLoggerTo(&logs, "test", "info")})
	srv := httptest.NewServer(s)
	t.Cleanup(func() {
		s.Shutdown()
		srv.Close()
	})

	resp, err := http.Get(srv.URL + "/api/v1/rides/ride-42")
	require.NoError(t, err)
	resp.Body.Close()
	resp, err = http.Get(srv.URL + "/api/v1/captains/cap-7/presence")
	require.NoError(t, err)
	resp.Body.Close()

	require.Eventually(t, func() bool {
		out := logs.String()
		return strings.Contains(out, `"ride_id":"ride-42"`) && strings.Contains(out, `"captain_id":"cap-7"`)
	}, time.Second, 5*time.Millisecond)
	assert.Contains(t, logs.String(), `"route":"/api/v1/rides/{id}"`)
}

func TestSubjectAttrs(t *testing.T) {
	assert.Equal(t, []any{"ride_id", "r1"}, subjectAttrs("/api/v1/rides/{id}/start", map[string]string{"id": "r1"}))
	assert.Equal(t, []any{"captain_id", "c1"}, subjectAttrs("/api/v1/captains/{id}/presence", map[string]string{"id": "c1"}))
	assert.Nil(t, subjectAttrs("/api/v1/rides", nil))
}

func TestWriteJSONLogsEncodeFailure(t *testing.T) {
	var logs syncBuffer
	s := &Server{logger: logging.NewLoggerTo(&logs, "test", "info")}
	rec := httptest.NewRecorder()
	s.writeJSON(rec, http.StatusOK, math.Inf(1))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, logs.String(), "response_encode_failed")
}
