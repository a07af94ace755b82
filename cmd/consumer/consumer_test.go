package main

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/presence"
)

// fakeUpdater implements RedisUpdater for tests
type fakeUpdater struct {
	failGeo     int // number of times to fail GeoAdd before succeeding
	failMeta    int // number of times to fail SetMeta before succeeding
	geoCalls    int
	metaCalls   int
	removeCalls int
	lastStatus  string
}

func (f *fakeUpdater) GeoAdd(ctx context.Context, id string, loc models.Coord) error {
	f.geoCalls++
	if f.geoCalls <= f.failGeo {
		return errors.New("geo fail")
	}
	return nil
}

func (f *fakeUpdater) SetMeta(ctx context.Context, id, status string, vehicle models.VehicleClass, updated time.Time) error {
	f.metaCalls++
	if f.metaCalls <= f.failMeta {
		return errors.New("hset fail")
	}
	f.lastStatus = status
	return nil
}

func (f *fakeUpdater) Remove(ctx context.Context, id string) error {
	f.removeCalls++
	return nil
}

func idleEvent() ingest.PresenceEvent {
	return ingest.PresenceEvent{
		CaptainID:    "c1",
		Status:       presence.StatusIdle,
		Loc:          &models.Coord{Lat: 1, Lon: 2},
		VehicleClass: models.VehicleCar,
		Updated:      time.Now(),
	}
}

func TestApplyWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeUpdater{failGeo: 1, failMeta: 1}
	start := time.Now()
	if err := applyWithRetry(context.Background(), f, idleEvent(), 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.geoCalls < 2 || f.metaCalls < 2 {
		t.Fatalf("expected retries, got geo=%d meta=%d", f.geoCalls, f.metaCalls)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatalf("expected at least one backoff")
	}
	if f.lastStatus != "idle" {
		t.Fatalf("expected idle meta, got %q", f.lastStatus)
	}
}

func TestApplyWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeUpdater{failGeo: 5}
	if err := applyWithRetry(context.Background(), f, idleEvent(), 3, 5*time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
	if f.geoCalls != 3 {
		t.Fatalf("expected 3 attempts, got %d", f.geoCalls)
	}
}

func TestApply_OfflineRemovesPosition(t *testing.T) {
	f := &fakeUpdater{}
	ev := idleEvent()
	ev.Status = presence.StatusOffline
	if err := applyWithRetry(context.Background(), f, ev, 1, time.Millisecond); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.removeCalls != 1 || f.geoCalls != 0 {
		t.Fatalf("expected remove only, got remove=%d geo=%d", f.removeCalls, f.geoCalls)
	}
	if f.lastStatus != "offline" {
		t.Fatalf("expected offline meta, got %q", f.lastStatus)
	}
}

func TestParseNearby(t *testing.T) {
	r := httptest.NewRequest("GET", "/nearby?lat=12.9&lon=77.6&radius_km=5&limit=10", nil)
	q, err := parseNearby(r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if q.radiusKm != 5 || q.limit != 10 || q.center.Lat != 12.9 {
		t.Fatalf("unexpected query %+v", q)
	}
	for _, bad := range []string{"/nearby", "/nearby?lat=100&lon=0", "/nearby?lat=1&lon=1&radius_km=-1", "/nearby?lat=1&lon=1&limit=x"} {
		if _, err := parseNearby(httptest.NewRequest("GET", bad, nil)); err == nil {
			t.Fatalf("expected error for %s", bad)
		}
	}
}

func TestOpsHealthz(t *testing.T) {
	mirror := geo.NewRedisMirror("127.0.0.1:0", "", "captains_geo")
	defer mirror.Close()
	rec := httptest.NewRecorder()
	opsMux(mirror).ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != 200 || rec.Body.String() != "ok" {
		t.Fatalf("unexpected healthz response %d %q", rec.Code, rec.Body.String())
	}
}
