package cache

import (
	"context"
	"testing"
	"time"

	"github.com/geosight/geosight/internal/models"
)

// TestInMemoryStore_GetSet verifies that Set stores bundles and Get retrieves
// them correctly with the expected data.
func TestInMemoryStore_GetSet(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()

	val := models.ResultBundle{
		City:     "seattle",
		RadiusKm: 5,
		Center:   models.Coordinates{Lat: 47.6, Lon: -122.3},
		Weather:  models.WeatherSnapshot{TempC: 12.5},
	}
	err := s.Set(ctx, "seattle:5", val, time.Minute)
	if err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, ok, err := s.Get(ctx, "seattle:5")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !ok {
		t.Fatal("Get() ok = false, want true")
	}
	if got.City != val.City || got.Weather.TempC != val.Weather.TempC {
		t.Errorf("Get() = %+v, want %+v", got, val)
	}
}

// TestInMemoryStore_Get_Miss verifies that Get returns ok=false when
// the requested key does not exist in the store.
func TestInMemoryStore_Get_Miss(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()

	_, ok, err := s.Get(ctx, "nonexistent:1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if ok {
		t.Error("Get() ok = true, want false for miss")
	}
}

// TestInMemoryStore_Get_Expired verifies that Get returns ok=false for stale
// entries and removes them from the store on access.
func TestInMemoryStore_Get_Expired(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()

	val := models.ResultBundle{City: "seattle", RadiusKm: 5}
	err := s.Set(ctx, "seattle:5", val, 1*time.Millisecond)
	if err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	time.Sleep(2 * time.Millisecond)

	_, ok, err := s.Get(ctx, "seattle:5")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if ok {
		t.Error("Get() ok = true, want false for expired entry")
	}

	// Stale entry should have been swept on access
	if s.Len() != 0 {
		t.Errorf("Len() = %d, want 0 after expired access", s.Len())
	}
}

// TestExpiredAt verifies the staleness predicate at the deadline boundary:
// the deadline instant itself is stale, one nanosecond before is not.
func TestExpiredAt(t *testing.T) {
	deadline := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		now  time.Time
		want bool
	}{
		{name: "before deadline", now: deadline.Add(-time.Nanosecond), want: false},
		{name: "exactly at deadline", now: deadline, want: true},
		{name: "after deadline", now: deadline.Add(time.Nanosecond), want: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := expiredAt(tc.now, deadline); got != tc.want {
				t.Errorf("expiredAt(%v, %v) = %v, want %v", tc.now, deadline, got, tc.want)
			}
		})
	}
}

// TestInMemoryStore_Set_Replaces verifies that a second Set for the same key
// replaces the prior entry rather than accumulating.
func TestInMemoryStore_Set_Replaces(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()

	first := models.ResultBundle{City: "paris", RadiusKm: 10, Weather: models.WeatherSnapshot{TempC: 10}}
	second := models.ResultBundle{City: "paris", RadiusKm: 10, Weather: models.WeatherSnapshot{TempC: 20}}

	if err := s.Set(ctx, "paris:10", first, time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := s.Set(ctx, "paris:10", second, time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, ok, err := s.Get(ctx, "paris:10")
	if err != nil || !ok {
		t.Fatalf("Get() = ok=%v, err=%v, want hit", ok, err)
	}
	if got.Weather.TempC != 20 {
		t.Errorf("Get().Weather.TempC = %v, want 20", got.Weather.TempC)
	}
	if s.Len() != 1 {
		t.Errorf("Len() = %d, want 1", s.Len())
	}
}

// TestInMemoryStore_Delete verifies that Delete removes the entry and is a
// no-op for absent keys.
func TestInMemoryStore_Delete(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()

	val := models.ResultBundle{City: "tokyo", RadiusKm: 3}
	if err := s.Set(ctx, "tokyo:3", val, time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	if err := s.Delete(ctx, "tokyo:3"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	_, ok, _ := s.Get(ctx, "tokyo:3")
	if ok {
		t.Error("Get() ok = true after Delete, want false")
	}

	// Deleting an absent key is not an error
	if err := s.Delete(ctx, "tokyo:3"); err != nil {
		t.Errorf("Delete() on absent key error = %v, want nil", err)
	}
}

// TestInMemoryStore_Flush verifies that Flush clears all entries while
// leaving the store usable.
func TestInMemoryStore_Flush(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()

	for _, key := range []string{"paris:10", "london:5", "tokyo:3"} {
		if err := s.Set(ctx, key, models.ResultBundle{}, time.Minute); err != nil {
			t.Fatalf("Set(%q) error = %v", key, err)
		}
	}

	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if s.Len() != 0 {
		t.Errorf("Len() = %d after Flush, want 0", s.Len())
	}

	// Store remains usable after a flush
	if err := s.Set(ctx, "paris:10", models.ResultBundle{City: "paris"}, time.Minute); err != nil {
		t.Fatalf("Set() after Flush error = %v", err)
	}
	_, ok, _ := s.Get(ctx, "paris:10")
	if !ok {
		t.Error("Get() ok = false after post-Flush Set, want true")
	}
}

// TestInMemoryStore_KeyIndependence verifies that entries for the same city
// at different radii do not collide.
func TestInMemoryStore_KeyIndependence(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()

	small := models.ResultBundle{City: "new york", RadiusKm: 5}
	large := models.ResultBundle{City: "new york", RadiusKm: 10}

	if err := s.Set(ctx, "new york:5", small, time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := s.Set(ctx, "new york:10", large, time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got5, ok, _ := s.Get(ctx, "new york:5")
	if !ok || got5.RadiusKm != 5 {
		t.Errorf("Get(new york:5) = %+v ok=%v, want radius 5 hit", got5, ok)
	}
	got10, ok, _ := s.Get(ctx, "new york:10")
	if !ok || got10.RadiusKm != 10 {
		t.Errorf("Get(new york:10) = %+v ok=%v, want radius 10 hit", got10, ok)
	}

	if err := s.Delete(ctx, "new york:5"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	_, ok, _ = s.Get(ctx, "new york:10")
	if !ok {
		t.Error("Get(new york:10) ok = false after deleting new york:5, want true")
	}
}
