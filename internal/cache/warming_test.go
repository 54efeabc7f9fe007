package cache

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/geosight/geosight/internal/models"
)

type mockBundleFetcher struct {
	mu     sync.Mutex
	bundle models.ResultBundle
	err    error
	calls  []string
}

func (m *mockBundleFetcher) GetOrFetch(ctx context.Context, city string, radiusKm float64) (models.ResultBundle, error) {
	m.mu.Lock()
	m.calls = append(m.calls, city)
	m.mu.Unlock()
	if m.err != nil {
		return models.ResultBundle{}, m.err
	}
	out := m.bundle
	out.City = city
	out.RadiusKm = radiusKm
	return out, nil
}

func TestWarmer_Warm_Success(t *testing.T) {
	fetcher := &mockBundleFetcher{bundle: models.ResultBundle{Weather: models.WeatherSnapshot{TempC: 10}}}
	warmer := NewWarmer(fetcher, nil)
	ctx := context.Background()

	err := warmer.Warm(ctx, []string{"seattle", "boston"}, 5)
	if err != nil {
		t.Fatalf("Warm() error = %v, want nil", err)
	}
	if len(fetcher.calls) != 2 {
		t.Errorf("fetcher called %d times, want 2", len(fetcher.calls))
	}
}

func TestWarmer_Warm_EmptyCities(t *testing.T) {
	fetcher := &mockBundleFetcher{}
	warmer := NewWarmer(fetcher, nil)
	ctx := context.Background()

	err := warmer.Warm(ctx, nil, 5)
	if err != nil {
		t.Fatalf("Warm() with nil cities error = %v, want nil", err)
	}
	err = warmer.Warm(ctx, []string{}, 5)
	if err != nil {
		t.Fatalf("Warm() with empty cities error = %v, want nil", err)
	}
}

func TestWarmer_Warm_FetcherError(t *testing.T) {
	fetcher := &mockBundleFetcher{err: errors.New("upstream down")}
	warmer := NewWarmer(fetcher, nil)
	ctx := context.Background()

	err := warmer.Warm(ctx, []string{"seattle"}, 5)
	if err == nil {
		t.Fatal("Warm() error = nil, want non-nil")
	}
	if msg := err.Error(); msg == "" {
		t.Error("Warm() error message is empty, want failure detail")
	}
}
