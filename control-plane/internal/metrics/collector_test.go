package metrics

import (
	"context"
	"sync"
	"testing"

	"github.com/fieldsignal/rf-range/control-plane/internal/store"
)

type mockHealthStore struct {
	mu        sync.Mutex
	sizeCalls int
}

func (m *mockHealthStore) GetPoolStats() store.PoolStats {
	return store.PoolStats{TotalConnections: 4, AcquiredConnections: 1, IdleConnections: 3, MaxConnections: 10}
}

func (m *mockHealthStore) GetDatabaseSize(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sizeCalls++
	return 42 * 1024 * 1024, nil
}

func (m *mockHealthStore) GetFleetOverview(context.Context) (*store.FleetOverview, error) {
	return &store.FleetOverview{RunnersOnline: 2, ListenersOnline: 1}, nil
}

func TestCollectAndCache(t *testing.T) {
	st := &mockHealthStore{}
	c := NewCollector(st)
	ctx := context.Background()

	health, err := c.GetServerHealth(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if health.ControlPlane.Goroutines <= 0 {
		t.Error("goroutine count must be positive")
	}
	if health.Database.SizeFormatted != "42.0 MB" {
		t.Errorf("size: got %s", health.Database.SizeFormatted)
	}
	if health.Fleet.RunnersOnline != 2 {
		t.Errorf("fleet: got %+v", health.Fleet)
	}

	// Second call within the TTL must hit the cache.
	if _, err := c.GetServerHealth(ctx); err != nil {
		t.Fatal(err)
	}
	if st.sizeCalls != 1 {
		t.Errorf("database queried %d times, want 1", st.sizeCalls)
	}
}

func TestFormatBytes(t *testing.T) {
	cases := []struct {
		in   int64
		want string
	}{
		{512, "512 B"},
		{2048, "2.0 KB"},
		{3 * 1024 * 1024, "3.0 MB"},
		{5 * 1024 * 1024 * 1024, "5.0 GB"},
	}
	for _, tc := range cases {
		if got := formatBytes(tc.in); got != tc.want {
			t.Errorf("formatBytes(%d): got %s, want %s", tc.in, got, tc.want)
		}
	}
}
