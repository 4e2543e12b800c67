package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/HatiCode/flowwatch/pkg/flow"
)

func testReport(meter string, generatedAt time.Time, events int) Report {
	var result flow.Result
	for i := 0; i < events; i++ {
		e := flow.Event{
			Kind:  flow.KindActual,
			Start: generatedAt.Add(time.Duration(i) * time.Hour),
			End:   generatedAt.Add(time.Duration(i+1) * time.Hour),
			Index: i,
		}
		result.All = append(result.All, e)
		result.Actual = append(result.Actual, e)
	}
	return Report{
		Meter:              meter,
		GeneratedAt:        generatedAt,
		Threshold:          0.05,
		Period:             4,
		GranularitySeconds: 900,
		Events:             result,
	}
}

func TestNewMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	if store == nil {
		t.Fatal("NewMemoryStore() returned nil")
	}
	if store.Len() != 0 {
		t.Errorf("new store should be empty, got %d reports", store.Len())
	}
}

func TestMemoryStore_Put_Get(t *testing.T) {
	tests := []struct {
		name    string
		report  Report
		wantErr bool
	}{
		{name: "report with events", report: testReport("0012345", time.Now(), 2)},
		{name: "empty meter", report: testReport("", time.Now(), 1), wantErr: true},
		{name: "minimal report", report: Report{Meter: "minimal"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewMemoryStore()

			err := store.Put(context.Background(), tt.report)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Put() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}

			got, found, err := store.GetLatest(context.Background(), tt.report.Meter)
			if err != nil {
				t.Fatalf("GetLatest() unexpected error = %v", err)
			}
			if !found {
				t.Fatal("GetLatest() found = false, want true")
			}
			if got.Meter != tt.report.Meter {
				t.Errorf("Meter = %q, want %q", got.Meter, tt.report.Meter)
			}
			if got.Period != tt.report.Period {
				t.Errorf("Period = %d, want %d", got.Period, tt.report.Period)
			}
			if len(got.Events.All) != len(tt.report.Events.All) {
				t.Errorf("events = %d, want %d", len(got.Events.All), len(tt.report.Events.All))
			}
		})
	}
}

func TestMemoryStore_GetLatest_NotFound(t *testing.T) {
	store := NewMemoryStore()

	report, found, err := store.GetLatest(context.Background(), "nonexistent")
	if err != nil {
		t.Errorf("GetLatest() unexpected error = %v", err)
	}
	if found {
		t.Error("GetLatest() found = true for unknown meter")
	}
	if report.Meter != "" {
		t.Error("GetLatest() returned a non-zero report for unknown meter")
	}
}

func TestMemoryStore_CanceledContext(t *testing.T) {
	store := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := store.Put(ctx, Report{Meter: "m1"}); err == nil {
		t.Error("Put() expected context error")
	}
	if _, _, err := store.GetLatest(ctx, "m1"); err == nil {
		t.Error("GetLatest() expected context error")
	}
}

func TestMemoryStore_Put_Update(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()

	if err := store.Put(context.Background(), testReport("m1", now, 1)); err != nil {
		t.Fatalf("Put() first report error = %v", err)
	}
	if err := store.Put(context.Background(), testReport("m1", now.Add(time.Minute), 3)); err != nil {
		t.Fatalf("Put() second report error = %v", err)
	}

	got, found, err := store.GetLatest(context.Background(), "m1")
	if err != nil || !found {
		t.Fatalf("GetLatest() = found %v, err %v", found, err)
	}
	if len(got.Events.All) != 3 {
		t.Errorf("GetLatest() returned the old report")
	}
	if store.Len() != 1 {
		t.Errorf("Len() = %d after update, want 1", store.Len())
	}
}

func TestMemoryStore_ConcurrentMultipleMeters(t *testing.T) {
	store := NewMemoryStore()
	meters := []string{"m-1", "m-2", "m-3", "m-4", "m-5"}

	var wg sync.WaitGroup
	for _, meter := range meters {
		wg.Add(2)
		go func(m string) {
			defer wg.Done()
			for i := range 100 {
				if err := store.Put(context.Background(), testReport(m, time.Now(), i%3)); err != nil {
					t.Errorf("Put(%s) error = %v", m, err)
				}
			}
		}(meter)
		go func(m string) {
			defer wg.Done()
			for range 100 {
				if _, _, err := store.GetLatest(context.Background(), m); err != nil {
					t.Errorf("GetLatest(%s) error = %v", m, err)
				}
			}
		}(meter)
	}
	wg.Wait()

	if store.Len() != len(meters) {
		t.Errorf("Len() = %d, want %d", store.Len(), len(meters))
	}
	for _, meter := range meters {
		report, found, _ := store.GetLatest(context.Background(), meter)
		if !found || report.Meter != meter {
			t.Errorf("GetLatest(%s) = %q, found %v", meter, report.Meter, found)
		}
	}
}

func TestMemoryStore_Delete(t *testing.T) {
	store := NewMemoryStore()
	if err := store.Put(context.Background(), Report{Meter: "delete-test"}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	if !store.Delete("delete-test") {
		t.Error("Delete() returned false for existing meter")
	}
	if _, found, _ := store.GetLatest(context.Background(), "delete-test"); found {
		t.Error("GetLatest() found = true after delete")
	}
	if store.Delete("nonexistent") {
		t.Error("Delete() returned true for unknown meter")
	}
}

func TestMemoryStoreWithTTL_Expiration(t *testing.T) {
	ttl := 100 * time.Millisecond
	cleanupInterval := 50 * time.Millisecond
	store := NewMemoryStoreWithTTL(ttl, cleanupInterval)
	defer store.Stop()

	if err := store.Put(context.Background(), Report{Meter: "ttl-test", GeneratedAt: time.Now()}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if _, found, _ := store.GetLatest(context.Background(), "ttl-test"); !found {
		t.Fatal("report should exist immediately after Put")
	}

	time.Sleep(ttl + cleanupInterval + 50*time.Millisecond)

	if _, found, _ := store.GetLatest(context.Background(), "ttl-test"); found {
		t.Error("report should be removed after TTL expiration")
	}
}

func TestMemoryStoreWithTTL_KeepsFresh(t *testing.T) {
	store := NewMemoryStoreWithTTL(time.Hour, 10*time.Millisecond)
	defer store.Stop()

	for i := range 3 {
		if err := store.Put(context.Background(), Report{Meter: fmt.Sprintf("m%d", i), GeneratedAt: time.Now()}); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
	}
	time.Sleep(50 * time.Millisecond)

	if store.Len() != 3 {
		t.Errorf("Len() = %d, want 3", store.Len())
	}
}

func TestMemoryStore_StopIdempotent(t *testing.T) {
	NewMemoryStore().Stop()

	store := NewMemoryStoreWithTTL(time.Minute, time.Second)
	store.Stop()
	store.Stop()
}

func TestValidMeterID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"0012345", true},
		{"site-a_meter-01", true},
		{"a", true},
		{"", false},
		{"-leading", false},
		{"trailing_", false},
		{"has space", false},
		{"slash/meter", false},
	}
	for _, tt := range tests {
		if got := ValidMeterID(tt.id); got != tt.want {
			t.Errorf("ValidMeterID(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}
