package twin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/twinline-core/internal/infrastructure/config"
	"github.com/nerrad567/twinline-core/internal/infrastructure/database"
	"github.com/nerrad567/twinline-core/internal/infrastructure/natsjs"
)

const testSchema = `
CREATE TABLE IF NOT EXISTS twins (
    device_id  TEXT PRIMARY KEY,
    desired    TEXT NOT NULL DEFAULT '{}',
    reported   TEXT NOT NULL DEFAULT '{}',
    version    INTEGER NOT NULL DEFAULT 1,
    updated_at TEXT NOT NULL
) STRICT;
`

func newSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := database.Open(database.Config{
		Path:        filepath.Join(t.TempDir(), "twins.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if _, err := db.ExecContext(context.Background(), testSchema); err != nil {
		t.Fatalf("creating schema: %v", err)
	}
	return NewSQLiteStore(db)
}

func newKVStore(t *testing.T) *KVStore {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := natsjs.Connect(ctx, config.NATSConfig{URL: "nats://127.0.0.1:4222", ReconnectWait: time.Second})
	if err != nil {
		t.Skipf("NATS not available: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	bucket := fmt.Sprintf("twins_test_%d", time.Now().UnixNano())
	kv, err := client.KeyValue(ctx, bucket)
	if err != nil {
		t.Fatalf("KeyValue() error = %v", err)
	}
	t.Cleanup(func() {
		_ = client.JetStream().DeleteKeyValue(context.Background(), bucket) //nolint:errcheck // Test cleanup
	})
	return NewKVStore(kv)
}

// storeFactories lists every backend the shared behaviour tests run against.
func storeFactories() map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(*testing.T) Store { return NewMemoryStore() },
		"sqlite": func(t *testing.T) Store { return newSQLiteStore(t) },
		"nats":   func(t *testing.T) Store { return newKVStore(t) },
	}
}

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

func TestStore_GetCreatesEmptyDocument(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		doc, err := s.Get(ctx, "Device 1")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if doc.DeviceID != "Device 1" || len(doc.Desired) != 0 || len(doc.Reported) != 0 || doc.ETag == "" {
			t.Errorf("Get() = %+v", doc)
		}

		again, err := s.Get(ctx, "Device 1")
		if err != nil {
			t.Fatalf("second Get() error = %v", err)
		}
		if again.ETag != doc.ETag {
			t.Errorf("ETag changed on read: %q -> %q", doc.ETag, again.ETag)
		}

		if _, err := s.Get(ctx, ""); !errors.Is(err, ErrInvalidDeviceID) {
			t.Errorf("Get(\"\") error = %v", err)
		}
	})
}

func TestStore_UpdateReported(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		doc, _ := s.Get(ctx, "line-1")

		tag, err := s.UpdateReported(ctx, "line-1", Properties{PropProductionRate: 80, PropErrorStatus: "None"}, doc.ETag)
		if err != nil {
			t.Fatalf("UpdateReported() error = %v", err)
		}
		if tag == doc.ETag {
			t.Error("ETag not advanced")
		}

		got, _ := s.Get(ctx, "line-1")
		if rate, ok := Int(got.Reported, PropProductionRate); !ok || rate != 80 {
			t.Errorf("reported ProductionRate = %v", got.Reported[PropProductionRate])
		}
		if got.ETag != tag {
			t.Errorf("Get() ETag = %q, want %q", got.ETag, tag)
		}

		// nil removes a key; other keys survive
		if _, err := s.UpdateReported(ctx, "line-1", Properties{PropErrorStatus: nil}, tag); err != nil {
			t.Fatalf("UpdateReported(delete) error = %v", err)
		}
		got, _ = s.Get(ctx, "line-1")
		if _, ok := got.Reported[PropErrorStatus]; ok {
			t.Error("ErrorStatus not removed")
		}
		if _, ok := got.Reported[PropProductionRate]; !ok {
			t.Error("ProductionRate lost on merge")
		}
	})
}

func TestStore_StaleETagConflicts(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		doc, _ := s.Get(ctx, "line-1")

		if _, err := s.UpdateDesired(ctx, "line-1", Properties{PropProductionRate: 70}, doc.ETag); err != nil {
			t.Fatalf("UpdateDesired() error = %v", err)
		}
		_, err := s.UpdateReported(ctx, "line-1", Properties{PropProductionRate: 95}, doc.ETag)
		if !errors.Is(err, ErrConflict) {
			t.Fatalf("UpdateReported(stale) error = %v, want ErrConflict", err)
		}

		got, _ := s.Get(ctx, "line-1")
		if _, ok := got.Reported[PropProductionRate]; ok {
			t.Error("conflicting write was applied")
		}

		if _, err := s.UpdateReported(ctx, "line-1", Properties{PropProductionRate: 95}, AnyETag); err != nil {
			t.Errorf("UpdateReported(AnyETag) error = %v", err)
		}
	})
}

func TestStore_DesiredAndReportedIndependent(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		if _, err := s.UpdateDesired(ctx, "line-1", Properties{PropProductionRate: 60}, AnyETag); err != nil {
			t.Fatalf("UpdateDesired() error = %v", err)
		}
		if _, err := s.UpdateReported(ctx, "line-1", Properties{PropProductionRate: 90}, AnyETag); err != nil {
			t.Fatalf("UpdateReported() error = %v", err)
		}
		got, _ := s.Get(ctx, "line-1")
		d, _ := Int(got.Desired, PropProductionRate)
		r, _ := Int(got.Reported, PropProductionRate)
		if d != 60 || r != 90 {
			t.Errorf("desired=%d reported=%d, want 60/90", d, r)
		}
	})
}

func TestStore_WatchDesired(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Ensure the document exists before watching.
		if _, err := s.Get(ctx, "line-1"); err != nil {
			t.Fatalf("Get() error = %v", err)
		}

		got := make(chan Properties, 4)
		stop, err := s.WatchDesired(ctx, "line-1", func(p Properties) { got <- p })
		if err != nil {
			t.Fatalf("WatchDesired() error = %v", err)
		}
		defer stop()
		time.Sleep(50 * time.Millisecond)

		if _, err := s.UpdateReported(ctx, "line-1", Properties{"x": 1}, AnyETag); err != nil {
			t.Fatalf("UpdateReported() error = %v", err)
		}
		if _, err := s.UpdateDesired(ctx, "line-1", Properties{PropProductionRate: 75}, AnyETag); err != nil {
			t.Fatalf("UpdateDesired() error = %v", err)
		}

		select {
		case p := <-got:
			if rate, _ := Int(p, PropProductionRate); rate != 75 {
				t.Errorf("notification = %v, want ProductionRate 75", p)
			}
		case <-time.After(3 * time.Second):
			t.Fatal("no desired notification")
		}

		select {
		case p := <-got:
			t.Errorf("unexpected extra notification %v", p)
		case <-time.After(100 * time.Millisecond):
		}
	})
}

func TestStore_ConcurrentWritersOneWins(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		doc, _ := s.Get(ctx, "line-1")

		const writers = 5
		var wg sync.WaitGroup
		var mu sync.Mutex
		wins, conflicts := 0, 0
		for i := range writers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.UpdateReported(ctx, "line-1", Properties{PropProductionRate: i}, doc.ETag)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					wins++
				case errors.Is(err, ErrConflict):
					conflicts++
				default:
					t.Errorf("UpdateReported() error = %v", err)
				}
			}()
		}
		wg.Wait()

		if wins != 1 || conflicts != writers-1 {
			t.Errorf("wins=%d conflicts=%d, want 1/%d", wins, conflicts, writers-1)
		}
	})
}

func TestMemoryStore_WatchStop(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	stop, err := s.WatchDesired(ctx, "line-1", func(Properties) {})
	if err != nil {
		t.Fatalf("WatchDesired() error = %v", err)
	}
	if s.hub.count("line-1") != 1 {
		t.Fatalf("watchers = %d, want 1", s.hub.count("line-1"))
	}
	stop()
	stop()
	if s.hub.count("line-1") != 0 {
		t.Errorf("watchers after stop = %d, want 0", s.hub.count("line-1"))
	}
}

func TestInt(t *testing.T) {
	p := Properties{
		"f":    float64(80),
		"frac": 1.5,
		"i":    7,
		"n":    json.Number("12"),
		"s":    "80",
	}
	tests := []struct {
		key    string
		want   int
		wantOK bool
	}{
		{"f", 80, true},
		{"frac", 0, false},
		{"i", 7, true},
		{"n", 12, true},
		{"s", 0, false},
		{"missing", 0, false},
	}
	for _, tt := range tests {
		got, ok := Int(p, tt.key)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("Int(%q) = %d, %v, want %d, %v", tt.key, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestString(t *testing.T) {
	p := Properties{"a": "None", "b": 1}
	if s, ok := String(p, "a"); !ok || s != "None" {
		t.Errorf("String(a) = %q, %v", s, ok)
	}
	if _, ok := String(p, "b"); ok {
		t.Error("String(b) accepted a number")
	}
}

func TestApplyPatch_InvalidValue(t *testing.T) {
	_, err := applyPatch(Properties{}, Properties{"bad": make(chan int)})
	if !errors.Is(err, ErrInvalidPatch) {
		t.Errorf("applyPatch() error = %v, want ErrInvalidPatch", err)
	}
}
