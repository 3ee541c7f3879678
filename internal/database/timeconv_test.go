package database

import (
	"database/sql"
	"testing"
	"time"
)

func TestMillisRoundTrip(t *testing.T) {
	ts := time.Date(2024, 4, 15, 19, 3, 22, 123_000_000, time.UTC)
	if got := fromMillis(toMillis(ts)); !got.Equal(ts) {
		t.Errorf("fromMillis(toMillis(%v)) = %v", ts, got)
	}
}

func TestNullMillis(t *testing.T) {
	if v := nullMillis(nil); v != nil {
		t.Errorf("nil time should be NULL, got %v", v)
	}
	zero := time.Time{}
	if v := nullMillis(&zero); v != nil {
		t.Errorf("zero time should be NULL, got %v", v)
	}
	ts := time.UnixMilli(1713207802000)
	if v := nullMillis(&ts); v != int64(1713207802000) {
		t.Errorf("nullMillis = %v, want 1713207802000", v)
	}
}

func TestTimePtr(t *testing.T) {
	if p := timePtr(sql.NullInt64{}); p != nil {
		t.Errorf("invalid NullInt64 should be nil, got %v", p)
	}
	p := timePtr(sql.NullInt64{Int64: 1713207802000, Valid: true})
	if p == nil || p.Format(time.RFC3339) != "2024-04-15T19:03:22Z" {
		t.Errorf("timePtr = %v, want 2024-04-15T19:03:22Z", p)
	}
}
