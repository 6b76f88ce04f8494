package sshterminal

import (
	"testing"
	"time"
)

func TestClampGeometry(t *testing.T) {
	tests := []struct {
		cols, rows         int
		wantCols, wantRows int
		wantOK             bool
	}{
		{80, 24, 80, 24, true},
		{501, 24, MaxTermCols, 24, true},
		{80, 201, 80, MaxTermRows, true},
		{0, 24, 0, 0, false},
		{80, -1, 0, 0, false},
	}
	for _, tt := range tests {
		cols, rows, ok := ClampGeometry(tt.cols, tt.rows)
		if cols != tt.wantCols || rows != tt.wantRows || ok != tt.wantOK {
			t.Errorf("ClampGeometry(%d, %d) = %d, %d, %v", tt.cols, tt.rows, cols, rows, ok)
		}
	}
}

func TestRateLimiter_BurstThenRefill(t *testing.T) {
	now := time.Unix(1700000000, 0)
	rl := NewRateLimiter(10, 3)
	rl.now = func() time.Time { return now }
	rl.lastRefill = now

	for i := 0; i < 3; i++ {
		if !rl.Allow() {
			t.Fatalf("message %d within burst was rejected", i)
		}
	}
	if rl.Allow() {
		t.Fatal("message beyond burst was allowed")
	}

	now = now.Add(100 * time.Millisecond) // one token at 10/s
	if !rl.Allow() {
		t.Error("token was not refilled")
	}
	if rl.Allow() {
		t.Error("only one token should have been refilled")
	}

	now = now.Add(time.Hour)
	for i := 0; i < 3; i++ {
		rl.Allow()
	}
	if rl.Allow() {
		t.Error("refill must be capped at the burst size")
	}
}
