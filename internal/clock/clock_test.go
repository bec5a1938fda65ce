package clock

import (
	"testing"
	"time"
)

func TestManualTickerFiresOnPeriod(t *testing.T) {
	start := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	m := NewManual(start)
	tk := m.NewTicker(5 * time.Second)

	m.Advance(4 * time.Second)
	select {
	case <-tk.C():
		t.Fatalf("ticker fired before its period")
	default:
	}

	m.Advance(time.Second)
	select {
	case got := <-tk.C():
		if !got.Equal(start.Add(5 * time.Second)) {
			t.Fatalf("unexpected tick time %v", got)
		}
	default:
		t.Fatalf("expected a tick after 5s")
	}

	tk.Stop()
	m.Advance(time.Minute)
	select {
	case <-tk.C():
		t.Fatalf("stopped ticker fired")
	default:
	}
	if m.Tickers() != 0 {
		t.Fatalf("expected no live tickers, got %d", m.Tickers())
	}
}
