package events

import (
	"log/slog"
	"testing"
)

func TestLogHandlerRetainsRecentLines(t *testing.T) {
	h := NewLogHandler(slog.LevelInfo, 3)
	logger := slog.New(h)

	logger.Info("first")
	logger.Info("second")
	logger.Info("third")
	logger.Info("fourth") // evicts "first"

	recent := h.Recent()
	if len(recent) != 3 {
		t.Fatalf("len(Recent()) = %d, want 3", len(recent))
	}
	if recent[0].Message != "second" || recent[2].Message != "fourth" {
		t.Errorf("got %+v", recent)
	}
}

func TestLogHandlerCarriesAttrs(t *testing.T) {
	h := NewLogHandler(slog.LevelInfo, 10)
	logger := slog.New(h).With("component", "retry")
	logger.Info("acquired credential", "id", 3)

	recent := h.Recent()
	if len(recent) != 1 {
		t.Fatalf("len(Recent()) = %d, want 1", len(recent))
	}
	if recent[0].Attrs["component"] != "retry" {
		t.Errorf("attrs = %+v, missing component", recent[0].Attrs)
	}
}
