package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cfg := DefaultConfig(PDFExport)
	cfg.FailureThreshold = 2
	cfg.Timeout = time.Hour
	cb, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	boom := errors.New("chromium crashed")
	for i := 0; i < 2; i++ {
		if _, err := cb.Execute(context.Background(), func() (interface{}, error) { return nil, boom }); !errors.Is(err, boom) {
			t.Fatalf("call %d err = %v", i, err)
		}
	}
	if cb.GetState() != StateOpen {
		t.Fatalf("state = %s, want open", cb.GetState())
	}

	called := false
	_, err = cb.Execute(context.Background(), func() (interface{}, error) {
		called = true
		return nil, nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Errorf("err = %v, want ErrOpen", err)
	}
	if called {
		t.Error("open breaker called through")
	}
}

func TestCanceledCallsDoNotTrip(t *testing.T) {
	cfg := DefaultConfig(ObjectStore)
	cfg.FailureThreshold = 1
	cb, _ := New(cfg, nil)

	_, _ = cb.Execute(context.Background(), func() (interface{}, error) { return nil, context.Canceled })
	if cb.GetState() != StateClosed {
		t.Errorf("state = %s, want closed", cb.GetState())
	}
}

func TestCallIsTyped(t *testing.T) {
	cb, _ := New(DefaultConfig(PDFExport), nil)
	out, err := Call(context.Background(), cb, func() ([]byte, error) { return []byte("%PDF"), nil })
	if err != nil || string(out) != "%PDF" {
		t.Errorf("Call = %q, %v", out, err)
	}
}

func TestManagerReusesBreakers(t *testing.T) {
	m := NewManager(nil)
	a, _ := m.GetOrCreate(PDFExport, DefaultConfig(""))
	b, _ := m.GetOrCreate(PDFExport, DefaultConfig(""))
	if a != b {
		t.Error("GetOrCreate returned a new breaker for the same name")
	}
	if a.Name() != PDFExport {
		t.Errorf("name = %q", a.Name())
	}
	m.GetOrCreate(ObjectStore, DefaultConfig(""))

	statuses := m.GetHealthStatus()
	if len(statuses) != 2 || statuses[0].Name != ObjectStore || !statuses[1].Healthy {
		t.Errorf("statuses = %+v", statuses)
	}
}
