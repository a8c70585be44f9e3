package timerdll

import "testing"

func TestFirstUpdateAnchorsAndReturnsOK(t *testing.T) {
	var tm Timer
	tm.Setup(48000, 64, 0.2, true)
	state, _ := tm.Update(100.0)
	if state != StateOK {
		t.Fatalf("expected StateOK after first update, got %v", state)
	}
	if tm.GetElapsed() != 0 {
		t.Fatalf("expected elapsed 0 on anchor, got %v", tm.GetElapsed())
	}
}

func TestSteadyPeriodStaysOK(t *testing.T) {
	var tm Timer
	tm.Setup(48000, 64, 0.2, true)
	period := 64.0 / 48000.0
	now := 0.0
	tm.Update(now)
	for i := 0; i < 20; i++ {
		now += period
		state, _ := tm.Update(now)
		if state != StateOK {
			t.Fatalf("iteration %d: expected StateOK, got %v", i, state)
		}
	}
}

func TestLargeStallTriggersError(t *testing.T) {
	var tm Timer
	tm.Setup(48000, 64, 0.2, true)
	tm.Update(0)
	state, _ := tm.Update(0.5) // 500ms stall vs ~1.3ms nominal period
	if state != StateError {
		t.Fatalf("expected StateError on stall, got %v", state)
	}
}

func TestResetAfterErrorReanchors(t *testing.T) {
	var tm Timer
	tm.Setup(48000, 64, 0.2, true)
	tm.Update(0)
	tm.Update(0.5)
	tm.Reset()
	state, _ := tm.Update(1.0)
	if state != StateOK {
		t.Fatalf("expected StateOK after reset+reanchor, got %v", state)
	}
	if tm.GetElapsed() != 0 {
		t.Fatalf("expected elapsed reset to 0, got %v", tm.GetElapsed())
	}
}

func TestCheckDisabledNeverErrors(t *testing.T) {
	var tm Timer
	tm.Setup(48000, 64, 0.2, false)
	tm.Update(0)
	state, _ := tm.Update(0.5)
	if state != StateOK {
		t.Fatalf("expected StateOK with check disabled, got %v", state)
	}
}
