package context

import "testing"

func testThresholds() thresholds {
	return thresholds{warning: 0.70, checkpoint: 0.80, emergency: 0.95, rollover: 1.00}
}

func TestBandForSafe(t *testing.T) {
	if b := bandFor(0.0, testThresholds()); b != BandSafe {
		t.Errorf("bandFor(0.0) = %v, want BandSafe", b)
	}
	if b := bandFor(0.69, testThresholds()); b != BandSafe {
		t.Errorf("bandFor(0.69) = %v, want BandSafe", b)
	}
}

func TestBandForWarnBoundaryIsInclusive(t *testing.T) {
	if b := bandFor(0.70, testThresholds()); b != BandWarn {
		t.Errorf("bandFor(0.70) = %v, want BandWarn (tie resolves to the stronger band)", b)
	}
	if b := bandFor(0.75, testThresholds()); b != BandWarn {
		t.Errorf("bandFor(0.75) = %v, want BandWarn", b)
	}
}

func TestBandForCompressBoundaryIsInclusive(t *testing.T) {
	if b := bandFor(0.80, testThresholds()); b != BandCompress {
		t.Errorf("bandFor(0.80) = %v, want BandCompress", b)
	}
	if b := bandFor(0.90, testThresholds()); b != BandCompress {
		t.Errorf("bandFor(0.90) = %v, want BandCompress", b)
	}
}

func TestBandForEmergencyBoundaryIsInclusive(t *testing.T) {
	if b := bandFor(0.95, testThresholds()); b != BandEmergency {
		t.Errorf("bandFor(0.95) = %v, want BandEmergency", b)
	}
	if b := bandFor(0.99, testThresholds()); b != BandEmergency {
		t.Errorf("bandFor(0.99) = %v, want BandEmergency", b)
	}
}

func TestBandForRolloverBoundaryIsInclusive(t *testing.T) {
	if b := bandFor(1.00, testThresholds()); b != BandRollover {
		t.Errorf("bandFor(1.00) = %v, want BandRollover", b)
	}
	if b := bandFor(1.5, testThresholds()); b != BandRollover {
		t.Errorf("bandFor(1.5) = %v, want BandRollover", b)
	}
}

func TestUsageOfZeroLimitIsAlwaysFull(t *testing.T) {
	if u := usageOf(100, 0); u != 1 {
		t.Errorf("usageOf(100, 0) = %v, want 1 (never divide by zero, never claim safe)", u)
	}
}

func TestUsageOfComputesFraction(t *testing.T) {
	if u := usageOf(5000, 6963); u < 0.71 || u > 0.72 {
		t.Errorf("usageOf(5000, 6963) = %v, want ~0.718", u)
	}
}
