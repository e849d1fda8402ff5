package ingest

import "testing"

func i64(v int64) *int64 { return &v }

func eqPtr(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func fmtPtr(p *int64) any {
	if p == nil {
		return "nil"
	}
	return *p
}

func TestParseProjectFunding(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		wantMin *int64
		wantMax *int64
	}{
		{"range", "£25,000 to £500,000", i64(25_000), i64(500_000)},
		{"between", "Your project's total costs must be between £25,000 and £500,000.", i64(25_000), i64(500_000)},
		{"unit on upper bound only", "£1 to £2 million", i64(1_000_000), i64(2_000_000)},
		{"bare lower bound below scaled upper", "£500 to £5k", i64(500), i64(5_000)},
		{"bare lower bound below millions", "£750 to £1 million", i64(750), i64(1_000_000)},
		{"ceiling with duration", "up to £500,000 and 36 months", nil, i64(500_000)},
		{"minimum", "at least £100,000", i64(100_000), nil},
		{"bare figures", "between 25k and 100k", i64(25_000), i64(100_000)},
		{"decimal millions", "up to £1.5 million", nil, i64(1_500_000)},
		{"no figure", "Project size varies", nil, nil},
		{"empty", "", nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotMin, gotMax := ParseProjectFunding(tt.text)
			if !eqPtr(gotMin, tt.wantMin) || !eqPtr(gotMax, tt.wantMax) {
				t.Fatalf("ParseProjectFunding(%q) = (%v, %v), want (%v, %v)",
					tt.text, fmtPtr(gotMin), fmtPtr(gotMax), fmtPtr(tt.wantMin), fmtPtr(tt.wantMax))
			}
		})
	}
}

func TestParseTotalFund(t *testing.T) {
	tests := []struct {
		text string
		want *int64
	}{
		{"£5,000,000", i64(5_000_000)},
		{"£2.5 million", i64(2_500_000)},
		{"Up to £25 million", i64(25_000_000)},
		{"£1 million to £3 million", i64(3_000_000)},
		{"£750k", i64(750_000)},
		{"£1bn", i64(1_000_000_000)},
		{"To be confirmed", nil},
	}
	for _, tt := range tests {
		if got := ParseTotalFund(tt.text); !eqPtr(got, tt.want) {
			t.Errorf("ParseTotalFund(%q) = %v, want %v", tt.text, fmtPtr(got), fmtPtr(tt.want))
		}
	}
}

func TestExpectedWinners(t *testing.T) {
	tests := []struct {
		name  string
		total *int64
		max   *int64
		pct   float64
		want  *int64
	}{
		{"typical", i64(5_000_000), i64(500_000), 0.70, i64(14)},
		{"floors", i64(25_000_000), i64(500_000), 0.70, i64(71)},
		{"full percentage", i64(1_000_000), i64(100_000), 1.0, i64(10)},
		{"no max", i64(5_000_000), nil, 0.70, nil},
		{"zero max", i64(5_000_000), i64(0), 0.70, nil},
		{"no total", nil, i64(500_000), 0.70, nil},
		{"zero total", i64(0), i64(500_000), 0.70, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExpectedWinners(tt.total, tt.max, tt.pct); !eqPtr(got, tt.want) {
				t.Fatalf("ExpectedWinners() = %v, want %v", fmtPtr(got), fmtPtr(tt.want))
			}
		})
	}
}

func TestPrizeFallback(t *testing.T) {
	display, total, perWinner := prizeFallback("Teams compete for a share of a £1 million prize pot. Finalists receive £50,000 each.")
	if display != "£1 million" {
		t.Errorf("unexpected display %q", display)
	}
	if !eqPtr(total, i64(1_000_000)) {
		t.Errorf("unexpected total %v", fmtPtr(total))
	}
	if !eqPtr(perWinner, i64(50_000)) {
		t.Errorf("unexpected per-winner amount %v", fmtPtr(perWinner))
	}

	display, total, perWinner = prizeFallback("Grant funding for feasibility studies.")
	if display != "" || total != nil || perWinner != nil {
		t.Errorf("expected nothing, got %q %v %v", display, fmtPtr(total), fmtPtr(perWinner))
	}
}
