package stoppattern

import "testing"

func TestDetector_DefaultPattern(t *testing.T) {
	d := New("", nil)
	if !d.Matches("all done <promise>COMPLETE</promise>") {
		t.Fatal("expected default pattern to match trailing marker")
	}
	if d.Matches("<promise>COMPLETE</promise> but more text") {
		t.Fatal("default pattern is anchored to end of output")
	}
}

func TestDetector_CustomPattern(t *testing.T) {
	d := New(`DONE-[0-9]+`, nil)
	if !d.Matches("finished: DONE-42") {
		t.Fatal("expected custom pattern to match")
	}
	if d.Matches("not finished") {
		t.Fatal("unexpected match")
	}
}

func TestDetector_InvalidPatternDisables(t *testing.T) {
	d := New("(a", nil)
	if d.Enabled() {
		t.Fatal("detector should be disabled")
	}
	if d.Matches("(a") || d.Matches("anything") {
		t.Fatal("disabled detector must never match")
	}
}

func TestMatchesPlanReady(t *testing.T) {
	if !MatchesPlanReady("plan written\n<promise>PLAN_READY</promise>") {
		t.Fatal("expected plan-ready marker to match")
	}
	if MatchesPlanReady("<promise>COMPLETE</promise>") {
		t.Fatal("complete marker must not count as plan-ready")
	}
}
