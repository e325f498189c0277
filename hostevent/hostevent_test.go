package hostevent

import "testing"

func TestClassification(t *testing.T) {
	cases := []struct {
		kind                       Kind
		callLike, returnLike, sw bool
	}{
		{Call, true, false, false},
		{CCall, true, false, false},
		{BlockCall, true, false, false},
		{GcStart, true, false, false},
		{Return, false, true, false},
		{CReturn, false, true, false},
		{BlockReturn, false, true, false},
		{GcEndSweep, false, true, false},
		{TaskSwitch, false, false, true},
		{Line, false, false, false},
		{Unknown, false, false, false},
	}

	for _, c := range cases {
		if got := c.kind.IsCallLike(); got != c.callLike {
			t.Errorf("%s.IsCallLike() = %v, want %v", c.kind, got, c.callLike)
		}
		if got := c.kind.IsReturnLike(); got != c.returnLike {
			t.Errorf("%s.IsReturnLike() = %v, want %v", c.kind, got, c.returnLike)
		}
		if got := c.kind.IsTaskSwitch(); got != c.sw {
			t.Errorf("%s.IsTaskSwitch() = %v, want %v", c.kind, got, c.sw)
		}
		wantOther := !c.callLike && !c.returnLike && !c.sw
		if got := c.kind.IsOther(); got != wantOther {
			t.Errorf("%s.IsOther() = %v, want %v", c.kind, got, wantOther)
		}
	}
}

func TestKindNamesAreFixed(t *testing.T) {
	names := map[Kind]string{
		Call:       "call",
		CCall:      "c-call",
		BlockCall:  "block-call",
		Return:     "return",
		CReturn:    "c-return",
		BlockReturn: "block-return",
		GcStart:    "gc-start",
		GcEndSweep: "gc-end-sweep",
		Line:       "line",
		TaskSwitch: "task-switch",
		Unknown:    "unknown",
	}
	for k, want := range names {
		if got := k.String(); got != want {
			t.Errorf("%v.String() = %q, want %q", k, got, want)
		}
	}
}
