package stream

import "testing"

func TestCompareIDs(t *testing.T) {
	cases := []struct {
		a, b ID
		want int
	}{
		{"1-1", "1-2", -1},
		{"2-0", "1-9", 1},
		{"10-0", "9-0", 1},
		{"5-5", "5-5", 0},
		{"7", "7-0", 0},
		{"x", "1-1", -1},
	}
	for _, c := range cases {
		if got := CompareIDs(c.a, c.b); got != c.want {
			t.Fatalf("CompareIDs(%s,%s)=%d want %d", c.a, c.b, got, c.want)
		}
	}
}

func TestIDParts(t *testing.T) {
	ms, seq, err := FormatID(1700000000000, 42).Parts()
	if err != nil || ms != 1700000000000 || seq != 42 {
		t.Fatalf("got %d %d %v", ms, seq, err)
	}
	if _, _, err := ID("1-x").Parts(); err == nil {
		t.Fatalf("expected parse error")
	}
}
