package pool

import (
	"slices"
	"testing"
	"time"
)

func TestParsePolicy(t *testing.T) {
	cases := map[string]Policy{
		"":                    PolicyLeastConnections,
		"least_connections":   PolicyLeastConnections,
		"RoundRobin":          PolicyRoundRobin,
		"round-robin":         PolicyRoundRobin,
		"least_response_time": PolicyLeastResponseTime,
		"Random":              PolicyRandom,
	}
	for in, want := range cases {
		got, err := ParsePolicy(in)
		if err != nil || got != want {
			t.Fatalf("ParsePolicy(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParsePolicy("fastest"); err == nil {
		t.Fatalf("expected error for unknown policy")
	}
}

func TestChoose_LeastConnectionsTieBreak(t *testing.T) {
	t0 := time.Unix(1700000000, 0)
	a := &instance{id: "a", seq: 1, active: 2, lastUsed: t0}
	b := &instance{id: "b", seq: 2, active: 1, lastUsed: t0.Add(time.Second)}
	c := &instance{id: "c", seq: 3, active: 1, lastUsed: t0}
	var rr uint64
	if got := choose(PolicyLeastConnections, []*instance{a, b, c}, &rr, nil); got != c {
		t.Fatalf("picked %s, want c (fewest active, least recently used)", got.id)
	}
	c.lastUsed = b.lastUsed
	if got := choose(PolicyLeastConnections, []*instance{a, b, c}, &rr, nil); got != b {
		t.Fatalf("picked %s, want b (lowest seq)", got.id)
	}
	if got := choose(PolicyLeastConnections, nil, &rr, nil); got != nil {
		t.Fatalf("expected nil for no candidates")
	}
}

func TestChoose_RoundRobin(t *testing.T) {
	cands := []*instance{{id: "a", seq: 1}, {id: "b", seq: 2}, {id: "c", seq: 3}}
	var rr uint64
	var got []string
	for i := 0; i < 4; i++ {
		got = append(got, choose(PolicyRoundRobin, cands, &rr, nil).id)
	}
	if want := []string{"a", "b", "c", "a"}; !slices.Equal(got, want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
}

func TestChoose_LeastResponseTime(t *testing.T) {
	a := &instance{id: "a", seq: 1, avgMs: 30}
	b := &instance{id: "b", seq: 2, avgMs: 10, active: 3}
	c := &instance{id: "c", seq: 3, avgMs: 10, active: 1}
	var rr uint64
	if got := choose(PolicyLeastResponseTime, []*instance{a, b, c}, &rr, nil); got != c {
		t.Fatalf("picked %s, want c", got.id)
	}
}

func TestChoose_Random(t *testing.T) {
	cands := []*instance{{id: "a"}, {id: "b"}, {id: "c"}}
	var rr uint64
	got := choose(PolicyRandom, cands, &rr, func(n int) int {
		if n != 3 {
			t.Fatalf("intn(%d)", n)
		}
		return 2
	})
	if got.id != "c" {
		t.Fatalf("picked %s", got.id)
	}
}
