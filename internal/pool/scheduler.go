package pool

import (
	"math/rand/v2"
	"sort"
	"strings"

	"github.com/lfedgeai/SPEAR-sub001/internal/errs"
)

// Policy selects among instances with spare capacity.
type Policy string

const (
	PolicyRoundRobin        Policy = "round_robin"
	PolicyLeastConnections  Policy = "least_connections"
	PolicyLeastResponseTime Policy = "least_response_time"
	PolicyRandom            Policy = "random"
)

// ParsePolicy accepts policy names in snake, kebab or camel case.
func ParsePolicy(s string) (Policy, error) {
	n := strings.NewReplacer("-", "", "_", "", " ", "").Replace(strings.ToLower(strings.TrimSpace(s)))
	switch n {
	case "", "leastconnections":
		return PolicyLeastConnections, nil
	case "roundrobin":
		return PolicyRoundRobin, nil
	case "leastresponsetime":
		return PolicyLeastResponseTime, nil
	case "random":
		return PolicyRandom, nil
	}
	return "", errs.Configuration("unknown scheduling policy %q", s)
}

func sortedBySeq(m map[string]*instance) []*instance {
	out := make([]*instance, 0, len(m))
	for _, inst := range m {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (p *Pool) eligibleLocked(inst *instance) bool {
	return (inst.state == StateReady || inst.state == StateRunning) &&
		!inst.retire &&
		inst.generation == p.generation &&
		inst.active < p.cfg.TargetConcurrency
}

// pickLocked returns the instance the policy selects, or nil when none has
// spare capacity.
func (p *Pool) pickLocked() *instance {
	var cands []*instance
	for _, inst := range sortedBySeq(p.instances) {
		if p.eligibleLocked(inst) {
			cands = append(cands, inst)
		}
	}
	return choose(p.cfg.Policy, cands, &p.rr, rand.IntN)
}

// lessLoaded orders by fewest active requests, then least recently used,
// then creation order.
func lessLoaded(a, b *instance) bool {
	if a.active != b.active {
		return a.active < b.active
	}
	if !a.lastUsed.Equal(b.lastUsed) {
		return a.lastUsed.Before(b.lastUsed)
	}
	return a.seq < b.seq
}

// choose applies policy to candidates already sorted by seq.
func choose(policy Policy, cands []*instance, rr *uint64, intn func(int) int) *instance {
	if len(cands) == 0 {
		return nil
	}
	switch policy {
	case PolicyRoundRobin:
		i := int(*rr % uint64(len(cands)))
		*rr++
		return cands[i]
	case PolicyRandom:
		return cands[intn(len(cands))]
	case PolicyLeastResponseTime:
		best := cands[0]
		for _, c := range cands[1:] {
			if c.avgMs < best.avgMs || (c.avgMs == best.avgMs && lessLoaded(c, best)) {
				best = c
			}
		}
		return best
	default:
		best := cands[0]
		for _, c := range cands[1:] {
			if lessLoaded(c, best) {
				best = c
			}
		}
		return best
	}
}
