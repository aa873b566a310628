package pool

import (
	"context"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lfedgeai/SPEAR-sub001/internal/runtime"
)

// Start warms the pool to MinInstances and begins periodic health checks
// and idle reclamation. It is a no-op after the first call or after Drain.
func (p *Pool) Start() {
	p.mu.Lock()
	if p.started || p.draining {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.loopDone = make(chan struct{})
	p.mu.Unlock()
	go p.loop()
}

func (p *Pool) loop() {
	defer close(p.loopDone)
	if err := p.EnsureMin(p.ctx); err != nil && p.ctx.Err() == nil {
		p.cfg.Logger.Warn().Err(err).Str("task_id", p.cfg.TaskID).Msg("initial warm-up failed")
	}
	health := time.NewTicker(p.cfg.HealthInterval)
	defer health.Stop()
	reclaim := time.NewTicker(p.cfg.ReclaimInterval)
	defer reclaim.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-health.C:
			p.CheckHealth(p.ctx)
		case <-reclaim.C:
			p.ReclaimIdle()
			if err := p.EnsureMin(p.ctx); err != nil && p.ctx.Err() == nil {
				p.cfg.Logger.Warn().Err(err).Str("task_id", p.cfg.TaskID).Msg("warm pool top-up failed")
			}
		}
	}
}

// EnsureMin creates instances until MinInstances of the current generation
// exist or are being created.
func (p *Pool) EnsureMin(ctx context.Context) error {
	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return nil
	}
	need := p.cfg.MinInstances - p.liveLocked()
	if room := p.cfg.MaxInstances - len(p.instances); need > room {
		need = room
	}
	reserved := make([]*instance, 0, max(need, 0))
	for i := 0; i < need; i++ {
		reserved = append(reserved, p.reserveLocked())
	}
	p.mu.Unlock()

	var g errgroup.Group
	for _, inst := range reserved {
		g.Go(func() error {
			_, err := p.fill(ctx, inst, false)
			return err
		})
	}
	return g.Wait()
}

type probe struct {
	id  string
	gen uint64
	h   runtime.Handle
}

// CheckHealth probes idle ready instances and applies the results.
func (p *Pool) CheckHealth(ctx context.Context) {
	p.mu.Lock()
	var probes []probe
	for _, inst := range sortedBySeq(p.instances) {
		if inst.state == StateReady && inst.active == 0 && !inst.retire {
			probes = append(probes, probe{id: inst.id, gen: inst.generation, h: inst.handle})
		}
	}
	p.mu.Unlock()
	for _, pr := range probes {
		hctx, cancel := context.WithTimeout(ctx, p.cfg.HealthTimeout)
		st := p.adapter.HealthCheck(hctx, pr.h)
		cancel()
		p.applyHealth(pr.id, pr.gen, st)
	}
}

// applyHealth folds one probe result into the instance. Results from a
// superseded generation or for an instance no longer in the pool are
// discarded. It reports whether the result was applied.
func (p *Pool) applyHealth(id string, gen uint64, st runtime.HealthStatus) bool {
	p.mu.Lock()
	inst := p.instances[id]
	if inst == nil || gen != p.generation || inst.generation != gen {
		p.mu.Unlock()
		return false
	}
	switch st {
	case runtime.Healthy:
		inst.healthFailures = 0
	case runtime.Unhealthy:
		inst.healthFailures++
	}
	var victim *instance
	if inst.healthFailures >= p.cfg.FailureThreshold {
		inst.retire = true
		inst.state = StateUnhealthy
		if inst.active == 0 {
			p.removeLocked(inst, StateUnhealthy)
			victim = inst
		}
	}
	p.notifyLocked()
	top := p.topUpLocked()
	p.mu.Unlock()

	if victim != nil {
		p.cfg.Logger.Warn().Str("task_id", p.cfg.TaskID).Str("instance_id", id).Int("failures", victim.healthFailures).Msg("instance unhealthy")
		p.destroyAsync(victim, "health check failed")
	}
	if top {
		p.topUpAsync()
	}
	return true
}

// ReclaimIdle destroys ready instances unused for longer than IdleTimeout,
// oldest first, never going below MinInstances. It returns how many were
// reclaimed.
func (p *Pool) ReclaimIdle() int {
	now := p.cfg.Now()
	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return 0
	}
	live := p.liveLocked()
	var cands []*instance
	for _, inst := range p.instances {
		if inst.state == StateReady && inst.active == 0 && !inst.retire && now.Sub(inst.lastUsed) > p.cfg.IdleTimeout {
			cands = append(cands, inst)
		}
	}
	sort.Slice(cands, func(i, j int) bool {
		if !cands[i].lastUsed.Equal(cands[j].lastUsed) {
			return cands[i].lastUsed.Before(cands[j].lastUsed)
		}
		return cands[i].seq < cands[j].seq
	})
	var victims []*instance
	for _, c := range cands {
		if live <= p.cfg.MinInstances {
			break
		}
		p.removeLocked(c, StateTerminating)
		victims = append(victims, c)
		live--
	}
	if len(victims) > 0 {
		p.notifyLocked()
	}
	p.mu.Unlock()
	for _, v := range victims {
		p.destroyAsync(v, "idle")
	}
	return len(victims)
}
