package events

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lfedgeai/SPEAR-sub001/internal/errs"
)

const DefaultRetryDelay = 500 * time.Millisecond

// Config wires a Subscriber.
type Config struct {
	NodeID string
	Source Source
	Lookup Lookup
	Target Target
	// Cursor may be nil, in which case progress is kept in memory only.
	Cursor Cursor
	// Prewarm fills a new task's pool to its minimum on create.
	Prewarm    bool
	RetryDelay time.Duration
	Logger     zerolog.Logger
}

// Subscriber follows a Source and applies events addressed to this node.
type Subscriber struct {
	cfg Config

	mu     sync.Mutex
	cursor string
}

func NewSubscriber(cfg Config) (*Subscriber, error) {
	if cfg.Source == nil || cfg.Target == nil || cfg.Lookup == nil {
		return nil, errs.Configuration("event subscriber needs a source, a lookup and a target")
	}
	if cfg.NodeID == "" {
		return nil, errs.Configuration("event subscriber needs a node id")
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	s := &Subscriber{cfg: cfg}
	if cfg.Cursor != nil {
		c, err := cfg.Cursor.Load()
		if err != nil {
			return nil, errs.Wrap(errs.ClassConfiguration, errs.KindValidation, err, "load event cursor")
		}
		s.cursor = c
	}
	return s, nil
}

// Cursor returns the id of the last handled event.
func (s *Subscriber) Cursor() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Run follows the feed until ctx ends. Source errors are retried after
// RetryDelay; a failing event is logged and skipped.
func (s *Subscriber) Run(ctx context.Context) error {
	log := s.cfg.Logger
	log.Info().Str("node_id", s.cfg.NodeID).Str("cursor", s.Cursor()).Msg("task event subscriber starting")
	for {
		if ctx.Err() != nil {
			return nil
		}
		evs, err := s.cfg.Source.Next(ctx, s.Cursor())
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn().Err(err).Dur("retry", s.cfg.RetryDelay).Msg("task event feed failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(s.cfg.RetryDelay):
			}
			continue
		}
		for _, ev := range evs {
			if err := s.Handle(ctx, ev); err != nil {
				log.Warn().Err(err).Str("event_id", ev.ID).Str("task_id", ev.TaskID).Str("kind", string(ev.Kind)).Msg("task event failed")
			}
			s.advance(ev.ID)
		}
	}
}

func (s *Subscriber) advance(id string) {
	s.mu.Lock()
	s.cursor = id
	s.mu.Unlock()
	if s.cfg.Cursor == nil {
		return
	}
	if err := s.cfg.Cursor.Store(id); err != nil {
		s.cfg.Logger.Warn().Err(err).Str("event_id", id).Msg("persist event cursor")
	}
}

// Handle applies one event. Events for other nodes are ignored.
func (s *Subscriber) Handle(ctx context.Context, ev Event) error {
	log := s.cfg.Logger
	if ev.NodeID != s.cfg.NodeID {
		log.Debug().Str("event_id", ev.ID).Str("node_id", ev.NodeID).Msg("ignoring event for other node")
		return nil
	}
	switch ev.Kind {
	case KindCreate, KindUpdate:
		rec, err := s.cfg.Lookup.GetTask(ctx, ev.TaskID)
		if errs.IsNotFound(err) {
			log.Debug().Str("task_id", ev.TaskID).Msg("task details unavailable")
			return nil
		}
		if err != nil {
			return err
		}
		if rec.TaskID == "" {
			rec.TaskID = ev.TaskID
		}
		t, err := s.cfg.Target.MaterializeTask(rec)
		if err != nil {
			return err
		}
		log.Info().Str("task_id", t.ID).Str("artifact_id", t.ArtifactID).Str("kind", string(ev.Kind)).Msg("task materialized")
		if ev.Kind == KindCreate && s.cfg.Prewarm {
			return s.cfg.Target.PrewarmTask(ctx, t.ID)
		}
		return nil
	case KindDelete:
		err := s.cfg.Target.TerminateTask(ctx, ev.TaskID)
		if errs.IsNotFound(err) {
			return nil
		}
		return err
	default:
		return errs.System(errs.KindValidation, "unknown task event kind %q", ev.Kind)
	}
}
