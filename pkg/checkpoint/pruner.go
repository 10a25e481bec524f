package checkpoint

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/contexa/ragengine/pkg/log"
)

// Pruner removes expired terminal checkpoints on a cron schedule.
type Pruner struct {
	store     Store
	retention time.Duration
	cron      *cron.Cron
	logger    *log.Logger
}

// NewPruner schedules pruning; schedule uses cron syntax including the
// @hourly style descriptors.
func NewPruner(store Store, schedule string, retention time.Duration) (*Pruner, error) {
	p := &Pruner{
		store:     store,
		retention: retention,
		cron:      cron.New(),
		logger:    log.WithModule("checkpoint"),
	}
	if _, err := p.cron.AddFunc(schedule, p.runOnce); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Pruner) Start() {
	p.cron.Start()
}

func (p *Pruner) Stop() {
	ctx := p.cron.Stop()
	<-ctx.Done()
}

func (p *Pruner) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	n, err := p.store.Prune(ctx, p.retention)
	if err != nil {
		p.logger.Error("checkpoint pruning failed", "error", err)
		return
	}
	if n > 0 {
		p.logger.Info("pruned expired checkpoints", "count", n)
	}
}
