package daemon

import (
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/mailchat/internal/config"
	"github.com/matheus3301/mailchat/internal/scheduler"
	"github.com/matheus3301/mailchat/internal/store"
)

// poller enqueues a fetch job for every watched folder on a fixed interval.
// Uniqueness inside the job table keeps a slow folder from accumulating a
// backlog of pending fetches.
type poller struct {
	sched    *scheduler.Scheduler
	logger   *zap.Logger
	folders  []string
	interval time.Duration

	quit chan struct{}
	done chan struct{}
}

func newPoller(cfg *config.Config, sched *scheduler.Scheduler, logger *zap.Logger) *poller {
	return &poller{
		sched:    sched,
		logger:   logger,
		folders:  cfg.Sync.Folders,
		interval: cfg.Sync.PollInterval(),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (p *poller) Start() {
	go func() {
		defer close(p.done)
		// Immediate first pass so a fresh daemon syncs without waiting a
		// full interval.
		p.enqueueAll()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-p.quit:
				return
			case <-ticker.C:
				p.enqueueAll()
			}
		}
	}()
}

func (p *poller) Stop() {
	close(p.quit)
	<-p.done
}

func (p *poller) enqueueAll() {
	for _, folder := range p.folders {
		id, err := p.sched.EnqueueUnique(store.JobFetchFolder,
			scheduler.FetchFolderPayload{Folder: folder}, folder, 0)
		if err != nil {
			p.logger.Error("enqueue folder fetch", zap.Error(err), zap.String("folder", folder))
			continue
		}
		if id != "" {
			p.logger.Debug("scheduled folder fetch", zap.String("folder", folder), zap.String("job_id", id))
		}
	}
}
