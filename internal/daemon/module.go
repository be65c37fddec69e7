// Package daemon composes the account daemon: store, transports, engines,
// scheduler and the periodic sync poller, wired through fx with a clean
// startup and shutdown order.
package daemon

import (
	"context"
	"fmt"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/mailchat/internal/account"
	"github.com/matheus3301/mailchat/internal/bus"
	"github.com/matheus3301/mailchat/internal/config"
	"github.com/matheus3301/mailchat/internal/imapsync"
	"github.com/matheus3301/mailchat/internal/lock"
	"github.com/matheus3301/mailchat/internal/logging"
	"github.com/matheus3301/mailchat/internal/outbox"
	"github.com/matheus3301/mailchat/internal/scheduler"
	"github.com/matheus3301/mailchat/internal/status"
	"github.com/matheus3301/mailchat/internal/store"
	"github.com/matheus3301/mailchat/internal/transport"
	"github.com/matheus3301/mailchat/internal/trust"
)

// Params holds the resolved startup configuration passed to the fx module.
type Params struct {
	ConfigPath string
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideKeypair,
			provideMailbox,
			provideSender,
			provideTrustEngine,
			provideSyncMachine,
			provideOutbox,
			provideScheduler,
			newPoller,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	return config.Load(p.ConfigPath)
}

func provideLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(account.LogPath(cfg.Addr), cfg.Addr)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(cfg *config.Config, logger *zap.Logger) (*lock.Lock, error) {
	if err := account.EnsureDir(cfg.Addr); err != nil {
		return nil, err
	}
	logger.Info("acquiring account lock", zap.String("addr", cfg.Addr))
	l, err := lock.Acquire(account.Dir(cfg.Addr))
	if err != nil {
		return nil, err
	}
	logger.Info("account lock acquired")
	return l, nil
}

func provideStore(cfg *config.Config, m *status.Machine, logger *zap.Logger) (*store.DB, error) {
	_ = m.Transition(status.Migrating)
	dbPath := account.DBPath(cfg.Addr)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

// provideKeypair loads this account's keypair, generating and persisting one
// on first run. The key never rotates.
func provideKeypair(cfg *config.Config, db *store.DB, logger *zap.Logger) (*trust.Keypair, error) {
	stored, err := db.GetIdentityKey(cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("load identity key: %w", err)
	}
	if stored != nil {
		pub, err := trust.DecodeKey(stored.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("decode stored public key: %w", err)
		}
		priv, err := trust.DecodeKey(stored.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("decode stored private key: %w", err)
		}
		return &trust.Keypair{Public: pub, Private: priv}, nil
	}

	keys, err := trust.GenerateKeypair()
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	if err := db.SaveIdentityKey(&store.IdentityKey{
		Addr:       cfg.Addr,
		PublicKey:  trust.EncodeKey(keys.Public),
		PrivateKey: trust.EncodeKey(keys.Private),
	}); err != nil {
		return nil, fmt.Errorf("persist identity key: %w", err)
	}
	logger.Info("generated identity keypair", zap.String("addr", cfg.Addr))
	return keys, nil
}

func provideMailbox(cfg *config.Config, logger *zap.Logger) transport.Mailbox {
	return transport.NewIMAPSession(cfg.IMAP, logger)
}

func provideSender(cfg *config.Config, logger *zap.Logger) transport.Sender {
	return transport.NewSMTPSender(cfg.SMTP, logger)
}

func provideTrustEngine(db *store.DB, b *bus.Bus, logger *zap.Logger) *trust.Engine {
	return trust.NewEngine(db, b, logger)
}

func provideSyncMachine(cfg *config.Config, db *store.DB, b *bus.Bus, logger *zap.Logger, te *trust.Engine, keys *trust.Keypair) *imapsync.Machine {
	return imapsync.New(db, b, logger, te, cfg.Addr, keys, cfg.Sync)
}

func provideOutbox(cfg *config.Config, db *store.DB, b *bus.Bus, logger *zap.Logger, te *trust.Engine, sender transport.Sender, keys *trust.Keypair) *outbox.Service {
	return outbox.New(db, b, logger, te, sender, cfg.Addr, cfg.DisplayName, keys)
}

func provideScheduler(cfg *config.Config, db *store.DB, b *bus.Bus, logger *zap.Logger, mb transport.Mailbox, sync *imapsync.Machine, ob *outbox.Service) *scheduler.Scheduler {
	d := &dispatcher{mailbox: mb, sync: sync, outbox: ob}
	s := scheduler.New(db, b, logger, d, cfg.Jobs)
	s.SetFailureHook(ob.HandleExhausted)
	ob.SetQueue(s)
	sync.SetQueue(s)
	return s
}

func registerLifecycle(lc fx.Lifecycle, cfg *config.Config, sched *scheduler.Scheduler, poller *poller, machine *status.Machine, mb transport.Mailbox, lk *lock.Lock, b *bus.Bus, logger *zap.Logger) {
	var watcher *statusWatcher
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			_ = machine.Transition(status.Syncing)

			watcher = newStatusWatcher(machine, b)
			watcher.Start()

			if err := sched.Start(context.Background()); err != nil {
				_ = machine.Transition(status.Error)
				return err
			}
			poller.Start()

			logger.Info("daemon started",
				zap.String("addr", cfg.Addr),
				zap.Strings("folders", cfg.Sync.Folders),
				zap.Duration("poll_interval", cfg.Sync.PollInterval()))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			poller.Stop()
			sched.Stop()
			if watcher != nil {
				watcher.Stop()
			}
			if err := mb.Close(); err != nil {
				logger.Warn("error closing mailbox session", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}

// statusWatcher follows sync outcomes on the bus and mirrors them into the
// daemon state machine: any sync error degrades, any clean pass recovers.
type statusWatcher struct {
	machine *status.Machine
	bus     *bus.Bus
	unsub   func()
	quit    chan struct{}
	done    chan struct{}
}

func newStatusWatcher(m *status.Machine, b *bus.Bus) *statusWatcher {
	return &statusWatcher{
		machine: m,
		bus:     b,
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (w *statusWatcher) Start() {
	ch, unsub := w.bus.Subscribe("sync.", 64)
	w.unsub = unsub
	go func() {
		defer close(w.done)
		for {
			select {
			case <-w.quit:
				return
			case evt := <-ch:
				w.observe(evt)
			}
		}
	}()
}

func (w *statusWatcher) observe(evt bus.Event) {
	switch evt.Kind {
	case bus.KindSyncError:
		if w.machine.Current() != status.Degraded {
			_ = w.machine.Transition(status.Degraded)
		}
	case bus.KindSyncStateChanged:
		notice, ok := evt.Payload.(bus.SyncNotice)
		if ok && notice.Reason == string(imapsync.PhaseIdle) && w.machine.Current() != status.Ready {
			_ = w.machine.Transition(status.Ready)
		}
	}
}

func (w *statusWatcher) Stop() {
	if w.unsub != nil {
		w.unsub()
	}
	close(w.quit)
	<-w.done
}
