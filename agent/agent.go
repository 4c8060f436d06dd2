package agent

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/Theauxm/workrail/config"
	"github.com/Theauxm/workrail/dispatcher"
	"github.com/Theauxm/workrail/effect"
	"github.com/Theauxm/workrail/logger"
	"github.com/Theauxm/workrail/persistence"
	"github.com/Theauxm/workrail/persistence/inmem"
	rdstore "github.com/Theauxm/workrail/persistence/redis"
	"github.com/Theauxm/workrail/registry"
	"github.com/Theauxm/workrail/rest"
	"github.com/Theauxm/workrail/scheduler"
)

// Agent wires storage, effect providers, the scheduler, the dispatch
// pollers and the admin HTTP server into one process. Workflows are
// registered on the agent's registry before Start.
type Agent struct {
	Config       config.Config
	Workflows    *registry.Workflows
	data         persistence.DataContext
	runner       *effect.Runner
	scheduler    *scheduler.ManifestScheduler
	pool         *dispatcher.Pool
	poller       *dispatcher.ManifestPoller
	queue        *dispatcher.QueueDispatcher
	deadLetters  *dispatcher.DeadLetterService
	httpServer   *rest.Server
	executor     string
	shutdown     bool
	shutdowns    chan struct{}
	shutdownLock sync.Mutex
	wg           sync.WaitGroup
}

func New(conf config.Config, workflows *registry.Workflows) (*Agent, error) {
	a := &Agent{
		Config:    conf,
		Workflows: workflows,
		shutdowns: make(chan struct{}),
	}
	setup := []func() error{
		a.setupExecutorName,
		a.setupStorage,
		a.setupEffects,
		a.setupScheduler,
		a.setupPool,
		a.setupPollers,
		a.setupHttpServer,
	}
	for _, fn := range setup {
		if err := fn(); err != nil {
			return nil, err
		}
	}
	if err := dispatcher.RegisterViews(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Agent) Scheduler() *scheduler.ManifestScheduler {
	return a.scheduler
}

func (a *Agent) Data() persistence.DataContext {
	return a.data
}

func (a *Agent) setupExecutorName() error {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	a.executor = fmt.Sprintf("%s:%d", host, a.Config.HttpPort)
	return nil
}

func (a *Agent) setupStorage() error {
	switch a.Config.StorageType {
	case config.STORAGE_TYPE_REDIS:
		a.data = rdstore.NewStore(rdstore.Config{
			Addrs:      a.Config.RedisConfig.Addrs,
			Namespace:  a.Config.RedisConfig.Namespace,
			Partitions: a.Config.RedisConfig.Partitions,
		})
	case config.STORAGE_TYPE_INMEM:
		a.data = inmem.NewStore()
	default:
		return fmt.Errorf("unsupported storage type %s", a.Config.StorageType)
	}
	return nil
}

func (a *Agent) setupEffects() error {
	runner, err := effect.NewRunner(effect.DefaultRegistry(a.data))
	if err != nil {
		return err
	}
	a.runner = runner
	return nil
}

func (a *Agent) setupScheduler() error {
	a.scheduler = scheduler.New(a.data, a.Workflows, scheduler.NewCronParser())
	return nil
}

func (a *Agent) setupPool() error {
	a.pool = dispatcher.NewPool(a.data, a.Workflows, a.runner, a.executor, a.Config.WorkerCapacity, &a.wg)
	a.deadLetters = dispatcher.NewDeadLetterService(a.data, a.pool, a.executor)
	return nil
}

func (a *Agent) setupPollers() error {
	visibility := time.Duration(a.Config.VisibilityTimeoutSeconds) * time.Second
	a.poller = dispatcher.NewManifestPoller(a.data, a.scheduler, a.Config.PollIntervalSeconds, visibility, &a.wg)
	a.queue = dispatcher.NewQueueDispatcher(a.data, a.pool, a.executor, a.Config.PollIntervalSeconds, visibility, a.Config.DispatchBatchSize, &a.wg)
	return nil
}

func (a *Agent) setupHttpServer() error {
	var err error
	a.httpServer, err = rest.NewServer(a.Config.HttpPort, a.data, a.scheduler, a.deadLetters)
	return err
}

func (a *Agent) Start() error {
	executors := []dispatcher.Executor{a.pool, a.queue, a.poller}
	for _, e := range executors {
		if err := e.Start(); err != nil {
			return fmt.Errorf("starting %s: %w", e.Name(), err)
		}
	}
	go func() {
		if err := a.httpServer.Start(); err != nil {
			_ = a.Shutdown()
			panic(err)
		}
	}()
	return nil
}

func (a *Agent) Shutdown() error {
	logger.Info("shutting down agent")
	a.shutdownLock.Lock()
	defer a.shutdownLock.Unlock()
	if a.shutdown {
		return nil
	}
	a.shutdown = true
	close(a.shutdowns)

	// Reverse of startup order: stop feeding work before stopping workers.
	shutdown := []func() error{
		a.poller.Stop,
		a.queue.Stop,
		a.pool.Stop,
		a.httpServer.Stop,
		func() error {
			a.runner.Close()
			return nil
		},
	}
	for _, fn := range shutdown {
		if err := fn(); err != nil {
			return err
		}
	}
	logger.Info("waiting for all services to shutdown...")
	a.wg.Wait()
	return nil
}
