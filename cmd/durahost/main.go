// durahost is the reference composition root: it wires a store, the work
// unit registry, the notification dispatcher and the reconciler into a
// long-running host process. Work units register themselves against the
// default registry before Run is called.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/goliatone/go-logger/glog"

	durable "github.com/goliatone/go-durable"
	"github.com/goliatone/go-durable/dispatcher"
	"github.com/goliatone/go-durable/host"
	"github.com/goliatone/go-durable/reconcile"
	"github.com/goliatone/go-durable/registry"
	"github.com/goliatone/go-durable/store"
)

type CLI struct {
	Store         string `help:"Instance store backend." enum:"memory,sqlite" default:"memory"`
	DB            string `help:"SQLite database path." default:"durable.db"`
	Subscribers   string `help:"YAML subscriber registry file." type:"path"`
	ReconcileCron string `name:"reconcile-cron" help:"Cron expression for periodic reconciliation."`
	MaxParallel   int    `name:"max-parallel" help:"Parallel instance reloads during reconciliation." default:"4"`
	QueueSize     int    `name:"queue-size" help:"Notification queue capacity." default:"128"`
	UnloadOnIdle  bool   `name:"unload-on-idle" help:"Unload instances after every persisted idle point."`
	LogLevel      string `name:"log-level" help:"Log level." enum:"trace,debug,info,warn,error" default:"info"`
}

// glogAdapter backs the module's Logger contract with go-logger.
type glogAdapter struct {
	logger glog.Logger
}

func (l glogAdapter) Trace(msg string, args ...any) { l.logger.Trace(msg, args...) }
func (l glogAdapter) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }
func (l glogAdapter) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l glogAdapter) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l glogAdapter) Error(msg string, args ...any) { l.logger.Error(msg, args...) }
func (l glogAdapter) Fatal(msg string, args ...any) { l.logger.Fatal(msg, args...) }

func (l glogAdapter) WithContext(ctx context.Context) durable.Logger {
	return glogAdapter{logger: l.logger.WithContext(ctx)}
}

func (l glogAdapter) WithFields(fields map[string]any) durable.Logger {
	if fl, ok := l.logger.(glog.FieldsLogger); ok {
		return glogAdapter{logger: fl.WithFields(fields)}
	}
	return l
}

func main() {
	cli := CLI{}
	kctx := kong.Parse(&cli,
		kong.Name("durahost"),
		kong.Description("Durable work unit host."),
	)
	kctx.FatalIfErrorf(run(cli))
}

func run(cli CLI) error {
	logger := glogAdapter{logger: glog.NewLogger(
		glog.WithLevel(cli.LogLevel),
	)}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, cleanup, err := buildStore(cli)
	if err != nil {
		return err
	}
	defer cleanup()

	owner, err := st.CreateOwner(ctx)
	if err != nil {
		return fmt.Errorf("cannot register lock owner: %w", err)
	}
	logger.Info("lock owner %s registered on %s", owner.ID, owner.MachineName)

	hostOpts := []host.Option{
		host.WithLogger(logger),
		host.WithUnloadOnIdle(cli.UnloadOnIdle),
	}
	resolver := registry.Default().Resolver()

	subs, err := buildSubscribers(cli)
	if err != nil {
		return err
	}

	queue := dispatcher.NewMemoryQueue(cli.QueueSize)
	defer queue.Close()

	starter, err := dispatcher.NewControllerStarter(st, resolver,
		append([]host.Option{host.WithOwner(owner)}, hostOpts...)...)
	if err != nil {
		return err
	}
	disp, err := dispatcher.New(queue, subs, starter,
		dispatcher.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	consumer, err := dispatcher.NewConsumer(queue, disp.Handler(), logger)
	if err != nil {
		return err
	}
	consumer.Start(ctx)

	reconciler, err := reconcile.New(st, resolver,
		reconcile.WithLogger(logger),
		reconcile.WithMaxParallel(cli.MaxParallel),
		reconcile.WithOwner(owner),
		reconcile.WithHostOptions(hostOpts...),
	)
	if err != nil {
		return err
	}

	// pick up whatever the previous process left behind
	if err := reconciler.Run(ctx); err != nil {
		logger.Warn("startup reconciliation finished with errors: %v", err)
	}

	if cli.ReconcileCron != "" {
		scheduler, err := reconcile.NewScheduler(reconciler,
			reconcile.WithSchedulerLogger(logger),
		)
		if err != nil {
			return err
		}
		if _, err := scheduler.Schedule(cli.ReconcileCron); err != nil {
			return err
		}
		scheduler.Start()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := scheduler.Stop(stopCtx); err != nil {
				logger.Warn("scheduler stop: %v", err)
			}
		}()
		logger.Info("periodic reconciliation scheduled: %s", cli.ReconcileCron)
	}

	logger.Info("durahost running, store=%s", cli.Store)
	<-ctx.Done()
	logger.Info("shutting down")
	queue.Close()
	consumer.Wait()
	return nil
}

func buildStore(cli CLI) (store.Store, func(), error) {
	switch cli.Store {
	case "sqlite":
		db, err := sql.Open("sqlite3", cli.DB)
		if err != nil {
			return nil, nil, fmt.Errorf("cannot open %s: %w", cli.DB, err)
		}
		return store.NewSQLiteStore(db), func() { _ = db.Close() }, nil
	default:
		return store.NewMemoryStore(), func() {}, nil
	}
}

func buildSubscribers(cli CLI) (dispatcher.Subscribers, error) {
	if cli.Subscribers == "" {
		fmt.Fprintln(os.Stderr, "no subscribers file given, starting with an empty registry")
		return dispatcher.StaticSubscribers(nil), nil
	}
	return dispatcher.LoadSubscribersFile(cli.Subscribers)
}
