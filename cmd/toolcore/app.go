package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	natsgo "github.com/nats-io/nats.go"
	goredis "github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"goa.design/toolcore/features/mcp/bridge"
	"goa.design/toolcore/features/model"
	"goa.design/toolcore/features/model/anthropic"
	"goa.design/toolcore/features/model/middleware"
	"goa.design/toolcore/features/model/openai"
	"goa.design/toolcore/features/policy/basic"
	runlogmongo "goa.design/toolcore/features/runlog/mongo"
	clientsmongo "goa.design/toolcore/features/runlog/mongo/clients/mongo"
	streamnats "goa.design/toolcore/features/stream/nats"
	streamredis "goa.design/toolcore/features/stream/redis"
	"goa.design/toolcore/features/workspace"
	"goa.design/toolcore/runtime/agent/audit"
	"goa.design/toolcore/runtime/agent/executor"
	"goa.design/toolcore/runtime/agent/hooks"
	"goa.design/toolcore/runtime/agent/runlog"
	"goa.design/toolcore/runtime/agent/runlog/inmem"
	"goa.design/toolcore/runtime/agent/stream"
	"goa.design/toolcore/runtime/agent/telemetry"
	"goa.design/toolcore/runtime/agent/tools"
	"goa.design/toolcore/runtime/broker"
	"goa.design/toolcore/runtime/mcp"
	"goa.design/toolcore/runtime/workflow"
)

// budgetKeyPrefix prefixes the shared tokens-per-minute budget of each model
// connection.
const budgetKeyPrefix = "toolcore:tpm:"

type (
	// app holds the components shared by the commands. Closers run in
	// reverse order on close.
	app struct {
		cfg     *Config
		logger  telemetry.Logger
		metrics telemetry.Metrics
		tracer  telemetry.Tracer

		broker    *broker.Broker
		exec      executor.Executor
		workspace *workspace.Reader
		procs     *mcp.ProcessManager
		bridge    *bridge.Bridge
		emitter   *hooks.Emitter
		runlog    runlog.Store

		closeOnce sync.Once
		closers   []func(context.Context) error
	}
)

// newApp builds the broker and its handlers. The event sinks are only set
// up by withEvents since serve-executor does not emit events.
func newApp(ctx context.Context, cfg *Config) (*app, error) {
	a := &app{
		cfg:     cfg,
		logger:  telemetry.NewClueLogger(),
		metrics: telemetry.NewOTelMetrics(),
		tracer:  telemetry.NewOTelTracer(),
	}
	if err := a.init(ctx); err != nil {
		_ = a.close(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *app) init(ctx context.Context) error {
	pol, err := basic.New(basic.Options{AllowTools: a.cfg.Policy.Allow, BlockTools: a.cfg.Policy.Block})
	if err != nil {
		return err
	}
	if a.cfg.Policy.File != "" {
		if err := pol.Watch(ctx, a.cfg.Policy.File, a.logger); err != nil {
			return err
		}
	}

	a.broker = broker.New(
		broker.WithPolicy(pol),
		broker.WithAudit(audit.NewLoggerSink(a.logger)),
		broker.WithLogger(a.logger),
		broker.WithMetrics(a.metrics),
		broker.WithTracer(a.tracer),
	)

	ws, err := workspace.Open(a.cfg.Workspace.Root,
		workspace.WithMaxFileBytes(a.cfg.Workspace.MaxFileBytes),
		workspace.WithLogger(a.logger))
	if err != nil {
		return err
	}
	a.onClose(func(context.Context) error { return ws.Close() })
	a.workspace = ws
	a.broker.RegisterTool(tools.WorkspaceRead, ws.Handler())

	gen, err := a.modelGenerator(ctx)
	if err != nil {
		return err
	}
	a.broker.RegisterTool(tools.ModelGenerate, model.Handler(gen))

	a.procs = mcp.NewProcessManager(mcp.WithProcessLogger(a.logger))
	a.bridge = bridge.New(a.broker, bridge.ProcessLauncher(a.procs), bridge.WithLogger(a.logger))
	for _, def := range a.cfg.Servers {
		a.bridge.AddServer(def)
	}
	a.onClose(func(context.Context) error {
		err := a.bridge.Close()
		a.procs.StopAll()
		return err
	})
	a.exec = a.localExecutor()
	return nil
}

// modelGenerator builds one generator per configured provider key, each
// paced by an adaptive limiter, and routes on connectionId. The limiters
// share their budget through Redis when a Redis URL is configured.
func (a *app) modelGenerator(ctx context.Context) (model.Generator, error) {
	var budget middleware.SharedBudget
	if a.cfg.Sinks.RedisURL != "" {
		client, err := newRedisClient(a.cfg.Sinks.RedisURL)
		if err != nil {
			return nil, err
		}
		a.onClose(func(context.Context) error { return client.Close() })
		budget = middleware.NewRedisBudget(client)
	}

	conns := make(map[string]model.Generator)
	if key := a.cfg.Model.AnthropicKey; key != "" {
		c, err := anthropic.NewFromAPIKey(key, a.modelFor(providerAnthropic))
		if err != nil {
			return nil, fmt.Errorf("anthropic: %w", err)
		}
		conns[providerAnthropic] = c
	}
	if key := a.cfg.Model.OpenAIKey; key != "" {
		c, err := openai.NewFromAPIKey(key, a.modelFor(providerOpenAI))
		if err != nil {
			return nil, fmt.Errorf("openai: %w", err)
		}
		conns[providerOpenAI] = c
	}
	for name, g := range conns {
		lim := middleware.NewAdaptiveRateLimiter(ctx, budget, budgetKeyPrefix+name, a.cfg.Model.InitialTPM, a.cfg.Model.MaxTPM)
		conns[name] = lim.Middleware()(g)
	}
	if _, ok := conns[a.cfg.Model.Provider]; !ok {
		a.logger.Warn(ctx, "no api key for default model provider", "provider", a.cfg.Model.Provider)
	}
	return middleware.Route(conns[a.cfg.Model.Provider], conns), nil
}

// modelFor returns the configured model when it belongs to the default
// provider, leaving the provider default otherwise.
func (a *app) modelFor(provider string) string {
	if provider == a.cfg.Model.Provider && a.cfg.Model.Model != "" {
		return a.cfg.Model.Model
	}
	switch provider {
	case providerOpenAI:
		return "gpt-4o"
	default:
		return "claude-sonnet-4-5"
	}
}

// withEvents wires the emitter, the run log and the configured stream
// publishers. Every event is also written to out as a JSON line.
func (a *app) withEvents(ctx context.Context, out io.Writer) error {
	bus := hooks.NewBus()

	store, err := a.runlogStore(ctx)
	if err != nil {
		return err
	}
	a.runlog = store
	logSub, err := runlog.NewSubscriber(store)
	if err != nil {
		return err
	}
	if _, err := bus.Register(logSub); err != nil {
		return err
	}

	sinks, err := a.streamSinks()
	if err != nil {
		return err
	}
	for _, sink := range sinks {
		sub, err := stream.NewSubscriber(sink, stream.WithBestEffort(a.logger))
		if err != nil {
			return err
		}
		if _, err := bus.Register(sub); err != nil {
			return err
		}
		a.onClose(sink.Close)
	}

	if _, err := bus.Register(printer(out)); err != nil {
		return err
	}
	a.emitter = hooks.NewEmitter(bus, hooks.WithLogger(a.logger))
	return nil
}

func (a *app) runlogStore(ctx context.Context) (runlog.Store, error) {
	if a.cfg.Sinks.MongoURI == "" {
		return inmem.New(), nil
	}
	mc, err := mongodriver.Connect(ctx, options.Client().ApplyURI(a.cfg.Sinks.MongoURI))
	if err != nil {
		return nil, fmt.Errorf("connect to mongo: %w", err)
	}
	a.onClose(mc.Disconnect)
	client, err := clientsmongo.New(clientsmongo.Options{
		Client:    mc,
		Database:  a.cfg.Sinks.MongoDatabase,
		Retention: a.cfg.Sinks.MongoRetention,
	})
	if err != nil {
		return nil, err
	}
	store, err := runlogmongo.NewStore(client)
	if err != nil {
		return nil, err
	}
	if err := store.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return store, nil
}

// streamSinks returns the publishers configured for live streaming. Each
// publisher owns its connection.
func (a *app) streamSinks() ([]stream.Sink, error) {
	var sinks []stream.Sink
	if a.cfg.Sinks.RedisURL != "" {
		client, err := newRedisClient(a.cfg.Sinks.RedisURL)
		if err != nil {
			return nil, err
		}
		var opts []streamredis.Option
		if a.cfg.Sinks.RedisTTL > 0 {
			opts = append(opts, streamredis.WithTTL(a.cfg.Sinks.RedisTTL))
		}
		pub, err := streamredis.New(client, opts...)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		sinks = append(sinks, pub)
	}
	if a.cfg.Sinks.NATSURL != "" {
		conn, err := natsgo.Connect(a.cfg.Sinks.NATSURL, natsgo.Name("toolcore"))
		if err != nil {
			return nil, fmt.Errorf("connect to nats: %w", err)
		}
		pub, err := streamnats.New(conn)
		if err != nil {
			conn.Close()
			return nil, err
		}
		sinks = append(sinks, pub)
	}
	return sinks, nil
}

// localExecutor returns the broker behind a step that refreshes the owning
// MCP server of tool ids that are not registered yet.
func (a *app) localExecutor() executor.Executor {
	return executor.Func(func(ctx context.Context, env tools.CallEnvelope) (tools.CallResult, error) {
		if !a.broker.HasTool(env.ToolID) && strings.HasPrefix(string(env.ToolID), bridge.ToolIDPrefix+":") {
			if _, err := a.bridge.EnsureToolRegistered(ctx, env.ToolID); err != nil {
				a.logger.Warn(ctx, "mcp tool refresh failed", "tool_id", env.ToolID, "err", err)
			}
		}
		return a.broker.ExecuteToolCall(ctx, env)
	})
}

// workflowOptions returns the options shared by the runners.
func (a *app) workflowOptions() []workflow.Option {
	return []workflow.Option{workflow.WithLogger(a.logger), workflow.WithTracer(a.tracer)}
}

func (a *app) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// close releases every resource. Close is idempotent.
func (a *app) close(ctx context.Context) error {
	var errs []error
	a.closeOnce.Do(func() {
		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := a.closers[i](ctx); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

// printer writes each event envelope to w as one JSON line.
func printer(w io.Writer) hooks.Subscriber {
	var mu sync.Mutex
	enc := json.NewEncoder(w)
	return hooks.SubscriberFunc(func(_ context.Context, evt hooks.Event) error {
		env, err := hooks.Encode(evt)
		if err != nil {
			return err
		}
		mu.Lock()
		defer mu.Unlock()
		return enc.Encode(env)
	})
}

func newRedisClient(url string) (*goredis.Client, error) {
	if !strings.Contains(url, "://") {
		return goredis.NewClient(&goredis.Options{Addr: url}), nil
	}
	opt, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return goredis.NewClient(opt), nil
}
