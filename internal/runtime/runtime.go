// Package runtime is the composition root: it opens the databases, builds
// every service in dependency order, wires resource signals and audit
// observers, and owns the shutdown sequence.
package runtime

import (
	"context"
	"crypto/sha256"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ciriscore/agentcore/internal/adapter"
	"github.com/ciriscore/agentcore/internal/audit"
	"github.com/ciriscore/agentcore/internal/breaker"
	"github.com/ciriscore/agentcore/internal/clock"
	"github.com/ciriscore/agentcore/internal/cloud/gcp"
	"github.com/ciriscore/agentcore/internal/config"
	"github.com/ciriscore/agentcore/internal/events"
	"github.com/ciriscore/agentcore/internal/graphmemory"
	"github.com/ciriscore/agentcore/internal/httpboundary"
	"github.com/ciriscore/agentcore/internal/identity"
	"github.com/ciriscore/agentcore/internal/processor"
	"github.com/ciriscore/agentcore/internal/registry"
	"github.com/ciriscore/agentcore/internal/resource"
	"github.com/ciriscore/agentcore/internal/secretsvc"
	"github.com/ciriscore/agentcore/internal/security"
	"github.com/ciriscore/agentcore/internal/sink"
	"github.com/ciriscore/agentcore/internal/statemachine"
	"github.com/ciriscore/agentcore/internal/storage"
	"github.com/ciriscore/agentcore/internal/task"
	"github.com/ciriscore/agentcore/internal/wiseauthority"
)

// Options carries the collaborators the config file cannot express:
// concrete adapters, an optional WiseAuthority provider, an optional
// cloud log mirror, and an optional action selector override.
type Options struct {
	Adapters      []adapter.Adapter
	WiseAuthority wiseauthority.Service
	CloudLogger   gcp.LoggerInterface
	Selector      processor.ActionSelector
	// HTTPAddr enables the HTTP boundary when non-empty (e.g. ":8080").
	HTTPAddr string
	// ExportPath enables the background audit exporter when non-empty.
	ExportPath   string
	ExportFormat audit.ExportFormat
	// RequestsPerMinute bounds the HTTP boundary rate limiter.
	RequestsPerMinute int
	// TranscriptDir enables a local JSONL transcript of outbound bus
	// traffic when non-empty.
	TranscriptDir string
}

// Runtime owns every service of the agent core.
type Runtime struct {
	cfg    *config.EssentialConfig
	opts   Options
	logger *zap.Logger
	clock  clock.Clock

	mainStore    *storage.Store
	auditStore   *storage.AuditStore
	secretsStore *storage.SecretsStore

	graph    *graphmemory.Store
	auditSvc *audit.Service
	identity *identity.Manager
	secrets  *secretsvc.Service
	tasks    *task.Store
	registry *registry.Registry
	commBus  *registry.Bus
	toolBus  *registry.Bus
	tokens   *resource.TokenWindow
	monitor  *resource.Monitor
	signals  *resource.SignalBus
	state    *statemachine.Manager
	actions  *sink.ActionSink
	defers   *sink.DeferralSink
	feedback *sink.FeedbackSink
	proc     *processor.Processor
	limiter  *security.RateLimiter
	boundary *httpboundary.Boundary

	exporter   *audit.Exporter
	transcript *events.FileSink
	httpSrv    *http.Server
}

// New builds the full runtime in dependency order. A failure anywhere is
// fatal: the process must not start with a partial core.
func New(cfg *config.EssentialConfig, logger *zap.Logger, opts Options) (*Runtime, error) {
	if err := cfg.ValidateForRun(); err != nil {
		return nil, fmt.Errorf("runtime: config: %w", err)
	}

	r := &Runtime{cfg: cfg, opts: opts, logger: logger, clock: clock.New()}

	if err := r.openStores(); err != nil {
		return nil, err
	}
	r.graph = graphmemory.NewStore(r.mainStore.DB(), r.clock)

	if err := r.buildAudit(); err != nil {
		r.closeStores()
		return nil, err
	}
	if err := r.buildIdentity(); err != nil {
		r.closeStores()
		return nil, err
	}
	if err := r.buildSecrets(); err != nil {
		r.closeStores()
		return nil, err
	}

	if opts.TranscriptDir != "" {
		var terr error
		if r.transcript, terr = events.NewFileSink(opts.TranscriptDir); terr != nil {
			r.closeStores()
			return nil, fmt.Errorf("runtime: transcript sink: %w", terr)
		}
	}

	r.tasks = task.NewStore(r.mainStore.DB(), r.clock, cfg.Security.MaxThoughtDepth)
	r.buildRegistry()
	r.buildResourceMonitor()
	r.buildStateMachine()
	r.buildPipeline()
	r.buildBoundary()

	return r, nil
}

func (r *Runtime) openStores() error {
	var err error
	if r.mainStore, err = storage.Open(r.cfg.Database.MainDB); err != nil {
		return err
	}
	if r.auditStore, err = storage.OpenAudit(r.cfg.Database.AuditDB); err != nil {
		r.closeStores()
		return err
	}
	if r.secretsStore, err = storage.OpenSecrets(r.cfg.Database.SecretsDB); err != nil {
		r.closeStores()
		return err
	}
	return nil
}

func (r *Runtime) closeStores() {
	if r.secretsStore != nil {
		_ = r.secretsStore.Close()
	}
	if r.auditStore != nil {
		_ = r.auditStore.Close()
	}
	if r.mainStore != nil {
		_ = r.mainStore.Close()
	}
}

func (r *Runtime) buildAudit() error {
	var signer *audit.SignatureManager
	if r.cfg.Security.EnableSignedAudit {
		var err error
		signer, err = audit.NewSignatureManager(r.cfg.Security.AuditKeyPath, r.auditStore.DB(), r.clock)
		if err != nil {
			return fmt.Errorf("runtime: signing key init: %w", err)
		}
	}
	chain := audit.NewChain(r.auditStore.DB(), signer)

	if r.opts.ExportPath != "" {
		format := r.opts.ExportFormat
		if format == "" {
			format = audit.FormatJSONL
		}
		r.exporter = audit.NewExporter(r.opts.ExportPath, format, r.logger, r.opts.CloudLogger)
	}

	r.auditSvc = audit.NewService(r.clock, r.logger, r.graph, chain, r.exporter)
	return nil
}

// buildIdentity loads the identity root, falling back to the configured
// template on first boot. A present-but-corrupt root refuses startup.
func (r *Runtime) buildIdentity() error {
	r.identity = identity.NewManager(r.graph, r.clock)

	if _, err := r.identity.Current(); err == nil {
		ok, verr := r.identity.VerifyIntegrity()
		if verr != nil {
			return fmt.Errorf("runtime: identity verification: %w", verr)
		}
		if !ok {
			return fmt.Errorf("runtime: identity root failed integrity verification")
		}
		return nil
	}

	root, err := identity.LoadTemplate(r.cfg.Runtime.TemplateDirectory, r.cfg.Runtime.DefaultTemplate)
	if err != nil {
		return fmt.Errorf("runtime: first boot: %w", err)
	}
	if _, err := r.identity.Bootstrap(root); err != nil {
		return fmt.Errorf("runtime: identity bootstrap: %w", err)
	}
	r.logger.Info("identity bootstrapped from template",
		zap.String("template", root.TemplateName), zap.String("name", root.Name))
	return nil
}

// gcpSecretPrefix marks a key env value that names a Secret Manager
// secret instead of carrying the key material inline.
const gcpSecretPrefix = "gcp-secret:"

func (r *Runtime) buildSecrets() error {
	keyEnv := r.cfg.Security.SecretsEncryptionKeyEnv
	material := os.Getenv(keyEnv)
	if material == "" {
		return fmt.Errorf("runtime: secrets key env %s is empty", keyEnv)
	}

	if path, ok := strings.CutPrefix(material, gcpSecretPrefix); ok {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		client, err := gcp.NewSecretManagerClient(ctx)
		if err != nil {
			return fmt.Errorf("runtime: secret manager: %w", err)
		}
		defer func() { _ = client.Close() }()
		if material, err = client.FetchSecret(ctx, path); err != nil {
			return fmt.Errorf("runtime: fetch secrets key: %w", err)
		}
	}

	// Whatever the operator provides is stretched to the cipher's key size.
	key := sha256.Sum256([]byte(material))

	var err error
	r.secrets, err = secretsvc.New(r.secretsStore.DB(), r.clock, key[:])
	if err != nil {
		return fmt.Errorf("runtime: secrets service: %w", err)
	}
	return nil
}

func (r *Runtime) buildRegistry() {
	r.registry = registry.New(r.clock, func(name string, kind registry.Kind, from, to breaker.State) {
		_, err := r.auditSvc.LogEvent(audit.EventBreakerChange, name, "registry", map[string]string{
			"kind": string(kind),
			"from": string(from),
			"to":   string(to),
		}, "ok")
		if err != nil {
			r.logger.Error("breaker transition audit failed", zap.String("provider", name), zap.Error(err))
		}
	})

	// Adapters register as communication providers; the first one is the
	// default at NORMAL priority, later ones are fallbacks.
	for i, a := range r.opts.Adapters {
		prio := registry.PriorityNormal
		if i > 0 {
			prio = registry.PriorityFallback
		}
		r.registry.Register(a.Name(), registry.KindCommunication, a, registry.RegisterOptions{
			Priority:     prio,
			Capabilities: []string{"send_message", "fetch_messages"},
		})
	}
	if r.opts.WiseAuthority != nil {
		r.registry.Register("wise_authority", registry.KindWiseAuthority, r.opts.WiseAuthority, registry.RegisterOptions{
			Priority:     registry.PriorityHigh,
			Capabilities: []string{"submit_deferral", "fetch_guidance"},
		})
	}

	corrSink := registry.NewSQLCorrelationSink(r.mainStore.DB())
	r.commBus = registry.NewBus(registry.KindCommunication, r.registry, r.clock, corrSink, 2)
	r.toolBus = registry.NewBus(registry.KindTool, r.registry, r.clock, corrSink, 2)
}

// counters adapts the token window and task store to the monitor.
type counters struct {
	tokens      *resource.TokenWindow
	tasks       *task.Store
	maxThoughts int
}

func (c counters) TokensUsedPct() float64 { return c.tokens.UsedPct() }

func (c counters) ActiveThoughtsPct() float64 {
	n, err := c.tasks.CountActiveThoughts()
	if err != nil || c.maxThoughts <= 0 {
		return 0
	}
	return float64(n) * 100 / float64(c.maxThoughts)
}

func (r *Runtime) buildResourceMonitor() {
	r.signals = resource.NewSignalBus()
	r.tokens = resource.NewTokenWindow(r.clock, 100_000, 1_000_000)
	r.monitor = resource.New(nil, r.clock, r.signals, counters{
		tokens:      r.tokens,
		tasks:       r.tasks,
		maxThoughts: r.cfg.Limits.MaxActiveThoughts,
	}, time.Second, float64(r.cfg.Limits.MemoryMB))
}

func (r *Runtime) buildStateMachine() {
	r.state = statemachine.New(statemachine.Shutdown, r.clock, r.logger)
	for _, edge := range statemachine.Edges() {
		from, to := edge[0], edge[1]
		r.state.SetHook(from, to, func(from, to statemachine.State) error {
			_, err := r.auditSvc.LogEvent(audit.EventStateTransition, "agent", "state_manager", map[string]string{
				"from": string(from),
				"to":   string(to),
			}, "ok")
			return err
		})
	}
}

func (r *Runtime) buildPipeline() {
	r.actions = sink.NewActionSink(r.cfg.Limits.MaxActiveTasks*10, r.logger, r.auditSvc, r.dispatchAction)

	r.defers = sink.NewDeferralSink(r.cfg.Limits.MaxActiveTasks*10, r.logger, r.opts.WiseAuthority, commsViaBus{r}, "deferrals")
	r.feedback = sink.NewFeedbackSink(r.cfg.Limits.MaxActiveTasks*10, r.logger, r.tasks)

	selector := r.opts.Selector
	if selector == nil {
		selector = echoSelector{}
	}

	r.proc = processor.New(processor.Config{
		MaxActiveThoughts: r.cfg.Limits.MaxActiveThoughts,
		MaxThoughtRounds:  r.cfg.Security.MaxThoughtDepth,
		RoundDelay:        r.cfg.RoundDelay(),
		MaxRounds:         r.cfg.Workflow.MaxRounds,
		EnableAutoDefer:   r.cfg.Workflow.EnableAutoDefer,
	}, r.clock, r.logger, r.state, r.tasks, selector, r.actions, r.defers, r.monitor, r.signals, r.auditSvc)
}

// dispatchAction routes one outbound action through the registry: the
// breaker is re-checked at dispatch time by the bus, failures rotate to
// the next provider.
func (r *Runtime) dispatchAction(a sink.Action) error {
	if r.transcript != nil {
		evt := events.AgentEvent{
			Timestamp: r.clock.Now(),
			Type:      events.EventMessageOut,
			ChannelID: a.ChannelID,
			Content:   a.Content,
			Summary:   "outbound " + string(a.Type),
		}
		if a.Type == sink.ActionRunTool {
			evt.Type = events.EventToolUse
			evt.ToolName = a.ToolName
		}
		if err := r.transcript.WriteOne(evt); err != nil {
			r.logger.Warn("transcript write failed", zap.Error(err))
		}
	}

	switch a.Type {
	case sink.ActionSendMessage:
		_, err := r.commBus.DispatchAction("processor", string(sink.ActionSendMessage), "channel="+a.ChannelID, []string{"send_message"}, func(instance any) (any, error) {
			comms, ok := instance.(adapter.Adapter)
			if !ok {
				return nil, fmt.Errorf("runtime: provider is not an adapter")
			}
			ok, err := comms.SendMessage(a.ChannelID, a.Content)
			if err != nil {
				return nil, registry.Transient(err)
			}
			return ok, nil
		})
		return err
	case sink.ActionRunTool:
		result, err := r.toolBus.DispatchAction("processor", string(sink.ActionRunTool), "tool="+a.ToolName, []string{"execute_tool"}, func(instance any) (any, error) {
			tool, ok := instance.(adapter.ToolService)
			if !ok {
				return nil, fmt.Errorf("runtime: provider is not a tool service")
			}
			res, err := tool.ExecuteTool(a.ToolName, a.Params)
			if err != nil {
				return nil, registry.Transient(err)
			}
			return res, nil
		})
		if err != nil {
			return err
		}
		if res, ok := result.(*adapter.ToolResult); ok && !res.Success {
			return fmt.Errorf("runtime: tool %s failed: %s", a.ToolName, res.Error)
		}
		return nil
	default:
		return fmt.Errorf("runtime: unknown action type %q", a.Type)
	}
}

// commsViaBus adapts the communication bus to the deferral sink's fallback
// path, so deferral reports reach whichever adapter is currently eligible.
type commsViaBus struct {
	r *Runtime
}

func (c commsViaBus) SendMessage(channelID, content string) (bool, error) {
	_, err := c.r.commBus.DispatchAction("deferral_sink", string(sink.ActionSendMessage), "channel="+channelID, []string{"send_message"}, func(instance any) (any, error) {
		comms, ok := instance.(adapter.Adapter)
		if !ok {
			return nil, fmt.Errorf("runtime: provider is not an adapter")
		}
		ok, err := comms.SendMessage(channelID, content)
		if err != nil {
			return nil, registry.Transient(err)
		}
		return ok, nil
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// AttachAdapter registers an adapter built after the runtime (observers
// need runtime services, adapters need observers). The first adapter
// attached becomes the default communication provider.
func (r *Runtime) AttachAdapter(a adapter.Adapter) {
	prio := registry.PriorityNormal
	if len(r.opts.Adapters) > 0 {
		prio = registry.PriorityFallback
	}
	r.opts.Adapters = append(r.opts.Adapters, a)
	r.registry.Register(a.Name(), registry.KindCommunication, a, registry.RegisterOptions{
		Priority:     prio,
		Capabilities: []string{"send_message", "fetch_messages"},
	})
}

// echoSelector is the built-in mock action-selection path: every thought
// answers back to its origin channel. Deployments replace it with the
// language-model pipeline through Options.Selector.
type echoSelector struct{}

func (echoSelector) SelectAction(_ context.Context, th *task.Thought) (processor.Decision, error) {
	channel, _ := th.ProcessingContext["channel_id"].(string)
	return processor.Decision{Action: &sink.Action{
		Type:      sink.ActionSendMessage,
		ChannelID: channel,
		Content:   "acknowledged: " + th.Content,
	}}, nil
}

func (r *Runtime) buildBoundary() {
	rpm := r.opts.RequestsPerMinute
	if rpm <= 0 {
		rpm = 60
	}
	r.limiter = security.NewRateLimiter(rpm, time.Minute)
	r.boundary = httpboundary.New(r.logger, r.limiter, r)
}

// AgentState implements httpboundary.StatusSource.
func (r *Runtime) AgentState() statemachine.State { return r.state.Current() }

// ResourceSnapshot implements httpboundary.StatusSource.
func (r *Runtime) ResourceSnapshot() resource.Snapshot { return r.monitor.Snapshot() }

// Observers need these accessors when the CLI wires adapters before New.
func (r *Runtime) Tasks() *task.Store            { return r.tasks }
func (r *Runtime) Secrets() *secretsvc.Service   { return r.secrets }
func (r *Runtime) Audit() *audit.Service         { return r.auditSvc }
func (r *Runtime) Feedback() *sink.FeedbackSink  { return r.feedback }
func (r *Runtime) Registry() *registry.Registry  { return r.registry }
func (r *Runtime) Identity() *identity.Manager   { return r.identity }
func (r *Runtime) RecordTokens(n int64)          { r.tokens.Record(n) }

// Run starts every long-lived component and blocks until ctx is cancelled
// or a component fails fatally, then performs the ordered shutdown.
func (r *Runtime) Run(ctx context.Context) error {
	defer r.shutdown()

	g, ctx := errgroup.WithContext(ctx)

	if r.exporter != nil {
		r.exporter.Start()
	}

	for _, a := range r.opts.Adapters {
		if err := a.Start(ctx); err != nil {
			return fmt.Errorf("runtime: start adapter %s: %w", a.Name(), err)
		}
	}

	g.Go(func() error { r.monitor.Run(ctx); return nil })
	g.Go(func() error { r.actions.Run(ctx); return nil })
	g.Go(func() error { r.defers.Run(ctx); return nil })
	g.Go(func() error { r.feedback.Run(ctx); return nil })
	g.Go(func() error {
		r.limiter.RunJanitor(ctx, 10*time.Minute, time.Hour)
		return nil
	})

	if r.opts.HTTPAddr != "" {
		r.httpSrv = &http.Server{Addr: r.opts.HTTPAddr, Handler: r.boundary.Router()}
		g.Go(func() error {
			err := r.httpSrv.ListenAndServe()
			if err == http.ErrServerClosed {
				return nil
			}
			return err
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return r.httpSrv.Shutdown(shutdownCtx)
		})
	}

	// Wake the agent and drive rounds.
	if !r.state.TransitionTo(statemachine.Wakeup) {
		return fmt.Errorf("runtime: initial wakeup transition refused")
	}
	g.Go(func() error { return r.proc.Run(ctx) })

	err := g.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}

// shutdown stops components in reverse dependency order: state machine to
// SHUTDOWN, sinks stopped, adapters stopped, audit flushed and closed,
// databases closed.
func (r *Runtime) shutdown() {
	r.state.TransitionTo(statemachine.Shutdown)

	r.actions.Stop()
	r.defers.Stop()
	r.feedback.Stop()

	for _, a := range r.opts.Adapters {
		if err := a.Stop(); err != nil {
			r.logger.Warn("adapter stop failed", zap.String("adapter", a.Name()), zap.Error(err))
		}
	}

	if err := r.auditSvc.Shutdown(); err != nil {
		r.logger.Error("audit shutdown failed", zap.Error(err))
	}

	if r.transcript != nil {
		if err := r.transcript.Close(); err != nil {
			r.logger.Warn("transcript close failed", zap.Error(err))
		}
	}

	r.closeStores()
	r.logger.Info("runtime stopped")
}
