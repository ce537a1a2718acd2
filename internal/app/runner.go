// internal/app/runner.go
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc/ws"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rovshanmuradov/sniper-core/internal/blockchain/solbc"
	"github.com/rovshanmuradov/sniper-core/internal/config"
	"github.com/rovshanmuradov/sniper-core/internal/dex/jupiter"
	"github.com/rovshanmuradov/sniper-core/internal/discovery"
	"github.com/rovshanmuradov/sniper-core/internal/events"
	"github.com/rovshanmuradov/sniper-core/internal/executor"
	"github.com/rovshanmuradov/sniper-core/internal/license"
	"github.com/rovshanmuradov/sniper-core/internal/lifecycle"
	"github.com/rovshanmuradov/sniper-core/internal/metrics"
	"github.com/rovshanmuradov/sniper-core/internal/position"
	"github.com/rovshanmuradov/sniper-core/internal/sched"
	"github.com/rovshanmuradov/sniper-core/internal/storage"
	"github.com/rovshanmuradov/sniper-core/internal/storage/models"
	"github.com/rovshanmuradov/sniper-core/internal/storage/postgres"
	"github.com/rovshanmuradov/sniper-core/internal/tui"
	"github.com/rovshanmuradov/sniper-core/internal/vetting"
	"github.com/rovshanmuradov/sniper-core/internal/wallet"
)

const (
	busQueueSize      = 1024
	heartbeatInterval = 15 * time.Minute
	closerTimeout     = 5 * time.Second
)

// errDashboardClosed marks the operator quitting the TUI, which winds the
// whole process down like a signal would.
var errDashboardClosed = errors.New("dashboard closed")

// exitRelay forwards exit-watcher callbacks to the coordinator. The watcher
// is built before the coordinator (the coordinator tracks positions through
// it), so the observer side is bound after both exist.
type exitRelay struct {
	mu  sync.RWMutex
	obs position.ExitObserver
}

func (r *exitRelay) bind(obs position.ExitObserver) {
	r.mu.Lock()
	r.obs = obs
	r.mu.Unlock()
}

func (r *exitRelay) target() position.ExitObserver {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.obs
}

func (r *exitRelay) SellStarted(mint, reason string) {
	if obs := r.target(); obs != nil {
		obs.SellStarted(mint, reason)
	}
}

func (r *exitRelay) SellSucceeded(mint string, outcome position.ExitOutcome) {
	if obs := r.target(); obs != nil {
		obs.SellSucceeded(mint, outcome)
	}
}

func (r *exitRelay) SellFailed(mint string, err error) {
	if obs := r.target(); obs != nil {
		obs.SellFailed(mint, err)
	}
}

// Runner assembles the sniper from config and runs it until a signal or the
// dashboard says stop. Initialize builds and connects everything without
// starting any loop, so a config or connectivity problem surfaces before the
// first trade could happen.
type Runner struct {
	cfg    *config.Config
	logger *zap.Logger

	shutdown *ShutdownHandler

	license   *license.Validator
	wallet    *wallet.Wallet
	chain     *solbc.Client
	store     storage.Store
	bus       *events.Bus
	machine   *lifecycle.Machine
	router    *executor.Router
	swaps     *jupiter.Client
	watcher   *position.Watcher
	coord     *lifecycle.Coordinator
	wsClient  *ws.Client
	listener  *discovery.Listener
	collector *metrics.Collector
	dashboard *tui.Dashboard
	heartbeat *sched.Ticker

	initialized bool
}

func NewRunner(cfg *config.Config, logger *zap.Logger) *Runner {
	return &Runner{
		cfg:      cfg,
		logger:   logger.Named("app"),
		shutdown: NewShutdownHandler(logger, 30*time.Second),
	}
}

// Initialize wires every component in dependency order. Each phase registers
// its teardown with the shutdown handler, so a failure partway through still
// leaves Close with a consistent set to unwind.
func (r *Runner) Initialize(ctx context.Context) error {
	if err := r.buildSigner(); err != nil {
		return err
	}

	r.chain = solbc.NewClient(r.cfg.RPCList[0], solbc.Config{
		ConfirmTimeout: r.cfg.Execution.ConfirmTimeout,
	}, r.logger)
	r.logger.Info("🌐 RPC endpoint configured", zap.String("url", maskURL(r.cfg.RPCList[0])))

	if err := r.preflight(ctx); err != nil {
		return err
	}
	if err := r.openStore(); err != nil {
		return err
	}
	r.buildBusAndMachine()
	if err := r.buildTrading(); err != nil {
		return err
	}
	if err := r.buildPipeline(); err != nil {
		return err
	}
	if err := r.buildDiscovery(ctx); err != nil {
		return err
	}
	if err := r.buildObservers(); err != nil {
		return err
	}

	r.initialized = true
	return nil
}

func (r *Runner) buildSigner() error {
	if r.cfg.PrivateKey == "" {
		// Config validation only allows this in dry-run mode.
		r.logger.Info("🧪 No signer configured, trades will be simulated")
		return nil
	}
	w, err := wallet.New(r.cfg.PrivateKey)
	if err != nil {
		return fmt.Errorf("load wallet: %w", err)
	}
	r.wallet = w
	r.logger.Info("🔑 Wallet loaded", zap.String("address", w.String()))
	return nil
}

// preflight runs the startup checks that need the network: license
// validation, an RPC health probe, and a wallet balance read. They share an
// errgroup so a dead endpoint fails fast instead of after the slowest check.
func (r *Runner) preflight(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if r.cfg.License != "" {
		r.license = license.NewValidator(r.logger)
		g.Go(func() error {
			return r.license.Validate(gctx, r.cfg.License)
		})
	}

	g.Go(func() error {
		if _, err := r.chain.GetRecentBlockhash(gctx); err != nil {
			return fmt.Errorf("rpc health check: %w", err)
		}
		return nil
	})

	if r.wallet != nil {
		g.Go(func() error {
			lamports, err := r.chain.WalletBalance(gctx, r.wallet.PublicKey())
			if err != nil {
				// Informational probe; a miss does not block startup.
				r.logger.Warn("Could not read wallet balance", zap.Error(err))
				return nil
			}
			r.logger.Info("💰 Wallet balance",
				zap.Float64("sol", float64(lamports)/float64(solana.LAMPORTS_PER_SOL)))
			return nil
		})
	}

	return g.Wait()
}

func (r *Runner) openStore() error {
	if r.cfg.PostgresURL == "" {
		r.store = storage.NewNoop(r.logger)
	} else {
		store, err := postgres.NewStore(r.cfg.PostgresURL, r.logger)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		r.store = store
	}
	if err := r.store.RunMigrations(); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	r.shutdown.Add("storage", r.store)
	return nil
}

func (r *Runner) buildBusAndMachine() {
	r.bus = events.NewBus(r.logger, busQueueSize)
	r.shutdown.AddFunc("event_bus", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), closerTimeout)
		defer cancel()
		return r.bus.Shutdown(ctx)
	})

	m := r.cfg.Machine
	r.machine = lifecycle.NewMachine(lifecycle.MachineConfig{
		Capacity:          m.Capacity,
		MaxRetries:        m.MaxRetries,
		WarmingTimeout:    m.WarmingTimeout,
		ValidatingTimeout: m.ValidatingTimeout,
		SafetyTimeout:     m.SafetyTimeout,
		ScoringTimeout:    m.ScoringTimeout,
		ReadyTimeout:      m.ReadyTimeout,
		TradingTimeout:    m.TradingTimeout,
		SellingTimeout:    m.SellingTimeout,
		SweepInterval:     m.SweepInterval,
		StaleAge:          m.StaleAge,
		TerminalGrace:     m.TerminalGrace,
	}, r.bus, r.logger)
	r.shutdown.AddFunc("machine", func() error {
		r.machine.Stop()
		return nil
	})
}

func (r *Runner) buildTrading() error {
	payer := solana.PublicKey{}
	if r.wallet != nil {
		payer = r.wallet.PublicKey()
	}
	r.swaps = jupiter.New(jupiter.Config{}, payer, r.logger)

	strategy, err := executor.ParseStrategy(r.cfg.Execution.Strategy)
	if err != nil {
		return err
	}
	routerCfg := executor.Config{
		DefaultStrategy: strategy,
		JitoTimeout:     r.cfg.Execution.JitoTimeout,
		PublicTimeout:   r.cfg.Execution.PublicTimeout,
		FallbackDelay:   r.cfg.Execution.FallbackDelay,
		DryRun:          r.cfg.DryRun,
	}

	deps := executor.Deps{Bus: r.bus}
	if !r.cfg.DryRun {
		fees := executor.NewCongestionEstimator(r.chain, executor.FeeConfig{
			BaseTipLamports:    r.cfg.Execution.BaseTipLamports,
			TipMultiplier:      r.cfg.Execution.JitoFeeMultiplier,
			PriorityMultiplier: r.cfg.Execution.PublicFeeMultiplier,
		}, r.logger)
		deps = executor.Deps{
			Swap:    r.swaps,
			Fees:    fees,
			Signer:  r.wallet,
			Jito:    executor.NewJitoClient(r.cfg.Execution.JitoSenderURL, nil, r.logger),
			Public:  executor.NewPublicSender(r.chain, r.logger),
			Confirm: r.chain,
			Bus:     r.bus,
		}
	}

	r.router, err = executor.NewRouter(routerCfg, deps, r.logger)
	return err
}

func (r *Runner) buildPipeline() error {
	validator := vetting.NewRouteValidator(vetting.ValidatorConfig{
		ProbeAmountSOL: r.cfg.Pipeline.BuyAmountSOL,
		SlippageBP:     uint64(r.cfg.Pipeline.SlippageBP),
	}, r.swaps, r.logger)
	safety := vetting.NewReportEvaluator(vetting.SafetyConfig{}, r.logger)
	scorer, err := vetting.NewWeightedScorer(vetting.ScorerConfig{}, r.logger)
	if err != nil {
		return err
	}

	relay := &exitRelay{}
	e := r.cfg.Exit
	r.watcher, err = position.NewWatcher(position.Config{
		PollInterval:   e.PollInterval,
		MinHold:        e.MinHold,
		MaxHold:        e.MaxHold,
		TakeProfitROI:  e.TakeProfitROI,
		StopLossROI:    e.StopLossROI,
		ScaleOutTiers:  scaleOutTiers(e.ScaleOutTiers),
		TrailTiers:     trailTiers(e.TrailingTiers),
		SellCooldown:   e.SellCooldown,
		DustFraction:   e.DustFraction,
		SellSlippageBP: uint64(r.cfg.Pipeline.SlippageBP),
	}, position.Deps{
		Quotes:   r.swaps,
		Trader:   r.router,
		Observer: relay,
		Store:    r.store,
		Bus:      r.bus,
	}, r.logger)
	if err != nil {
		return err
	}
	r.shutdown.AddFunc("positions", func() error {
		r.watcher.Shutdown()
		return nil
	})

	p := r.cfg.Pipeline
	r.coord, err = lifecycle.NewCoordinator(lifecycle.CoordinatorConfig{
		WarmingInterval:    p.WarmingInterval,
		ValidatingInterval: p.ValidatingInterval,
		SafetyInterval:     p.SafetyInterval,
		ScoringInterval:    p.ScoringInterval,
		ReadyInterval:      p.ReadyInterval,
		WarmupDuration:     p.WarmupPeriod,
		MaxAttempts:        p.MaxValidationAttempts,
		ScoreThreshold:     p.ScoreThreshold,
		BuyAmountSOL:       p.BuyAmountSOL,
		BuySlippageBP:      uint64(p.SlippageBP),
	}, r.machine, lifecycle.Collaborators{
		Validator: validator,
		Safety:    safety,
		Scorer:    scorer,
		Trader:    r.router,
		Positions: r.watcher,
	}, r.logger)
	if err != nil {
		return err
	}
	relay.bind(r.coord)
	r.shutdown.AddFunc("coordinator", func() error {
		r.coord.Stop()
		return nil
	})
	return nil
}

func (r *Runner) buildDiscovery(ctx context.Context) error {
	if !r.cfg.Discovery.Enabled {
		r.logger.Info("Discovery disabled, waiting on nothing")
		return nil
	}
	filters, err := venueFilters(r.cfg.Discovery.Programs)
	if err != nil {
		return err
	}

	r.wsClient, err = ws.Connect(ctx, r.cfg.WebSocketURL)
	if err != nil {
		return fmt.Errorf("connect websocket: %w", err)
	}
	r.shutdown.AddFunc("websocket", func() error {
		r.wsClient.Close()
		return nil
	})
	r.logger.Info("🔌 WebSocket connected", zap.String("url", maskURL(r.cfg.WebSocketURL)))

	r.listener, err = discovery.NewListener(discovery.Config{
		Filters:       filters,
		RedialInitial: time.Duration(r.cfg.Discovery.RedialDelay) * time.Millisecond,
	}, discovery.NewWSSubscriber(r.wsClient), r.chain, r.coord, r.bus, r.logger)
	if err != nil {
		return err
	}
	r.shutdown.AddFunc("discovery", func() error {
		r.listener.Stop()
		return nil
	})
	return nil
}

func (r *Runner) buildObservers() error {
	r.bus.SubscribeFunc(events.TradeExecuted, r.recordTrade)

	if r.cfg.MetricsAddr != "" {
		collector, err := metrics.NewCollector(metrics.Config{Addr: r.cfg.MetricsAddr},
			metrics.Deps{Bus: r.bus, Machine: r.machine, Watcher: r.watcher}, r.logger)
		if err != nil {
			return err
		}
		r.collector = collector
		r.shutdown.AddFunc("metrics", func() error {
			ctx, cancel := context.WithTimeout(context.Background(), closerTimeout)
			defer cancel()
			r.collector.Stop(ctx)
			return nil
		})
	}

	if r.cfg.License != "" {
		r.heartbeat = sched.NewTicker("license_heartbeat", heartbeatInterval, r.logger,
			func(ctx context.Context) {
				if err := r.license.Heartbeat(ctx, r.cfg.License); err != nil {
					r.logger.Warn("License heartbeat failed", zap.Error(err))
				}
			})
		r.shutdown.AddFunc("license_heartbeat", func() error {
			r.heartbeat.Stop()
			return nil
		})
	}

	if r.cfg.Dashboard {
		label := "simulated"
		if r.wallet != nil {
			label = r.wallet.String()
		}
		r.dashboard = tui.New(tui.Config{Wallet: label}, tui.Deps{
			Bus:     r.bus,
			Machine: r.machine,
			Watcher: r.watcher,
			Router:  r.router,
		}, r.logger)
		r.shutdown.AddFunc("dashboard", func() error {
			r.dashboard.Stop()
			return nil
		})
	}
	return nil
}

// Run starts every loop and blocks until the context is canceled or the
// operator quits the dashboard, then unwinds the components LIFO.
func (r *Runner) Run(ctx context.Context) error {
	if !r.initialized {
		return errors.New("app: Run before Initialize")
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.machine.Start(runCtx)
	r.restorePositions(runCtx)
	r.coord.Start(runCtx)
	if r.listener != nil {
		r.listener.Start(runCtx)
	}
	if r.collector != nil {
		r.collector.Start(runCtx)
	}
	if r.heartbeat != nil {
		r.heartbeat.Start(runCtx)
	}
	if r.dashboard != nil {
		r.dashboard.Start(runCtx)
	}

	r.logger.Info("🚀 Sniper running",
		zap.Bool("dry_run", r.cfg.DryRun),
		zap.String("strategy", r.cfg.Execution.Strategy),
		zap.Strings("venues", r.cfg.Discovery.Programs),
		zap.Bool("discovery", r.listener != nil))

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		<-gctx.Done()
		return gctx.Err()
	})
	if r.dashboard != nil {
		g.Go(func() error {
			select {
			case <-r.dashboard.Done():
				return errDashboardClosed
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}

	err := g.Wait()
	cancel()

	shutdownErr := r.shutdown.Shutdown()
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, errDashboardClosed) {
		return err
	}
	return shutdownErr
}

// restorePositions reloads open positions from the store so a restart picks
// up watching where the last run stopped.
func (r *Runner) restorePositions(ctx context.Context) {
	positions, err := r.store.LoadOpenPositions(ctx)
	if err != nil {
		r.logger.Warn("Could not restore positions", zap.Error(err))
		return
	}
	r.watcher.Restore(positions)
}

// recordTrade persists every settled execution. Persistence failures are
// logged, never propagated: a full disk must not stop trading.
func (r *Runner) recordTrade(ctx context.Context, evt events.Event) error {
	trade, ok := evt.(events.TradeExecutedEvent)
	if !ok {
		return nil
	}
	rec := &models.Trade{
		Mint:         trade.Mint,
		Side:         trade.Side,
		Method:       trade.Method,
		Signature:    trade.Signature,
		Success:      trade.Success,
		FallbackUsed: trade.FallbackUsed,
		DurationMS:   float64(trade.Duration) / float64(time.Millisecond),
		ErrorMessage: trade.Error,
	}
	if err := r.store.SaveTrade(ctx, rec); err != nil {
		r.logger.Warn("Trade not persisted",
			zap.String("mint", trade.Mint),
			zap.Error(err))
	}
	return nil
}

func scaleOutTiers(tiers []config.TierConfig) []position.Tier {
	out := make([]position.Tier, 0, len(tiers))
	for _, t := range tiers {
		out = append(out, position.Tier{ROI: t.ROI, Fraction: t.Fraction})
	}
	return out
}

func trailTiers(tiers []config.TrailTierConfig) []position.TrailTier {
	out := make([]position.TrailTier, 0, len(tiers))
	for _, t := range tiers {
		out = append(out, position.TrailTier{ROI: t.ROI, Drop: t.Drop})
	}
	return out
}

// maskURL hides the key material most RPC providers embed in their URLs.
func maskURL(url string) string {
	if len(url) <= 20 {
		return url
	}
	return url[:10] + "***" + url[len(url)-7:]
}
