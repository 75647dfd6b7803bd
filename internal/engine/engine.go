// Package engine 组装预售引擎的全部组件，并拥有所有后台轮询任务的生命周期
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"sync"
	"time"

	"presale-engine-go/internal/affiliate"
	"presale-engine-go/internal/balance"
	"presale-engine-go/internal/eligibility"
	"presale-engine-go/internal/faucet"
	"presale-engine-go/internal/ledger"
	"presale-engine-go/internal/models"
	"presale-engine-go/internal/netcheck"
	"presale-engine-go/internal/orchestrator"
	"presale-engine-go/internal/persistence"
	"presale-engine-go/internal/pricefeed"
	"presale-engine-go/internal/reporter"
	"presale-engine-go/internal/rpc"
	"presale-engine-go/internal/sale"
	"presale-engine-go/internal/statemanager"
	"presale-engine-go/internal/storage"
	"presale-engine-go/internal/wallet"

	"github.com/facebookgo/clock"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Result 是一次用户操作的结果
type Result struct {
	Status      models.OperationStatus `json:"status"`
	Message     string                 `json:"message,omitempty"`
	Transaction *models.Transaction    `json:"transaction,omitempty"`
}

// Options 配置引擎。除 Config 外均可为空，为空时按配置构造默认实现
type Options struct {
	Config *models.Config
	Clock  clock.Clock
	Rand   *rand.Rand
	Logger *zap.Logger

	Cache        persistence.Cache           // 为空时按 DBPath 选择 badger 或内存缓存
	Network      netcheck.Checker            // 为空时使用 netcheck.Monitor
	StatusSource sale.StatusSource           // 为空时按 UseRemoteStatus 选择
	Quotes       []pricefeed.QuoteSource     // 为空时使用 binance、行情流和 HTTP 兜底
	Market       pricefeed.MarketSource      // 为空且配置了 MarketSymbol 时使用 binance
	Validator    affiliate.Validator         // 为空时使用 HTTP 校验服务
	Balances     balance.Source              // 为空时生产网用 RPC，其余用模拟账本
	StatusEvery  time.Duration               // 状态日志间隔，默认一分钟
	OnView       func(*models.DashboardView) // 每次视图更新后回调
}

// Engine 是预售引擎的门面
type Engine struct {
	cfg    *models.Config
	clock  clock.Clock
	logger *zap.Logger

	cache     persistence.Cache
	ownsCache bool
	store     *storage.Store
	ledger    *ledger.MockLedger
	users     orchestrator.UserStore
	history   *orchestrator.History

	saleTracker *sale.Tracker
	prices      *pricefeed.Aggregator
	stream      *pricefeed.StreamQuoteSource
	balances    *balance.Tracker
	session     *wallet.Session
	eligibility *eligibility.Evaluator
	affiliate   *affiliate.Tracker
	faucet      *faucet.Dispenser
	netMonitor  *netcheck.Monitor
	network     netcheck.Checker
	orch        *orchestrator.Orchestrator
	state       *statemanager.StateManager

	simOpts     wallet.SimOptions
	statusEvery time.Duration

	rngMu sync.Mutex
	rng   *rand.Rand

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mutex     sync.Mutex
	isRunning bool
	stopped   bool
}

// New 按配置创建引擎。任何后台任务都要等到 Start 才会运行
func New(o Options) (*Engine, error) {
	cfg := o.Config
	if cfg == nil {
		return nil, errors.New("engine: config is required")
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Rand == nil {
		o.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if o.StatusEvery <= 0 {
		o.StatusEvery = time.Minute
	}

	e := &Engine{
		cfg:         cfg,
		clock:       o.Clock,
		logger:      o.Logger,
		statusEvery: o.StatusEvery,
		rng:         o.Rand,
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())

	// 1. 本地持久化：缓存与结算库
	e.cache = o.Cache
	if e.cache == nil {
		if cfg.DBPath != "" {
			bc, err := persistence.NewBadgerCache(cfg.DBPath)
			if err != nil {
				return nil, fmt.Errorf("打开缓存失败: %w", err)
			}
			e.cache = bc
		} else {
			e.cache = persistence.NewMemoryCache(o.Clock)
		}
		e.ownsCache = true
	}
	store, err := storage.InitDB(cfg.SQLitePath)
	if err != nil {
		e.closeCache()
		return nil, fmt.Errorf("打开结算库失败: %w", err)
	}
	e.store = store

	if cfg.IsProduction() {
		e.users = store
	} else {
		e.ledger = ledger.New(cfg.LedgerSeed, e.cache, e.logger.Named("ledger"))
		e.users = orchestrator.NewCacheUserStore(e.cache)
	}
	e.history = orchestrator.NewHistory(e.cache)

	// 2. 视图状态：从上次持久化的快照恢复
	view, err := statemanager.LoadView(e.cache)
	if err != nil {
		e.logger.Warn("恢复上次视图失败，使用空视图", zap.Error(err))
	}
	e.state = statemanager.NewStateManager(view, e.cache, o.Clock, e.logger.Named("state"))
	if o.OnView != nil {
		e.state.Subscribe(o.OnView)
	}

	client := rpc.New(rpc.Options{
		BaseURL:      cfg.RPCURL,
		Timeout:      models.Seconds(cfg.HTTPTimeoutSec),
		MaxRetries:   cfg.RetryAttempts,
		InitialDelay: models.Millis(cfg.RetryInitialDelayMs),
		Logger:       e.logger.Named("rpc"),
	})

	// 3. 预售生命周期
	source := o.StatusSource
	if source == nil {
		if cfg.UseRemoteStatus {
			source = sale.NewHTTPStatusSource(client)
		} else {
			source = &sale.StaticStatusSource{Stage: cfg.Stage, Listed: cfg.Listed, Totals: store}
		}
	}
	e.saleTracker = sale.NewTracker(sale.Options{
		Source:            source,
		Network:           cfg.Network,
		Clock:             o.Clock,
		PollInterval:      models.Seconds(cfg.SaleStatusIntervalSec),
		CountdownInterval: models.Millis(cfg.CountdownTickMs),
		Logger:            e.logger.Named("sale"),
		OnUpdate:          func(v models.SaleView) { e.state.Dispatch(statemanager.SaleUpdateEvent, v) },
	})
	if view.Sale.Loaded {
		e.saleTracker.Seed(models.SaleStatus{
			Stage:             view.Sale.Stage,
			TotalSold:         view.Sale.TotalSold,
			TotalContributors: view.Sale.TotalContributors,
			IsListed:          view.Sale.IsListed,
		})
	}

	// 4. 价格聚合
	quotes := o.Quotes
	market := o.Market
	if quotes == nil || (market == nil && cfg.MarketSymbol != "") {
		bc := pricefeed.NewBinanceClient(os.Getenv("BINANCE_API_KEY"), os.Getenv("BINANCE_SECRET_KEY"), cfg.BinanceBaseURL, models.Seconds(cfg.HTTPTimeoutSec))
		if quotes == nil {
			quotes = append(quotes, pricefeed.NewBinanceQuoteSource(bc, cfg.QuoteSymbol))
			if cfg.BinanceWSURL != "" {
				e.stream = pricefeed.NewStreamQuoteSource(
					pricefeed.AggTradeURL(cfg.BinanceWSURL, cfg.QuoteSymbol),
					models.Seconds(cfg.StreamStaleSec), o.Clock, e.logger.Named("stream"))
				quotes = append(quotes, e.stream)
			}
			if cfg.QuoteFallbackURL != "" {
				fallback := rpc.New(rpc.Options{BaseURL: cfg.QuoteFallbackURL, Timeout: models.Seconds(cfg.HTTPTimeoutSec), Logger: e.logger.Named("rpc")})
				quotes = append(quotes, pricefeed.NewHTTPQuoteSource(fallback, "", cfg.QuoteSymbol))
			}
		}
		if market == nil && cfg.MarketSymbol != "" {
			market = pricefeed.NewBinanceMarketSource(bc, cfg.MarketSymbol)
		}
	}
	e.prices = pricefeed.NewAggregator(pricefeed.Options{
		BasePrice:         cfg.PresaleBasePrice,
		DriftRate:         cfg.PriceDriftRate,
		Quotes:            quotes,
		SourceTimeout:     models.Seconds(cfg.HTTPTimeoutSec),
		Market:            market,
		Holders:           store,
		CirculatingSupply: cfg.CirculatingSupply,
		Sale:              e.saleTracker,
		Cache:             e.cache,
		CacheTTL:          models.Seconds(cfg.PriceCacheTTLSec),
		DriftInterval:     models.Millis(cfg.PresaleTickMs),
		SlowInterval:      models.Seconds(cfg.MarketTickSec),
		Clock:             o.Clock,
		Rand:              e.newRand(),
		Logger:            e.logger.Named("price"),
		OnUpdate:          func(p models.PriceSnapshot) { e.state.Dispatch(statemanager.PriceUpdateEvent, p) },
	})
	if view.Version > 0 && view.Prices.PresaleHotPrice.IsPositive() {
		e.prices.Restore(view.Prices)
	}

	// 5. 钱包、余额与资格
	e.simOpts = wallet.SimOptions{
		MinLatency:  models.Millis(cfg.SignLatencyMinMs),
		MaxLatency:  models.Millis(cfg.SignLatencyMaxMs),
		FailureRate: cfg.RejectionRate,
		Clock:       o.Clock,
	}
	e.session = wallet.NewSession(e.logger.Named("wallet"), func(v models.WalletView) {
		e.state.Dispatch(statemanager.WalletUpdateEvent, v)
	})

	balances := o.Balances
	if balances == nil {
		if cfg.IsProduction() {
			balances = balance.NewRPCSource(client, cfg.Network)
		} else {
			balances = balance.LedgerSource{Ledger: e.ledger}
		}
	}
	e.balances = balance.NewTracker(balance.Options{
		Source:   balances,
		Interval: models.Seconds(cfg.BalancePollSec),
		Clock:    o.Clock,
		Logger:   e.logger.Named("balance"),
		OnUpdate: func(b models.BalanceSnapshot, loading bool) {
			e.state.Dispatch(statemanager.BalanceUpdateEvent, statemanager.BalanceUpdateEventData{Balances: b, Loading: loading})
		},
	})

	policy, err := eligibility.NewDenylistPolicy(cfg.Denylist)
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("资格策略配置错误: %w", err)
	}
	e.eligibility = eligibility.NewEvaluator(policy, models.Millis(cfg.EligibilityDelayMs), o.Clock, e.logger.Named("eligibility"),
		func(el models.Eligibility) { e.state.Dispatch(statemanager.EligibilityUpdateEvent, el) })

	validator := o.Validator
	if validator == nil {
		validator = affiliate.NewHTTPValidator(client)
	}
	e.affiliate = affiliate.NewTracker(e.cache, validator, cfg.AffiliateBonus, e.logger.Named("affiliate"))
	e.faucet = faucet.NewDispenser(cfg, e.ledger, e.cache, o.Clock, e.logger.Named("faucet"))

	// 6. 网络探测
	e.network = o.Network
	if e.network == nil {
		e.netMonitor = netcheck.NewMonitor(cfg.CheckHost, models.Seconds(cfg.CheckIntervalSec), o.Clock, e.logger.Named("netcheck"), nil)
		e.network = e.netMonitor
	}

	// 7. 交易编排
	e.orch = orchestrator.New(orchestrator.Deps{
		Config:      cfg,
		Prices:      e.prices,
		Sale:        e.saleTracker,
		Balances:    e.balances,
		Wallet:      e.session,
		Eligibility: e.eligibility,
		Network:     e.network,
		Users:       e.users,
		Recorder:    store,
		Affiliate:   e.affiliate,
		Ledger:      e.ledger,
		History:     e.history,
		Card:        wallet.NewCardRail(models.Millis(cfg.CardDelayMs), cfg.CardFailureRate, o.Clock, e.newRand()),
		QR:          wallet.NewQRRail(models.Millis(cfg.QRDelayMs), cfg.QRFailureRate, o.Clock, e.newRand()),
		Clock:       o.Clock,
		Logger:      e.logger.Named("orchestrator"),
		OnChange:    func() { e.publishUser(e.ctx) },
	})

	return e, nil
}

// Start 启动所有后台任务。引擎停止后不能再次启动
func (e *Engine) Start() error {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	if e.isRunning {
		return fmt.Errorf("引擎已在运行")
	}
	if e.stopped {
		return fmt.Errorf("引擎已停止，不能再次启动")
	}
	e.isRunning = true

	e.state.Start()
	e.saleTracker.Start(e.ctx)
	e.prices.Start(e.ctx)
	if e.stream != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.stream.Run(e.ctx)
		}()
	}
	if e.netMonitor != nil {
		e.netMonitor.Start(e.ctx)
	}
	e.wg.Add(1)
	go e.monitorStatus()

	e.logger.Sugar().Infof("预售引擎已启动，网络: %s", e.cfg.Network)
	return nil
}

// Stop 取消所有后台任务并等待其退出
func (e *Engine) Stop() {
	e.mutex.Lock()
	if !e.isRunning {
		e.mutex.Unlock()
		return
	}
	e.isRunning = false
	e.stopped = true
	e.mutex.Unlock()

	e.cancel()
	e.saleTracker.Stop()
	e.prices.Stop()
	e.balances.Stop()
	e.eligibility.Wait()
	if e.netMonitor != nil {
		e.netMonitor.Stop()
	}
	e.wg.Wait()
	e.state.Stop()
	e.logger.Sugar().Info("预售引擎已停止。")
}

// Close 停止引擎并关闭结算库和自有缓存
func (e *Engine) Close() error {
	e.Stop()
	e.cancel()
	var errs []error
	if e.store != nil {
		errs = append(errs, e.store.Close())
	}
	errs = append(errs, e.closeCache())
	return errors.Join(errs...)
}

func (e *Engine) closeCache() error {
	if e.ownsCache && e.cache != nil {
		return e.cache.Close()
	}
	return nil
}

// View 返回当前仪表盘视图的深拷贝
func (e *Engine) View() *models.DashboardView {
	return e.state.GetStateSnapshot()
}

// Address 返回当前连接的钱包地址
func (e *Engine) Address() string {
	return e.session.Address()
}

// AwaitEligibility 等待当前地址的资格评估结束并返回结论
func (e *Engine) AwaitEligibility(ctx context.Context) (models.Eligibility, error) {
	done := make(chan struct{})
	go func() {
		e.eligibility.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return models.Eligibility{}, ctx.Err()
	case <-done:
		return e.eligibility.Get(), nil
	}
}

// newRand 为每个组件派生独立的随机源，*rand.Rand 不能跨协程共享
func (e *Engine) newRand() *rand.Rand {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return rand.New(rand.NewSource(e.rng.Int63()))
}

func (e *Engine) adapterOptions() wallet.SimOptions {
	o := e.simOpts
	o.Rand = e.newRand()
	return o
}

// Connect 通过指定钱包提供方连接
func (e *Engine) Connect(ctx context.Context, provider string) (string, error) {
	adapter, err := wallet.NewProviderAdapter(provider, e.adapterOptions())
	if err != nil {
		return "", err
	}
	return e.connect(ctx, adapter)
}

// ConnectEmail 通过邮箱派生钱包连接
func (e *Engine) ConnectEmail(ctx context.Context, email string) (string, error) {
	adapter, err := wallet.NewEmailAdapter(email, e.adapterOptions())
	if err != nil {
		return "", err
	}
	return e.connect(ctx, adapter)
}

func (e *Engine) connect(ctx context.Context, adapter wallet.Adapter) (string, error) {
	address, err := e.session.Connect(ctx, adapter)
	if errors.Is(err, wallet.ErrSuperseded) {
		// 被后续的连接或断开取代，由后者负责切换地址
		return "", err
	}
	if err != nil {
		e.onAddress(e.session.Address())
		return "", err
	}
	e.onAddress(address)
	e.logger.Sugar().Infof("钱包已连接: %s (%s)", address, adapter.Name())
	return address, nil
}

// Disconnect 断开钱包。重复调用无副作用
func (e *Engine) Disconnect(ctx context.Context) {
	e.session.Disconnect(ctx)
	e.onAddress("")
}

// onAddress 在地址变化时切换余额轮询、资格评估和用户视图
func (e *Engine) onAddress(address string) {
	e.balances.SetAddress(e.ctx, address)
	e.eligibility.SetAddress(e.ctx, address)
	e.publishUser(e.ctx)
}

// Buy 以预售价格通过钱包购买
func (e *Engine) Buy(ctx context.Context, lots decimal.Decimal, currency models.Currency) (Result, error) {
	tx, err := e.orch.Buy(ctx, lots, currency)
	return e.result(tx, err)
}

// CardPay 通过银行卡通道购买
func (e *Engine) CardPay(ctx context.Context, lots decimal.Decimal) (Result, error) {
	tx, err := e.orch.CardPay(ctx, lots)
	return e.result(tx, err)
}

// QRPay 通过扫码通道购买
func (e *Engine) QRPay(ctx context.Context, lots decimal.Decimal, currency models.Currency) (Result, error) {
	tx, err := e.orch.QRPay(ctx, lots, currency)
	return e.result(tx, err)
}

// Claim 在预售结束后领取代币
func (e *Engine) Claim(ctx context.Context) (Result, error) {
	tx, err := e.orch.Claim(ctx)
	return e.result(tx, err)
}

// MarketBuy 上市后按市场价买入
func (e *Engine) MarketBuy(ctx context.Context, lots decimal.Decimal, currency models.Currency) (Result, error) {
	tx, err := e.orch.MarketBuy(ctx, lots, currency)
	return e.result(tx, err)
}

// MarketSell 上市后按市场价卖出
func (e *Engine) MarketSell(ctx context.Context, lots decimal.Decimal, currency models.Currency) (Result, error) {
	tx, err := e.orch.MarketSell(ctx, lots, currency)
	return e.result(tx, err)
}

// RetryPending 重放离线排队的交易，返回确认的数量
func (e *Engine) RetryPending(ctx context.Context) (int, error) {
	n, err := e.orch.RetryPending(ctx)
	if n > 0 {
		e.logger.Sugar().Infof("已重放 %d 笔待处理交易", n)
	}
	return n, err
}

func (e *Engine) result(tx *models.Transaction, err error) (Result, error) {
	r := Result{Status: e.orch.Status(), Transaction: tx}
	var pe *orchestrator.PreconditionError
	switch {
	case errors.As(err, &pe) && pe.Reason == orchestrator.ReasonBusy:
		// 忙碌时状态属于正在执行的操作，不覆盖其错误信息
		r.Message = pe.Message
	case err != nil:
		r.Message = e.orch.LastError()
	case tx != nil && tx.Status == models.TxPending:
		r.Message = "离线，交易已排队等待重试"
	}
	return r, err
}

// ClaimAffiliateBonus 校验社交账号并领取一次性推荐奖励
func (e *Engine) ClaimAffiliateBonus(ctx context.Context, handle string) (models.AffiliateState, error) {
	st, err := e.affiliate.ClaimBonus(ctx, e.session.Address(), handle)
	if err != nil {
		return st, err
	}
	e.publishUser(ctx)
	return st, nil
}

// RequestFaucet 为当前地址申请测试资金
func (e *Engine) RequestFaucet(ctx context.Context) (faucet.Grant, error) {
	g, err := e.faucet.Request(e.session.Address(), e.cfg.Network)
	if err != nil {
		return g, err
	}
	if err := e.balances.Refetch(ctx); err != nil {
		e.logger.Warn("水龙头发放后刷新余额失败", zap.Error(err))
	}
	return g, nil
}

// RunAudit 对账指定地址（为空时使用当前地址），w 非空时输出表格
func (e *Engine) RunAudit(ctx context.Context, address string, w io.Writer) (*reporter.Metrics, error) {
	if address == "" {
		address = e.session.Address()
	}
	if address == "" {
		return nil, wallet.ErrNotConnected
	}
	history, err := e.history.List(address)
	if err != nil {
		return nil, err
	}
	user, err := e.users.UserRecord(ctx, address)
	if err != nil {
		return nil, err
	}
	in := reporter.AuditInput{
		Address:     address,
		Network:     e.cfg.Network,
		History:     history,
		User:        user,
		Claimable:   e.orch.Claimable(ctx, address),
		Tiers:       e.cfg.Tiers,
		Settlements: e.store,
		GeneratedAt: e.clock.Now(),
	}
	if address == e.session.Address() {
		in.Balances = e.balances.Snapshot()
	} else if e.ledger != nil {
		in.Balances = e.ledger.Snapshot()
	}
	m, err := reporter.RunAudit(ctx, in)
	if err != nil {
		return nil, err
	}
	if w != nil {
		reporter.GenerateReport(w, m)
	}
	return m, nil
}

// publishUser 将当前地址的用户记录、历史和推荐状态推送到视图
func (e *Engine) publishUser(ctx context.Context) {
	address := e.session.Address()
	user := e.orch.UserView(ctx, address)
	var tier *models.ContributionTier
	var aff models.AffiliateState
	var history []models.Transaction
	if address != "" {
		tier = sale.TierFor(e.cfg.Tiers, user.Record.CumulativeUSDContribution)
		var err error
		if history, err = e.history.List(address); err != nil {
			e.logger.Warn("读取交易历史失败", zap.Error(err))
		}
		if aff, err = e.affiliate.State(address); err != nil {
			e.logger.Warn("读取推荐状态失败", zap.Error(err))
		}
	}
	e.state.Dispatch(statemanager.UserUpdateEvent, statemanager.UserUpdateEventData{User: user, Tier: tier})
	e.state.Dispatch(statemanager.HistoryUpdateEvent, history)
	e.state.Dispatch(statemanager.AffiliateUpdateEvent, aff)
}

// monitorStatus 定期打印引擎状态
func (e *Engine) monitorStatus() {
	defer e.wg.Done()
	ticker := e.clock.Ticker(e.statusEvery)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.printStatus()
		}
	}
}

func (e *Engine) printStatus() {
	v := e.View()
	if v == nil {
		return
	}
	e.logger.Sugar().Infof("--- 预售状态 (v%d) ---", v.Version)
	e.logger.Sugar().Infof("阶段: %s, 状态: %s, 已售: %s, 参与人数: %d",
		v.Sale.Stage.Name, v.Sale.State, v.Sale.TotalSold.String(), v.Sale.TotalContributors)
	e.logger.Sugar().Infof("预售价: %s, %s 价格: %s, 市场价: %s",
		v.Prices.PresaleHotPrice.String(), models.CurrencyNative, v.Prices.QuoteAssetPrice.String(), v.Prices.MarketHotPrice.String())
	if v.Wallet.Status != models.WalletConnected {
		e.logger.Sugar().Info("钱包未连接。")
		return
	}
	e.logger.Sugar().Infof("钱包: %s, 余额: %s %s / %s %s / %s %s",
		v.Wallet.Address,
		v.Wallet.Balances.QuoteNative.String(), models.CurrencyNative,
		v.Wallet.Balances.QuoteStable.String(), models.CurrencyStable,
		v.Wallet.Balances.RewardAsset.String(), models.CurrencyReward)
	e.logger.Sugar().Infof("累计贡献: $%s, 可领取: %s, 交易数: %d, 操作状态: %s",
		v.User.Record.CumulativeUSDContribution.StringFixed(2), v.User.ClaimableAmount.String(), len(v.Transactions), v.User.Status)
}
