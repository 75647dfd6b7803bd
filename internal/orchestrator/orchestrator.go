// Package orchestrator runs the buy, claim and market operations: it checks
// preconditions, prices the request, drives a signer and records the
// outcome in history, the user record, the settlement store and the ledger.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"presale-engine-go/internal/ledger"
	"presale-engine-go/internal/models"
	"presale-engine-go/internal/netcheck"
	"presale-engine-go/internal/sale"
	"presale-engine-go/internal/storage"
	"presale-engine-go/internal/wallet"

	"github.com/facebookgo/clock"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PriceSource supplies the current price snapshot.
type PriceSource interface {
	Snapshot() models.PriceSnapshot
}

// SaleSource supplies the current sale view.
type SaleSource interface {
	View() models.SaleView
}

// BalanceSource supplies the wallet balances and refetches them on demand.
type BalanceSource interface {
	Snapshot() models.BalanceSnapshot
	Refetch(ctx context.Context) error
}

// WalletSource is the connected wallet session.
type WalletSource interface {
	Address() string
	Signer() (wallet.Signer, error)
}

// EligibilitySource supplies the eligibility verdict of the connected address.
type EligibilitySource interface {
	Get() models.Eligibility
}

// AffiliateSource supplies accrued affiliate rewards.
type AffiliateSource interface {
	Reward(address string) decimal.Decimal
}

// Recorder persists settlements idempotently by reference.
type Recorder interface {
	RecordSettlement(ctx context.Context, st storage.Settlement) error
}

// Deps wires an Orchestrator. Ledger is nil on the production network.
type Deps struct {
	Config      *models.Config
	Prices      PriceSource
	Sale        SaleSource
	Balances    BalanceSource
	Wallet      WalletSource
	Eligibility EligibilitySource
	Network     netcheck.Checker
	Users       UserStore
	Recorder    Recorder
	Affiliate   AffiliateSource
	Ledger      *ledger.MockLedger
	History     *History
	Card        wallet.Signer
	QR          wallet.Signer
	Clock       clock.Clock
	Logger      *zap.Logger
	OnChange    func()
}

// Orchestrator is the transaction state machine. One operation runs at a
// time; a call made while another is in flight fails with ReasonBusy.
type Orchestrator struct {
	d      Deps
	logger *zap.Logger

	mu        sync.Mutex
	inFlight  bool
	status    models.OperationStatus
	lastError string
}

// New creates an idle Orchestrator.
func New(d Deps) *Orchestrator {
	if d.Clock == nil {
		d.Clock = clock.New()
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Network == nil {
		d.Network = netcheck.NewStatic(true)
	}
	return &Orchestrator{d: d, logger: d.Logger, status: models.StatusIdle}
}

type request struct {
	kind     models.TxKind
	rail     models.Rail
	lots     decimal.Decimal
	currency models.Currency
	replace  string // id of the pending entry being replayed
}

type terms struct {
	reward     decimal.Decimal
	paid       decimal.Decimal
	usd        decimal.Decimal
	currency   models.Currency
	delta      ledger.Delta
	needNative decimal.Decimal
	needStable decimal.Decimal
}

// Buy purchases lots of the reward asset at the presale price through the
// connected wallet, paying in the native or stable quote asset.
func (o *Orchestrator) Buy(ctx context.Context, lots decimal.Decimal, currency models.Currency) (*models.Transaction, error) {
	return o.execute(ctx, request{kind: models.KindPresaleBuy, rail: models.RailWallet, lots: lots, currency: currency})
}

// CardPay is a presale buy settled through the card rail, priced in USD.
func (o *Orchestrator) CardPay(ctx context.Context, lots decimal.Decimal) (*models.Transaction, error) {
	return o.execute(ctx, request{kind: models.KindPresaleBuy, rail: models.RailCard, lots: lots, currency: models.CurrencyUSD})
}

// QRPay is a presale buy settled through the QR rail from an external wallet.
func (o *Orchestrator) QRPay(ctx context.Context, lots decimal.Decimal, currency models.Currency) (*models.Transaction, error) {
	return o.execute(ctx, request{kind: models.KindPresaleBuy, rail: models.RailQR, lots: lots, currency: currency})
}

// Claim transfers the whole claimable balance once the sale has ended.
func (o *Orchestrator) Claim(ctx context.Context) (*models.Transaction, error) {
	return o.execute(ctx, request{kind: models.KindClaim, rail: models.RailWallet, currency: models.CurrencyReward})
}

// MarketBuy buys lots on the open market once listed.
func (o *Orchestrator) MarketBuy(ctx context.Context, lots decimal.Decimal, currency models.Currency) (*models.Transaction, error) {
	return o.execute(ctx, request{kind: models.KindMarketBuy, rail: models.RailWallet, lots: lots, currency: currency})
}

// MarketSell sells lots on the open market, receiving currency.
func (o *Orchestrator) MarketSell(ctx context.Context, lots decimal.Decimal, currency models.Currency) (*models.Transaction, error) {
	return o.execute(ctx, request{kind: models.KindMarketSell, rail: models.RailWallet, lots: lots, currency: currency})
}

// RetryPending replays the pending entries of the connected address, oldest
// first, and upgrades each one in place on success. An entry whose
// precondition can never hold again (the claim already happened, the sale
// is over) is marked failed and the run moves on; one that may still settle
// later stays pending. Losing the network or the wallet stops the run. It
// returns how many entries were confirmed.
func (o *Orchestrator) RetryPending(ctx context.Context) (int, error) {
	address := o.d.Wallet.Address()
	if address == "" {
		return 0, precondition(ReasonNotConnected, "connect a wallet first")
	}
	pending, err := o.d.History.Pending(address)
	if err != nil {
		return 0, err
	}
	confirmed := 0
	var skipped []error
	for _, tx := range pending {
		req := request{
			kind:     tx.Kind,
			rail:     tx.Rail,
			lots:     tx.RewardAmount.Div(decimal.NewFromInt(o.d.Config.AmountScale)),
			currency: tx.Currency,
			replace:  tx.ID,
		}
		if req.rail == "" {
			req.rail = models.RailWallet
		}
		_, err := o.execute(ctx, req)
		switch {
		case err == nil:
			confirmed++
		case stopsReplay(err):
			return confirmed, fmt.Errorf("replay %s: %w", tx.ID, err)
		case isTerminal(err):
			o.logger.Warn("pending entry can no longer settle, marking failed",
				zap.String("id", tx.ID), zap.String("kind", string(tx.Kind)), zap.Error(err))
			tx.Status = models.TxFailed
			if err := o.d.History.Replace(address, tx.ID, tx); err != nil {
				return confirmed, err
			}
		default:
			skipped = append(skipped, fmt.Errorf("replay %s: %w", tx.ID, err))
		}
	}
	return confirmed, errors.Join(skipped...)
}

// stopsReplay reports whether err fails every remaining replay as well.
func stopsReplay(err error) bool {
	return IsReason(err, ReasonOffline) || IsReason(err, ReasonBusy) || IsReason(err, ReasonNotConnected)
}

// isTerminal reports whether err is a precondition a later replay cannot
// satisfy.
func isTerminal(err error) bool {
	var pe *PreconditionError
	if !errors.As(err, &pe) {
		return false
	}
	switch pe.Reason {
	case ReasonAlreadyClaimed, ReasonNothingToClaim, ReasonSaleNotActive, ReasonOutOfBounds, ReasonInvalidAmount:
		return true
	}
	return false
}

// Status returns the global operation status.
func (o *Orchestrator) Status() models.OperationStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// LastError returns the message of the last failed operation, or "".
func (o *Orchestrator) LastError() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastError
}

// Claimable is the purchased reward units with the contribution tier bonus
// applied, floored to whole units, plus accrued affiliate reward. It is zero
// once claimed.
func (o *Orchestrator) Claimable(ctx context.Context, address string) decimal.Decimal {
	if address == "" {
		return decimal.Zero
	}
	rec, err := o.d.Users.UserRecord(ctx, address)
	if err != nil {
		o.logger.Warn("user record unavailable", zap.String("address", address), zap.Error(err))
		return decimal.Zero
	}
	return o.claimable(rec, address)
}

func (o *Orchestrator) claimable(rec models.UserSaleRecord, address string) decimal.Decimal {
	if rec.HasClaimed {
		return decimal.Zero
	}
	tier := sale.TierFor(o.d.Config.Tiers, rec.CumulativeUSDContribution)
	amount := sale.ApplyBonus(tier, rec.PurchasedUnits).Floor()
	if o.d.Affiliate != nil {
		amount = amount.Add(o.d.Affiliate.Reward(address))
	}
	return amount
}

// UserView returns the user record with derived amounts. A failing user
// store degrades to a zero record.
func (o *Orchestrator) UserView(ctx context.Context, address string) models.UserView {
	v := models.UserView{ClaimableAmount: decimal.Zero}
	if address != "" {
		rec, err := o.d.Users.UserRecord(ctx, address)
		if err != nil {
			o.logger.Warn("user record unavailable", zap.String("address", address), zap.Error(err))
			rec = models.UserSaleRecord{Address: address, CumulativeUSDContribution: decimal.Zero}
		}
		v.Record = rec
		v.ClaimableAmount = o.claimable(rec, address)
	}
	o.mu.Lock()
	v.Status, v.LastError = o.status, o.lastError
	o.mu.Unlock()
	return v
}

func (o *Orchestrator) execute(ctx context.Context, req request) (*models.Transaction, error) {
	if !o.acquire() {
		return nil, precondition(ReasonBusy, "another operation is in progress")
	}
	defer o.release()

	// Preconditions and pricing; nothing here touches a signer.
	address := o.d.Wallet.Address()
	if address == "" {
		return nil, o.fail(precondition(ReasonNotConnected, "connect a wallet first"), "")
	}
	t, err := o.prepare(ctx, address, req)
	if err != nil {
		return nil, o.fail(err, "")
	}

	// Offline: queue a pending entry and return.
	if !o.d.Network.Online() {
		if req.replace != "" {
			return nil, o.fail(precondition(ReasonOffline, "still offline"), "")
		}
		return o.queue(address, req, t)
	}

	o.setStatus(models.StatusProcessing, "")

	// Funds, including the native fee reserve, are checked before signing.
	if err := o.checkFunds(t); err != nil {
		return nil, o.fail(err, "")
	}

	signer, err := o.signerFor(req.rail)
	if err != nil {
		return nil, o.fail(err, "")
	}
	ref, err := signer.SignAndSend(ctx, wallet.TransferRequest{
		Kind:         req.kind,
		From:         address,
		RewardAmount: t.reward,
		PaidAmount:   t.paid,
		Currency:     t.currency,
		USDValue:     t.usd,
	})
	if err != nil {
		msg := fmt.Sprintf(msgFailed, err)
		if errors.Is(err, wallet.ErrUserRejected) {
			msg = msgRejected
		}
		o.logger.Info("operation failed at signer",
			zap.String("kind", string(req.kind)), zap.String("rail", string(req.rail)), zap.Error(err))
		return nil, o.fail(fmt.Errorf("sign %s: %w", req.kind, err), msg)
	}

	tx := o.settle(ctx, address, req, t, ref)
	return &tx, nil
}

func (o *Orchestrator) prepare(ctx context.Context, address string, req request) (terms, error) {
	elig := o.d.Eligibility.Get()
	if elig.IsLoading {
		return terms{}, precondition(ReasonIneligible, "eligibility check in progress")
	}
	if !elig.IsEligible {
		reason := elig.Reason
		if reason == "" {
			reason = "address is not eligible"
		}
		return terms{}, precondition(ReasonIneligible, "%s", reason)
	}

	sale := o.d.Sale.View()
	prices := o.d.Prices.Snapshot()
	scale := decimal.NewFromInt(o.d.Config.AmountScale)

	if req.kind != models.KindClaim && !req.lots.IsPositive() {
		return terms{}, precondition(ReasonInvalidAmount, "amount must be positive")
	}

	var t terms
	switch req.kind {
	case models.KindPresaleBuy:
		if sale.State != models.SaleActive {
			return terms{}, precondition(ReasonSaleNotActive, "the presale is %s", stateLabel(sale))
		}
		t.reward = req.lots.Mul(scale)
		t.usd = t.reward.Mul(prices.PresaleHotPrice)
		stage := sale.Stage
		if t.usd.LessThan(stage.MinUSD) {
			return terms{}, precondition(ReasonOutOfBounds, "minimum contribution is $%s", stage.MinUSD.StringFixed(2))
		}
		if stage.MaxUSD.IsPositive() && t.usd.GreaterThan(stage.MaxUSD) {
			return terms{}, precondition(ReasonOutOfBounds, "maximum contribution is $%s", stage.MaxUSD.StringFixed(2))
		}
		if stage.HardCap.IsPositive() && sale.TotalSold.Add(t.reward).GreaterThan(stage.HardCap) {
			return terms{}, precondition(ReasonOutOfBounds, "purchase exceeds the stage hard cap")
		}

	case models.KindClaim:
		if sale.State != models.SaleEnded {
			return terms{}, precondition(ReasonSaleNotEnded, "claiming opens when the sale ends")
		}
		rec, err := o.d.Users.UserRecord(ctx, address)
		if err != nil {
			return terms{}, fmt.Errorf("load user record: %w", err)
		}
		if rec.HasClaimed {
			return terms{}, precondition(ReasonAlreadyClaimed, "tokens already claimed")
		}
		queued, err := o.claimQueued(address, req.replace)
		if err != nil {
			return terms{}, err
		}
		if queued {
			return terms{}, precondition(ReasonAlreadyClaimed, "a claim is already queued")
		}
		t.reward = o.claimable(rec, address)
		if !t.reward.IsPositive() {
			return terms{}, precondition(ReasonNothingToClaim, "nothing to claim")
		}
		t.usd = rec.CumulativeUSDContribution
		t.paid = decimal.Zero
		t.currency = models.CurrencyReward
		t.delta.Reward = t.reward
		t.needNative = o.d.Config.FeeReserve
		t.delta.Native = o.d.Config.NetworkFee.Neg()
		return t, nil

	case models.KindMarketBuy, models.KindMarketSell:
		if !sale.IsListed {
			return terms{}, precondition(ReasonNotListed, "the token is not listed yet")
		}
		if !prices.MarketHotPrice.IsPositive() {
			return terms{}, precondition(ReasonPriceUnavailable, "market price unavailable")
		}
		t.reward = req.lots.Mul(scale)
		t.usd = t.reward.Mul(prices.MarketHotPrice)
		if req.kind == models.KindMarketSell {
			if have := o.d.Balances.Snapshot().RewardAsset; t.reward.GreaterThan(have) {
				return terms{}, precondition(ReasonInsufficientBalance, "selling %s %s but balance is %s", t.reward, models.CurrencyReward, have)
			}
		}

	default:
		return terms{}, fmt.Errorf("unknown operation %q", req.kind)
	}

	paid, err := o.convert(t.usd, req.currency, req.rail, prices)
	if err != nil {
		return terms{}, err
	}
	t.paid = paid
	t.currency = req.currency

	if req.rail != models.RailWallet {
		// Card and QR payments never touch the connected wallet.
		return t, nil
	}
	fee := o.d.Config.NetworkFee
	t.needNative = o.d.Config.FeeReserve
	t.delta.Native = fee.Neg()
	switch req.kind {
	case models.KindMarketSell:
		t.delta.Reward = t.reward.Neg()
		if req.currency == models.CurrencyNative {
			t.delta.Native = t.delta.Native.Add(paid)
		} else {
			t.delta.Stable = paid
		}
	default:
		if req.kind == models.KindMarketBuy {
			t.delta.Reward = t.reward
		}
		if req.currency == models.CurrencyNative {
			t.needNative = t.needNative.Add(paid)
			t.delta.Native = t.delta.Native.Sub(paid)
		} else {
			t.needStable = paid
			t.delta.Stable = paid.Neg()
		}
	}
	return t, nil
}

// claimQueued reports whether address has a pending claim other than the
// entry being replayed.
func (o *Orchestrator) claimQueued(address, replaying string) (bool, error) {
	pending, err := o.d.History.Pending(address)
	if err != nil {
		return false, err
	}
	for _, tx := range pending {
		if tx.Kind == models.KindClaim && tx.ID != replaying {
			return true, nil
		}
	}
	return false, nil
}

// convert prices usd in the paying currency.
func (o *Orchestrator) convert(usd decimal.Decimal, currency models.Currency, rail models.Rail, prices models.PriceSnapshot) (decimal.Decimal, error) {
	switch currency {
	case models.CurrencyStable:
		if rail == models.RailCard {
			break
		}
		return usd, nil
	case models.CurrencyUSD:
		if rail != models.RailCard {
			break
		}
		return usd, nil
	case models.CurrencyNative:
		if rail == models.RailCard {
			break
		}
		if !prices.QuoteAssetPrice.IsPositive() {
			return decimal.Zero, precondition(ReasonPriceUnavailable, "%s price unavailable", models.CurrencyNative)
		}
		return usd.Div(prices.QuoteAssetPrice).Round(8), nil
	}
	return decimal.Zero, precondition(ReasonInvalidAmount, "cannot pay in %q on the %s rail", currency, rail)
}

func (o *Orchestrator) checkFunds(t terms) error {
	if t.needNative.IsZero() && t.needStable.IsZero() {
		return nil
	}
	b := o.d.Balances.Snapshot()
	if b.QuoteNative.LessThan(t.needNative) {
		return precondition(ReasonInsufficientBalance, "need %s %s including the network fee reserve, have %s",
			t.needNative, models.CurrencyNative, b.QuoteNative)
	}
	if b.QuoteStable.LessThan(t.needStable) {
		return precondition(ReasonInsufficientBalance, "need %s %s, have %s", t.needStable, models.CurrencyStable, b.QuoteStable)
	}
	return nil
}

func (o *Orchestrator) signerFor(rail models.Rail) (wallet.Signer, error) {
	switch rail {
	case models.RailCard:
		if o.d.Card != nil {
			return o.d.Card, nil
		}
	case models.RailQR:
		if o.d.QR != nil {
			return o.d.QR, nil
		}
	default:
		s, err := o.d.Wallet.Signer()
		if err != nil {
			return nil, precondition(ReasonNotConnected, "connect a wallet first")
		}
		return s, nil
	}
	return nil, fmt.Errorf("no signer configured for the %s rail", rail)
}

func (o *Orchestrator) queue(address string, req request, t terms) (*models.Transaction, error) {
	tx := models.Transaction{
		ID:           "pending-" + uuid.NewString(),
		Timestamp:    o.d.Clock.Now(),
		Address:      address,
		RewardAmount: t.reward,
		Currency:     t.currency,
		PaidAmount:   t.paid,
		USDValue:     t.usd,
		Kind:         req.kind,
		Status:       models.TxPending,
		Rail:         req.rail,
	}
	if err := o.d.History.Prepend(address, tx); err != nil {
		return nil, o.fail(err, "")
	}
	o.logger.Info("offline, operation queued as pending", zap.String("id", tx.ID), zap.String("kind", string(req.kind)))
	o.setStatus(models.StatusIdle, "")
	return &tx, nil
}

func (o *Orchestrator) settle(ctx context.Context, address string, req request, t terms, ref string) models.Transaction {
	if o.d.Ledger != nil && !o.d.Config.IsProduction() && req.rail == models.RailWallet {
		o.d.Ledger.Apply(t.delta)
	}

	tx := models.Transaction{
		ID:           ref,
		Timestamp:    o.d.Clock.Now(),
		Address:      address,
		RewardAmount: t.reward,
		Currency:     t.currency,
		PaidAmount:   t.paid,
		USDValue:     t.usd,
		Kind:         req.kind,
		Status:       models.TxConfirmed,
		Rail:         req.rail,
	}
	var err error
	if req.replace != "" {
		err = o.d.History.Replace(address, req.replace, tx)
	} else {
		err = o.d.History.Prepend(address, tx)
	}
	if err != nil {
		o.logger.Error("history write failed", zap.String("id", ref), zap.Error(err))
	}

	if o.d.Recorder != nil {
		err := o.d.Recorder.RecordSettlement(ctx, storage.Settlement{
			Reference:    ref,
			Address:      address,
			Network:      o.d.Config.Network,
			Kind:         req.kind,
			RewardAmount: t.reward,
			PaidAmount:   t.paid,
			Currency:     t.currency,
			USDValue:     t.usd,
			CreatedAt:    tx.Timestamp,
		})
		if err != nil {
			o.logger.Warn("settlement recorder failed", zap.String("reference", ref), zap.Error(err))
		}
	}

	switch req.kind {
	case models.KindPresaleBuy:
		if _, err := o.d.Users.AddContribution(ctx, address, t.usd, t.reward); err != nil {
			o.logger.Warn("user contribution update failed", zap.String("address", address), zap.Error(err))
		}
	case models.KindClaim:
		if err := o.d.Users.MarkClaimed(ctx, address); err != nil {
			o.logger.Warn("user claim update failed", zap.String("address", address), zap.Error(err))
		}
	}

	if err := o.d.Balances.Refetch(ctx); err != nil {
		o.logger.Warn("balance refetch after settlement failed", zap.Error(err))
	}

	o.logger.Info("operation confirmed",
		zap.String("kind", string(req.kind)),
		zap.String("rail", string(req.rail)),
		zap.String("reference", ref),
		zap.String("usd", t.usd.StringFixed(2)))
	o.setStatus(models.StatusSuccess, "")
	return tx
}

func (o *Orchestrator) acquire() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inFlight {
		return false
	}
	o.inFlight = true
	return true
}

func (o *Orchestrator) release() {
	o.mu.Lock()
	o.inFlight = false
	o.mu.Unlock()
}

func (o *Orchestrator) setStatus(s models.OperationStatus, lastError string) {
	o.mu.Lock()
	o.status = s
	o.lastError = lastError
	o.mu.Unlock()
	if o.d.OnChange != nil {
		o.d.OnChange()
	}
}

// fail records err as the last error and returns it. msg overrides the
// user-facing text.
func (o *Orchestrator) fail(err error, msg string) error {
	if msg == "" {
		var pe *PreconditionError
		if errors.As(err, &pe) {
			msg = pe.Message
		} else {
			msg = err.Error()
		}
	}
	o.setStatus(models.StatusError, msg)
	return err
}

func stateLabel(v models.SaleView) string {
	if !v.Loaded {
		return "not loaded yet"
	}
	switch v.State {
	case models.SaleUpcoming:
		return "not open yet"
	case models.SaleEnded:
		return "over"
	}
	return string(v.State)
}
