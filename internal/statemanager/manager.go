package statemanager

import (
	"errors"
	"sync"
	"time"

	"presale-engine-go/internal/models"
	"presale-engine-go/internal/persistence"

	"github.com/facebookgo/clock"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// EventType defines the type of a normalized event
type EventType int

const (
	SaleUpdateEvent EventType = iota
	PriceUpdateEvent
	WalletUpdateEvent
	BalanceUpdateEvent
	EligibilityUpdateEvent
	UserUpdateEvent
	HistoryUpdateEvent
	AffiliateUpdateEvent
	StateResetEvent
)

func (t EventType) String() string {
	switch t {
	case SaleUpdateEvent:
		return "sale"
	case PriceUpdateEvent:
		return "price"
	case WalletUpdateEvent:
		return "wallet"
	case BalanceUpdateEvent:
		return "balance"
	case EligibilityUpdateEvent:
		return "eligibility"
	case UserUpdateEvent:
		return "user"
	case HistoryUpdateEvent:
		return "history"
	case AffiliateUpdateEvent:
		return "affiliate"
	case StateResetEvent:
		return "reset"
	}
	return "unknown"
}

// NormalizedEvent is a standardized internal representation of an event
type NormalizedEvent struct {
	Type      EventType
	Timestamp time.Time
	Data      interface{}
}

// BalanceUpdateEventData carries a balance poll result.
type BalanceUpdateEventData struct {
	Balances models.BalanceSnapshot
	Loading  bool
}

// UserUpdateEventData carries the user view and the tier it falls in.
type UserUpdateEventData struct {
	User models.UserView
	Tier *models.ContributionTier
}

// StateManager owns the dashboard view. Every mutation goes through the
// event loop, so readers only ever see whole snapshots.
type StateManager struct {
	mu              sync.RWMutex
	state           *models.DashboardView
	repo            persistence.Cache
	clock           clock.Clock
	eventChannel    chan NormalizedEvent
	persistenceChan chan *models.DashboardView
	subscribers     []func(*models.DashboardView)
	stopChan        chan bool
	logger          *zap.Logger
}

// NewStateManager creates a new StateManager. repo may be nil, in which case
// nothing is persisted.
func NewStateManager(initialState *models.DashboardView, repo persistence.Cache, clk clock.Clock, logger *zap.Logger) *StateManager {
	if initialState == nil {
		initialState = EmptyView()
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StateManager{
		state:           initialState,
		repo:            repo,
		clock:           clk,
		eventChannel:    make(chan NormalizedEvent, 1024),
		persistenceChan: make(chan *models.DashboardView, 128),
		stopChan:        make(chan bool),
		logger:          logger,
	}
}

// EmptyView is the view before any source has reported.
func EmptyView() *models.DashboardView {
	return &models.DashboardView{
		Sale:   models.SaleView{State: models.SaleUpcoming, TotalSold: decimal.Zero},
		Wallet: models.WalletView{Status: models.WalletDisconnected},
		User:   models.UserView{Status: models.StatusIdle, ClaimableAmount: decimal.Zero},
	}
}

// LoadView restores the last persisted view, or EmptyView when there is none.
func LoadView(repo persistence.Cache) (*models.DashboardView, error) {
	v := EmptyView()
	if repo == nil {
		return v, nil
	}
	err := repo.Get(persistence.ViewKey, v)
	if errors.Is(err, persistence.ErrNotFound) {
		return EmptyView(), nil
	}
	if err != nil {
		return EmptyView(), err
	}
	return v, nil
}

// Subscribe registers fn to receive a copy of the view after every event.
// It must be called before Start.
func (sm *StateManager) Subscribe(fn func(*models.DashboardView)) {
	sm.subscribers = append(sm.subscribers, fn)
}

// Start begins the state manager's event processing and persistence loops.
func (sm *StateManager) Start() {
	go sm.eventLoop()
	go sm.persistenceLoop()
	sm.logger.Sugar().Info("StateManager started.")
}

// Stop gracefully shuts down the StateManager.
func (sm *StateManager) Stop() {
	close(sm.stopChan)
	sm.logger.Sugar().Info("StateManager stopped.")
}

// DispatchEvent sends an event to the StateManager for processing. Events
// dispatched after Stop are dropped.
func (sm *StateManager) DispatchEvent(event NormalizedEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = sm.clock.Now()
	}
	select {
	case sm.eventChannel <- event:
	case <-sm.stopChan:
	}
}

// Dispatch is shorthand for DispatchEvent with the current time.
func (sm *StateManager) Dispatch(t EventType, data interface{}) {
	sm.DispatchEvent(NormalizedEvent{Type: t, Data: data})
}

// GetStateSnapshot returns a deep copy of the current view for safe, concurrent reading.
func (sm *StateManager) GetStateSnapshot() *models.DashboardView {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.state.Clone()
}

// eventLoop is the core processing loop that handles all incoming events serially.
func (sm *StateManager) eventLoop() {
	for {
		select {
		case event := <-sm.eventChannel:
			sm.processEvent(event)
		case <-sm.stopChan:
			return
		}
	}
}

// persistenceLoop handles the asynchronous saving of view snapshots.
func (sm *StateManager) persistenceLoop() {
	for {
		select {
		case v := <-sm.persistenceChan:
			if sm.repo != nil {
				if err := sm.repo.Put(persistence.ViewKey, v); err != nil {
					sm.logger.Sugar().Errorf("Failed to persist dashboard view: %v", err)
				}
			}
		case <-sm.stopChan:
			return
		}
	}
}

// processEvent contains the logic to mutate the view based on an event.
func (sm *StateManager) processEvent(event NormalizedEvent) {
	sm.mu.Lock()
	if !sm.apply(event) {
		sm.mu.Unlock()
		sm.logger.Sugar().Warnf("Received %s event with unexpected data type: %T", event.Type, event.Data)
		return
	}
	sm.state.Version++
	sm.state.UpdatedAt = event.Timestamp
	snapshot := sm.state.Clone()
	sm.mu.Unlock()

	for _, fn := range sm.subscribers {
		fn(snapshot.Clone())
	}

	// Persistence is best effort; a full queue drops the snapshot rather than
	// stall the event loop.
	select {
	case sm.persistenceChan <- snapshot:
	default:
		sm.logger.Sugar().Warn("Persistence queue full, dropping view snapshot.")
	}
}

func (sm *StateManager) apply(event NormalizedEvent) bool {
	switch event.Type {
	case SaleUpdateEvent:
		data, ok := event.Data.(models.SaleView)
		if ok {
			sm.state.Sale = data
		}
		return ok
	case PriceUpdateEvent:
		data, ok := event.Data.(models.PriceSnapshot)
		if ok {
			sm.state.Prices = data
		}
		return ok
	case WalletUpdateEvent:
		data, ok := event.Data.(models.WalletView)
		if ok {
			// Balances arrive on their own events.
			data.Balances, data.Loading = sm.state.Wallet.Balances, sm.state.Wallet.Loading
			if data.Status == models.WalletDisconnected {
				data.Balances = models.BalanceSnapshot{}
				sm.state.Transactions = nil
				sm.state.User = models.UserView{Status: sm.state.User.Status, ClaimableAmount: decimal.Zero}
				sm.state.Tier = nil
				sm.state.Affiliate = models.AffiliateState{}
				sm.state.Eligibility = models.Eligibility{}
			}
			sm.state.Wallet = data
		}
		return ok
	case BalanceUpdateEvent:
		data, ok := event.Data.(BalanceUpdateEventData)
		if ok {
			sm.state.Wallet.Balances = data.Balances
			sm.state.Wallet.Loading = data.Loading
		}
		return ok
	case EligibilityUpdateEvent:
		data, ok := event.Data.(models.Eligibility)
		if ok {
			sm.state.Eligibility = data
		}
		return ok
	case UserUpdateEvent:
		data, ok := event.Data.(UserUpdateEventData)
		if ok {
			sm.state.User = data.User
			sm.state.Tier = data.Tier
		}
		return ok
	case HistoryUpdateEvent:
		data, ok := event.Data.([]models.Transaction)
		if ok {
			sm.state.Transactions = data
		}
		return ok
	case AffiliateUpdateEvent:
		data, ok := event.Data.(models.AffiliateState)
		if ok {
			sm.state.Affiliate = data
		}
		return ok
	case StateResetEvent:
		data, ok := event.Data.(*models.DashboardView)
		if ok && data != nil {
			version := sm.state.Version
			sm.state = data.Clone()
			sm.state.Version = version
			sm.logger.Sugar().Info("Dashboard view has been reset.")
		}
		return ok && data != nil
	}
	return false
}
