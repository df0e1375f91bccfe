package models

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Phase is the wheel phase of a symbol. It is always derived from share and call
// counts and never stored.
type Phase int

const (
	// PhaseSellingPuts holds no shares; the cycle starts and ends here.
	PhaseSellingPuts Phase = iota
	// PhaseHoldingStock holds shares with no covered calls open.
	PhaseHoldingStock
	// PhaseSellingCalls holds at least one lot with covered calls open.
	PhaseSellingCalls
)

var phaseNames = map[Phase]string{
	PhaseSellingPuts:  "SELLING_PUTS",
	PhaseHoldingStock: "HOLDING_STOCK",
	PhaseSellingCalls: "SELLING_CALLS",
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// MarshalText renders the phase name for JSON.
func (p Phase) MarshalText() ([]byte, error) {
	if _, ok := phaseNames[p]; !ok {
		return nil, fmt.Errorf("unknown phase %d", int(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText parses a phase name.
func (p *Phase) UnmarshalText(b []byte) error {
	for phase, name := range phaseNames {
		if name == string(b) {
			*p = phase
			return nil
		}
	}
	return fmt.Errorf("unknown phase %q", string(b))
}

var (
	// ErrInsufficientShares is returned when an operation needs more shares than are held.
	ErrInsufficientShares = errors.New("insufficient shares")
	// ErrInvalidQuantity is returned for non-positive share or contract counts.
	ErrInvalidQuantity = errors.New("quantity must be positive")
)

// WheelState is the live bookkeeping for one symbol.
type WheelState struct {
	CycleStart        time.Time `json:"cycle_start,omitempty"`
	Symbol            string    `json:"symbol"`
	StockShares       int       `json:"stock_shares"`
	CostBasisPerShare float64   `json:"cost_basis_per_share"`
	ActivePuts        int       `json:"active_puts"`
	ActiveCalls       int       `json:"active_calls"`
	PremiumCollected  float64   `json:"premium_collected"`
	RealizedGain      float64   `json:"realized_gain"`
	// SharesSold counts shares called away since the cycle started.
	SharesSold        int       `json:"shares_sold,omitempty"`
}

// Phase derives the wheel phase from shares and open calls.
func (s WheelState) Phase() Phase {
	switch {
	case s.StockShares == 0:
		return PhaseSellingPuts
	case s.StockShares >= SharesPerContract && s.ActiveCalls > 0:
		return PhaseSellingCalls
	default:
		return PhaseHoldingStock
	}
}

// UncoveredLots is the number of whole lots not yet covered by a short call.
func (s WheelState) UncoveredLots() int {
	lots := s.StockShares/SharesPerContract - s.ActiveCalls
	if lots < 0 {
		return 0
	}
	return lots
}

// WheelCycle is the immutable record of a completed put→stock→call cycle.
type WheelCycle struct {
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	Symbol       string    `json:"symbol"`
	DurationDays int       `json:"duration_days"`
	SharesSold   int       `json:"shares_sold"`
	CostBasis    float64   `json:"cost_basis"`
	SalePrice    float64   `json:"sale_price"`
	CapitalGain  float64   `json:"capital_gain"`
	TotalPremium float64   `json:"total_premium"`
	TotalReturn  float64   `json:"total_return"`
}

// AssignmentResult describes the effect of an assignment event.
type AssignmentResult struct {
	Cycle          *WheelCycle `json:"cycle,omitempty"`
	Symbol         string      `json:"symbol"`
	PhaseBefore    Phase       `json:"phase_before"`
	PhaseAfter     Phase       `json:"phase_after"`
	SharesDelta    int         `json:"shares_delta"`
	CapitalGain    float64     `json:"capital_gain,omitempty"`
	CycleCompleted bool        `json:"wheel_cycle_completed"`
}

// WheelStateMachine tracks per-symbol wheel state. Safe for concurrent use.
type WheelStateMachine struct {
	states map[string]*WheelState
	cycles []WheelCycle
	mu     sync.RWMutex
}

// NewWheelStateMachine creates an empty state machine.
func NewWheelStateMachine() *WheelStateMachine {
	return &WheelStateMachine{states: make(map[string]*WheelState)}
}

// RestoreWheelStateMachine rebuilds a machine from persisted states and cycles.
func RestoreWheelStateMachine(states []WheelState, cycles []WheelCycle) *WheelStateMachine {
	m := NewWheelStateMachine()
	for _, s := range states {
		st := s
		st.Symbol = normalizeSymbol(st.Symbol)
		m.states[st.Symbol] = &st
	}
	m.cycles = append(m.cycles, cycles...)
	return m
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// get returns the live state, creating it. Caller holds the write lock.
func (m *WheelStateMachine) get(symbol string) *WheelState {
	symbol = normalizeSymbol(symbol)
	st, ok := m.states[symbol]
	if !ok {
		st = &WheelState{Symbol: symbol}
		m.states[symbol] = st
	}
	return st
}

// State returns a copy of the symbol's state; unknown symbols are in SELLING_PUTS.
func (m *WheelStateMachine) State(symbol string) WheelState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	symbol = normalizeSymbol(symbol)
	if st, ok := m.states[symbol]; ok {
		return *st
	}
	return WheelState{Symbol: symbol}
}

// States returns copies of all tracked states sorted by symbol.
func (m *WheelStateMachine) States() []WheelState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]WheelState, 0, len(m.states))
	for _, st := range m.states {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Cycles returns the completed cycle history.
func (m *WheelStateMachine) Cycles() []WheelCycle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]WheelCycle, len(m.cycles))
	copy(out, m.cycles)
	return out
}

// Phase returns the derived phase for symbol.
func (m *WheelStateMachine) Phase(symbol string) Phase {
	return m.State(symbol).Phase()
}

// CanSellPuts is true only in SELLING_PUTS.
func (m *WheelStateMachine) CanSellPuts(symbol string) bool {
	return m.Phase(symbol) == PhaseSellingPuts
}

// CanSellCalls is true only when at least one lot of stock is held.
func (m *WheelStateMachine) CanSellCalls(symbol string) bool {
	return m.State(symbol).StockShares >= SharesPerContract
}

// AddPut records newly sold puts and their credit (premium is per share).
func (m *WheelStateMachine) AddPut(symbol string, contracts int, premium float64, at time.Time) error {
	if contracts <= 0 {
		return ErrInvalidQuantity
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.get(symbol)
	st.ActivePuts += contracts
	st.PremiumCollected += premium * SharesPerContract * float64(contracts)
	if st.CycleStart.IsZero() {
		st.CycleStart = at.UTC()
	}
	return nil
}

// RemovePut records puts that expired or were bought back.
func (m *WheelStateMachine) RemovePut(symbol string, contracts int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.get(symbol)
	st.ActivePuts = max(st.ActivePuts-contracts, 0)
	m.pruneIdle(st)
}

// AddCall records newly sold covered calls. Every call must be covered by a held lot.
func (m *WheelStateMachine) AddCall(symbol string, contracts int, premium float64, at time.Time) error {
	if contracts <= 0 {
		return ErrInvalidQuantity
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.get(symbol)
	if (st.ActiveCalls+contracts)*SharesPerContract > st.StockShares {
		return fmt.Errorf("%w: %s holds %d shares, %d calls already open",
			ErrInsufficientShares, st.Symbol, st.StockShares, st.ActiveCalls)
	}
	st.ActiveCalls += contracts
	st.PremiumCollected += premium * SharesPerContract * float64(contracts)
	if st.CycleStart.IsZero() {
		st.CycleStart = at.UTC()
	}
	return nil
}

// RemoveCall records calls that expired or were bought back.
func (m *WheelStateMachine) RemoveCall(symbol string, contracts int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.get(symbol)
	st.ActiveCalls = max(st.ActiveCalls-contracts, 0)
}

// HandlePutAssignment adds assigned shares at costPerShare, averaging cost basis by weight.
func (m *WheelStateMachine) HandlePutAssignment(symbol string, shares int, costPerShare float64, at time.Time) (AssignmentResult, error) {
	if shares <= 0 {
		return AssignmentResult{}, ErrInvalidQuantity
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.get(symbol)
	before := st.Phase()

	total := st.StockShares + shares
	st.CostBasisPerShare = (float64(st.StockShares)*st.CostBasisPerShare + float64(shares)*costPerShare) / float64(total)
	st.StockShares = total
	st.ActivePuts = max(st.ActivePuts-shares/SharesPerContract, 0)
	if st.CycleStart.IsZero() {
		st.CycleStart = at.UTC()
	}

	return AssignmentResult{
		Symbol:      st.Symbol,
		PhaseBefore: before,
		PhaseAfter:  st.Phase(),
		SharesDelta: shares,
	}, nil
}

// HandleCallAssignment removes called-away shares at strike. When no shares remain the
// cycle is recorded and the symbol's bookkeeping resets.
func (m *WheelStateMachine) HandleCallAssignment(symbol string, shares int, strike float64, at time.Time) (AssignmentResult, error) {
	if shares <= 0 {
		return AssignmentResult{}, ErrInvalidQuantity
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.get(symbol)
	if shares > st.StockShares {
		return AssignmentResult{}, fmt.Errorf("%w: %s assigned %d shares but holds %d",
			ErrInsufficientShares, st.Symbol, shares, st.StockShares)
	}
	before := st.Phase()

	gain := (strike - st.CostBasisPerShare) * float64(shares)
	st.RealizedGain += gain
	st.StockShares -= shares
	st.SharesSold += shares
	st.ActiveCalls = max(st.ActiveCalls-shares/SharesPerContract, 0)

	result := AssignmentResult{
		Symbol:      st.Symbol,
		PhaseBefore: before,
		SharesDelta: -shares,
		CapitalGain: gain,
	}

	if st.StockShares == 0 {
		end := at.UTC()
		cycle := WheelCycle{
			Symbol:       st.Symbol,
			Start:        st.CycleStart,
			End:          end,
			DurationDays: durationDays(st.CycleStart, end),
			SharesSold:   st.SharesSold,
			CostBasis:    st.CostBasisPerShare,
			SalePrice:    strike,
			CapitalGain:  st.RealizedGain,
			TotalPremium: st.PremiumCollected,
			TotalReturn:  st.RealizedGain + st.PremiumCollected,
		}
		m.cycles = append(m.cycles, cycle)
		*st = WheelState{Symbol: st.Symbol, ActivePuts: st.ActivePuts}
		result.CycleCompleted = true
		result.Cycle = &cycle
	}

	result.PhaseAfter = st.Phase()
	return result, nil
}

// pruneIdle drops a state that carries no information.
func (m *WheelStateMachine) pruneIdle(st *WheelState) {
	if st.StockShares == 0 && st.ActivePuts == 0 && st.ActiveCalls == 0 && st.PremiumCollected == 0 {
		delete(m.states, st.Symbol)
	}
}

func durationDays(start, end time.Time) int {
	if start.IsZero() || end.Before(start) {
		return 0
	}
	return int(end.Sub(start).Hours() / 24)
}
