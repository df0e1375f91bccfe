package engine

import (
	"math"
	"sort"

	"github.com/eddiefleurent/scranton_wheel/internal/broker"
	"github.com/eddiefleurent/scranton_wheel/internal/models"
)

// book indexes broker positions by underlying.
type book struct {
	shares     map[string]int
	stockCost  map[string]float64
	shorts     map[string]int // OCC symbol -> short contracts
	shortCosts map[string]float64
	options    map[string]broker.OptionSymbol
	symbols    map[string]bool
}

func newBook(positions []broker.Position) *book {
	b := &book{
		shares:     make(map[string]int),
		stockCost:  make(map[string]float64),
		shorts:     make(map[string]int),
		shortCosts: make(map[string]float64),
		options:    make(map[string]broker.OptionSymbol),
		symbols:    make(map[string]bool),
	}
	for _, p := range positions {
		b.symbols[p.Underlying()] = true
		if occ, ok := p.Option(); ok {
			if !p.IsShort() {
				continue
			}
			sym := occ.String()
			b.shorts[sym] += p.Contracts()
			b.shortCosts[sym] += p.CostBasis
			b.options[sym] = occ
			continue
		}
		if p.Quantity > 0 {
			sym := p.Underlying()
			b.shares[sym] += int(math.Round(p.Quantity))
			b.stockCost[sym] += p.CostBasis
		}
	}
	return b
}

// contracts counts short contracts of optionType on underlying.
func (b *book) contracts(underlying string, optionType broker.OptionType) int {
	n := 0
	for sym, count := range b.shorts {
		occ := b.options[sym]
		if occ.Underlying == underlying && occ.Type == optionType {
			n += count
		}
	}
	return n
}

// creditPerShare is the average premium per share received on the short
// options of optionType on underlying. Short cost basis is negative.
func (b *book) creditPerShare(underlying string, optionType broker.OptionType) float64 {
	credit, contracts := 0.0, 0
	for sym, count := range b.shorts {
		occ := b.options[sym]
		if occ.Underlying == underlying && occ.Type == optionType {
			credit += -b.shortCosts[sym]
			contracts += count
		}
	}
	if contracts == 0 {
		return 0
	}
	return math.Max(credit, 0) / float64(contracts*models.SharesPerContract)
}

// costPerShare is the broker's average cost of the stock held.
func (b *book) costPerShare(symbol string) float64 {
	if b.shares[symbol] <= 0 {
		return 0
	}
	return b.stockCost[symbol] / float64(b.shares[symbol])
}

// openOptions is the short option map persisted with the wheel state.
func (b *book) openOptions() map[string]int {
	out := make(map[string]int, len(b.shorts))
	for sym, n := range b.shorts {
		out[sym] = n
	}
	return out
}

// sortedSymbols returns the union of underlyings and extra, sorted.
func (b *book) sortedSymbols(extra []string) []string {
	seen := make(map[string]bool, len(b.symbols)+len(extra))
	for s := range b.symbols {
		seen[s] = true
	}
	for _, s := range extra {
		seen[s] = true
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
