package oracle

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"
)

// PriceQuote captures the value of one unit of an asset in the reference
// currency, along with the timestamp reported by the upstream feed and the
// feed identifier.
type PriceQuote struct {
	Rate      *big.Rat
	Timestamp time.Time
	Source    string
}

// Clone returns a deep copy of the quote to prevent accidental mutations.
func (q PriceQuote) Clone() PriceQuote {
	clone := PriceQuote{Timestamp: q.Timestamp, Source: q.Source}
	if q.Rate != nil {
		clone.Rate = new(big.Rat).Set(q.Rate)
	}
	return clone
}

// RateString renders the rate using the supplied precision.
func (q PriceQuote) RateString(precision int) string {
	if q.Rate == nil {
		return ""
	}
	if precision < 0 {
		precision = 18
	}
	return q.Rate.FloatString(precision)
}

// PriceOracle resolves the reference-currency price for a market symbol. The
// lending engine depends only on this interface.
type PriceOracle interface {
	Price(symbol string) (PriceQuote, error)
}

// ErrNoFreshQuote indicates that no feed produced a quote within the
// configured freshness window.
var ErrNoFreshQuote = errors.New("oracle: no fresh quote available")

// FeedHealth captures metadata about the observations recorded per symbol.
type FeedHealth struct {
	Symbol       string
	LastObserved time.Time
	Observations int
	LastSource   string
}

// Health aggregates feed health information for all tracked symbols.
type Health struct {
	Feeds []FeedHealth
}

// Aggregator consults a list of registered feeds in priority order until a
// fresh quote is obtained.
type Aggregator struct {
	mu       sync.RWMutex
	priority []string
	feeds    map[string]PriceOracle
	maxAge   time.Duration
	observed map[string]FeedHealth
}

// NewAggregator constructs an aggregator with the provided priority and
// freshness window. When priority is nil a zero-length slice is initialised so
// that Register can safely append identifiers.
func NewAggregator(priority []string, maxAge time.Duration) *Aggregator {
	return &Aggregator{
		priority: append([]string{}, priority...),
		feeds:    make(map[string]PriceOracle),
		maxAge:   maxAge,
		observed: make(map[string]FeedHealth),
	}
}

// SetMaxAge updates the freshness window used when filtering quotes.
func (a *Aggregator) SetMaxAge(maxAge time.Duration) {
	if a == nil {
		return
	}
	a.mu.Lock()
	a.maxAge = maxAge
	a.mu.Unlock()
}

// SetPriority replaces the ordering used when consulting feeds.
func (a *Aggregator) SetPriority(priority []string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	a.priority = append([]string{}, priority...)
	a.mu.Unlock()
}

// Register adds or replaces a feed under the supplied identifier. Identifiers
// are stored lowercase so lookups remain consistent regardless of
// configuration casing.
func (a *Aggregator) Register(name string, feed PriceOracle) {
	if a == nil {
		return
	}
	trimmed := strings.ToLower(strings.TrimSpace(name))
	if trimmed == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.feeds[trimmed] = feed
	for _, entry := range a.priority {
		if strings.EqualFold(entry, trimmed) {
			return
		}
	}
	a.priority = append(a.priority, trimmed)
}

// Price fetches a quote from the configured feeds respecting the priority
// ordering. The freshness window is enforced and the returned quote is a
// defensive copy.
func (a *Aggregator) Price(symbol string) (PriceQuote, error) {
	if a == nil {
		return PriceQuote{}, fmt.Errorf("oracle aggregator not configured")
	}
	sym := NormalizeSymbol(symbol)
	if sym == "" {
		return PriceQuote{}, fmt.Errorf("oracle: symbol required")
	}

	a.mu.RLock()
	priority := append([]string{}, a.priority...)
	maxAge := a.maxAge
	a.mu.RUnlock()

	var lastErr error
	cutoff := time.Time{}
	if maxAge > 0 {
		cutoff = time.Now().Add(-maxAge)
	}

	for _, name := range priority {
		a.mu.RLock()
		feed := a.feeds[strings.ToLower(name)]
		a.mu.RUnlock()
		if feed == nil {
			continue
		}
		quote, err := feed.Price(sym)
		if err != nil {
			lastErr = err
			continue
		}
		if quote.Rate == nil || quote.Rate.Sign() <= 0 {
			lastErr = fmt.Errorf("oracle %s returned invalid rate", name)
			continue
		}
		if maxAge > 0 && quote.Timestamp.Before(cutoff) {
			lastErr = ErrNoFreshQuote
			continue
		}
		result := quote.Clone()
		if strings.TrimSpace(result.Source) == "" {
			result.Source = strings.ToLower(name)
		}
		a.recordObservation(sym, result)
		return result, nil
	}

	if lastErr == nil {
		lastErr = ErrNoFreshQuote
	}
	return PriceQuote{}, lastErr
}

func (a *Aggregator) recordObservation(symbol string, quote PriceQuote) {
	if a == nil {
		return
	}
	ts := quote.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.observed == nil {
		a.observed = make(map[string]FeedHealth)
	}
	entry := a.observed[symbol]
	entry.Symbol = symbol
	entry.LastObserved = ts.UTC()
	entry.Observations++
	entry.LastSource = quote.Source
	a.observed[symbol] = entry
}

// Health reports the last observation per symbol. Safe for concurrent access.
func (a *Aggregator) Health() Health {
	if a == nil {
		return Health{}
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	feeds := make([]FeedHealth, 0, len(a.observed))
	for _, entry := range a.observed {
		feeds = append(feeds, entry)
	}
	sort.Slice(feeds, func(i, j int) bool { return feeds[i].Symbol < feeds[j].Symbol })
	return Health{Feeds: feeds}
}

// ManualOracle provides an in-memory feed used for seeded deployments, tests
// and manual overrides during incident response.
type ManualOracle struct {
	mu     sync.RWMutex
	quotes map[string]PriceQuote
}

// NewManualOracle constructs an empty manual feed.
func NewManualOracle() *ManualOracle {
	return &ManualOracle{quotes: make(map[string]PriceQuote)}
}

// SetDecimal records the supplied decimal price for the symbol using the
// provided timestamp.
func (m *ManualOracle) SetDecimal(symbol, rate string, ts time.Time) error {
	if m == nil {
		return fmt.Errorf("manual oracle not configured")
	}
	trimmed := strings.TrimSpace(rate)
	if trimmed == "" {
		return fmt.Errorf("manual oracle: rate required")
	}
	rat, ok := new(big.Rat).SetString(trimmed)
	if !ok {
		return fmt.Errorf("manual oracle: invalid rate %q", rate)
	}
	if rat.Sign() <= 0 {
		return fmt.Errorf("manual oracle: rate must be positive")
	}
	m.Set(symbol, rat, ts)
	return nil
}

// Set stores the provided rational price for the symbol.
func (m *ManualOracle) Set(symbol string, rate *big.Rat, ts time.Time) {
	if m == nil || rate == nil {
		return
	}
	sym := NormalizeSymbol(symbol)
	if sym == "" {
		return
	}
	m.mu.Lock()
	quote := PriceQuote{Timestamp: ts, Source: "manual"}
	quote.Rate = new(big.Rat).Set(rate)
	m.quotes[sym] = quote
	m.mu.Unlock()
}

// Price retrieves the stored quote for the symbol.
func (m *ManualOracle) Price(symbol string) (PriceQuote, error) {
	if m == nil {
		return PriceQuote{}, fmt.Errorf("manual oracle not configured")
	}
	sym := NormalizeSymbol(symbol)
	m.mu.RLock()
	stored, ok := m.quotes[sym]
	m.mu.RUnlock()
	if !ok {
		return PriceQuote{}, fmt.Errorf("manual oracle: quote for %s not found", sym)
	}
	return stored.Clone(), nil
}

// NormalizeSymbol canonicalises a market symbol for feed lookups. Symbols are
// NFKC-folded so visually identical spellings resolve to the same market.
func NormalizeSymbol(symbol string) string {
	return norm.NFKC.String(strings.ToUpper(strings.TrimSpace(symbol)))
}
