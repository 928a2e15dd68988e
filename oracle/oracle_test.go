package oracle

import (
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type feedFunc func(symbol string) (PriceQuote, error)

func (f feedFunc) Price(symbol string) (PriceQuote, error) { return f(symbol) }

func TestAggregatorRespectsPriority(t *testing.T) {
	agg := NewAggregator([]string{"primary", "secondary"}, time.Hour)
	agg.Register("primary", feedFunc(func(string) (PriceQuote, error) {
		return PriceQuote{Rate: big.NewRat(2, 1), Timestamp: time.Now()}, nil
	}))
	agg.Register("secondary", feedFunc(func(string) (PriceQuote, error) {
		return PriceQuote{Rate: big.NewRat(3, 1), Timestamp: time.Now()}, nil
	}))

	quote, err := agg.Price("USDX")
	require.NoError(t, err)
	require.Equal(t, "2", quote.Rate.RatString())
	// The winning feed did not stamp a source, so the registry name is used.
	require.Equal(t, "primary", quote.Source)
}

func TestAggregatorFallsThroughStaleQuotes(t *testing.T) {
	agg := NewAggregator([]string{"stale", "fresh"}, time.Hour)
	agg.Register("stale", feedFunc(func(string) (PriceQuote, error) {
		return PriceQuote{Rate: big.NewRat(1, 1), Timestamp: time.Now().Add(-2 * time.Hour)}, nil
	}))
	agg.Register("fresh", feedFunc(func(string) (PriceQuote, error) {
		return PriceQuote{Rate: big.NewRat(5, 4), Timestamp: time.Now(), Source: "fresh"}, nil
	}))

	quote, err := agg.Price("USDX")
	require.NoError(t, err)
	require.Equal(t, "5/4", quote.Rate.RatString())
	require.Equal(t, "fresh", quote.Source)
}

func TestAggregatorSkipsFailingAndInvalidFeeds(t *testing.T) {
	agg := NewAggregator(nil, time.Hour)
	agg.Register("down", feedFunc(func(string) (PriceQuote, error) {
		return PriceQuote{}, fmt.Errorf("upstream offline")
	}))
	agg.Register("zero", feedFunc(func(string) (PriceQuote, error) {
		return PriceQuote{Rate: big.NewRat(0, 1), Timestamp: time.Now()}, nil
	}))
	agg.Register("good", feedFunc(func(string) (PriceQuote, error) {
		return PriceQuote{Rate: big.NewRat(7, 2), Timestamp: time.Now()}, nil
	}))

	quote, err := agg.Price("USDX")
	require.NoError(t, err)
	require.Equal(t, "7/2", quote.Rate.RatString())
	require.Equal(t, "good", quote.Source)
}

func TestAggregatorReportsNoFreshQuote(t *testing.T) {
	agg := NewAggregator(nil, time.Hour)
	agg.Register("stale", feedFunc(func(string) (PriceQuote, error) {
		return PriceQuote{Rate: big.NewRat(1, 1), Timestamp: time.Now().Add(-2 * time.Hour)}, nil
	}))

	_, err := agg.Price("USDX")
	require.ErrorIs(t, err, ErrNoFreshQuote)

	empty := NewAggregator(nil, time.Hour)
	_, err = empty.Price("USDX")
	require.ErrorIs(t, err, ErrNoFreshQuote)
}

func TestAggregatorTracksHealth(t *testing.T) {
	manual := NewManualOracle()
	require.NoError(t, manual.SetDecimal("USDX", "1", time.Now()))
	require.NoError(t, manual.SetDecimal("ETHX", "2000", time.Now()))

	agg := NewAggregator(nil, time.Hour)
	agg.Register("manual", manual)

	_, err := agg.Price("USDX")
	require.NoError(t, err)
	_, err = agg.Price("USDX")
	require.NoError(t, err)
	_, err = agg.Price("ETHX")
	require.NoError(t, err)

	health := agg.Health()
	require.Len(t, health.Feeds, 2)
	// Sorted by symbol.
	require.Equal(t, "ETHX", health.Feeds[0].Symbol)
	require.Equal(t, 1, health.Feeds[0].Observations)
	require.Equal(t, "USDX", health.Feeds[1].Symbol)
	require.Equal(t, 2, health.Feeds[1].Observations)
	require.Equal(t, "manual", health.Feeds[1].LastSource)
}

func TestManualOracleValidation(t *testing.T) {
	manual := NewManualOracle()
	require.Error(t, manual.SetDecimal("USDX", "", time.Now()))
	require.Error(t, manual.SetDecimal("USDX", "not-a-number", time.Now()))
	require.Error(t, manual.SetDecimal("USDX", "-1", time.Now()))
	require.Error(t, manual.SetDecimal("USDX", "0", time.Now()))

	_, err := manual.Price("USDX")
	require.ErrorContains(t, err, "not found")
}

func TestManualOracleReturnsDefensiveCopies(t *testing.T) {
	manual := NewManualOracle()
	stamp := time.Unix(1_700_000_000, 0)
	require.NoError(t, manual.SetDecimal("usdx", "1.25", stamp))

	quote, err := manual.Price("USDX")
	require.NoError(t, err)
	require.Equal(t, "5/4", quote.Rate.RatString())
	require.Equal(t, stamp, quote.Timestamp)
	require.Equal(t, "manual", quote.Source)

	quote.Rate.SetInt64(99)
	again, err := manual.Price("USDX")
	require.NoError(t, err)
	require.Equal(t, "5/4", again.Rate.RatString())
}

func TestNormalizeSymbolFoldsLookalikes(t *testing.T) {
	require.Equal(t, "USDX", NormalizeSymbol("  usdx "))
	// Fullwidth forms compatibility-fold to their ASCII spelling.
	require.Equal(t, "USDX", NormalizeSymbol("ＵＳＤＸ"))
	require.Equal(t, "", NormalizeSymbol("   "))
}

func TestRateStringPrecision(t *testing.T) {
	quote := PriceQuote{Rate: big.NewRat(1, 3)}
	require.Equal(t, "0.33", quote.RateString(2))
	require.Equal(t, "0.333333333333333333", quote.RateString(-1))
	require.Equal(t, "", PriceQuote{}.RateString(2))
}

func TestCoinGeckoOraclePrice(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "usd-token", r.URL.Query().Get("ids"))
		require.Equal(t, "usd", r.URL.Query().Get("vs_currencies"))
		require.Equal(t, "true", r.URL.Query().Get("include_last_updated_at"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"usd-token":{"usd":1.01,"last_updated_at":1700000000}}`)
	}))
	defer server.Close()

	feed := NewCoinGeckoOracle(server.Client(), server.URL, "usd", map[string]string{"USDX": "usd-token"})
	quote, err := feed.Price("usdx")
	require.NoError(t, err)
	require.Equal(t, "101/100", quote.Rate.RatString())
	require.Equal(t, time.Unix(1_700_000_000, 0), quote.Timestamp)
	require.Equal(t, "coingecko", quote.Source)
}

func TestCoinGeckoOracleSurfacesUpstreamFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer server.Close()

	feed := NewCoinGeckoOracle(server.Client(), server.URL, "usd", nil)
	_, err := feed.Price("USDX")
	require.ErrorContains(t, err, "status 429")
}

func TestCoinGeckoOracleRejectsMissingQuote(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{}`)
	}))
	defer server.Close()

	feed := NewCoinGeckoOracle(server.Client(), server.URL, "usd", map[string]string{"USDX": "usd-token"})
	_, err := feed.Price("USDX")
	require.ErrorContains(t, err, "quote missing")
}
