package analytics

import (
	"context"
	"fmt"
	"math"

	"github.com/markcheno/go-talib"

	"github.com/renqi/tradewind/internal/domain"
)

// Indicator parameters. The warmup is how many extra bars are fetched
// before the requested window so the first returned point already has
// settled values; the MACD signal line is the slowest to converge.
const (
	smaPeriod        = 20
	emaPeriod        = 20
	rsiPeriod        = 14
	macdFastPeriod   = 12
	macdSlowPeriod   = 26
	macdSignalPeriod = 9

	indicatorWarmup        = macdSlowPeriod + macdSignalPeriod
	defaultIndicatorPoints = 120
)

// IndicatorPoint carries one bar's derived indicator values. A nil value
// means the indicator had not warmed up yet at that bar.
type IndicatorPoint struct {
	Timestamp  string   `json:"timestamp"`
	Close      float64  `json:"close"`
	SMA20      *float64 `json:"sma20"`
	EMA20      *float64 `json:"ema20"`
	RSI14      *float64 `json:"rsi14"`
	MACD       *float64 `json:"macd"`
	MACDSignal *float64 `json:"macd_signal"`
	MACDHist   *float64 `json:"macd_hist"`
}

// Indicators computes SMA/EMA/RSI/MACD over the symbol's daily closes and
// returns the most recent n points, oldest first. n <= 0 uses the default
// window.
func (s *Service) Indicators(ctx context.Context, symbol string, n int) ([]IndicatorPoint, error) {
	if n <= 0 {
		n = defaultIndicatorPoints
	}
	symbol = domain.NormalizeCode(symbol)

	bars, err := s.market.BarsRange(ctx, domain.FrequencyDaily, symbol, "", "", n+indicatorWarmup)
	if err != nil {
		return nil, err
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("%w: no bars stored for %s", domain.ErrNotFound, symbol)
	}

	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}

	sma := talib.Sma(closes, smaPeriod)
	ema := talib.Ema(closes, emaPeriod)
	rsi := talib.Rsi(closes, rsiPeriod)
	macd, signal, hist := talib.Macd(closes, macdFastPeriod, macdSlowPeriod, macdSignalPeriod)

	// First settled index per series: SMA/EMA need period bars, RSI needs
	// period+1. All three MACD outputs align at the slow EMA plus the
	// signal line's own warmup.
	macdFirst := macdSlowPeriod + macdSignalPeriod - 2

	start := 0
	if len(bars) > n {
		start = len(bars) - n
	}
	points := make([]IndicatorPoint, 0, len(bars)-start)
	for i := start; i < len(bars); i++ {
		points = append(points, IndicatorPoint{
			Timestamp:  bars[i].Timestamp,
			Close:      bars[i].Close,
			SMA20:      settled(sma, i, smaPeriod-1),
			EMA20:      settled(ema, i, emaPeriod-1),
			RSI14:      settled(rsi, i, rsiPeriod),
			MACD:       settled(macd, i, macdFirst),
			MACDSignal: settled(signal, i, macdFirst),
			MACDHist:   settled(hist, i, macdFirst),
		})
	}
	return points, nil
}

// settled returns the series value at i once the indicator has enough
// history, nil during warmup.
func settled(series []float64, i, firstValid int) *float64 {
	if i >= len(series) || i < firstValid {
		return nil
	}
	v := series[i]
	if math.IsNaN(v) {
		return nil
	}
	return &v
}
