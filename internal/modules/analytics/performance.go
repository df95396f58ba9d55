package analytics

import (
	"context"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/renqi/tradewind/internal/domain"
)

// Trading periods per year by frequency: 252 trading days, four hourly
// decision slots per day.
const (
	periodsDaily  = 252
	periodsHourly = 252 * 4
)

func periodsPerYear(freq domain.Frequency) float64 {
	if freq == domain.FrequencyHourly {
		return periodsHourly
	}
	return periodsDaily
}

// Performance summarizes an agent's equity curve. Returns and volatility
// are percentages; the Sharpe ratio is annualized with a zero risk-free
// rate; max drawdown is the largest peak-to-trough loss as a positive
// percentage.
type Performance struct {
	Agent                   string  `json:"agent"`
	From                    string  `json:"from"`
	To                      string  `json:"to"`
	Points                  int     `json:"points"`
	InitialCash             float64 `json:"initial_cash"`
	FinalValue              float64 `json:"final_value"`
	CumulativeReturnPct     float64 `json:"cumulative_return_pct"`
	AnnualizedReturnPct     float64 `json:"annualized_return_pct"`
	AnnualizedVolatilityPct float64 `json:"annualized_volatility_pct"`
	SharpeRatio             float64 `json:"sharpe_ratio"`
	MaxDrawdownPct          float64 `json:"max_drawdown_pct"`
}

// Performance computes the metrics over the agent's full equity curve.
// The configured initial cash is prepended as the day-zero value so the
// first session's profit or loss counts as a return.
func (s *Service) Performance(ctx context.Context, agent string) (*Performance, error) {
	curve, err := s.EquityCurve(ctx, agent)
	if err != nil {
		return nil, err
	}

	initial := s.initialCashFor(agent)
	values := make([]float64, 0, len(curve)+1)
	if initial > 0 {
		values = append(values, initial)
	}
	for _, p := range curve {
		values = append(values, p.TotalValue)
	}

	perf := &Performance{
		Agent:       agent,
		From:        curve[0].Timestamp,
		To:          curve[len(curve)-1].Timestamp,
		Points:      len(curve),
		InitialCash: initial,
		FinalValue:  curve[len(curve)-1].TotalValue,
	}

	periods := periodsPerYear(domain.SignatureFrequency(agent))
	if initial > 0 {
		perf.CumulativeReturnPct = round2((perf.FinalValue/initial - 1) * 100)
		if perf.FinalValue > 0 {
			years := float64(len(curve)) / periods
			perf.AnnualizedReturnPct = round2((math.Pow(perf.FinalValue/initial, 1/years) - 1) * 100)
		}
	}

	returns := simpleReturns(values)
	if len(returns) >= 2 {
		stdDev := stat.StdDev(returns, nil)
		perf.AnnualizedVolatilityPct = round2(stdDev * math.Sqrt(periods) * 100)
		if stdDev > 0 {
			perf.SharpeRatio = round4(stat.Mean(returns, nil) / stdDev * math.Sqrt(periods))
		}
	}
	perf.MaxDrawdownPct = round2(maxDrawdown(values) * 100)
	return perf, nil
}

// simpleReturns converts a value series to period-over-period returns.
func simpleReturns(values []float64) []float64 {
	if len(values) < 2 {
		return nil
	}
	returns := make([]float64, len(values)-1)
	for i := 1; i < len(values); i++ {
		if values[i-1] != 0 {
			returns[i-1] = (values[i] - values[i-1]) / values[i-1]
		}
	}
	return returns
}

// maxDrawdown walks the value series tracking the running peak and
// returns the deepest loss from a peak as a positive fraction.
func maxDrawdown(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	worst := 0.0
	peak := values[0]
	for _, v := range values {
		if v > peak {
			peak = v
		}
		if peak > 0 {
			if dd := (peak - v) / peak; dd > worst {
				worst = dd
			}
		}
	}
	return worst
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
