package ingest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/transform"

	"github.com/renqi/tradewind/internal/domain"
)

const (
	sinaBaseURL = "https://hq.sinajs.cn/list="
	// sinaBatchSize keeps request URLs well under proxy limits.
	sinaBatchSize = 100
)

// SinaQuotes fetches realtime A-share quotes from the Sina HQ endpoint.
// The response is GBK-encoded JavaScript assignments, one per symbol:
//
//	var hq_str_sh600519="贵州茅台,open,prev_close,price,high,low,...";
type SinaQuotes struct {
	baseURL string
	client  *http.Client
	log     zerolog.Logger
}

// NewSinaQuotes creates a Sina realtime quote client.
func NewSinaQuotes(log zerolog.Logger) *SinaQuotes {
	return &SinaQuotes{
		baseURL: sinaBaseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		log:     log.With().Str("client", "sina").Logger(),
	}
}

// RealtimeQuotes returns quotes keyed by exchange-qualified symbol.
// Symbols the endpoint does not answer for are absent from the result,
// not an error.
func (s *SinaQuotes) RealtimeQuotes(ctx context.Context, symbols []string) (map[string]domain.Quote, error) {
	quotes := make(map[string]domain.Quote, len(symbols))

	for start := 0; start < len(symbols); start += sinaBatchSize {
		end := start + sinaBatchSize
		if end > len(symbols) {
			end = len(symbols)
		}
		if err := s.fetchBatch(ctx, symbols[start:end], quotes); err != nil {
			return nil, err
		}
	}

	s.log.Debug().Int("requested", len(symbols)).Int("quoted", len(quotes)).Msg("Fetched realtime quotes")
	return quotes, nil
}

func (s *SinaQuotes) fetchBatch(ctx context.Context, symbols []string, quotes map[string]domain.Quote) error {
	codes := make([]string, 0, len(symbols))
	bySina := make(map[string]string, len(symbols))
	for _, sym := range symbols {
		code := sinaCode(sym)
		codes = append(codes, code)
		bySina[code] = domain.NormalizeCode(sym)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", s.baseURL+strings.Join(codes, ","), nil)
	if err != nil {
		return fmt.Errorf("failed to create quote request: %w", err)
	}
	// The endpoint rejects requests without a Sina referer
	req.Header.Set("Referer", "https://finance.sina.com.cn")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("quote request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("quote endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(transform.NewReader(resp.Body, simplifiedchinese.GBK.NewDecoder()))
	if err != nil {
		return fmt.Errorf("failed to read quote response: %w", err)
	}

	for _, line := range strings.Split(string(body), "\n") {
		code, quote, ok := parseSinaLine(line)
		if !ok {
			continue
		}
		symbol, known := bySina[code]
		if !known {
			continue
		}
		quote.Symbol = symbol
		quotes[symbol] = quote
	}
	return nil
}

// parseSinaLine parses one `var hq_str_<code>="...";` assignment.
// Lines with empty payloads (unknown or delisted codes) report !ok.
func parseSinaLine(line string) (string, domain.Quote, bool) {
	line = strings.TrimSpace(line)
	const prefix = "var hq_str_"
	if !strings.HasPrefix(line, prefix) {
		return "", domain.Quote{}, false
	}

	eq := strings.Index(line, "=")
	if eq < 0 {
		return "", domain.Quote{}, false
	}
	code := line[len(prefix):eq]

	payload := strings.Trim(strings.TrimSuffix(line[eq+1:], ";"), `"`)
	fields := strings.Split(payload, ",")
	if len(fields) < 10 {
		return "", domain.Quote{}, false
	}

	q := domain.Quote{
		Name:      fields[0],
		Open:      sinaFloat(fields[1]),
		PrevClose: sinaFloat(fields[2]),
		Price:     sinaFloat(fields[3]),
		High:      sinaFloat(fields[4]),
		Low:       sinaFloat(fields[5]),
		Volume:    sinaFloat(fields[8]),
	}
	return code, q, true
}

func sinaFloat(s string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f
}

// sinaCode converts an exchange-qualified symbol to Sina's market-prefixed
// form: 600519.SH -> sh600519.
func sinaCode(symbol string) string {
	norm := domain.NormalizeCode(symbol)
	bare := domain.BareCode(norm)
	switch {
	case strings.HasSuffix(norm, ".SH"):
		return "sh" + bare
	case strings.HasSuffix(norm, ".BJ"):
		return "bj" + bare
	default:
		return "sz" + bare
	}
}
