// internal/vetting/safety.go
package vetting

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rovshanmuradov/sniper-core/internal/lifecycle"
)

// Canonical failure markers. The raw risk names from the report vary; the
// verdict carries these so downstream consumers can match on them.
const (
	FailureHoneypot  = "HONEYPOT"
	FailureMint      = "MINT"
	FailureFreeze    = "FREEZE"
	FailureRug       = "RUG"
	FailureRiskScore = "RISK_SCORE"
	FailureTopHolder = "TOP_HOLDER"
)

// SafetyConfig tunes the report evaluation.
type SafetyConfig struct {
	// BaseURL of the report service, rugcheck-compatible.
	BaseURL        string
	RequestTimeout time.Duration
	// MaxRiskScore is the report-scale ceiling; above it the token fails.
	MaxRiskScore float64
	// MaxTopHolderPct fails tokens where one wallet holds more than this
	// share of supply.
	MaxTopHolderPct float64
}

func (c *SafetyConfig) setDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "https://api.rugcheck.xyz/v1"
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 5 * time.Second
	}
	if c.MaxRiskScore <= 0 {
		c.MaxRiskScore = 50
	}
	if c.MaxTopHolderPct <= 0 {
		c.MaxTopHolderPct = 15
	}
}

// tokenReport is the slice of the report payload the verdict needs.
type tokenReport struct {
	TokenMeta struct {
		Name   string `json:"name"`
		Symbol string `json:"symbol"`
	} `json:"tokenMeta"`
	Score float64 `json:"score"`
	Risks []struct {
		Name        string `json:"name"`
		Level       string `json:"level"`
		Description string `json:"description"`
	} `json:"risks"`
	TopHolders []struct {
		Address string  `json:"address"`
		Pct     float64 `json:"pct"`
	} `json:"topHolders"`
}

// ReportEvaluator turns a token report into a go / no-go verdict: named
// critical risks, an overall risk-score ceiling, and a top-holder
// concentration cap. The verdict's RiskScore carries the report's raw
// score; the scorer normalizes it.
type ReportEvaluator struct {
	http   *http.Client
	cfg    SafetyConfig
	logger *zap.Logger
}

func NewReportEvaluator(cfg SafetyConfig, logger *zap.Logger) *ReportEvaluator {
	cfg.setDefaults()
	return &ReportEvaluator{
		http:   &http.Client{Timeout: cfg.RequestTimeout},
		cfg:    cfg,
		logger: logger.Named("safety"),
	}
}

func (e *ReportEvaluator) Evaluate(ctx context.Context, token lifecycle.TokenRecord) (lifecycle.SafetyVerdict, error) {
	report, err := e.fetchReport(ctx, token.Mint)
	if err != nil {
		return lifecycle.SafetyVerdict{}, err
	}

	var failures []string
	for _, risk := range report.Risks {
		level := strings.ToLower(risk.Level)
		if level != "critical" && level != "high" {
			continue
		}
		if marker := canonicalRisk(risk.Name); marker != "" {
			failures = append(failures, marker)
			e.logger.Warn("Named risk flagged",
				zap.String("mint", token.Mint),
				zap.String("risk", risk.Name),
				zap.String("level", risk.Level))
		}
	}

	if report.Score > e.cfg.MaxRiskScore {
		failures = append(failures, fmt.Sprintf("%s %.0f", FailureRiskScore, report.Score))
	}

	var topHolder float64
	for _, h := range report.TopHolders {
		if h.Pct > topHolder {
			topHolder = h.Pct
		}
	}
	if topHolder > e.cfg.MaxTopHolderPct {
		failures = append(failures, fmt.Sprintf("%s %.1f%%", FailureTopHolder, topHolder))
	}

	verdict := lifecycle.SafetyVerdict{
		Passed:    len(failures) == 0,
		Failures:  failures,
		RiskScore: report.Score,
	}

	e.logger.Debug("Safety verdict",
		zap.String("mint", token.Mint),
		zap.String("symbol", report.TokenMeta.Symbol),
		zap.Bool("passed", verdict.Passed),
		zap.Float64("score", report.Score),
		zap.Float64("top_holder_pct", topHolder),
		zap.Strings("failures", failures))

	return verdict, nil
}

func (e *ReportEvaluator) fetchReport(ctx context.Context, mint string) (*tokenReport, error) {
	url := fmt.Sprintf("%s/tokens/%s/report", e.cfg.BaseURL, mint)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := e.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch report: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("report status %d: %s", resp.StatusCode, string(body))
	}

	var report tokenReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	return &report, nil
}

// canonicalRisk maps a named risk onto its marker, or "" when the risk is
// not one the pipeline hard-fails on.
func canonicalRisk(name string) string {
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "honeypot"):
		return FailureHoneypot
	case strings.Contains(lower, "mint"):
		return FailureMint
	case strings.Contains(lower, "freeze"):
		return FailureFreeze
	case strings.Contains(lower, "rug"):
		return FailureRug
	default:
		return ""
	}
}

var _ lifecycle.SafetyEvaluator = (*ReportEvaluator)(nil)
