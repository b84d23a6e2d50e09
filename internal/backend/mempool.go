package backend

import (
	"context"
	"strings"
)

// MempoolProvider implements Provider against mempool.space instances. The
// REST surface is esplora-compatible except for fee estimation, where the
// /v1/fees/recommended endpoint gives better answers than /fee-estimates.
type MempoolProvider struct {
	*EsploraProvider
}

// NewMempoolProvider creates a provider for a mempool.space base URL.
func NewMempoolProvider(baseURL string) *MempoolProvider {
	return &MempoolProvider{EsploraProvider: NewEsploraProvider(baseURL)}
}

// GetFeeEstimates maps mempool.space's recommended fees onto confirmation
// targets: fastest=1, half hour=3, hour=6, economy=144.
func (m *MempoolProvider) GetFeeEstimates(ctx context.Context) (FeeEstimates, error) {
	var raw struct {
		FastestFee  float64 `json:"fastestFee"`
		HalfHourFee float64 `json:"halfHourFee"`
		HourFee     float64 `json:"hourFee"`
		EconomyFee  float64 `json:"economyFee"`
	}
	if err := m.get(ctx, "/v1/fees/recommended", &raw); err != nil {
		return nil, err
	}

	estimates := make(FeeEstimates, 4)
	for target, rate := range map[int]float64{
		1:   raw.FastestFee,
		3:   raw.HalfHourFee,
		6:   raw.HourFee,
		144: raw.EconomyFee,
	} {
		if rate > 0 {
			estimates[target] = rate
		}
	}
	return estimates, nil
}

// IsMempoolURL reports whether a provider base URL points at a mempool.space
// style instance.
func IsMempoolURL(baseURL string) bool {
	return strings.Contains(baseURL, "mempool.")
}

var _ Provider = (*MempoolProvider)(nil)
