// Package static serves provider records supplied through configuration.
// It backs offline runs and fixtures.
package static

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"YieldScout/internal/config"
	"YieldScout/internal/domain"
	"YieldScout/internal/provider"
)

// Source emits a fixed list of records.
type Source struct {
	id       string
	coverage provider.Coverage
	now      func() time.Time

	mu      sync.RWMutex
	records []domain.RawRecord
}

// New creates a static source.
func New(id string, protocols []string, records []domain.RawRecord) *Source {
	s := &Source{id: id, coverage: provider.NewCoverage(protocols), now: time.Now}
	s.Replace(records)
	return s
}

// Factory builds a static source from configuration.
func Factory(_ context.Context, cfg config.ProviderConfig) (provider.Adapter, error) {
	records := make([]domain.RawRecord, 0, len(cfg.Records))
	for _, rec := range cfg.Records {
		components := make([]domain.APRComponent, 0, len(rec.Components))
		for _, c := range rec.Components {
			convention := domain.ConventionAPY
			if strings.EqualFold(c.Convention, string(domain.ConventionAPR)) {
				convention = domain.ConventionAPR
			}
			components = append(components, domain.APRComponent{
				Name:           c.Name,
				Rate:           decimal.NewFromFloat(c.Rate),
				Convention:     convention,
				PeriodsPerYear: c.PeriodsPerYear,
			})
		}
		records = append(records, domain.RawRecord{
			ProtocolID:    rec.Protocol,
			PoolID:        rec.Pool,
			Chain:         rec.Chain,
			AssetSymbols:  rec.Assets,
			APYRaw:        decimal.NewFromFloat(rec.APY),
			APRComponents: components,
			TVLUSD:        decimal.NewFromFloat(rec.TVLUSD),
			AuditRefs:     rec.Audits,
			Stablecoin:    rec.Stablecoin,
		})
	}
	return New(cfg.ID, cfg.Protocols, records), nil
}

// ID implements provider.Adapter.
func (s *Source) ID() string { return s.id }

// Covers implements provider.Adapter.
func (s *Source) Covers(protocolID string) bool { return s.coverage.Covers(protocolID) }

// Replace swaps the served records. Records without an observation time are stamped at fetch time.
func (s *Source) Replace(records []domain.RawRecord) {
	copied := make([]domain.RawRecord, len(records))
	copy(copied, records)
	s.mu.Lock()
	s.records = copied
	s.mu.Unlock()
}

// Fetch implements provider.Adapter.
func (s *Source) Fetch(ctx context.Context, scope domain.ScopeEntry) ([]domain.RawRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, provider.Failure(s.id, err, "静态数据源调用已取消")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now().UTC()
	out := make([]domain.RawRecord, 0, len(s.records))
	for _, rec := range s.records {
		if !s.coverage.Covers(rec.ProtocolID) || !scope.Matches(rec.Ref()) {
			continue
		}
		rec.ProviderID = s.id
		if rec.ObservedAt.IsZero() {
			rec.ObservedAt = now
		}
		rec.AssetSymbols = append([]string(nil), rec.AssetSymbols...)
		rec.AuditRefs = append([]string(nil), rec.AuditRefs...)
		rec.APRComponents = append([]domain.APRComponent(nil), rec.APRComponents...)
		out = append(out, rec)
	}
	return out, nil
}

var _ provider.Adapter = (*Source)(nil)
