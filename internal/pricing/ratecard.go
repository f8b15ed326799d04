package pricing

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

var (
	ErrUnknownRate = errors.New("unknown pricing rate")
	ErrUnknownTier = errors.New("unknown subscription tier")
)

var million = decimal.NewFromInt(1_000_000)

// Rate holds vendor prices in USD per million tokens.
type Rate struct {
	Input      decimal.Decimal
	Output     decimal.Decimal
	CacheWrite decimal.Decimal
	CacheRead  decimal.Decimal
}

type Tier struct {
	Name            string
	MonthlyPriceUSD decimal.Decimal
}

// RateCard is the vendor price list and the subscription tier catalog.
type RateCard struct {
	providers map[string]map[string]Rate
	tiers     map[string]Tier
}

type rateCardFile struct {
	Providers map[string]map[string]struct {
		Input      string `yaml:"input"`
		Output     string `yaml:"output"`
		CacheWrite string `yaml:"cache_write"`
		CacheRead  string `yaml:"cache_read"`
	} `yaml:"providers"`
	Tiers map[string]struct {
		MonthlyPriceUSD string `yaml:"monthly_price_usd"`
	} `yaml:"tiers"`
}

func LoadRateCard(path string) (*RateCard, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rate card: %w", err)
	}
	return ParseRateCard(data)
}

// ParseRateCard decodes a YAML rate card. Missing cache prices fall back to the
// input price so cache traffic is never billed below the uncached rate.
func ParseRateCard(data []byte) (*RateCard, error) {
	var f rateCardFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse rate card: %w", err)
	}

	card := &RateCard{
		providers: make(map[string]map[string]Rate),
		tiers:     make(map[string]Tier),
	}

	for prov, models := range f.Providers {
		card.providers[prov] = make(map[string]Rate, len(models))
		for model, r := range models {
			input, err := price(r.Input, prov, model, "input")
			if err != nil {
				return nil, err
			}
			output, err := price(r.Output, prov, model, "output")
			if err != nil {
				return nil, err
			}
			rate := Rate{Input: input, Output: output, CacheWrite: input, CacheRead: input}
			if r.CacheWrite != "" {
				if rate.CacheWrite, err = price(r.CacheWrite, prov, model, "cache_write"); err != nil {
					return nil, err
				}
			}
			if r.CacheRead != "" {
				if rate.CacheRead, err = price(r.CacheRead, prov, model, "cache_read"); err != nil {
					return nil, err
				}
			}
			card.providers[prov][model] = rate
		}
	}

	for name, t := range f.Tiers {
		p, err := decimal.NewFromString(t.MonthlyPriceUSD)
		if err != nil {
			return nil, fmt.Errorf("invalid monthly price for tier %s: %w", name, err)
		}
		if p.IsNegative() {
			return nil, fmt.Errorf("negative monthly price for tier %s", name)
		}
		card.tiers[name] = Tier{Name: name, MonthlyPriceUSD: p}
	}

	return card, nil
}

func price(raw, prov, model, field string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, fmt.Errorf("missing %s price for %s/%s", field, prov, model)
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s price for %s/%s: %w", field, prov, model, err)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("negative %s price for %s/%s", field, prov, model)
	}
	return d, nil
}

// snapshotSuffix matches dated model snapshots such as gpt-4o-2024-08-06.
var snapshotSuffix = regexp.MustCompile(`-\d{4}-\d{2}-\d{2}$`)

// Rate returns the price for (provider, model). Dated snapshots of a listed
// model resolve to the listed model.
func (c *RateCard) Rate(provider, model string) (Rate, error) {
	models, ok := c.providers[provider]
	if !ok {
		return Rate{}, fmt.Errorf("%w: provider %q", ErrUnknownRate, provider)
	}
	if r, ok := models[model]; ok {
		return r, nil
	}
	if base := snapshotSuffix.ReplaceAllString(model, ""); base != model {
		if r, ok := models[base]; ok {
			return r, nil
		}
	}
	return Rate{}, fmt.Errorf("%w: %s/%s", ErrUnknownRate, provider, model)
}

func (c *RateCard) Models(provider string) []string {
	models := make([]string, 0, len(c.providers[provider]))
	for m := range c.providers[provider] {
		models = append(models, m)
	}
	sort.Strings(models)
	return models
}

// Cheapest picks the model with the lowest input price among the given
// providers. Ties keep the earlier provider.
func (c *RateCard) Cheapest(providers []string) (string, string, bool) {
	var (
		bestProvider, bestModel string
		best                    decimal.Decimal
		found                   bool
	)
	for _, p := range providers {
		for _, m := range c.Models(p) {
			r := c.providers[p][m]
			if !found || r.Input.LessThan(best) {
				bestProvider, bestModel, best, found = p, m, r.Input, true
			}
		}
	}
	return bestProvider, bestModel, found
}

func (c *RateCard) Tier(name string) (Tier, error) {
	t, ok := c.tiers[name]
	if !ok {
		return Tier{}, fmt.Errorf("%w: %q", ErrUnknownTier, name)
	}
	return t, nil
}

// MonthlyPrice satisfies the proration price source.
func (c *RateCard) MonthlyPrice(tier string) (decimal.Decimal, error) {
	t, err := c.Tier(tier)
	if err != nil {
		return decimal.Zero, err
	}
	return t.MonthlyPriceUSD, nil
}
