package seeder

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/vnmchuo/llm-metering/internal/auth"
	"github.com/vnmchuo/llm-metering/internal/ledger"
	"github.com/vnmchuo/llm-metering/internal/pricing"
	"github.com/vnmchuo/llm-metering/internal/subscription"
)

const (
	TestAPIKey         = "test-api-key-12345"
	TestUserID         = "00000000-0000-0000-0000-000000000001"
	TestSubscriptionID = "00000000-0000-0000-0000-000000000101"
	TestTier           = "pro"
	TestGrantCredits   = 10000
)

type Allocator interface {
	Allocate(ctx context.Context, a *ledger.Allocation) (*ledger.Allocation, bool, error)
}

type PricingRules interface {
	Supersede(ctx context.Context, rule *pricing.Rule) error
	List(ctx context.Context) ([]pricing.Rule, error)
}

type Deps struct {
	Keys          auth.Store
	Pricing       PricingRules
	Subscriptions subscription.Store
	Ledger        Allocator
}

// Seed creates a development user: an API key, a subscription on TestTier
// for the current month, its credit grant and a global pricing default when
// none exists. Every step is safe to repeat.
func Seed(ctx context.Context, d Deps) error {
	SeedTestAPIKey(ctx, d.Keys)

	if err := seedPricingDefault(ctx, d.Pricing); err != nil {
		return err
	}

	now := time.Now().UTC()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)

	sub := &subscription.Subscription{
		ID:          TestSubscriptionID,
		UserID:      TestUserID,
		Tier:        TestTier,
		PeriodStart: start,
		PeriodEnd:   end,
	}
	if err := d.Subscriptions.Upsert(ctx, sub); err != nil {
		return err
	}

	_, applied, err := d.Ledger.Allocate(ctx, &ledger.Allocation{
		UserID:         TestUserID,
		Source:         ledger.SourceSubscription,
		Amount:         TestGrantCredits,
		SubscriptionID: TestSubscriptionID,
		PeriodStart:    &start,
		PeriodEnd:      &end,
		Reason:         "seed subscription grant",
	})
	if err != nil {
		return err
	}
	if applied {
		log.WithFields(log.Fields{
			"user_id": TestUserID,
			"credits": TestGrantCredits,
		}).Info("[Seeder] subscription credits granted")
	}
	return nil
}

func SeedTestAPIKey(ctx context.Context, store auth.Store) {
	apiKey := &auth.APIKey{
		UserID:    TestUserID,
		KeyHash:   auth.HashKey(TestAPIKey),
		RateLimit: 1000000,
		Active:    true,
	}

	err := store.Create(ctx, apiKey)
	if err != nil {
		log.WithError(err).Info("[Seeder] API key may already exist, skipping")
		return
	}
	log.WithFields(log.Fields{
		"key":     TestAPIKey,
		"user_id": TestUserID,
	}).Info("[Seeder] Test API key created successfully")
}

func seedPricingDefault(ctx context.Context, rules PricingRules) error {
	existing, err := rules.List(ctx)
	if err != nil {
		return err
	}
	for _, r := range existing {
		if r.Scope == pricing.ScopeGlobal && r.EffectiveUntil == nil {
			return nil
		}
	}

	err = rules.Supersede(ctx, &pricing.Rule{
		Scope:      pricing.ScopeGlobal,
		Multiplier: decimal.NewFromInt(1),
	})
	if err != nil {
		return err
	}
	log.Info("[Seeder] global pricing default created")
	return nil
}
