package billing

import "github.com/tradeboard/tradeboard/internal/access"

// Plan is a purchasable subscription tier.
type Plan struct {
	Tier     access.Tier `json:"tier"`
	Name     string      `json:"name"`
	PriceID  string      `json:"price_id,omitempty"`
	Features []string    `json:"features"`
}

var defaultPlans = []Plan{
	{
		Tier: access.TierFree,
		Name: "Free",
		Features: []string{
			"Market overview and token lists",
			"Public news and signal teasers",
		},
	},
	{
		Tier: access.TierPro,
		Name: "Pro",
		Features: []string{
			"Full pro signals with entries, targets and stops",
			"Premium news analysis",
			"Live signal dashboard",
		},
	},
	{
		Tier: access.TierElite,
		Name: "Elite",
		Features: []string{
			"Everything in Pro",
			"Elite analyst signals",
			"Early access to new strategies",
		},
	},
}

// Plans maps tiers to provider price ids and back.
type Plans struct {
	plans   []Plan
	byPrice map[string]access.Tier
}

// NewPlans builds the plan table. A paid tier without a price id is listed
// but cannot be purchased.
func NewPlans(proPriceID, elitePriceID string) *Plans {
	p := &Plans{byPrice: make(map[string]access.Tier)}
	for _, plan := range defaultPlans {
		switch plan.Tier {
		case access.TierPro:
			plan.PriceID = proPriceID
		case access.TierElite:
			plan.PriceID = elitePriceID
		}
		if plan.PriceID != "" {
			p.byPrice[plan.PriceID] = plan.Tier
		}
		p.plans = append(p.plans, plan)
	}
	return p
}

// List returns every plan in ascending tier order.
func (p *Plans) List() []Plan {
	return append([]Plan(nil), p.plans...)
}

// GetPlan returns the plan for tier.
func (p *Plans) GetPlan(tier access.Tier) (Plan, bool) {
	for _, plan := range p.plans {
		if plan.Tier == tier {
			return plan, true
		}
	}
	return Plan{}, false
}

// TierForPrice maps a price id to its tier. An unrecognized price on a paid
// subscription is treated as pro.
func (p *Plans) TierForPrice(priceID string) access.Tier {
	if t, ok := p.byPrice[priceID]; ok {
		return t
	}
	return access.TierPro
}
