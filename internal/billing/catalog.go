package billing

import (
	"sort"

	"github.com/PortNumber53/apelier/backend/internal/models"
)

// Plan is a purchasable tier and its provider identifiers.
type Plan struct {
	Tier         models.Tier `json:"tier"`
	Name         string      `json:"name"`
	PriceID      string      `json:"price_id"`
	ProductID    string      `json:"product_id"`
	MonthlyCents int64       `json:"monthly_cents"`
	Currency     string      `json:"currency"`
	Limit        int         `json:"limit"`
}

// Catalog resolves provider price and product references to tiers.
type Catalog struct {
	plans     map[models.Tier]Plan
	byPrice   map[string]models.Tier
	byProduct map[string]models.Tier
}

// NewCatalog indexes the given plans. Non-paid tiers are ignored.
func NewCatalog(plans ...Plan) *Catalog {
	c := &Catalog{
		plans:     make(map[models.Tier]Plan, len(plans)),
		byPrice:   make(map[string]models.Tier, len(plans)),
		byProduct: make(map[string]models.Tier, len(plans)),
	}
	for _, p := range plans {
		if !p.Tier.IsPaid() {
			continue
		}
		p.Limit = LimitForTier(p.Tier)
		c.plans[p.Tier] = p
		if p.PriceID != "" {
			c.byPrice[p.PriceID] = p.Tier
		}
		if p.ProductID != "" {
			c.byProduct[p.ProductID] = p.Tier
		}
	}
	return c
}

// TierForPrice resolves a price id first, then a product id.
func (c *Catalog) TierForPrice(priceID, productID string) (models.Tier, bool) {
	if t, ok := c.byPrice[priceID]; ok && priceID != "" {
		return t, true
	}
	if t, ok := c.byProduct[productID]; ok && productID != "" {
		return t, true
	}
	return "", false
}

// Plan returns the plan for a paid tier.
func (c *Catalog) Plan(tier models.Tier) (Plan, bool) {
	p, ok := c.plans[tier]
	return p, ok
}

// Plans lists configured plans from cheapest to most expensive.
func (c *Catalog) Plans() []Plan {
	out := make([]Plan, 0, len(c.plans))
	for _, p := range c.plans {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Limit < out[j].Limit })
	return out
}
