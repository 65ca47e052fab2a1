// Package billing owns payments, subscriptions, and refunds: the checkout
// flow that sends users to the payment provider, and the webhook dispatcher
// that folds provider events back into local state and the credit ledger.
package billing

import "errors"

// ErrUnknownProduct is returned for product ids outside the catalog.
var ErrUnknownProduct = errors.New("billing: unknown product")

// ErrPlanNotPurchasable is returned for plans sold off-platform.
var ErrPlanNotPurchasable = errors.New("billing: plan uses custom pricing")

// CreditPackage is a one-time purchasable credit bundle.
type CreditPackage struct {
	ProductID  string
	Name       string
	Credits    int64
	PriceCents int64
}

// Plan is a recurring subscription tier. MonthlyCredits of -1 means
// unlimited. CustomPricing plans are negotiated with sales and cannot be
// bought through checkout.
type Plan struct {
	ID             string
	Name           string
	PriceCents     int64
	MonthlyCredits int64
	CustomPricing  bool
}

// UnlimitedCredits marks plans without a monthly grant cap.
const UnlimitedCredits = int64(-1)

var creditPackages = []CreditPackage{
	{ProductID: "pdt_Yx6bTyxVG2e02BeXAsb9i", Name: "Starter", Credits: 50, PriceCents: 499},
	{ProductID: "pdt_QI7mLpKaeGrFNijDk2Jvw", Name: "Creator", Credits: 100, PriceCents: 899},
	{ProductID: "pdt_tCVkKlzGiZsW4OpLQrD2i", Name: "Studio", Credits: 500, PriceCents: 3999},
	{ProductID: "pdt_PpGUI8HB2jN1feXbwjqI0", Name: "Agency", Credits: 1000, PriceCents: 6999},
}

var plans = []Plan{
	{ID: "plan_free", Name: "Free", PriceCents: 0, MonthlyCredits: 10},
	{ID: "plan_basic_monthly", Name: "Basic", PriceCents: 999, MonthlyCredits: 100},
	{ID: "plan_pro_monthly", Name: "Pro", PriceCents: 2999, MonthlyCredits: 500},
	{ID: "plan_enterprise_monthly", Name: "Enterprise", MonthlyCredits: UnlimitedCredits, CustomPricing: true},
}

// CreditPackages returns the purchasable bundles in display order.
func CreditPackages() []CreditPackage {
	packages := make([]CreditPackage, len(creditPackages))
	copy(packages, creditPackages)
	return packages
}

// Plans returns the subscription tiers in display order.
func Plans() []Plan {
	tiers := make([]Plan, len(plans))
	copy(tiers, plans)
	return tiers
}

// PackageByProductID resolves a provider product id to its catalog entry.
func PackageByProductID(productID string) (CreditPackage, error) {
	for _, creditPackage := range creditPackages {
		if creditPackage.ProductID == productID {
			return creditPackage, nil
		}
	}
	return CreditPackage{}, ErrUnknownProduct
}

// PlanByID resolves a plan id to its catalog entry.
func PlanByID(planID string) (Plan, error) {
	for _, plan := range plans {
		if plan.ID == planID {
			return plan, nil
		}
	}
	return Plan{}, ErrUnknownProduct
}
