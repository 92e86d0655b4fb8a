package billing

import (
	"fmt"

	"iris/internal/types"
)

// Currency is the ISO code all add-on prices are quoted in.
const Currency = "INR"

// MaxAddonQuantity caps a single add-on purchase.
const MaxAddonQuantity = 100

// AddonPrice describes how one add-on pack of a feature is priced and how
// many uses it grants.
type AddonPrice struct {
	Feature    types.Feature
	UnitPrice  int // per pack, in whole rupees
	Multiplier int // uses granted per pack
}

// addonCatalog prices one pack per feature. PDF downloads and AI
// enhancements are sold in packs of 10 and 5 uses respectively.
var addonCatalog = map[types.Feature]AddonPrice{
	types.FeatureResumeAnalyses: {Feature: types.FeatureResumeAnalyses, UnitPrice: 19, Multiplier: 1},
	types.FeatureMockInterviews: {Feature: types.FeatureMockInterviews, UnitPrice: 49, Multiplier: 1},
	types.FeaturePDFDownloads:   {Feature: types.FeaturePDFDownloads, UnitPrice: 9, Multiplier: 10},
	types.FeatureAIEnhance:      {Feature: types.FeatureAIEnhance, UnitPrice: 9, Multiplier: 5},
}

// AddonQuote is the priced result of a prospective purchase.
type AddonQuote struct {
	Feature           types.Feature
	Quantity          int
	EffectiveQuantity int
	UnitPrice         int
	TotalPrice        int
	Currency          string
}

// PriceFor returns the catalog entry for feature.
func PriceFor(feature types.Feature) (AddonPrice, bool) {
	p, ok := addonCatalog[feature]
	return p, ok
}

// Catalog returns every add-on price in feature order.
func Catalog() []AddonPrice {
	out := make([]AddonPrice, 0, len(types.AllFeatures))
	for _, f := range types.AllFeatures {
		out = append(out, addonCatalog[f])
	}
	return out
}

// Quote prices quantity packs of feature.
func Quote(feature types.Feature, quantity int) (AddonQuote, error) {
	price, ok := PriceFor(feature)
	if !ok {
		return AddonQuote{}, types.NewAppErrorWithDetails(
			types.ErrCodeUnknownFeature,
			fmt.Sprintf("no add-on available for feature %q", feature),
			nil,
			map[string]any{"feature": string(feature)},
		)
	}
	if quantity <= 0 || quantity > MaxAddonQuantity {
		return AddonQuote{}, types.NewAppErrorWithDetails(
			types.ErrCodeInvalidQuantity,
			fmt.Sprintf("quantity must be between 1 and %d", MaxAddonQuantity),
			nil,
			map[string]any{"quantity": quantity},
		)
	}

	return AddonQuote{
		Feature:           feature,
		Quantity:          quantity,
		EffectiveQuantity: quantity * price.Multiplier,
		UnitPrice:         price.UnitPrice,
		TotalPrice:        quantity * price.UnitPrice,
		Currency:          Currency,
	}, nil
}
