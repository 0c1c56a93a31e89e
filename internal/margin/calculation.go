package margin

import "math/big"

// MarginPrecision scales buffer ratios: a buffer of 2_500 means 25%.
const MarginPrecision = 10_000

var marginPrecision = big.NewInt(MarginPrecision)

// Calculation accumulates collateral and margin requirements across a
// user's spot and perp positions. All monetary values are integer amounts
// in the protocol's quote precision; callers pass them in, the accumulator
// only adds and compares.
type Calculation struct {
	marginBuffer *big.Int

	totalCollateral       *big.Int
	totalCollateralBuffer *big.Int

	marginRequirement           *big.Int
	marginRequirementPlusBuffer *big.Int
	spotMarginRequirement       *big.Int
	perpMarginRequirement       *big.Int
	openOrdersMarginRequirement *big.Int
	trackedMarketRequirement    *big.Int

	numSpotLiabilities int
	numPerpLiabilities int
}

// NewCalculation returns an empty accumulator. marginBuffer may be nil or
// zero for the unbuffered variant.
func NewCalculation(marginBuffer *big.Int) *Calculation {
	c := &Calculation{
		marginBuffer:                new(big.Int),
		totalCollateral:             new(big.Int),
		totalCollateralBuffer:       new(big.Int),
		marginRequirement:           new(big.Int),
		marginRequirementPlusBuffer: new(big.Int),
		spotMarginRequirement:       new(big.Int),
		perpMarginRequirement:       new(big.Int),
		openOrdersMarginRequirement: new(big.Int),
		trackedMarketRequirement:    new(big.Int),
	}
	if marginBuffer != nil {
		c.marginBuffer.Set(marginBuffer)
	}
	return c
}

func (c *Calculation) buffered() bool {
	return c.marginBuffer.Sign() > 0
}

// AddTotalCollateral adds v to total collateral. Negative collateral also
// accrues into the buffer bucket, scaled by the margin buffer ratio.
func (c *Calculation) AddTotalCollateral(v *big.Int) {
	c.totalCollateral.Add(c.totalCollateral, v)
	if c.buffered() && v.Sign() < 0 {
		buf := new(big.Int).Mul(v, c.marginBuffer)
		buf.Div(buf, marginPrecision)
		c.totalCollateralBuffer.Add(c.totalCollateralBuffer, buf)
	}
}

// AddMarginRequirement adds a position's requirement. liabilityValue feeds
// the buffered requirement; trackMarket additionally accrues into the
// tracked-market bucket.
func (c *Calculation) AddMarginRequirement(requirement, liabilityValue *big.Int, isSpot, trackMarket bool) {
	c.marginRequirement.Add(c.marginRequirement, requirement)
	if isSpot {
		c.spotMarginRequirement.Add(c.spotMarginRequirement, requirement)
	} else {
		c.perpMarginRequirement.Add(c.perpMarginRequirement, requirement)
	}

	if c.buffered() {
		buf := new(big.Int).Mul(liabilityValue, c.marginBuffer)
		buf.Div(buf, marginPrecision)
		buf.Add(buf, requirement)
		c.marginRequirementPlusBuffer.Add(c.marginRequirementPlusBuffer, buf)
	}

	if trackMarket {
		c.trackedMarketRequirement.Add(c.trackedMarketRequirement, requirement)
	}
}

// AddOpenOrdersMarginRequirement accrues the requirement attributable to
// resting orders.
func (c *Calculation) AddOpenOrdersMarginRequirement(requirement *big.Int) {
	c.openOrdersMarginRequirement.Add(c.openOrdersMarginRequirement, requirement)
}

func (c *Calculation) AddSpotLiability() { c.numSpotLiabilities++ }
func (c *Calculation) AddPerpLiability() { c.numPerpLiabilities++ }

func (c *Calculation) TotalCollateral() *big.Int    { return new(big.Int).Set(c.totalCollateral) }
func (c *Calculation) MarginRequirement() *big.Int  { return new(big.Int).Set(c.marginRequirement) }
func (c *Calculation) SpotRequirement() *big.Int    { return new(big.Int).Set(c.spotMarginRequirement) }
func (c *Calculation) PerpRequirement() *big.Int    { return new(big.Int).Set(c.perpMarginRequirement) }
func (c *Calculation) NumSpotLiabilities() int      { return c.numSpotLiabilities }
func (c *Calculation) NumPerpLiabilities() int      { return c.numPerpLiabilities }
func (c *Calculation) OpenOrdersRequirement() *big.Int {
	return new(big.Int).Set(c.openOrdersMarginRequirement)
}
func (c *Calculation) TrackedMarketRequirement() *big.Int {
	return new(big.Int).Set(c.trackedMarketRequirement)
}

// TotalCollateralPlusBuffer returns collateral including the buffered
// penalty on negative contributions.
func (c *Calculation) TotalCollateralPlusBuffer() *big.Int {
	return new(big.Int).Add(c.totalCollateral, c.totalCollateralBuffer)
}

// MeetsMarginRequirement reports whether collateral covers the unbuffered
// requirement.
func (c *Calculation) MeetsMarginRequirement() bool {
	return c.totalCollateral.Cmp(c.marginRequirement) >= 0
}

// MeetsMarginRequirementWithBuffer reports whether buffered collateral
// covers the buffered requirement.
func (c *Calculation) MeetsMarginRequirementWithBuffer() bool {
	return c.TotalCollateralPlusBuffer().Cmp(c.marginRequirementPlusBuffer) >= 0
}

// CanExitLiquidation is the buffered check; a liquidated user must clear
// the buffer, not just the bare requirement.
func (c *Calculation) CanExitLiquidation() bool {
	return c.MeetsMarginRequirementWithBuffer()
}

// FreeCollateral returns collateral minus requirement (may be negative).
func (c *Calculation) FreeCollateral() *big.Int {
	return new(big.Int).Sub(c.totalCollateral, c.marginRequirement)
}

// MarginShortage returns requirement minus collateral, floored at zero.
func (c *Calculation) MarginShortage() *big.Int {
	short := new(big.Int).Sub(c.marginRequirement, c.totalCollateral)
	if short.Sign() < 0 {
		return new(big.Int)
	}
	return short
}
