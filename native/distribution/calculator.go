package distribution

import (
	"fmt"
	"math/big"
	"sort"

	"vaultdist/native/vault"
)

// Compute derives the full allocation for a vault from its closed-window
// totals and confirmed source transactions. The function holds no state and
// may be replayed with historical totals; the reconciliation engine depends
// on that.
//
// Order of operations follows the settlement contract: fully-diluted
// valuation, liquidity-pool split, pair-multiplier normalization, acquirer
// allocations at the vault-wide minimum multiplier, contributor allocations.
func Compute(params Params, totals Totals, acquisitions []Acquisition, contributions []Contribution) (*Result, error) {
	if totals.Supply == nil || totals.Supply.Sign() <= 0 {
		return nil, ErrNilSupply
	}
	if totals.AcquirerBps == 0 || totals.AcquirerBps > vault.BpsDenominator || totals.LiquidityBps >= vault.BpsDenominator {
		return nil, fmt.Errorf("%w: acquirer=%d liquidity=%d", ErrInvalidShares, totals.AcquirerBps, totals.LiquidityBps)
	}
	if (totals.Acquired != nil && totals.Acquired.Sign() < 0) || (totals.Contributed != nil && totals.Contributed.Sign() < 0) {
		return nil, ErrNegativeTotal
	}

	unitScale := new(big.Rat).SetUint64(params.unitScale())
	supply := ratFromInt(totals.Supply)
	acquired := big.NewInt(0)
	if totals.Acquired != nil {
		acquired = totals.Acquired
	}
	contributed := big.NewInt(0)
	if totals.Contributed != nil {
		contributed = totals.Contributed
	}
	// Display-unit totals drive the valuation formulas; smallest units drive
	// the per-transaction floors.
	acquiredDisplay := new(big.Rat).Quo(ratFromInt(acquired), unitScale)
	contributedDisplay := new(big.Rat).Quo(ratFromInt(contributed), unitScale)

	acquirerShare := bpsRat(totals.AcquirerBps)
	liquidityShare := bpsRat(totals.LiquidityBps)

	// Step 1: fully-diluted valuation.
	fdv := new(big.Rat).Set(contributedDisplay)
	if acquired.Sign() > 0 {
		fdv = RoundHighPrecision(new(big.Rat).Quo(acquiredDisplay, acquirerShare))
	}

	// Step 2: liquidity-pool split. Half the LP share in currency, half in
	// tokens.
	half := big.NewRat(1, 2)
	lpCurrency := RoundHighPrecision(mulRats(fdv, liquidityShare, half))
	lpTokens := RoundHighPrecision(mulRats(supply, liquidityShare, half))

	lp := LPAllocation{
		Tokens:         FloorToUnit(lpTokens),
		Currency:       FloorToUnit(new(big.Rat).Mul(lpCurrency, unitScale)),
		PairMultiplier: big.NewInt(0),
		AdjustedTokens: big.NewInt(0),
	}
	// Steps 3 and 4: reference price and pair-multiplier normalization.
	// A vault without LP tokens has no pair to normalize.
	if lpTokens.Sign() > 0 {
		lp.ReferencePrice = new(big.Rat).Quo(lpCurrency, lpTokens)
		if acquired.Sign() > 0 {
			lp.PairMultiplier = floorDiv(lpTokens, ratFromInt(acquired))
			lp.AdjustedTokens = new(big.Int).Mul(lp.PairMultiplier, acquired)
		}
	}

	result := &Result{
		FDV:          fdv,
		LP:           lp,
		Acquirers:    make([]AcquirerAllocation, 0, len(acquisitions)),
		Contributors: make([]ContributorAllocation, 0, len(contributions)),
	}

	supplyAfterLP := new(big.Rat).Sub(supply, lpTokens)

	// Step 5: acquirer allocations. Every acquirer settles at the minimum
	// multiplier across the vault, so tokens/sent is uniform and nobody
	// receives a worse effective price than anyone else.
	if acquired.Sign() > 0 {
		ordered := make([]Acquisition, len(acquisitions))
		copy(ordered, acquisitions)
		sort.Slice(ordered, func(i, j int) bool { return ordered[i].TxID < ordered[j].TxID })

		var minMultiplier *big.Int
		multipliers := make([]*big.Int, len(ordered))
		for i, acq := range ordered {
			if acq.Amount != nil && acq.Amount.Sign() < 0 {
				return nil, fmt.Errorf("%w: acquisition %s", ErrNegativeAmount, acq.TxID)
			}
			if acq.Amount == nil || acq.Amount.Sign() == 0 {
				multipliers[i] = big.NewInt(0)
				continue
			}
			sent := ratFromInt(acq.Amount)
			pct := RoundHighPrecision(new(big.Rat).Quo(sent, ratFromInt(acquired)))
			raw := RoundHighPrecision(mulRats(pct, acquirerShare, supplyAfterLP))
			multipliers[i] = floorDiv(raw, sent)
			if minMultiplier == nil || multipliers[i].Cmp(minMultiplier) < 0 {
				minMultiplier = multipliers[i]
			}
		}
		if minMultiplier == nil {
			minMultiplier = big.NewInt(0)
		}
		for _, acq := range ordered {
			amount := big.NewInt(0)
			if acq.Amount != nil {
				amount = acq.Amount
			}
			result.Acquirers = append(result.Acquirers, AcquirerAllocation{
				TxID:        acq.TxID,
				Participant: acq.Participant,
				Tokens:      new(big.Int).Mul(minMultiplier, amount),
				Multiplier:  new(big.Int).Set(minMultiplier),
			})
		}
	}

	// Step 6: contributor allocations, proportional within each
	// participant's transactions and across the vault's assessed total.
	if len(contributions) > 0 {
		ordered := make([]Contribution, len(contributions))
		copy(ordered, contributions)
		sort.Slice(ordered, func(i, j int) bool { return ordered[i].TxID < ordered[j].TxID })

		participantTotals := make(map[string]*big.Int)
		for _, con := range ordered {
			if con.Assessed != nil && con.Assessed.Sign() < 0 {
				return nil, fmt.Errorf("%w: contribution %s", ErrNegativeAmount, con.TxID)
			}
			total, ok := participantTotals[con.Participant]
			if !ok {
				total = big.NewInt(0)
				participantTotals[con.Participant] = total
			}
			if con.Assessed != nil {
				total.Add(total, con.Assessed)
			}
		}

		contributorShare := new(big.Rat).Sub(big.NewRat(1, 1), acquirerShare)
		currencyPool := new(big.Rat).Sub(acquiredDisplay, lpCurrency)
		if currencyPool.Sign() < 0 {
			currencyPool = new(big.Rat)
		}
		for _, con := range ordered {
			tokens := big.NewInt(0)
			currency := big.NewInt(0)
			userTotal := participantTotals[con.Participant]
			// Zero denominators short-circuit the allocation to zero
			// instead of propagating.
			if contributed.Sign() > 0 && userTotal.Sign() > 0 && con.Assessed != nil && con.Assessed.Sign() > 0 {
				proportion := new(big.Rat).Quo(ratFromInt(con.Assessed), ratFromInt(userTotal))
				share := new(big.Rat).Quo(ratFromInt(userTotal), ratFromInt(contributed))
				userTokens := RoundHighPrecision(mulRats(supplyAfterLP, contributorShare, share))
				tokens = FloorToUnit(new(big.Rat).Mul(userTokens, proportion))
				currency = FloorToUnit(mulRats(share, currencyPool, proportion, unitScale))
			}
			result.Contributors = append(result.Contributors, ContributorAllocation{
				TxID:        con.TxID,
				Participant: con.Participant,
				Tokens:      tokens,
				Currency:    currency,
			})
		}
	}

	residual := new(big.Int).Sub(totals.Supply, result.LP.Tokens)
	for _, alloc := range result.Acquirers {
		residual.Sub(residual, alloc.Tokens)
	}
	for _, alloc := range result.Contributors {
		residual.Sub(residual, alloc.Tokens)
	}
	if residual.Sign() < 0 {
		residual = big.NewInt(0)
	}
	result.ResidualTokens = residual
	return result, nil
}

func bpsRat(bps uint64) *big.Rat {
	return new(big.Rat).SetFrac(new(big.Int).SetUint64(bps), big.NewInt(vault.BpsDenominator))
}

func mulRats(values ...*big.Rat) *big.Rat {
	product := big.NewRat(1, 1)
	for _, v := range values {
		if v == nil {
			return new(big.Rat)
		}
		product.Mul(product, v)
	}
	return product
}
