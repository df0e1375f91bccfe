package strategy

import "math"

// Score weights out of 100. Puts lean on annualized return; calls trade some of
// that for a bonus on strikes above cost basis.
const (
	putWeightReturn    = 40.0
	putWeightDelta     = 20.0
	putWeightOTM       = 15.0
	putWeightLiquidity = 15.0
	putWeightDTE       = 10.0

	callWeightReturn    = 35.0
	callWeightDelta     = 20.0
	callWeightOTM       = 15.0
	callWeightLiquidity = 10.0
	callWeightDTE       = 10.0
	callWeightBasis     = 10.0
)

const (
	// preferredOTMDistance earns the full OTM component; the score falls off
	// linearly to zero at twice this distance and at the money.
	preferredOTMDistance = 0.08
	// fullLiquidityVolume is the daily contract volume earning full volume credit.
	fullLiquidityVolume = 500.0
	// fullBasisBonusDistance is how far above cost basis a call strike must be
	// to earn the whole basis bonus.
	fullBasisBonusDistance = 0.05
)

// scoreInputs are the normalized facts about one candidate.
type scoreInputs struct {
	annualizedReturn float64
	targetReturn     float64
	absDelta         float64
	deltaRange       []float64
	otmDistance      float64
	spreadPct        float64
	maxSpreadPct     float64
	volume           int64
	dte              int
	targetDTE        int
	basisDistance    float64
}

func scorePut(in scoreInputs) float64 {
	score := putWeightReturn*returnComponent(in.annualizedReturn, in.targetReturn) +
		putWeightDelta*deltaComponent(in.absDelta, in.deltaRange) +
		putWeightOTM*otmComponent(in.otmDistance) +
		putWeightLiquidity*liquidityComponent(in.spreadPct, in.maxSpreadPct, in.volume) +
		putWeightDTE*dteComponent(in.dte, in.targetDTE)
	return clamp(score, 0, 100)
}

func scoreCall(in scoreInputs) float64 {
	score := callWeightReturn*returnComponent(in.annualizedReturn, in.targetReturn) +
		callWeightDelta*deltaComponent(in.absDelta, in.deltaRange) +
		callWeightOTM*otmComponent(in.otmDistance) +
		callWeightLiquidity*liquidityComponent(in.spreadPct, in.maxSpreadPct, in.volume) +
		callWeightDTE*dteComponent(in.dte, in.targetDTE) +
		callWeightBasis*clamp(in.basisDistance/fullBasisBonusDistance, 0, 1)
	return clamp(score, 0, 100)
}

func returnComponent(annualized, target float64) float64 {
	if target <= 0 {
		return 0
	}
	return clamp(annualized/target, 0, 1)
}

// deltaComponent rewards proximity to the middle of the configured range.
func deltaComponent(d float64, r []float64) float64 {
	if len(r) != 2 {
		return 0
	}
	mid := (r[0] + r[1]) / 2
	half := (r[1] - r[0]) / 2
	if half <= 0 {
		if d == mid {
			return 1
		}
		return 0
	}
	return clamp(1-math.Abs(d-mid)/half, 0, 1)
}

func otmComponent(distance float64) float64 {
	if distance <= 0 {
		return 0
	}
	return clamp(1-math.Abs(distance-preferredOTMDistance)/preferredOTMDistance, 0, 1)
}

// liquidityComponent splits credit between a tight spread and traded volume.
func liquidityComponent(spreadPct, maxSpreadPct float64, volume int64) float64 {
	spread := 0.0
	if maxSpreadPct > 0 {
		spread = clamp(1-spreadPct/maxSpreadPct, 0, 1)
	}
	vol := clamp(float64(volume)/fullLiquidityVolume, 0, 1)
	return 0.5*spread + 0.5*vol
}

func dteComponent(dte, target int) float64 {
	if target <= 0 {
		return 0
	}
	return clamp(1-math.Abs(float64(dte-target))/float64(target), 0, 1)
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Min(math.Max(v, lo), hi)
}
