// Package confidence scores how trustworthy a card's apparent win-rate effect
// is, relative to its commander's baseline.
//
// The score (0-100) is the sum of three independently capped components:
// sample size (0-40), statistical significance (0-30) and effect size (0-30).
// Everything here is pure; nothing is persisted.
package confidence

import "math"

const (
	TargetSampleSize     = 100
	MaxSampleSizeScore   = 40.0
	MaxSignificanceScore = 30.0
	MaxEffectSizeScore   = 30.0

	z95         = 1.96
	minPValue   = 1e-10
	smallCell   = 5
	fisherSlack = 1 + 1e-7
)

// Record is a win/loss/draw tally.
type Record struct {
	Wins   int `json:"wins"`
	Losses int `json:"losses"`
	Draws  int `json:"draws"`
}

// Games returns wins + losses + draws.
func (r Record) Games() int { return r.Wins + r.Losses + r.Draws }

func (r Record) decided() int { return r.Wins + r.Losses }

func (r Record) valid() bool { return r.Wins >= 0 && r.Losses >= 0 && r.Draws >= 0 }

// Breakdown exposes every intermediate value behind a score.
type Breakdown struct {
	SampleSize   float64 `json:"sample_size"`
	Significance float64 `json:"significance"`
	EffectSize   float64 `json:"effect_size"`

	PValue    float64 `json:"p_value"`
	ExactTest bool    `json:"exact_test"`
	CohensH   float64 `json:"cohens_h"`
	CILower   float64 `json:"ci_lower"`
	CIUpper   float64 `json:"ci_upper"`
	Score     int     `json:"score"`
	CardGames int     `json:"card_games"`
	BaseGames int     `json:"baseline_games"`
}

// Score returns the 0-100 confidence for card against baseline.
func Score(card, baseline Record) int {
	return Compute(card, baseline).Score
}

// Compute returns the full breakdown. Zero games on either side (or negative
// counts) produce an all-zero breakdown with a p-value of 1.
func Compute(card, baseline Record) Breakdown {
	b := Breakdown{PValue: 1, CardGames: card.Games(), BaseGames: baseline.Games()}
	if !card.valid() || !baseline.valid() || b.CardGames == 0 || b.BaseGames == 0 {
		b.CardGames, b.BaseGames = max(b.CardGames, 0), max(b.BaseGames, 0)
		return b
	}

	b.SampleSize = sampleSizeScore(b.CardGames)

	b.PValue, b.ExactTest = Significance(card.Wins, card.Losses, baseline.Wins, baseline.Losses)
	b.Significance = math.Min(MaxSignificanceScore, -math.Log10(math.Max(b.PValue, minPValue))*10)

	b.CohensH, b.CILower, b.CIUpper = EffectSize(card, baseline)
	width := math.Max(0, b.CIUpper-b.CILower)
	b.EffectSize = math.Min(MaxEffectSizeScore, math.Abs(b.CohensH)*37.5*(1-width/2))
	b.EffectSize = math.Max(0, b.EffectSize)

	total := math.Round(b.SampleSize + b.Significance + b.EffectSize)
	b.Score = int(math.Max(0, math.Min(100, total)))
	return b
}

// sampleSizeScore is a logistic curve centred on half the target sample.
func sampleSizeScore(n int) float64 {
	x := (float64(n) - TargetSampleSize/2.0) / (TargetSampleSize / 4.0)
	return MaxSampleSizeScore / (1 + math.Exp(-x))
}

// --------------------------------------------------------------------------
// Significance
// --------------------------------------------------------------------------

// Significance runs a two-sided test on the 2x2 table
//
//	           wins  losses
//	card        a      b
//	baseline    c      d
//
// using Fisher's exact test when any cell is below 5 and a Yates-corrected
// chi-square otherwise. exact reports which test was used.
func Significance(a, b, c, d int) (p float64, exact bool) {
	if a+b == 0 || c+d == 0 {
		return 1, false
	}
	if a < smallCell || b < smallCell || c < smallCell || d < smallCell {
		return FisherExact(a, b, c, d), true
	}
	return ChiSquareSurvival(YatesChiSquare(a, b, c, d)), false
}

// YatesChiSquare returns the continuity-corrected chi-square statistic.
func YatesChiSquare(a, b, c, d int) float64 {
	fa, fb, fc, fd := float64(a), float64(b), float64(c), float64(d)
	n := fa + fb + fc + fd
	den := (fa + fb) * (fc + fd) * (fa + fc) * (fb + fd)
	if den == 0 {
		return 0
	}
	num := math.Abs(fa*fd-fb*fc) - n/2
	if num < 0 {
		num = 0
	}
	return n * num * num / den
}

// ChiSquareSurvival is P(X > x) for a chi-square distribution with one
// degree of freedom.
func ChiSquareSurvival(x float64) float64 {
	if x <= 0 {
		return 1
	}
	return math.Erfc(math.Sqrt(x / 2))
}

// FisherExact returns the two-sided p-value: the summed probability of every
// table with the observed margins that is no more likely than the observed one.
func FisherExact(a, b, c, d int) float64 {
	r1, r2 := a+b, c+d
	c1 := a + c
	n := r1 + r2

	logDenom := logChoose(n, c1)
	logP := func(x int) float64 {
		return logChoose(r1, x) + logChoose(r2, c1-x) - logDenom
	}

	observed := logP(a)
	threshold := observed + math.Log(fisherSlack)

	lo := max(0, c1-r2)
	hi := min(r1, c1)
	p := 0.0
	for x := lo; x <= hi; x++ {
		if lp := logP(x); lp <= threshold {
			p += math.Exp(lp)
		}
	}
	return math.Min(1, p)
}

func logChoose(n, k int) float64 {
	if k < 0 || k > n {
		return math.Inf(-1)
	}
	return lgamma(n+1) - lgamma(k+1) - lgamma(n-k+1)
}

func lgamma(n int) float64 {
	v, _ := math.Lgamma(float64(n))
	return v
}

// --------------------------------------------------------------------------
// Effect size
// --------------------------------------------------------------------------

// EffectSize returns Cohen's h between the card's and the baseline's win
// proportions (draws excluded) with a 95% confidence interval.
func EffectSize(card, baseline Record) (h, lower, upper float64) {
	n1, n2 := card.decided(), baseline.decided()
	if n1 == 0 || n2 == 0 {
		return 0, 0, 0
	}
	p1 := float64(card.Wins) / float64(n1)
	p2 := float64(baseline.Wins) / float64(n2)
	h = 2*math.Asin(math.Sqrt(p1)) - 2*math.Asin(math.Sqrt(p2))

	se := math.Sqrt(1/float64(n1) + 1/float64(n2))
	return h, h - z95*se, h + z95*se
}

// WinRate returns wins over total games as a percentage.
func WinRate(r Record) float64 {
	if r.Games() <= 0 {
		return 0
	}
	return float64(r.Wins) / float64(r.Games()) * 100
}
