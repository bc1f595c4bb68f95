// Package heat prices messages. All arithmetic is fixed-point decimal: every
// intermediate result is rounded half-to-even at Scale places and the final
// cost is rounded up to a whole VP.
package heat

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stake-plus/murmur-protocol/src/types"
)

const (
	Scale int32 = 8

	// RateLimit is the minimum gap between two posts by one author in one topic.
	RateLimit = 15 * time.Second
	// CooldownWindow chains posts into a streak when each follows the previous within it.
	CooldownWindow = 120 * time.Second
	// CooldownFreeStreak is the number of prior streak posts carrying no surcharge.
	CooldownFreeStreak = 2
	// MaxCooldownSteps caps the cooldown exponent.
	MaxCooldownSteps = 30

	MaxScoreBps = 10_000
)

var (
	one           = decimal.NewFromInt(1)
	two           = decimal.NewFromInt(2)
	baseCost      = decimal.NewFromInt(10)
	heatWeight    = decimal.RequireFromString("0.25")
	lengthWeight  = decimal.RequireFromString("0.15")
	cooldownBase  = decimal.RequireFromString("1.1")
	bpsDenom      = decimal.NewFromInt(MaxScoreBps)
	secondsInHour = decimal.NewFromInt(3600)

	weightMessages = decimal.RequireFromString("0.4")
	weightUsers    = decimal.RequireFromString("0.2")
	weightLikes    = decimal.RequireFromString("0.2")
	weightBurn     = decimal.RequireFromString("0.2")
)

func round(d decimal.Decimal) decimal.Decimal {
	return d.RoundBank(Scale)
}

// ln1p returns ln(1+x) for x >= 0.
func ln1p(x decimal.Decimal) (decimal.Decimal, error) {
	v, err := one.Add(x).Ln(Scale + 4)
	if err != nil {
		return decimal.Zero, fmt.Errorf("ln(1+%s): %w", x, err)
	}
	return round(v), nil
}

// Activity is the topic state heat is computed from.
type Activity struct {
	MessageCount uint64
	UniqueUsers  uint64
	LikeCount    uint64
	VPBurned     uint64
	Elapsed      time.Duration
}

func ActivityOf(t *types.Topic, now time.Time) Activity {
	return Activity{
		MessageCount: t.MessageCount,
		UniqueUsers:  t.UniqueUsers,
		LikeCount:    t.LikeCount,
		VPBurned:     t.VPBurned,
		Elapsed:      t.Elapsed(now),
	}
}

// Heat is 0.4 ln(1+messages/h) + 0.2 ln(1+users) + 0.2 ln(1+likes/h) + 0.2 ln(1+burn/h),
// rates taken over the topic's age floored at one hour. A topic with no
// messages has zero heat.
func Heat(a Activity) (decimal.Decimal, error) {
	if a.MessageCount == 0 {
		return decimal.Zero, nil
	}
	hours := one
	if a.Elapsed > time.Hour {
		hours = round(decimal.NewFromInt(int64(a.Elapsed / time.Second)).Div(secondsInHour))
	}
	rate := func(n uint64) decimal.Decimal {
		return round(decimal.NewFromInt(int64(n)).DivRound(hours, Scale))
	}

	terms := []struct {
		weight decimal.Decimal
		value  decimal.Decimal
	}{
		{weightMessages, rate(a.MessageCount)},
		{weightUsers, decimal.NewFromInt(int64(a.UniqueUsers))},
		{weightLikes, rate(a.LikeCount)},
		{weightBurn, rate(a.VPBurned)},
	}
	h := decimal.Zero
	for _, term := range terms {
		l, err := ln1p(term.value)
		if err != nil {
			return decimal.Zero, err
		}
		h = round(h.Add(round(term.weight.Mul(l))))
	}
	return h, nil
}

// Post describes a message about to be priced.
type Post struct {
	Heat     decimal.Decimal
	ScoreBps uint32
	Length   uint32
	Streak   uint32 // prior consecutive posts inside the cooldown window
}

// Quote is a priced message with its factors.
type Quote struct {
	Heat      decimal.Decimal
	Base      decimal.Decimal
	Intensity decimal.Decimal
	Length    decimal.Decimal
	Cooldown  decimal.Decimal
	Cost      uint64
}

// Price returns ceil(Base * Intensity * Length * Cooldown), at least 1, where
//
//	Base      = 10 (1 + 0.25 H)
//	Intensity = 1 + 2 S^2, S = score / 10^4
//	Length    = 1 + 0.15 ln(1 + L)
//	Cooldown  = 1.1^(streak - 2) once the streak reaches 3
func Price(p Post) (Quote, error) {
	if p.ScoreBps > MaxScoreBps {
		return Quote{}, types.Invalid("score %d bps above %d", p.ScoreBps, MaxScoreBps)
	}
	if p.Heat.IsNegative() {
		return Quote{}, types.Invalid("negative heat %s", p.Heat)
	}

	q := Quote{Heat: p.Heat}
	q.Base = round(baseCost.Mul(one.Add(round(heatWeight.Mul(p.Heat)))))

	s := round(decimal.NewFromInt(int64(p.ScoreBps)).DivRound(bpsDenom, Scale))
	q.Intensity = round(one.Add(round(two.Mul(round(s.Mul(s))))))

	l, err := ln1p(decimal.NewFromInt(int64(p.Length)))
	if err != nil {
		return Quote{}, err
	}
	q.Length = round(one.Add(round(lengthWeight.Mul(l))))
	q.Cooldown = Cooldown(p.Streak)

	total := round(q.Base.Mul(q.Intensity))
	total = round(total.Mul(q.Length))
	total = round(total.Mul(q.Cooldown))
	c := total.Ceil()
	if !c.IsPositive() {
		c = one
	}
	q.Cost = uint64(c.IntPart())
	return q, nil
}

// Cooldown is 1 until the streak reaches 3, then 1.1^(streak-2).
func Cooldown(streak uint32) decimal.Decimal {
	if streak <= CooldownFreeStreak {
		return one
	}
	steps := min(int(streak)-CooldownFreeStreak, MaxCooldownSteps)
	m := one
	for i := 0; i < steps; i++ {
		m = round(m.Mul(cooldownBase))
	}
	return m
}

// NextStreak returns the prior streak a post made at now extends, given the
// author's last post in the topic and the streak recorded with it.
func NextStreak(lastPostAt int64, streak uint32, now time.Time) uint32 {
	if lastPostAt == 0 || now.Unix()-lastPostAt >= int64(CooldownWindow/time.Second) {
		return 0
	}
	return streak
}
