// Package recommend produces the exit plans and Kelly-based sizing that
// annotate scanner opportunities and drive close decisions.
package recommend

import (
	"fmt"
	"math"
	"strings"

	"github.com/papertrade/optionscout/internal/models"
)

// Earnings proximity windows in calendar days. Inside the outer window
// non-long-dated strategies force close-before; inside the inner window
// every strategy does.
const (
	earningsOuterWindow = 14
	earningsInnerWindow = 5
)

// exitEarningsDays is how close to earnings a close-before plan actually
// triggers an exit during evaluation.
const exitEarningsDays = 3

// strategyDefaults is the per-strategy exit plan baseline.
var strategyDefaults = map[models.Strategy]models.ExitPlan{
	models.StrategyLEAP: {
		Strategy:    models.StrategyLEAP,
		StopLossPct: -30,
		ProfitTargets: []models.ProfitTarget{
			{Percent: 50, Action: models.ActionSellThird, Label: "first scale-out"},
			{Percent: 100, Action: models.ActionSellHalf, Label: "double"},
			{Percent: 200, Action: models.ActionSellRemaining, Label: "runner"},
		},
		TimeStopDTE:     60,
		TrailingStopPct: 25,
		EarningsRule:    models.EarningsHoldThrough,
	},
	models.StrategyWeekly: {
		Strategy:    models.StrategyWeekly,
		StopLossPct: -40,
		ProfitTargets: []models.ProfitTarget{
			{Percent: 25, Action: models.ActionSellHalf, Label: "first target"},
			{Percent: 60, Action: models.ActionSellRemaining, Label: "final target"},
		},
		TimeStopDTE:     1,
		TrailingStopPct: 15,
		EarningsRule:    models.EarningsCloseBefore,
	},
	models.StrategyZeroDTE: {
		Strategy:    models.StrategyZeroDTE,
		StopLossPct: -50,
		ProfitTargets: []models.ProfitTarget{
			{Percent: 20, Action: models.ActionSellHalf, Label: "first target"},
			{Percent: 40, Action: models.ActionSellRemaining, Label: "final target"},
		},
		TimeStopDTE:     0, // same-day: the time stop is meaningless
		TrailingStopPct: 10,
		EarningsRule:    models.EarningsCloseBefore,
	},
}

// PlanRequest carries the context the planner adjusts for.
type PlanRequest struct {
	Strategy       models.Strategy
	Regime         models.VolRegime
	IVPercentile   float64
	DaysToEarnings int // 0 means unknown / none scheduled
	Premium        float64
}

// BuildExitPlan derives the exit plan for an opportunity: strategy defaults
// plus regime, IV-percentile and earnings-proximity adjustments, with dollar
// levels attached when the premium is known.
func BuildExitPlan(req PlanRequest) *models.ExitPlan {
	base, ok := strategyDefaults[req.Strategy]
	if !ok {
		base = strategyDefaults[models.StrategyLEAP]
	}

	plan := base
	plan.ProfitTargets = make([]models.ProfitTarget, len(base.ProfitTargets))
	copy(plan.ProfitTargets, base.ProfitTargets)
	plan.Adjustments = nil

	switch req.Regime {
	case models.RegimeCrisis:
		plan.StopLossPct = math.Max(-20, plan.StopLossPct+10)
		plan.TrailingStopPct = math.Max(10, plan.TrailingStopPct-5)
		plan.Adjustments = append(plan.Adjustments, "crisis regime: tightened stop and trailing")
	case models.RegimeElevated:
		plan.StopLossPct = math.Max(-25, plan.StopLossPct+5)
		plan.TrailingStopPct = math.Max(10, plan.TrailingStopPct-2)
		plan.Adjustments = append(plan.Adjustments, "elevated regime: modestly tightened stop")
	}

	switch {
	case req.IVPercentile > 80:
		for i := range plan.ProfitTargets {
			plan.ProfitTargets[i].Percent *= 0.8
		}
		plan.Adjustments = append(plan.Adjustments, "rich IV: profit targets reduced 20%")
	case req.IVPercentile > 0 && req.IVPercentile < 20:
		plan.TrailingStopPct += 5
		plan.Adjustments = append(plan.Adjustments, "cheap IV: trailing stop widened 5 points")
	}

	if req.DaysToEarnings > 0 {
		switch {
		case req.DaysToEarnings <= earningsInnerWindow:
			plan.EarningsRule = models.EarningsCloseBefore
			plan.Adjustments = append(plan.Adjustments,
				fmt.Sprintf("earnings in %d days: forcing close-before", req.DaysToEarnings))
		case req.DaysToEarnings <= earningsOuterWindow && req.Strategy != models.StrategyLEAP:
			plan.EarningsRule = models.EarningsCloseBefore
			plan.Adjustments = append(plan.Adjustments,
				fmt.Sprintf("earnings in %d days: close-before for short-dated", req.DaysToEarnings))
		}
	}

	if req.Premium > 0 {
		plan.ContractCost = req.Premium * 100
		plan.StopLossDollars = plan.ContractCost * plan.StopLossPct / 100
		for i := range plan.ProfitTargets {
			plan.ProfitTargets[i].Dollars = plan.ContractCost * plan.ProfitTargets[i].Percent / 100
		}
	}

	plan.Summary = summarize(&plan)
	return &plan
}

func summarize(plan *models.ExitPlan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: stop %.0f%%", plan.Strategy, plan.StopLossPct)
	if len(plan.ProfitTargets) > 0 {
		parts := make([]string, len(plan.ProfitTargets))
		for i, t := range plan.ProfitTargets {
			parts[i] = fmt.Sprintf("+%.0f%% %s", t.Percent, t.Action)
		}
		fmt.Fprintf(&b, ", targets %s", strings.Join(parts, " / "))
	}
	if plan.TimeStopDTE > 0 {
		fmt.Fprintf(&b, ", time stop at %d DTE", plan.TimeStopDTE)
	}
	fmt.Fprintf(&b, ", trailing %.0f%%", plan.TrailingStopPct)
	if plan.EarningsRule == models.EarningsCloseBefore {
		b.WriteString(", close before earnings")
	}
	return b.String()
}

// ExitReason labels why ShouldExit recommended closing.
type ExitReason string

const (
	ExitStopLoss     ExitReason = "stop_loss"
	ExitTimeStop     ExitReason = "time_stop"
	ExitProfitTarget ExitReason = "profit_target"
	ExitEarnings     ExitReason = "earnings"
)

// ExitDecision is the evaluation outcome for one open position.
type ExitDecision struct {
	Exit   bool
	Reason ExitReason
	Action models.ProfitTargetAction // set for profit-target exits
	Detail string
}

// ShouldExit evaluates the plan against the live position, in priority
// order: stop-loss, time-stop, profit targets, earnings proximity, else
// hold. A zero TimeStopDTE disables the time stop.
//
// Profit targets resolve to the deepest tier reached, not the first: when a
// move jumps past several tiers between polls, the richest tier's action is
// the one that still makes sense to take (selling a third at +50% after the
// position doubled would undersize the scale-out).
func ShouldExit(plan *models.ExitPlan, pnlPct float64, dteRemaining, daysToEarnings int) ExitDecision {
	if pnlPct <= plan.StopLossPct {
		return ExitDecision{
			Exit:   true,
			Reason: ExitStopLoss,
			Action: models.ActionSellRemaining,
			Detail: fmt.Sprintf("P&L %.1f%% breached stop %.1f%%", pnlPct, plan.StopLossPct),
		}
	}

	if plan.TimeStopDTE > 0 && dteRemaining <= plan.TimeStopDTE {
		return ExitDecision{
			Exit:   true,
			Reason: ExitTimeStop,
			Action: models.ActionSellRemaining,
			Detail: fmt.Sprintf("%d DTE at or below time stop %d", dteRemaining, plan.TimeStopDTE),
		}
	}

	for i := len(plan.ProfitTargets) - 1; i >= 0; i-- {
		t := plan.ProfitTargets[i]
		if pnlPct >= t.Percent {
			return ExitDecision{
				Exit:   true,
				Reason: ExitProfitTarget,
				Action: t.Action,
				Detail: fmt.Sprintf("P&L %.1f%% reached %s (+%.0f%%)", pnlPct, t.Label, t.Percent),
			}
		}
	}

	if plan.EarningsRule == models.EarningsCloseBefore && daysToEarnings > 0 && daysToEarnings <= exitEarningsDays {
		return ExitDecision{
			Exit:   true,
			Reason: ExitEarnings,
			Action: models.ActionSellRemaining,
			Detail: fmt.Sprintf("earnings in %d days under close-before rule", daysToEarnings),
		}
	}

	return ExitDecision{}
}
