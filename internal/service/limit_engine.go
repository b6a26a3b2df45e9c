package service

import (
	"time"

	"meridian-panel/internal/model"
)

// Transition reason codes attached to status-change events and audit rows.
const (
	ReasonDataLimit   = "data_limit_reached"
	ReasonExpired     = "expired"
	ReasonNextPlan    = "next_plan_activated"
	ReasonLimitRaised = "limit_raised"
	ReasonUsageReset  = "usage_reset"
	ReasonOnHoldStart = "on_hold_started"
)

// StatusTransition is one edge of the user state machine taken during an
// evaluation.
type StatusTransition struct {
	From   model.UserStatus
	To     model.UserStatus
	Reason string
}

// Evaluation is the outcome of running the state machine over a user row.
// The engine mutates the in-memory row; the caller persists it under the
// same guarded write as the triggering change and is responsible for
// publishing events and recording the reset log.
type Evaluation struct {
	Transition        *StatusTransition
	PlanActivated     bool
	UsedAtActivation  int64 // counter value the reset log must record
	ThresholdsCrossed []int // notify percents crossed by this delta
}

// LimitEngine implements the data-limit / expiry state machine.
//
// Tie-break policy: when the data limit and the expiry are breached at the
// same instant, limited wins over expired, so exhaustion is the reason
// reported downstream.
type LimitEngine struct {
	notifyPercents []int
}

func NewLimitEngine(notifyPercents []int) *LimitEngine {
	if len(notifyPercents) == 0 {
		notifyPercents = []int{80}
	}
	return &LimitEngine{notifyPercents: notifyPercents}
}

// Evaluate re-runs the state machine with no usage delta, picking up
// transitions caused by time passing or by admin edits (limit raised,
// expiry extended).
func (e *LimitEngine) Evaluate(u *model.User, now time.Time) Evaluation {
	return e.ApplyDelta(u, 0, now)
}

// ApplyDelta charges delta bytes to the user and applies every transition
// the state machine requires. delta must be >= 0; a zero delta is a pure
// re-evaluation.
//
// Next-plan activation uses pre-delta semantics: the carried remainder and
// the reset log are computed against the counter before the triggering
// delta, and the delta is then charged to the new plan.
func (e *LimitEngine) ApplyDelta(u *model.User, delta int64, now time.Time) Evaluation {
	var eval Evaluation

	if u.Status == model.UserStatusDisabled || u.Status == model.UserStatusDeleted {
		// terminal until an explicit admin action; still count the bytes
		u.UsedTraffic += delta
		u.LifetimeUsedTraffic += delta
		return eval
	}

	preUsed := u.UsedTraffic
	postUsed := preUsed + delta

	dataBreached := u.DataLimit > 0 && postUsed >= u.DataLimit
	expiryBreached := u.ExpiredAt(now) && u.Status != model.UserStatusOnHold

	if u.NextPlan != nil && planFires(u.NextPlan, dataBreached, expiryBreached) {
		eval.PlanActivated = true
		eval.UsedAtActivation = preUsed

		remaining := u.DataLimit - preUsed
		if remaining < 0 || u.DataLimit <= 0 {
			remaining = 0
		}

		plan := *u.NextPlan
		u.UsedTraffic = delta
		u.LifetimeUsedTraffic += delta
		u.DataLimit = plan.DataLimit
		if plan.AddRemainingTraffic {
			u.DataLimit += remaining
		}
		if plan.ExpireDuration > 0 {
			expireAt := now.Add(time.Duration(plan.ExpireDuration) * time.Second)
			u.ExpireAt = &expireAt
		} else {
			u.ExpireAt = nil
		}
		u.NextPlan = nil

		e.transition(u, &eval, model.UserStatusActive, ReasonNextPlan, now)
		return eval
	}

	u.UsedTraffic = postUsed
	u.LifetimeUsedTraffic += delta

	switch {
	case dataBreached:
		if u.Status == model.UserStatusActive {
			e.transition(u, &eval, model.UserStatusLimited, ReasonDataLimit, now)
		}
	case expiryBreached:
		if u.Status == model.UserStatusActive {
			e.transition(u, &eval, model.UserStatusExpired, ReasonExpired, now)
		}
	default:
		// breach cleared by an admin edit or a counter reset; an expired
		// user with nil expiry got there via an explicit clear
		if u.Status == model.UserStatusLimited || u.Status == model.UserStatusExpired {
			e.transition(u, &eval, model.UserStatusActive, ReasonLimitRaised, now)
		}
	}

	if delta > 0 && u.DataLimit > 0 && !dataBreached {
		eval.ThresholdsCrossed = e.crossedThresholds(preUsed, u.UsedTraffic, u.DataLimit)
	}

	return eval
}

// StartOnHold activates an on-hold user: status goes to active and the
// relative expiry starts counting from now. A zero duration means the user
// never expires.
func (e *LimitEngine) StartOnHold(u *model.User, now time.Time) Evaluation {
	var eval Evaluation
	if u.Status != model.UserStatusOnHold {
		return eval
	}

	if u.OnHoldExpireDuration > 0 {
		expireAt := now.Add(time.Duration(u.OnHoldExpireDuration) * time.Second)
		u.ExpireAt = &expireAt
	}
	u.OnHoldTimeout = nil
	e.transition(u, &eval, model.UserStatusActive, ReasonOnHoldStart, now)
	return eval
}

// ResetUsage zeroes the usage counter, leaving the lifetime counter
// untouched, and lifts a data-limit suspension if that was the only breach.
func (e *LimitEngine) ResetUsage(u *model.User, now time.Time) Evaluation {
	var eval Evaluation
	eval.UsedAtActivation = u.UsedTraffic
	u.UsedTraffic = 0

	if u.Status == model.UserStatusLimited && !u.ExpiredAt(now) {
		e.transition(u, &eval, model.UserStatusActive, ReasonUsageReset, now)
	}
	return eval
}

func (e *LimitEngine) transition(u *model.User, eval *Evaluation, to model.UserStatus, reason string, now time.Time) {
	if u.Status == to {
		return
	}
	eval.Transition = &StatusTransition{From: u.Status, To: to, Reason: reason}
	u.Status = to
	u.LastStatusChange = now
}

func (e *LimitEngine) crossedThresholds(preUsed, postUsed, limit int64) []int {
	var crossed []int
	for _, percent := range e.notifyPercents {
		mark := limit * int64(percent) / 100
		if preUsed < mark && postUsed >= mark {
			crossed = append(crossed, percent)
		}
	}
	return crossed
}

func planFires(plan *model.NextPlan, dataBreached, expiryBreached bool) bool {
	if plan.FireOnEither {
		return dataBreached || expiryBreached
	}
	return dataBreached && expiryBreached
}
