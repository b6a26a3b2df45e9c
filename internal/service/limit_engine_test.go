package service

import (
	"encoding/json"
	"testing"
	"time"

	"meridian-panel/internal/model"
)

func activeUser(used, limit int64) *model.User {
	return &model.User{
		Status:      model.UserStatusActive,
		UsedTraffic: used,
		DataLimit:   limit,
	}
}

func TestApplyDelta_ChargesBothCounters(t *testing.T) {
	t.Parallel()

	engine := NewLimitEngine(nil)
	u := activeUser(100, 10_000)
	u.LifetimeUsedTraffic = 500

	eval := engine.ApplyDelta(u, 250, time.Now().UTC())

	if u.UsedTraffic != 350 || u.LifetimeUsedTraffic != 750 {
		t.Fatalf("counters: used=%d lifetime=%d", u.UsedTraffic, u.LifetimeUsedTraffic)
	}
	if eval.Transition != nil {
		t.Fatalf("unexpected transition: %+v", eval.Transition)
	}
}

func TestApplyDelta_DataLimitTransition(t *testing.T) {
	t.Parallel()

	engine := NewLimitEngine(nil)
	u := activeUser(900, 1000)

	eval := engine.ApplyDelta(u, 100, time.Now().UTC())

	if u.Status != model.UserStatusLimited {
		t.Fatalf("expected limited, got %s", u.Status)
	}
	if eval.Transition == nil || eval.Transition.Reason != ReasonDataLimit {
		t.Fatalf("unexpected transition: %+v", eval.Transition)
	}
}

func TestApplyDelta_ZeroLimitNeverLimits(t *testing.T) {
	t.Parallel()

	engine := NewLimitEngine(nil)
	u := activeUser(0, 0)

	engine.ApplyDelta(u, 1<<40, time.Now().UTC())

	if u.Status != model.UserStatusActive {
		t.Fatalf("unlimited user must stay active, got %s", u.Status)
	}
}

func TestApplyDelta_ExpiryTransition(t *testing.T) {
	t.Parallel()

	engine := NewLimitEngine(nil)
	now := time.Now().UTC()
	past := now.Add(-time.Hour)
	u := activeUser(0, 0)
	u.ExpireAt = &past

	eval := engine.ApplyDelta(u, 10, now)

	if u.Status != model.UserStatusExpired {
		t.Fatalf("expected expired, got %s", u.Status)
	}
	if eval.Transition == nil || eval.Transition.Reason != ReasonExpired {
		t.Fatalf("unexpected transition: %+v", eval.Transition)
	}
}

func TestApplyDelta_LimitedWinsOverExpired(t *testing.T) {
	t.Parallel()

	engine := NewLimitEngine(nil)
	now := time.Now().UTC()
	past := now.Add(-time.Hour)
	u := activeUser(990, 1000)
	u.ExpireAt = &past

	engine.ApplyDelta(u, 50, now)

	if u.Status != model.UserStatusLimited {
		t.Fatalf("both breached: limited must win, got %s", u.Status)
	}
}

func TestApplyDelta_TerminalStatusStillCounts(t *testing.T) {
	t.Parallel()

	engine := NewLimitEngine(nil)
	u := activeUser(0, 100)
	u.Status = model.UserStatusDisabled

	eval := engine.ApplyDelta(u, 500, time.Now().UTC())

	if u.Status != model.UserStatusDisabled {
		t.Fatalf("disabled is terminal, got %s", u.Status)
	}
	if eval.Transition != nil {
		t.Fatalf("disabled user must not transition: %+v", eval.Transition)
	}
	if u.UsedTraffic != 500 || u.LifetimeUsedTraffic != 500 {
		t.Fatalf("bytes must still count: used=%d lifetime=%d", u.UsedTraffic, u.LifetimeUsedTraffic)
	}
}

func TestApplyDelta_NextPlanPreDeltaSemantics(t *testing.T) {
	t.Parallel()

	engine := NewLimitEngine(nil)
	u := activeUser(950, 1000)
	u.NextPlan = &model.NextPlan{
		DataLimit:      5000,
		ExpireDuration: 3600,
		FireOnEither:   true,
	}

	now := time.Now().UTC()
	eval := engine.ApplyDelta(u, 100, now)

	if !eval.PlanActivated {
		t.Fatal("expected plan activation")
	}
	if eval.UsedAtActivation != 950 {
		t.Fatalf("reset log must record the pre-delta counter, got %d", eval.UsedAtActivation)
	}
	if u.UsedTraffic != 100 {
		t.Fatalf("triggering delta charges the new plan, got %d", u.UsedTraffic)
	}
	if u.DataLimit != 5000 {
		t.Fatalf("expected new limit 5000, got %d", u.DataLimit)
	}
	if u.NextPlan != nil {
		t.Fatal("plan must be consumed")
	}
	if u.ExpireAt == nil || u.ExpireAt.Sub(now) != time.Hour {
		t.Fatalf("expected expiry one hour out, got %v", u.ExpireAt)
	}
	if u.Status != model.UserStatusActive {
		t.Fatalf("expected active after activation, got %s", u.Status)
	}
}

func TestApplyDelta_NextPlanAddRemaining(t *testing.T) {
	t.Parallel()

	engine := NewLimitEngine(nil)
	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	u := activeUser(700, 1000)
	u.ExpireAt = &past
	u.NextPlan = &model.NextPlan{
		DataLimit:           2000,
		AddRemainingTraffic: true,
		FireOnEither:        true,
	}

	engine.ApplyDelta(u, 0, now)

	// 300 bytes remained on the old plan
	if u.DataLimit != 2300 {
		t.Fatalf("expected carried remainder 2000+300, got %d", u.DataLimit)
	}
	if u.ExpireAt != nil {
		t.Fatalf("zero expire_duration means no expiry, got %v", u.ExpireAt)
	}
}

func TestApplyDelta_NextPlanBothRequired(t *testing.T) {
	t.Parallel()

	engine := NewLimitEngine(nil)
	u := activeUser(990, 1000)
	u.NextPlan = &model.NextPlan{DataLimit: 2000, FireOnEither: false}

	// data breached but not expired: plan must not fire
	eval := engine.ApplyDelta(u, 50, time.Now().UTC())

	if eval.PlanActivated {
		t.Fatal("plan must wait for both conditions")
	}
	if u.Status != model.UserStatusLimited {
		t.Fatalf("expected limited meanwhile, got %s", u.Status)
	}
}

func TestApplyDelta_NextPlanFiresOnEitherByDefault(t *testing.T) {
	t.Parallel()

	// a plan submitted without fire_on_either activates on the first breach
	var plan model.NextPlan
	if err := json.Unmarshal([]byte(`{"data_limit":5000000000,"add_remaining_traffic":true}`), &plan); err != nil {
		t.Fatalf("decode plan: %v", err)
	}
	if !plan.FireOnEither {
		t.Fatal("absent fire_on_either must default to true")
	}

	engine := NewLimitEngine(nil)
	u := activeUser(4_900_000_000, 5_000_000_000)
	u.NextPlan = &plan

	eval := engine.ApplyDelta(u, 200_000_000, time.Now().UTC())

	if !eval.PlanActivated {
		t.Fatalf("expected activation on data breach alone, got status %s", u.Status)
	}
	if u.DataLimit != 5_100_000_000 {
		t.Fatalf("expected 5e9 plus the 1e8 remainder, got %d", u.DataLimit)
	}
	if u.Status != model.UserStatusActive {
		t.Fatalf("expected active after activation, got %s", u.Status)
	}
}

func TestNextPlan_ExplicitFireOnEitherFalseSurvivesDecode(t *testing.T) {
	t.Parallel()

	var plan model.NextPlan
	if err := json.Unmarshal([]byte(`{"data_limit":2000,"fire_on_either":false}`), &plan); err != nil {
		t.Fatalf("decode plan: %v", err)
	}
	if plan.FireOnEither {
		t.Fatal("explicit false must be kept")
	}
}

func TestEvaluate_LimitRaisedReactivates(t *testing.T) {
	t.Parallel()

	engine := NewLimitEngine(nil)
	u := activeUser(1000, 5000)
	u.Status = model.UserStatusLimited

	eval := engine.Evaluate(u, time.Now().UTC())

	if u.Status != model.UserStatusActive {
		t.Fatalf("expected active after limit raise, got %s", u.Status)
	}
	if eval.Transition == nil || eval.Transition.Reason != ReasonLimitRaised {
		t.Fatalf("unexpected transition: %+v", eval.Transition)
	}
}

func TestEvaluate_ExpiryClearedReactivates(t *testing.T) {
	t.Parallel()

	engine := NewLimitEngine(nil)
	u := activeUser(100, 0)
	u.Status = model.UserStatusExpired
	u.ExpireAt = nil // admin cleared the expiry to unlimited

	eval := engine.Evaluate(u, time.Now().UTC())

	if u.Status != model.UserStatusActive {
		t.Fatalf("expected active after expiry clear, got %s", u.Status)
	}
	if eval.Transition == nil || eval.Transition.From != model.UserStatusExpired {
		t.Fatalf("unexpected transition: %+v", eval.Transition)
	}
}

func TestEvaluate_ExpiryExtendedReactivates(t *testing.T) {
	t.Parallel()

	engine := NewLimitEngine(nil)
	future := time.Now().UTC().Add(24 * time.Hour)
	u := activeUser(100, 0)
	u.Status = model.UserStatusExpired
	u.ExpireAt = &future

	engine.Evaluate(u, time.Now().UTC())

	if u.Status != model.UserStatusActive {
		t.Fatalf("expected active after expiry extension, got %s", u.Status)
	}
}

func TestApplyDelta_ThresholdCrossing(t *testing.T) {
	t.Parallel()

	engine := NewLimitEngine([]int{50, 80})
	u := activeUser(400, 1000)

	eval := engine.ApplyDelta(u, 450, time.Now().UTC())

	if len(eval.ThresholdsCrossed) != 2 || eval.ThresholdsCrossed[0] != 50 || eval.ThresholdsCrossed[1] != 80 {
		t.Fatalf("expected [50 80], got %v", eval.ThresholdsCrossed)
	}

	// same delta again crosses nothing new before the limit trips
	eval = engine.ApplyDelta(u, 10, time.Now().UTC())
	if len(eval.ThresholdsCrossed) != 0 {
		t.Fatalf("expected no crossings, got %v", eval.ThresholdsCrossed)
	}
}

func TestStartOnHold(t *testing.T) {
	t.Parallel()

	engine := NewLimitEngine(nil)
	now := time.Now().UTC()
	timeout := now.Add(24 * time.Hour)
	u := &model.User{
		Status:               model.UserStatusOnHold,
		OnHoldExpireDuration: 7200,
		OnHoldTimeout:        &timeout,
	}

	eval := engine.StartOnHold(u, now)

	if u.Status != model.UserStatusActive {
		t.Fatalf("expected active, got %s", u.Status)
	}
	if eval.Transition == nil || eval.Transition.Reason != ReasonOnHoldStart {
		t.Fatalf("unexpected transition: %+v", eval.Transition)
	}
	if u.ExpireAt == nil || u.ExpireAt.Sub(now) != 2*time.Hour {
		t.Fatalf("expected expiry two hours out, got %v", u.ExpireAt)
	}
	if u.OnHoldTimeout != nil {
		t.Fatal("timeout must be cleared once started")
	}

	// not on hold: no-op
	eval = engine.StartOnHold(u, now)
	if eval.Transition != nil {
		t.Fatalf("expected no-op, got %+v", eval.Transition)
	}
}

func TestResetUsage(t *testing.T) {
	t.Parallel()

	engine := NewLimitEngine(nil)
	u := activeUser(800, 1000)
	u.Status = model.UserStatusLimited
	u.LifetimeUsedTraffic = 800

	eval := engine.ResetUsage(u, time.Now().UTC())

	if eval.UsedAtActivation != 800 {
		t.Fatalf("reset snapshot = %d, want 800", eval.UsedAtActivation)
	}
	if u.UsedTraffic != 0 {
		t.Fatalf("counter must zero, got %d", u.UsedTraffic)
	}
	if u.LifetimeUsedTraffic != 800 {
		t.Fatalf("lifetime counter must survive resets, got %d", u.LifetimeUsedTraffic)
	}
	if u.Status != model.UserStatusActive {
		t.Fatalf("limited user reactivates on reset, got %s", u.Status)
	}
	if eval.Transition == nil || eval.Transition.Reason != ReasonUsageReset {
		t.Fatalf("unexpected transition: %+v", eval.Transition)
	}
}

func TestResetUsage_ExpiredStaysExpired(t *testing.T) {
	t.Parallel()

	engine := NewLimitEngine(nil)
	now := time.Now().UTC()
	past := now.Add(-time.Hour)
	u := activeUser(800, 1000)
	u.Status = model.UserStatusLimited
	u.ExpireAt = &past

	engine.ResetUsage(u, now)

	if u.Status != model.UserStatusLimited {
		t.Fatalf("expired user must not reactivate on reset, got %s", u.Status)
	}
}
