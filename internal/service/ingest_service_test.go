package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"meridian-panel/internal/event"
	"meridian-panel/internal/model"
	"meridian-panel/internal/repository"
)

func newUnitIngestService() *IngestService {
	return &IngestService{
		engine: NewLimitEngine(nil),
		logger: zap.NewNop(),
	}
}

func testNode(status model.NodeStatus, coefficient float64) *model.Node {
	return &model.Node{
		ID:               uuid.New(),
		Name:             "edge-1",
		Status:           status,
		UsageCoefficient: coefficient,
	}
}

func TestRecordUsage_DisabledNodeRejectsBatch(t *testing.T) {
	t.Parallel()

	svc := newUnitIngestService()
	node := testNode(model.NodeStatusDisabled, 1.0)
	svc.findNodeFn = func(_ context.Context, _ uuid.UUID) (*model.Node, error) {
		return node, nil
	}
	svc.chargeOnceFn = func(context.Context, *model.Node, UsageReport) (*chargeOutcome, error) {
		t.Fatal("disabled node must not charge any row")
		return nil, nil
	}

	_, err := svc.RecordUsage(context.Background(), node.ID, []UsageReport{
		{Username: "alice", Delta: 100, Timestamp: time.Now().UTC()},
	})
	if err != ErrNodeDisabled {
		t.Fatalf("expected ErrNodeDisabled, got %v", err)
	}
}

func TestRecordUsage_UnknownNode(t *testing.T) {
	t.Parallel()

	svc := newUnitIngestService()
	svc.findNodeFn = func(_ context.Context, _ uuid.UUID) (*model.Node, error) {
		return nil, repository.ErrNotFound
	}

	_, err := svc.RecordUsage(context.Background(), uuid.New(), nil)
	if err != ErrNodeNotFound {
		t.Fatalf("expected ErrNodeNotFound, got %v", err)
	}
}

func TestRecordUsage_RowOutcomes(t *testing.T) {
	t.Parallel()

	svc := newUnitIngestService()
	node := testNode(model.NodeStatusConnected, 1.0)
	svc.findNodeFn = func(_ context.Context, _ uuid.UUID) (*model.Node, error) {
		return node, nil
	}
	svc.markReportedFn = func(_ context.Context, _ uuid.UUID, _ time.Time) error {
		return nil
	}

	var charged []string
	svc.chargeOnceFn = func(_ context.Context, _ *model.Node, report UsageReport) (*chargeOutcome, error) {
		if report.Username == "ghost" {
			return nil, repository.ErrNotFound
		}
		charged = append(charged, report.Username)
		return &chargeOutcome{
			User:    &model.User{ID: uuid.New(), Username: report.Username},
			Charged: report.Delta,
		}, nil
	}

	now := time.Now().UTC()
	result, err := svc.RecordUsage(context.Background(), node.ID, []UsageReport{
		{Username: "alice", Delta: 100, Timestamp: now},
		{Username: "bob", Delta: -5, Timestamp: now},
		{Username: "ghost", Delta: 50, Timestamp: now},
		{Username: "", Delta: 10, Timestamp: now},
	})
	if err != nil {
		t.Fatalf("RecordUsage returned error: %v", err)
	}

	if result.Accepted != 1 || result.Rejected != 2 || result.Skipped != 1 {
		t.Fatalf("unexpected tallies: accepted=%d rejected=%d skipped=%d",
			result.Accepted, result.Rejected, result.Skipped)
	}
	if len(charged) != 1 || charged[0] != "alice" {
		t.Fatalf("expected only alice to be charged, got %v", charged)
	}
	if len(result.Rows) != 4 {
		t.Fatalf("expected 4 row results, got %d", len(result.Rows))
	}
	if result.Rows[2].Outcome != RowSkipped || result.Rows[2].Reason != "unknown user" {
		t.Fatalf("unexpected ghost row: %+v", result.Rows[2])
	}
}

func TestRecordUsage_ConflictRetryBudget(t *testing.T) {
	t.Parallel()

	svc := newUnitIngestService()
	node := testNode(model.NodeStatusConnected, 1.0)
	svc.findNodeFn = func(_ context.Context, _ uuid.UUID) (*model.Node, error) {
		return node, nil
	}
	svc.markReportedFn = func(_ context.Context, _ uuid.UUID, _ time.Time) error {
		return nil
	}

	attempts := 0
	svc.chargeOnceFn = func(context.Context, *model.Node, UsageReport) (*chargeOutcome, error) {
		attempts++
		return nil, repository.ErrVersionConflict
	}

	result, err := svc.RecordUsage(context.Background(), node.ID, []UsageReport{
		{Username: "alice", Delta: 100, Timestamp: time.Now().UTC()},
	})
	if err != nil {
		t.Fatalf("a losing row must not fail the batch: %v", err)
	}
	if attempts != maxChargeAttempts {
		t.Fatalf("expected %d attempts, got %d", maxChargeAttempts, attempts)
	}
	if result.Rejected != 1 || result.Accepted != 0 {
		t.Fatalf("expected the row rejected, got %+v", result)
	}
}

func TestRecordUsage_ConflictThenSuccess(t *testing.T) {
	t.Parallel()

	svc := newUnitIngestService()
	node := testNode(model.NodeStatusConnected, 1.0)
	svc.findNodeFn = func(_ context.Context, _ uuid.UUID) (*model.Node, error) {
		return node, nil
	}
	svc.markReportedFn = func(_ context.Context, _ uuid.UUID, _ time.Time) error {
		return nil
	}

	attempts := 0
	svc.chargeOnceFn = func(_ context.Context, _ *model.Node, report UsageReport) (*chargeOutcome, error) {
		attempts++
		if attempts < 2 {
			return nil, repository.ErrVersionConflict
		}
		return &chargeOutcome{
			User:    &model.User{ID: uuid.New(), Username: report.Username},
			Charged: report.Delta,
		}, nil
	}

	result, err := svc.RecordUsage(context.Background(), node.ID, []UsageReport{
		{Username: "alice", Delta: 100, Timestamp: time.Now().UTC()},
	})
	if err != nil {
		t.Fatalf("RecordUsage returned error: %v", err)
	}
	if result.Accepted != 1 {
		t.Fatalf("expected row accepted after retry, got %+v", result)
	}
}

func TestResolveOwningAdmin_RetriesAfterFailure(t *testing.T) {
	t.Parallel()

	svc := newUnitIngestService()
	master := uuid.New()
	calls := 0
	svc.masterLookupFn = func(context.Context) (uuid.UUID, error) {
		calls++
		if calls == 1 {
			// e.g. the triggering request's context was already canceled
			return uuid.Nil, context.Canceled
		}
		return master, nil
	}

	orphan := &model.User{ID: uuid.New(), Username: "orphan"}
	if _, err := svc.resolveOwningAdmin(context.Background(), orphan); err == nil {
		t.Fatal("first lookup must surface the failure")
	}

	got, err := svc.resolveOwningAdmin(context.Background(), orphan)
	if err != nil {
		t.Fatalf("failed lookup must not be cached: %v", err)
	}
	if got != master {
		t.Fatalf("expected master admin id, got %s", got)
	}

	if _, err := svc.resolveOwningAdmin(context.Background(), orphan); err != nil {
		t.Fatalf("memoized lookup errored: %v", err)
	}
	if calls != 2 {
		t.Fatalf("success must be memoized: %d lookups", calls)
	}
}

func TestRecordUsage_PublishesStatusChange(t *testing.T) {
	t.Parallel()

	bus := event.NewBus()
	svc := newUnitIngestService()
	svc.eventBus = bus

	node := testNode(model.NodeStatusConnected, 1.0)
	svc.findNodeFn = func(_ context.Context, _ uuid.UUID) (*model.Node, error) {
		return node, nil
	}
	svc.markReportedFn = func(_ context.Context, _ uuid.UUID, _ time.Time) error {
		return nil
	}

	gotStatus := make(chan event.StatusChangedPayload, 1)
	bus.Subscribe(event.EventUserStatusChanged, func(payload any) {
		if entry, ok := payload.(event.StatusChangedPayload); ok {
			gotStatus <- entry
		}
	})

	userID := uuid.New()
	svc.chargeOnceFn = func(_ context.Context, _ *model.Node, report UsageReport) (*chargeOutcome, error) {
		return &chargeOutcome{
			User: &model.User{
				ID:          userID,
				Username:    report.Username,
				Status:      model.UserStatusLimited,
				UsedTraffic: 1000,
				DataLimit:   1000,
			},
			Charged: report.Delta,
			Eval: Evaluation{
				Transition: &StatusTransition{
					From:   model.UserStatusActive,
					To:     model.UserStatusLimited,
					Reason: ReasonDataLimit,
				},
			},
		}, nil
	}

	if _, err := svc.RecordUsage(context.Background(), node.ID, []UsageReport{
		{Username: "alice", Delta: 1000, Timestamp: time.Now().UTC()},
	}); err != nil {
		t.Fatalf("RecordUsage returned error: %v", err)
	}

	select {
	case entry := <-gotStatus:
		if entry.NewStatus != string(model.UserStatusLimited) || entry.Reason != ReasonDataLimit {
			t.Fatalf("unexpected status payload: %+v", entry)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected a status change event")
	}
}

func TestRecordUsage_ReconnectPublishesNodeConnected(t *testing.T) {
	t.Parallel()

	bus := event.NewBus()
	svc := newUnitIngestService()
	svc.eventBus = bus

	node := testNode(model.NodeStatusError, 1.0)
	svc.findNodeFn = func(_ context.Context, _ uuid.UUID) (*model.Node, error) {
		return node, nil
	}
	svc.markReportedFn = func(_ context.Context, _ uuid.UUID, _ time.Time) error {
		return nil
	}
	svc.chargeOnceFn = func(_ context.Context, _ *model.Node, report UsageReport) (*chargeOutcome, error) {
		return &chargeOutcome{
			User:    &model.User{ID: uuid.New(), Username: report.Username},
			Charged: report.Delta,
		}, nil
	}

	gotNode := make(chan event.NodePayload, 1)
	bus.Subscribe(event.EventNodeConnected, func(payload any) {
		if entry, ok := payload.(event.NodePayload); ok {
			gotNode <- entry
		}
	})

	if _, err := svc.RecordUsage(context.Background(), node.ID, []UsageReport{
		{Username: "alice", Delta: 10, Timestamp: time.Now().UTC()},
	}); err != nil {
		t.Fatalf("RecordUsage returned error: %v", err)
	}

	select {
	case entry := <-gotNode:
		if entry.Name != "edge-1" {
			t.Fatalf("unexpected node payload: %+v", entry)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected a node connected event")
	}
}
