package checkpoint_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/tidefall/steward/internal/activity"
	"github.com/tidefall/steward/internal/checkpoint"
	"github.com/tidefall/steward/internal/persistence"
	"github.com/tidefall/steward/internal/shared"
)

func openTestRegistry(t *testing.T) *checkpoint.Registry {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "steward.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	log := activity.NewLog(store, nil)
	return checkpoint.NewRegistry(store, log, nil)
}

// recordingResolver captures OnCheckpointResolved notifications.
type recordingResolver struct {
	taskIDs  []string
	statuses []checkpoint.Status
	reasons  []string
}

func (r *recordingResolver) OnCheckpointResolved(_ context.Context, taskID string, status checkpoint.Status, reason string) error {
	r.taskIDs = append(r.taskIDs, taskID)
	r.statuses = append(r.statuses, status)
	r.reasons = append(r.reasons, reason)
	return nil
}

func floatPtr(v float64) *float64 { return &v }

func TestCreateDefinitionValidation(t *testing.T) {
	reg := openTestRegistry(t)
	ctx := context.Background()

	if _, err := reg.CreateDefinition(ctx, checkpoint.Definition{Slug: "  "}); err == nil {
		t.Fatal("blank slug must be rejected")
	}
	if _, err := reg.CreateDefinition(ctx, checkpoint.Definition{
		Slug: "x", AutoRejectAfterHours: floatPtr(-1),
	}); err == nil {
		t.Fatal("negative auto-reject window must be rejected")
	}
}

func TestCreateDefinitionDuplicateSlugConflicts(t *testing.T) {
	reg := openTestRegistry(t)
	ctx := context.Background()

	def := checkpoint.Definition{Slug: "bulk-outreach", RequiresApproval: true}
	if _, err := reg.CreateDefinition(ctx, def); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err := reg.CreateDefinition(ctx, def)
	var conflict *shared.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError for duplicate slug, got %v", err)
	}
}

func TestRegisterWithoutDefinitionOpensPendingGate(t *testing.T) {
	reg := openTestRegistry(t)
	ctx := context.Background()

	inst, err := reg.Register(ctx, checkpoint.RegisterRequest{
		Scope:   shared.VerticalScope("saas"),
		Service: "outreach",
		Action:  "send_campaign",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if inst.Status != checkpoint.StatusPending {
		t.Fatalf("standalone gate should open pending, got %q", inst.Status)
	}
	if inst.DefinitionID != "" {
		t.Fatalf("no definition should bind, got %q", inst.DefinitionID)
	}
	if inst.RequestPayload != "{}" {
		t.Fatalf("empty payload should default to {}, got %q", inst.RequestPayload)
	}
}

func TestRegisterAutoApprovesWhenDefinitionWaivesApproval(t *testing.T) {
	reg := openTestRegistry(t)
	ctx := context.Background()

	if _, err := reg.CreateDefinition(ctx, checkpoint.Definition{
		Slug:             "low-risk-enrichment",
		Services:         []string{"enrichment"},
		RequiresApproval: false,
	}); err != nil {
		t.Fatalf("create definition: %v", err)
	}

	inst, err := reg.Register(ctx, checkpoint.RegisterRequest{
		DefinitionSlug: "low-risk-enrichment",
		Scope:          shared.VerticalScope("saas"),
		Service:        "enrichment",
		Action:         "refresh_contacts",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if inst.Status != checkpoint.StatusApproved {
		t.Fatalf("waived gate should be approved on registration, got %q", inst.Status)
	}
	if inst.ResolvedBy != shared.SystemActor {
		t.Fatalf("auto-approval should be attributed to the system, got %q", inst.ResolvedBy)
	}
}

func TestRegisterMatchesMostSpecificDefinition(t *testing.T) {
	reg := openTestRegistry(t)
	ctx := context.Background()

	global, err := reg.CreateDefinition(ctx, checkpoint.Definition{
		Slug: "outreach-global", Services: []string{"outreach"}, RequiresApproval: true,
	})
	if err != nil {
		t.Fatalf("create global: %v", err)
	}
	vertical, err := reg.CreateDefinition(ctx, checkpoint.Definition{
		Slug: "outreach-saas", VerticalID: "saas", Services: []string{"outreach"}, RequiresApproval: true,
	})
	if err != nil {
		t.Fatalf("create vertical: %v", err)
	}
	territory, err := reg.CreateDefinition(ctx, checkpoint.Definition{
		Slug: "outreach-saas-uswest", VerticalID: "saas", TerritoryID: "us-west",
		Services: []string{"outreach"}, RequiresApproval: true,
	})
	if err != nil {
		t.Fatalf("create territory: %v", err)
	}

	inst, err := reg.Register(ctx, checkpoint.RegisterRequest{
		Scope:   shared.TerritoryScope("saas", "us-west"),
		Service: "outreach",
		Action:  "send_campaign",
	})
	if err != nil {
		t.Fatalf("register territory: %v", err)
	}
	if inst.DefinitionID != territory.ID {
		t.Fatalf("territory gate should bind the territory definition, got %q", inst.DefinitionID)
	}

	inst, err = reg.Register(ctx, checkpoint.RegisterRequest{
		Scope:   shared.TerritoryScope("saas", "emea"),
		Service: "outreach",
		Action:  "send_campaign",
	})
	if err != nil {
		t.Fatalf("register other territory: %v", err)
	}
	if inst.DefinitionID != vertical.ID {
		t.Fatalf("unmatched territory should fall back to the vertical definition, got %q", inst.DefinitionID)
	}

	inst, err = reg.Register(ctx, checkpoint.RegisterRequest{
		Scope:   shared.VerticalScope("fintech"),
		Service: "outreach",
		Action:  "send_campaign",
	})
	if err != nil {
		t.Fatalf("register other vertical: %v", err)
	}
	if inst.DefinitionID != global.ID {
		t.Fatalf("unmatched vertical should fall back to the global definition, got %q", inst.DefinitionID)
	}
}

func TestRegisterSkipsDefinitionsWithoutServiceList(t *testing.T) {
	reg := openTestRegistry(t)
	ctx := context.Background()

	// No service list: reachable by slug only, never bound implicitly.
	if _, err := reg.CreateDefinition(ctx, checkpoint.Definition{
		Slug: "slug-only-gate", RequiresApproval: true, AutoApproveAfterHours: floatPtr(1),
	}); err != nil {
		t.Fatalf("create definition: %v", err)
	}

	inst, err := reg.Register(ctx, checkpoint.RegisterRequest{
		Scope: shared.GlobalScope, Service: "crm", Action: "merge",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if inst.DefinitionID != "" {
		t.Fatalf("unconstrained definition must not bind implicitly, got %q", inst.DefinitionID)
	}
	if inst.AutoApproveAt != nil {
		t.Fatal("standalone gate must not inherit an auto-approve window")
	}
}

func TestApproveResolvesAtMostOnce(t *testing.T) {
	reg := openTestRegistry(t)
	ctx := context.Background()

	inst, err := reg.Register(ctx, checkpoint.RegisterRequest{
		Scope: shared.GlobalScope, Service: "crm", Action: "merge_accounts",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := reg.Approve(ctx, inst.ID, "manager@example.com", "reviewed"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	got, err := reg.Get(ctx, inst.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != checkpoint.StatusApproved || got.ResolvedBy != "manager@example.com" {
		t.Fatalf("unexpected resolution: %+v", got)
	}
	if got.ResolvedAt == nil {
		t.Fatal("resolved_at should be set")
	}

	// Second resolution attempt, either direction, is a conflict.
	var conflict *shared.ConflictError
	if err := reg.Approve(ctx, inst.ID, "other@example.com", ""); !errors.As(err, &conflict) {
		t.Fatalf("double approve should conflict, got %v", err)
	}
	if err := reg.Reject(ctx, inst.ID, "other@example.com", "nope"); !errors.As(err, &conflict) {
		t.Fatalf("reject after approve should conflict, got %v", err)
	}
}

func TestRejectRequiresReason(t *testing.T) {
	reg := openTestRegistry(t)
	ctx := context.Background()

	inst, err := reg.Register(ctx, checkpoint.RegisterRequest{
		Scope: shared.GlobalScope, Service: "crm", Action: "merge_accounts",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Reject(ctx, inst.ID, "manager@example.com", "  "); err == nil {
		t.Fatal("rejection without a reason must fail")
	}
	if err := reg.Reject(ctx, inst.ID, "manager@example.com", "target list looks stale"); err != nil {
		t.Fatalf("reject: %v", err)
	}
}

func TestApproveHonorsRequireReason(t *testing.T) {
	reg := openTestRegistry(t)
	ctx := context.Background()

	if _, err := reg.CreateDefinition(ctx, checkpoint.Definition{
		Slug: "audited-gate", RequiresApproval: true, RequireReason: true,
	}); err != nil {
		t.Fatalf("create definition: %v", err)
	}
	inst, err := reg.Register(ctx, checkpoint.RegisterRequest{
		DefinitionSlug: "audited-gate",
		Scope:          shared.GlobalScope,
		Service:        "crm",
		Action:         "bulk_delete",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := reg.Approve(ctx, inst.ID, "manager@example.com", ""); err == nil {
		t.Fatal("approval without a reason must fail when the definition requires one")
	}
	if err := reg.Approve(ctx, inst.ID, "manager@example.com", "verified batch"); err != nil {
		t.Fatalf("approve with reason: %v", err)
	}
}

func TestResolveNotifiesLinkedTask(t *testing.T) {
	reg := openTestRegistry(t)
	resolver := &recordingResolver{}
	reg.SetTaskResolver(resolver)
	ctx := context.Background()

	inst, err := reg.Register(ctx, checkpoint.RegisterRequest{
		Scope: shared.VerticalScope("saas"), Service: "outreach", Action: "send_campaign",
		TaskID: "task-123",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Approve(ctx, inst.ID, "manager@example.com", "go"); err != nil {
		t.Fatalf("approve: %v", err)
	}

	if len(resolver.taskIDs) != 1 || resolver.taskIDs[0] != "task-123" {
		t.Fatalf("expected one notification for task-123, got %v", resolver.taskIDs)
	}
	if resolver.statuses[0] != checkpoint.StatusApproved {
		t.Fatalf("notification status = %q", resolver.statuses[0])
	}
}

func TestSweepExpiredAutoApprovesAndExpires(t *testing.T) {
	reg := openTestRegistry(t)
	resolver := &recordingResolver{}
	reg.SetTaskResolver(resolver)
	ctx := context.Background()

	if _, err := reg.CreateDefinition(ctx, checkpoint.Definition{
		Slug: "auto-approve-gate", RequiresApproval: true, AutoApproveAfterHours: floatPtr(1),
	}); err != nil {
		t.Fatalf("create auto-approve definition: %v", err)
	}
	if _, err := reg.CreateDefinition(ctx, checkpoint.Definition{
		Slug: "expiring-gate", RequiresApproval: true, AutoRejectAfterHours: floatPtr(2),
	}); err != nil {
		t.Fatalf("create expiring definition: %v", err)
	}

	approvable, err := reg.Register(ctx, checkpoint.RegisterRequest{
		DefinitionSlug: "auto-approve-gate",
		Scope:          shared.GlobalScope, Service: "enrichment", Action: "refresh",
		TaskID: "task-a",
	})
	if err != nil {
		t.Fatalf("register approvable: %v", err)
	}
	expirable, err := reg.Register(ctx, checkpoint.RegisterRequest{
		DefinitionSlug: "expiring-gate",
		Scope:          shared.GlobalScope, Service: "outreach", Action: "send",
		TaskID: "task-b",
	})
	if err != nil {
		t.Fatalf("register expirable: %v", err)
	}
	untouched, err := reg.Register(ctx, checkpoint.RegisterRequest{
		Scope: shared.GlobalScope, Service: "crm", Action: "merge",
	})
	if err != nil {
		t.Fatalf("register untouched: %v", err)
	}

	// Sweep well past both windows.
	result, err := reg.SweepExpired(ctx, time.Now().UTC().Add(3*time.Hour))
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if result.AutoApproved != 1 || result.Expired != 1 {
		t.Fatalf("sweep result = %+v, want 1 auto-approved and 1 expired", result)
	}

	got, _ := reg.Get(ctx, approvable.ID)
	if got.Status != checkpoint.StatusApproved || got.ResolvedBy != shared.SystemActor {
		t.Fatalf("approvable gate: %+v", got)
	}
	got, _ = reg.Get(ctx, expirable.ID)
	if got.Status != checkpoint.StatusExpired {
		t.Fatalf("expirable gate status = %q", got.Status)
	}
	got, _ = reg.Get(ctx, untouched.ID)
	if got.Status != checkpoint.StatusPending {
		t.Fatalf("windowless gate must stay pending, got %q", got.Status)
	}

	if len(resolver.taskIDs) != 2 {
		t.Fatalf("expected 2 task notifications, got %v", resolver.taskIDs)
	}

	// A second sweep over the same window finds nothing left to do.
	result, err = reg.SweepExpired(ctx, time.Now().UTC().Add(3*time.Hour))
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if result.AutoApproved != 0 || result.Expired != 0 {
		t.Fatalf("sweep must be idempotent, got %+v", result)
	}
}

func TestListAndHistory(t *testing.T) {
	reg := openTestRegistry(t)
	ctx := context.Background()

	first, err := reg.Register(ctx, checkpoint.RegisterRequest{
		Scope: shared.VerticalScope("saas"), Service: "outreach", Action: "send",
	})
	if err != nil {
		t.Fatalf("register first: %v", err)
	}
	if _, err := reg.Register(ctx, checkpoint.RegisterRequest{
		Scope: shared.VerticalScope("fintech"), Service: "crm", Action: "merge",
	}); err != nil {
		t.Fatalf("register second: %v", err)
	}
	if err := reg.Approve(ctx, first.ID, "manager@example.com", "ok"); err != nil {
		t.Fatalf("approve: %v", err)
	}

	pending, err := reg.List(ctx, checkpoint.ListFilter{Status: checkpoint.StatusPending}, 10)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 || pending[0].Service != "crm" {
		t.Fatalf("unexpected pending list: %+v", pending)
	}

	saas := shared.VerticalScope("saas")
	scoped, err := reg.List(ctx, checkpoint.ListFilter{Scope: &saas}, 10)
	if err != nil {
		t.Fatalf("list scoped: %v", err)
	}
	if len(scoped) != 1 || scoped[0].ID != first.ID {
		t.Fatalf("unexpected scoped list: %+v", scoped)
	}

	history, err := reg.History(ctx, first.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected registration + approval entries, got %d", len(history))
	}
	if history[0].NewStatus != checkpoint.StatusPending || history[1].NewStatus != checkpoint.StatusApproved {
		t.Fatalf("history out of order: %+v", history)
	}
}

func TestGetUnknownCheckpointIsNotFound(t *testing.T) {
	reg := openTestRegistry(t)
	_, err := reg.Get(context.Background(), "no-such-id")
	var notFound *shared.NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}
