package orderflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"arbiter/internal/broker"
	"arbiter/internal/config"
	"arbiter/internal/guardrail"
	"arbiter/internal/models"
	"arbiter/internal/notifier"
	"arbiter/internal/ownership"
	"arbiter/internal/registry"
	"arbiter/internal/repository"
	"arbiter/internal/repository/memory"
)

type scriptedBroker struct {
	mu      sync.Mutex
	errs    []error
	fail    error
	fill    bool
	submits int
	cancels []broker.CancelRequest
}

func (b *scriptedBroker) Submit(_ context.Context, req broker.SubmitRequest) (broker.SubmitAck, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.submits++
	if b.fail != nil {
		return broker.SubmitAck{}, b.fail
	}
	if len(b.errs) > 0 {
		err := b.errs[0]
		b.errs = b.errs[1:]
		if err != nil {
			return broker.SubmitAck{}, err
		}
	}
	ack := broker.SubmitAck{BrokerOrderID: fmt.Sprintf("b-%d", b.submits), FilledQuantity: decimal.Zero}
	if b.fill {
		ack.FilledQuantity = req.Quantity
	}
	return ack, nil
}

func (b *scriptedBroker) Cancel(_ context.Context, req broker.CancelRequest) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancels = append(b.cancels, req)
	return nil
}

func (b *scriptedBroker) submitCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.submits
}

type fixture struct {
	repo    *memory.Store
	machine *Machine
	broker  *scriptedBroker
	events  *notifier.Recorder
	now     time.Time
	mu      sync.Mutex
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func machineConfig() config.OrderMachineConfig {
	return config.OrderMachineConfig{
		ValidationMode:  ModeParallel,
		MaxRetries:      3,
		BackoffInitial:  2 * time.Second,
		BackoffMax:      time.Minute,
		BackoffFactor:   2,
		SubmitTimeout:   time.Second,
		AckTimeout:      2 * time.Minute,
		ApprovalTimeout: time.Hour,
	}
}

func newFixture(t *testing.T, cfg config.OrderMachineConfig) *fixture {
	t.Helper()
	f := &fixture{
		repo:   memory.New(),
		broker: &scriptedBroker{},
		events: &notifier.Recorder{},
		now:    time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC),
	}
	f.repo.Now = f.clock

	reg := registry.New(f.repo, nil)
	resolver := ownership.New(f.repo, reg, f.events, nil, config.OwnershipConfig{AuditSelfActions: true})
	resolver.Now = f.clock
	reg.Releaser = resolver

	gcfg := config.GuardrailConfig{
		TotalCapital:         100000,
		MaxPositionFraction:  0.10,
		WarnPositionFraction: 0.08,
		MaxDailyTrades:       10,
		MaxWeeklyTrades:      40,
		FrequencyWarnRatio:   0.8,
		MinReasoningChars:    20,
	}
	f.machine = New(f.repo, reg, resolver, guardrail.New(gcfg), nil, cfg)
	f.machine.Portfolio = &guardrail.ContextProvider{Counter: f.repo, Config: gcfg, Now: f.clock}
	f.machine.Broker = f.broker
	f.machine.Events = f.events
	f.machine.Now = f.clock

	ctx := context.Background()
	for _, s := range []models.Strategy{
		{Name: "long_term", Priority: 100, Active: true},
		{Name: "momentum", Priority: 30, Active: true},
	} {
		if err := reg.Upsert(ctx, &s); err != nil {
			t.Fatalf("upsert %s: %v", s.Name, err)
		}
	}
	return f
}

func proposal(strategy string) Proposal {
	return Proposal{
		Ticker:         "aapl",
		Action:         "buy",
		Strategy:       strategy,
		Quantity:       decimal.NewFromInt(10),
		ReferencePrice: decimal.NewFromInt(100),
		Reasoning:      "earnings revision momentum with wide moat",
	}
}

func (f *fixture) submit(t *testing.T, p Proposal) *SubmitResult {
	t.Helper()
	res, err := f.machine.Submit(context.Background(), p)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return res
}

func (f *fixture) order(t *testing.T, id uint64) *models.Order {
	t.Helper()
	o, err := f.machine.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get order %d: %v", id, err)
	}
	return o
}

func (f *fixture) path(t *testing.T, id uint64) []string {
	t.Helper()
	items, err := f.machine.Transitions(context.Background(), id)
	if err != nil {
		t.Fatalf("transitions: %v", err)
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, item.FromState+">"+item.ToState)
	}
	return out
}

func samePath(got []string, want ...string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestTransitionTable(t *testing.T) {
	legal := [][2]State{
		{StateIdle, StateSignalReceived},
		{StateValidating, StatePendingHumanApproval},
		{StatePendingHumanApproval, StateOrderPending},
		{StateOrderSent, StatePartialFilled},
		{StatePartialFilled, StatePartialFilled},
		{StateFailed, StateOrderPending},
		{StateFailed, StateNeedsManualReview},
		{StateNeedsManualReview, StateCancelled},
	}
	for _, e := range legal {
		if !CanTransition(e[0], e[1]) {
			t.Fatalf("%s -> %s should be legal", e[0], e[1])
		}
	}
	illegal := [][2]State{
		{StateIdle, StateValidating},
		{StateBlocked, StateOrderPending},
		{StateFullyFilled, StateCancelled},
		{StatePartialFilled, StateFailed},
		{StateRejected, StateOrderPending},
		{StateNeedsManualReview, StateOrderPending},
		{StateOrderPending, StateFullyFilled},
	}
	for _, e := range illegal {
		if CanTransition(e[0], e[1]) {
			t.Fatalf("%s -> %s should be illegal", e[0], e[1])
		}
	}
	for _, s := range []State{StateBlocked, StateFullyFilled, StateCancelled, StateRejected, StateNeedsManualReview} {
		if !s.Terminal() {
			t.Fatalf("%s should be terminal", s)
		}
	}
	if StateFailed.Terminal() || StatePartialFilled.Terminal() {
		t.Fatalf("failed and partial_filled are not terminal")
	}
	if st, ok := ParseState("order_sent"); !ok || st != StateOrderSent {
		t.Fatalf("parse order_sent: %v %v", st, ok)
	}
}

func TestSubmitFillsThroughPaperBroker(t *testing.T) {
	f := newFixture(t, machineConfig())
	f.machine.Broker = broker.NewPaper(config.BrokerConfig{Mode: "paper", AutoFill: true}, nil)

	res := f.submit(t, proposal("long_term"))
	if res.Denial != nil {
		t.Fatalf("unexpected denial: %v", res.Denial)
	}
	if res.Order.State != string(StateFullyFilled) {
		t.Fatalf("state=%s want=fully_filled", res.Order.State)
	}
	if !res.Order.FilledQuantity.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("filled=%s want=10", res.Order.FilledQuantity)
	}
	if res.Order.Ticker != "AAPL" || res.Order.BrokerOrderID == "" || res.Order.SentAt == nil {
		t.Fatalf("unexpected order %+v", res.Order)
	}
	got := f.path(t, res.Order.ID)
	if !samePath(got,
		"idle>signal_received",
		"signal_received>validating",
		"validating>order_pending",
		"order_pending>order_sent",
		"order_sent>fully_filled",
	) {
		t.Fatalf("path=%v", got)
	}
	if n := len(f.events.OfType(notifier.TypeOrderTransition)); n != len(got) {
		t.Fatalf("order events=%d transitions=%d", n, len(got))
	}
}

func TestHumanApprovalGate(t *testing.T) {
	f := newFixture(t, machineConfig())
	p := proposal("long_term")
	p.RequiresHumanApproval = true

	res := f.submit(t, p)
	if res.Order.State != string(StatePendingHumanApproval) {
		t.Fatalf("state=%s want=pending_human_approval", res.Order.State)
	}
	if res.Denial != nil {
		t.Fatalf("approval gate is not a denial: %v", res.Denial)
	}
	if f.broker.submitCount() != 0 {
		t.Fatalf("broker called before approval")
	}

	o, err := f.machine.Approve(context.Background(), res.Order.ID, "alice")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if o.State != string(StateOrderSent) || o.ApprovedBy != "alice" {
		t.Fatalf("after approve state=%s approved_by=%s", o.State, o.ApprovedBy)
	}
	if f.broker.submitCount() != 1 {
		t.Fatalf("submits=%d want=1", f.broker.submitCount())
	}

	if _, err := f.machine.Approve(context.Background(), res.Order.ID, "alice"); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("second approve should be illegal, got %v", err)
	}
}

func TestRejectAndApprovalTimeout(t *testing.T) {
	f := newFixture(t, machineConfig())
	p := proposal("long_term")
	p.RequiresHumanApproval = true

	first := f.submit(t, p)
	o, err := f.machine.Reject(context.Background(), first.Order.ID, "bob", "too early")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if o.State != string(StateRejected) {
		t.Fatalf("state=%s want=rejected", o.State)
	}

	second := f.submit(t, p)
	f.advance(30 * time.Minute)
	if n, err := f.machine.ExpireApprovals(context.Background()); err != nil || n != 0 {
		t.Fatalf("early sweep n=%d err=%v", n, err)
	}
	f.advance(31 * time.Minute)
	n, err := f.machine.ExpireApprovals(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("sweep n=%d err=%v", n, err)
	}
	if got := f.order(t, second.Order.ID); got.State != string(StateRejected) {
		t.Fatalf("state=%s want=rejected", got.State)
	}
}

func TestConflictDenialIsAResultNotAnError(t *testing.T) {
	f := newFixture(t, machineConfig())
	f.submit(t, proposal("long_term"))

	res := f.submit(t, proposal("momentum"))
	if res.Order.State != string(StateBlocked) {
		t.Fatalf("state=%s want=blocked", res.Order.State)
	}
	if !errors.Is(res.Denial, ErrConflictBlocked) {
		t.Fatalf("denial=%v want ErrConflictBlocked", res.Denial)
	}
	if res.Verdict == nil || res.Verdict.Resolution != models.ResolutionBlocked {
		t.Fatalf("verdict=%+v", res.Verdict)
	}
	if res.Order.Metadata["resolution"] != models.ResolutionBlocked {
		t.Fatalf("metadata=%v", res.Order.Metadata)
	}
	if f.broker.submitCount() != 1 {
		t.Fatalf("blocked order reached the broker")
	}
}

func TestGuardrailDenial(t *testing.T) {
	f := newFixture(t, machineConfig())
	p := proposal("long_term")
	p.Quantity = decimal.NewFromInt(500) // 50000 against a 10000 ceiling

	res := f.submit(t, p)
	if res.Order.State != string(StateBlocked) || !errors.Is(res.Denial, ErrGuardrailBlocked) {
		t.Fatalf("state=%s denial=%v", res.Order.State, res.Denial)
	}
	violations := res.Order.Violations.Data()
	if len(violations) == 0 || violations[0].Article != guardrail.ArticleCapitalPreservation {
		t.Fatalf("violations=%+v", violations)
	}
}

func TestValidatorFirstSkipsArbitrationOnBlock(t *testing.T) {
	cfg := machineConfig()
	cfg.ValidationMode = ModeValidatorFirst
	f := newFixture(t, cfg)
	p := proposal("long_term")
	p.Reasoning = ""

	res := f.submit(t, p)
	if res.Verdict != nil {
		t.Fatalf("resolver should be skipped, got %+v", res.Verdict)
	}
	if !errors.Is(res.Denial, ErrGuardrailBlocked) {
		t.Fatalf("denial=%v", res.Denial)
	}
	total, err := f.repo.CountOwnerships(context.Background(), repository.ListOwnershipsParams{})
	if err != nil || total != 0 {
		t.Fatalf("ownerships=%d err=%v", total, err)
	}
}

func TestUnknownStrategyCreatesNoOrder(t *testing.T) {
	f := newFixture(t, machineConfig())
	_, err := f.machine.Submit(context.Background(), proposal("ghost"))
	if !errors.Is(err, registry.ErrUnknownStrategy) {
		t.Fatalf("err=%v want ErrUnknownStrategy", err)
	}
	total, err := f.repo.CountOrders(context.Background(), repository.ListOrdersParams{})
	if err != nil || total != 0 {
		t.Fatalf("orders=%d err=%v", total, err)
	}
}

func TestInvalidProposal(t *testing.T) {
	f := newFixture(t, machineConfig())
	p := proposal("long_term")
	p.Quantity = decimal.Zero
	if _, err := f.machine.Submit(context.Background(), p); !errors.Is(err, ErrInvalidProposal) {
		t.Fatalf("err=%v want ErrInvalidProposal", err)
	}
	p = proposal("long_term")
	p.Action = "hold"
	if _, err := f.machine.Submit(context.Background(), p); !errors.Is(err, ErrInvalidProposal) {
		t.Fatalf("err=%v want ErrInvalidProposal", err)
	}
}

func TestRetryBoundEscalatesToManualReview(t *testing.T) {
	f := newFixture(t, machineConfig())
	f.broker.fail = errors.New("venue unavailable")
	ctx := context.Background()

	res := f.submit(t, proposal("long_term"))
	id := res.Order.ID
	o := f.order(t, id)
	if o.State != string(StateFailed) || o.NextRetryAt == nil {
		t.Fatalf("after first attempt state=%s next=%v", o.State, o.NextRetryAt)
	}
	if want := f.clock().Add(2 * time.Second); !o.NextRetryAt.Equal(want) {
		t.Fatalf("next retry=%s want=%s", o.NextRetryAt, want)
	}

	// Not due yet.
	if n, err := f.machine.RetryDue(ctx); err != nil || n != 0 {
		t.Fatalf("premature retry n=%d err=%v", n, err)
	}

	for i := 1; i <= 3; i++ {
		f.advance(time.Minute)
		n, err := f.machine.RetryDue(ctx)
		if err != nil || n != 1 {
			t.Fatalf("retry %d n=%d err=%v", i, n, err)
		}
	}

	o = f.order(t, id)
	if o.State != string(StateNeedsManualReview) || !o.NeedsManualReview {
		t.Fatalf("state=%s flag=%v want needs_manual_review", o.State, o.NeedsManualReview)
	}
	if o.RetryCount != 3 || f.broker.submitCount() != 4 {
		t.Fatalf("retries=%d submits=%d", o.RetryCount, f.broker.submitCount())
	}

	f.advance(time.Hour)
	if n, _ := f.machine.RetryDue(ctx); n != 0 {
		t.Fatalf("escalated order retried again")
	}
	if _, err := f.machine.Cancel(ctx, id, "ops", ""); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("plain cancel of escalated order: %v", err)
	}

	o, err := f.machine.CloseManualReview(ctx, id, "ops", "venue outage confirmed")
	if err != nil {
		t.Fatalf("close review: %v", err)
	}
	if o.State != string(StateCancelled) || !o.NeedsManualReview {
		t.Fatalf("after close state=%s flag=%v", o.State, o.NeedsManualReview)
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	m := &Machine{Config: machineConfig()}
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	for i, w := range want {
		if got := m.backoff(i); got != w {
			t.Fatalf("backoff(%d)=%s want=%s", i, got, w)
		}
	}
	if got := m.backoff(20); got != time.Minute {
		t.Fatalf("backoff(20)=%s want cap 1m", got)
	}
}

func TestPartialFillsThenCancelRemainder(t *testing.T) {
	f := newFixture(t, machineConfig())
	ctx := context.Background()
	res := f.submit(t, proposal("long_term"))
	id := res.Order.ID
	if res.Order.State != string(StateOrderSent) {
		t.Fatalf("state=%s want=order_sent", res.Order.State)
	}

	o, err := f.machine.HandleExecution(ctx, ExecutionEvent{OrderID: id, Event: "partialFill", FilledQuantity: decimal.NewFromInt(4)})
	if err != nil {
		t.Fatalf("partial: %v", err)
	}
	o, err = f.machine.HandleExecution(ctx, ExecutionEvent{OrderID: id, Event: EventPartialFill, FilledQuantity: decimal.NewFromInt(2)})
	if err != nil {
		t.Fatalf("partial: %v", err)
	}
	if o.State != string(StatePartialFilled) || !o.FilledQuantity.Equal(decimal.NewFromInt(6)) {
		t.Fatalf("state=%s filled=%s", o.State, o.FilledQuantity)
	}

	o, err = f.machine.Cancel(ctx, id, "ops", "thesis changed")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if o.State != string(StateCancelled) || !o.FilledQuantity.Equal(decimal.NewFromInt(6)) {
		t.Fatalf("state=%s filled=%s", o.State, o.FilledQuantity)
	}
	if len(f.broker.cancels) != 1 || !f.broker.cancels[0].Quantity.Equal(decimal.NewFromInt(4)) {
		t.Fatalf("broker cancels=%+v", f.broker.cancels)
	}
	if o.Metadata["cancelled_quantity"] != "4" {
		t.Fatalf("metadata=%v", o.Metadata)
	}

	if _, err := f.machine.HandleExecution(ctx, ExecutionEvent{OrderID: id, Event: EventFullFill}); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("event on cancelled order: %v", err)
	}
}

func TestFillsAccumulateToFull(t *testing.T) {
	f := newFixture(t, machineConfig())
	ctx := context.Background()
	res := f.submit(t, proposal("long_term"))

	if _, err := f.machine.HandleExecution(ctx, ExecutionEvent{OrderID: res.Order.ID, Event: EventPartialFill, FilledQuantity: decimal.NewFromInt(7)}); err != nil {
		t.Fatalf("partial: %v", err)
	}
	o, err := f.machine.HandleExecution(ctx, ExecutionEvent{OrderID: res.Order.ID, Event: EventPartialFill, FilledQuantity: decimal.NewFromInt(5)})
	if err != nil {
		t.Fatalf("partial: %v", err)
	}
	if o.State != string(StateFullyFilled) || !o.FilledQuantity.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("state=%s filled=%s", o.State, o.FilledQuantity)
	}
}

func TestBrokerRejectionEventSchedulesRetry(t *testing.T) {
	f := newFixture(t, machineConfig())
	res := f.submit(t, proposal("long_term"))
	o, err := f.machine.HandleExecution(context.Background(), ExecutionEvent{OrderID: res.Order.ID, Event: EventRejected, BrokerMessage: "insufficient buying power"})
	if err != nil {
		t.Fatalf("rejected: %v", err)
	}
	if o.State != string(StateFailed) || o.NextRetryAt == nil {
		t.Fatalf("state=%s next=%v", o.State, o.NextRetryAt)
	}
	if o.LastError != "broker rejected: insufficient buying power" {
		t.Fatalf("last error=%q", o.LastError)
	}
}

func TestExternalExecutorAndAckTimeout(t *testing.T) {
	f := newFixture(t, machineConfig())
	f.machine.Broker = nil
	ctx := context.Background()

	first := f.submit(t, proposal("long_term"))
	if first.Order.State != string(StateOrderPending) {
		t.Fatalf("state=%s want=order_pending", first.Order.State)
	}
	o, err := f.machine.HandleExecution(ctx, ExecutionEvent{OrderID: first.Order.ID, Event: EventAccepted, BrokerOrderID: "ext-1"})
	if err != nil {
		t.Fatalf("accepted: %v", err)
	}
	if o.State != string(StateOrderSent) || o.BrokerOrderID != "ext-1" {
		t.Fatalf("state=%s broker=%s", o.State, o.BrokerOrderID)
	}

	p := proposal("long_term")
	p.Ticker = "msft"
	second := f.submit(t, p)
	f.advance(3 * time.Minute)
	n, err := f.machine.ExpireAcks(ctx)
	if err != nil || n != 2 {
		t.Fatalf("ack sweep n=%d err=%v", n, err)
	}
	if got := f.order(t, second.Order.ID); got.State != string(StateFailed) || got.NextRetryAt == nil {
		t.Fatalf("state=%s next=%v", got.State, got.NextRetryAt)
	}
}

func TestUnknownEventAndOrder(t *testing.T) {
	f := newFixture(t, machineConfig())
	if _, err := f.machine.HandleExecution(context.Background(), ExecutionEvent{OrderID: 1, Event: "exploded"}); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("err=%v want ErrInvalidEvent", err)
	}
	if _, err := f.machine.HandleExecution(context.Background(), ExecutionEvent{OrderID: 99, Event: EventAccepted}); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("err=%v want ErrOrderNotFound", err)
	}
}

func TestDispatcherSubmitsQueuedOrders(t *testing.T) {
	f := newFixture(t, machineConfig())
	d := NewDispatcher(f.machine, nil, 2, 8)
	f.machine.Queue = d

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	res := f.submit(t, proposal("long_term"))
	if res.Order.State != string(StateOrderPending) {
		t.Fatalf("state=%s want=order_pending before dispatch", res.Order.State)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		if f.order(t, res.Order.ID).State == string(StateOrderSent) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("order was not dispatched")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestGuardrailBlockLeavesIncumbentOwner(t *testing.T) {
	f := newFixture(t, machineConfig())
	ctx := context.Background()
	f.submit(t, proposal("momentum"))

	p := proposal("long_term")
	p.Quantity = decimal.NewFromInt(500) // 50000 against a 10000 ceiling
	res := f.submit(t, p)
	if res.Order.State != string(StateBlocked) || !errors.Is(res.Denial, ErrGuardrailBlocked) {
		t.Fatalf("state=%s denial=%v", res.Order.State, res.Denial)
	}
	if res.Verdict == nil || res.Verdict.Resolution != models.ResolutionPriorityOverride || res.Verdict.Audit != nil {
		t.Fatalf("want an unrecorded override preview, got %+v", res.Verdict)
	}

	owner, err := f.repo.GetPrimaryOwnership(ctx, "AAPL")
	if err != nil || owner == nil || owner.StrategyName != "momentum" {
		t.Fatalf("owner=%+v err=%v want momentum", owner, err)
	}
	override := models.ResolutionPriorityOverride
	n, err := f.repo.CountConflictLogs(ctx, repository.ListConflictLogsParams{Resolution: &override})
	if err != nil || n != 0 {
		t.Fatalf("override logs=%d err=%v", n, err)
	}
}

func TestParallelModeCommitsOwnershipWhenAllowed(t *testing.T) {
	f := newFixture(t, machineConfig())
	ctx := context.Background()
	f.submit(t, proposal("momentum"))

	res := f.submit(t, proposal("long_term"))
	if res.Verdict == nil || res.Verdict.Audit == nil || res.Verdict.Resolution != models.ResolutionPriorityOverride {
		t.Fatalf("verdict=%+v", res.Verdict)
	}
	owner, err := f.repo.GetPrimaryOwnership(ctx, "AAPL")
	if err != nil || owner == nil || owner.StrategyName != "long_term" {
		t.Fatalf("owner=%+v err=%v want long_term", owner, err)
	}
}

func TestApprovalRejectsOrderThatLostItsTicker(t *testing.T) {
	f := newFixture(t, machineConfig())
	ctx := context.Background()
	gated := proposal("momentum")
	gated.RequiresHumanApproval = true
	waiting := f.submit(t, gated)
	if waiting.Order.State != string(StatePendingHumanApproval) {
		t.Fatalf("state=%s want=pending_human_approval", waiting.Order.State)
	}

	f.submit(t, proposal("long_term"))
	sent := f.broker.submitCount()

	o, err := f.machine.Approve(ctx, waiting.Order.ID, "alice")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if o.State != string(StateRejected) {
		t.Fatalf("state=%s want=rejected", o.State)
	}
	if o.Metadata["resolution"] != models.ResolutionBlocked {
		t.Fatalf("metadata=%v", o.Metadata)
	}
	if f.broker.submitCount() != sent {
		t.Fatalf("order that lost its ticker reached the broker")
	}
	owner, _ := f.repo.GetPrimaryOwnership(ctx, "AAPL")
	if owner == nil || owner.StrategyName != "long_term" {
		t.Fatalf("owner=%+v want long_term", owner)
	}
}

func TestCancelBeforeEvaluationIsAnOutcome(t *testing.T) {
	f := newFixture(t, machineConfig())
	ctx := context.Background()
	strategy, err := f.repo.GetStrategyByName(ctx, "long_term")
	if err != nil {
		t.Fatalf("strategy: %v", err)
	}
	order := &models.Order{
		ClientOrderID:     "c-1",
		Ticker:            "AAPL",
		Action:            models.ActionBuy,
		StrategyName:      "long_term",
		OwnershipKind:     models.OwnershipPrimary,
		RequestedQuantity: decimal.NewFromInt(10),
		FilledQuantity:    decimal.Zero,
		ReferencePrice:    decimal.NewFromInt(100),
		State:             string(StateSignalReceived),
	}
	if err := f.repo.InsertOrder(ctx, order); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := f.machine.Cancel(ctx, order.ID, "bob", "changed mind"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	res, err := f.machine.evaluateLocked(ctx, order, proposal("long_term"), strategy)
	if err != nil {
		t.Fatalf("evaluate after cancel: %v", err)
	}
	if res.Order.State != string(StateCancelled) || res.Denial != nil {
		t.Fatalf("state=%s denial=%v", res.Order.State, res.Denial)
	}
	if owner, _ := f.repo.GetPrimaryOwnership(ctx, "AAPL"); owner != nil {
		t.Fatalf("cancelled order took ownership: %+v", owner)
	}
}

func TestOrderLocksSerializeConcurrentCallers(t *testing.T) {
	m := New(memory.New(), nil, nil, nil, nil, machineConfig())
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		inside int
		peak   int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := m.lock(context.Background(), 1)
			if err != nil {
				t.Errorf("lock: %v", err)
				return
			}
			mu.Lock()
			inside++
			if inside > peak {
				peak = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	if peak != 1 {
		t.Fatalf("peak holders=%d want=1", peak)
	}

	if _, err := (&Machine{}).lock(context.Background(), 1); err == nil {
		t.Fatalf("machine without locks should refuse to lock")
	}
}
