// Package memory is an in-process Repository used by tests and by the
// "memory" db driver. Transactions hold the store lock and write in place,
// journaling an undo step per write that is replayed on rollback.
package memory

import (
	"context"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"arbiter/internal/models"
	"arbiter/internal/repository"
)

type Store struct {
	mu  sync.Mutex
	st  *state
	Now func() time.Time
}

var _ repository.Repository = (*Store)(nil)

func New() *Store {
	return &Store{st: newState(), Now: func() time.Time { return time.Now().UTC() }}
}

type state struct {
	nextID      uint64
	strategies  map[string]models.Strategy
	ownerships  map[uint64]models.PositionOwnership
	conflicts   []models.ConflictLog
	orders      map[uint64]models.Order
	transitions []models.OrderTransition
	settings    map[string]models.SystemSetting
}

func newState() *state {
	return &state{
		strategies: map[string]models.Strategy{},
		ownerships: map[uint64]models.PositionOwnership{},
		orders:     map[uint64]models.Order{},
		settings:   map[string]models.SystemSetting{},
	}
}

func (st *state) id() uint64 {
	st.nextID++
	return st.nextID
}

func (s *Store) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now()
}

func (s *Store) view() *view {
	return &view{st: s.st, now: s.now}
}

func (s *Store) InTx(ctx context.Context, fn func(tx repository.Repository) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &view{st: s.st, now: s.now, journal: &[]func(){}}
	committed := false
	defer func() {
		if !committed {
			tx.rollback()
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *Store) UpsertStrategy(ctx context.Context, item *models.Strategy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().UpsertStrategy(ctx, item)
}

func (s *Store) GetStrategyByName(ctx context.Context, name string) (*models.Strategy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().GetStrategyByName(ctx, name)
}

func (s *Store) ListStrategies(ctx context.Context, params repository.ListStrategiesParams) ([]models.Strategy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().ListStrategies(ctx, params)
}

func (s *Store) SetStrategyActive(ctx context.Context, name string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().SetStrategyActive(ctx, name, active)
}

func (s *Store) GetPrimaryOwnership(ctx context.Context, ticker string) (*models.PositionOwnership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().GetPrimaryOwnership(ctx, ticker)
}

func (s *Store) GetOwnership(ctx context.Context, ticker, strategyName, kind string) (*models.PositionOwnership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().GetOwnership(ctx, ticker, strategyName, kind)
}

func (s *Store) InsertOwnership(ctx context.Context, item *models.PositionOwnership) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().InsertOwnership(ctx, item)
}

func (s *Store) UpdateOwnership(ctx context.Context, item *models.PositionOwnership) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().UpdateOwnership(ctx, item)
}

func (s *Store) DeleteOwnership(ctx context.Context, id uint64, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().DeleteOwnership(ctx, id, version)
}

func (s *Store) ListOwnerships(ctx context.Context, params repository.ListOwnershipsParams) ([]models.PositionOwnership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().ListOwnerships(ctx, params)
}

func (s *Store) CountOwnerships(ctx context.Context, params repository.ListOwnershipsParams) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().CountOwnerships(ctx, params)
}

func (s *Store) InsertConflictLog(ctx context.Context, item *models.ConflictLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().InsertConflictLog(ctx, item)
}

func (s *Store) ListConflictLogs(ctx context.Context, params repository.ListConflictLogsParams) ([]models.ConflictLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().ListConflictLogs(ctx, params)
}

func (s *Store) CountConflictLogs(ctx context.Context, params repository.ListConflictLogsParams) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().CountConflictLogs(ctx, params)
}

func (s *Store) InsertOrder(ctx context.Context, item *models.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().InsertOrder(ctx, item)
}

func (s *Store) GetOrderByID(ctx context.Context, id uint64) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().GetOrderByID(ctx, id)
}

func (s *Store) UpdateOrder(ctx context.Context, item *models.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().UpdateOrder(ctx, item)
}

func (s *Store) ListOrders(ctx context.Context, params repository.ListOrdersParams) ([]models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().ListOrders(ctx, params)
}

func (s *Store) CountOrders(ctx context.Context, params repository.ListOrdersParams) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().CountOrders(ctx, params)
}

func (s *Store) CountOrdersSentSince(ctx context.Context, since time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().CountOrdersSentSince(ctx, since)
}

func (s *Store) InsertOrderTransition(ctx context.Context, item *models.OrderTransition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().InsertOrderTransition(ctx, item)
}

func (s *Store) ListOrderTransitions(ctx context.Context, orderID uint64) ([]models.OrderTransition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().ListOrderTransitions(ctx, orderID)
}

func (s *Store) UpsertSystemSetting(ctx context.Context, item *models.SystemSetting) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().UpsertSystemSetting(ctx, item)
}

func (s *Store) GetSystemSettingByKey(ctx context.Context, key string) (*models.SystemSetting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().GetSystemSettingByKey(ctx, key)
}

func (s *Store) ListSystemSettings(ctx context.Context, params repository.ListSystemSettingsParams) ([]models.SystemSetting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().ListSystemSettings(ctx, params)
}

func (s *Store) CountSystemSettings(ctx context.Context, params repository.ListSystemSettingsParams) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().CountSystemSettings(ctx, params)
}

// view implements Repository over a state without locking. The owning Store
// holds the lock for as long as a view is in use.
type view struct {
	st  *state
	now func() time.Time
	// journal is nil outside a transaction.
	journal *[]func()
}

func (v *view) record(undo func()) {
	if v.journal != nil {
		*v.journal = append(*v.journal, undo)
	}
}

func (v *view) rollback() {
	steps := *v.journal
	for i := len(steps) - 1; i >= 0; i-- {
		steps[i]()
	}
	*v.journal = nil
}

// keep journals the current value of m[k] before it is overwritten or deleted.
func keep[K comparable, V any](v *view, m map[K]V, k K) {
	if v.journal == nil {
		return
	}
	prev, had := m[k]
	v.record(func() {
		if had {
			m[k] = prev
		} else {
			delete(m, k)
		}
	})
}

func (v *view) InTx(_ context.Context, fn func(tx repository.Repository) error) error {
	return fn(v)
}

func (v *view) UpsertStrategy(_ context.Context, item *models.Strategy) error {
	if item == nil {
		return nil
	}
	item.Name = strings.TrimSpace(item.Name)
	if item.Name == "" {
		return nil
	}
	now := v.now()
	if cur, ok := v.st.strategies[item.Name]; ok {
		item.ID = cur.ID
		item.CreatedAt = cur.CreatedAt
	} else {
		item.ID = v.st.id()
		if item.CreatedAt.IsZero() {
			item.CreatedAt = now
		}
	}
	item.UpdatedAt = now
	keep(v, v.st.strategies, item.Name)
	v.st.strategies[item.Name] = *item
	return nil
}

func (v *view) GetStrategyByName(_ context.Context, name string) (*models.Strategy, error) {
	item, ok := v.st.strategies[strings.TrimSpace(name)]
	if !ok {
		return nil, nil
	}
	return &item, nil
}

func (v *view) ListStrategies(_ context.Context, params repository.ListStrategiesParams) ([]models.Strategy, error) {
	out := make([]models.Strategy, 0, len(v.st.strategies))
	for _, item := range v.st.strategies {
		if params.ActiveOnly && !item.Active {
			continue
		}
		if params.Persona != nil && strings.TrimSpace(*params.Persona) != "" && item.Persona != strings.TrimSpace(*params.Persona) {
			continue
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (v *view) SetStrategyActive(_ context.Context, name string, active bool) error {
	item, ok := v.st.strategies[strings.TrimSpace(name)]
	if !ok {
		return nil
	}
	item.Active = active
	item.UpdatedAt = v.now()
	keep(v, v.st.strategies, item.Name)
	v.st.strategies[item.Name] = item
	return nil
}

func (v *view) GetPrimaryOwnership(ctx context.Context, ticker string) (*models.PositionOwnership, error) {
	return v.GetOwnership(ctx, ticker, "", models.OwnershipPrimary)
}

func (v *view) GetOwnership(_ context.Context, ticker, strategyName, kind string) (*models.PositionOwnership, error) {
	ticker = strings.TrimSpace(ticker)
	var found *models.PositionOwnership
	for _, item := range v.st.ownerships {
		if item.Ticker != ticker || item.Kind != kind {
			continue
		}
		if strategyName != "" && item.StrategyName != strategyName {
			continue
		}
		if found == nil || item.ID < found.ID {
			cp := item
			found = &cp
		}
	}
	return found, nil
}

func (v *view) InsertOwnership(_ context.Context, item *models.PositionOwnership) error {
	if item == nil {
		return nil
	}
	for _, cur := range v.st.ownerships {
		if cur.Ticker != item.Ticker {
			continue
		}
		if item.Kind == models.OwnershipPrimary && cur.Kind == models.OwnershipPrimary {
			return repository.ConcurrencyError("position_ownership", cur.ID)
		}
		if cur.Kind == item.Kind && cur.StrategyName == item.StrategyName {
			return repository.ConcurrencyError("position_ownership", cur.ID)
		}
	}
	now := v.now()
	item.ID = v.st.id()
	if item.Version == 0 {
		item.Version = 1
	}
	item.CreatedAt = now
	item.UpdatedAt = now
	keep(v, v.st.ownerships, item.ID)
	v.st.ownerships[item.ID] = *item
	return nil
}

func (v *view) UpdateOwnership(_ context.Context, item *models.PositionOwnership) error {
	if item == nil {
		return nil
	}
	cur, ok := v.st.ownerships[item.ID]
	if !ok || cur.Version != item.Version {
		return repository.ConcurrencyError("position_ownership", item.ID)
	}
	for _, other := range v.st.ownerships {
		if other.ID == item.ID || other.Ticker != cur.Ticker {
			continue
		}
		if other.Kind == item.Kind && (item.Kind == models.OwnershipPrimary || other.StrategyName == item.StrategyName) {
			return repository.ConcurrencyError("position_ownership", other.ID)
		}
	}
	next := cur
	next.StrategyName = item.StrategyName
	next.Kind = item.Kind
	next.LockedUntil = item.LockedUntil
	next.Reasoning = item.Reasoning
	next.Version = cur.Version + 1
	next.UpdatedAt = v.now()
	keep(v, v.st.ownerships, item.ID)
	v.st.ownerships[item.ID] = next
	item.Version = next.Version
	item.UpdatedAt = next.UpdatedAt
	return nil
}

func (v *view) DeleteOwnership(_ context.Context, id uint64, version int64) error {
	cur, ok := v.st.ownerships[id]
	if !ok || cur.Version != version {
		return repository.ConcurrencyError("position_ownership", id)
	}
	keep(v, v.st.ownerships, id)
	delete(v.st.ownerships, id)
	return nil
}

func (v *view) filterOwnerships(params repository.ListOwnershipsParams) []models.PositionOwnership {
	out := make([]models.PositionOwnership, 0)
	for _, item := range v.st.ownerships {
		if params.Ticker != nil && strings.TrimSpace(*params.Ticker) != "" && item.Ticker != strings.TrimSpace(*params.Ticker) {
			continue
		}
		if params.StrategyName != nil && strings.TrimSpace(*params.StrategyName) != "" && item.StrategyName != strings.TrimSpace(*params.StrategyName) {
			continue
		}
		if params.Kind != nil && strings.TrimSpace(*params.Kind) != "" && item.Kind != strings.TrimSpace(*params.Kind) {
			continue
		}
		if params.LockExpiredBefore != nil {
			if item.Kind != models.OwnershipPrimary || item.LockedUntil == nil || !item.LockedUntil.Before(*params.LockExpiredBefore) {
				continue
			}
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Ticker != out[j].Ticker {
			return out[i].Ticker < out[j].Ticker
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (v *view) ListOwnerships(_ context.Context, params repository.ListOwnershipsParams) ([]models.PositionOwnership, error) {
	return page(v.filterOwnerships(params), params.Limit, params.Offset, 100), nil
}

func (v *view) CountOwnerships(_ context.Context, params repository.ListOwnershipsParams) (int64, error) {
	return int64(len(v.filterOwnerships(params))), nil
}

func (v *view) InsertConflictLog(_ context.Context, item *models.ConflictLog) error {
	if item == nil {
		return nil
	}
	item.ID = v.st.id()
	item.CreatedAt = v.now()
	n := len(v.st.conflicts)
	v.record(func() { v.st.conflicts = v.st.conflicts[:n] })
	v.st.conflicts = append(v.st.conflicts, *item)
	return nil
}

func (v *view) filterConflicts(params repository.ListConflictLogsParams) []models.ConflictLog {
	out := make([]models.ConflictLog, 0)
	for _, item := range v.st.conflicts {
		if params.Ticker != nil && strings.TrimSpace(*params.Ticker) != "" && item.Ticker != strings.TrimSpace(*params.Ticker) {
			continue
		}
		if params.ActingStrategy != nil && strings.TrimSpace(*params.ActingStrategy) != "" && item.ActingStrategy != strings.TrimSpace(*params.ActingStrategy) {
			continue
		}
		if params.Resolution != nil && strings.TrimSpace(*params.Resolution) != "" && item.Resolution != strings.TrimSpace(*params.Resolution) {
			continue
		}
		if params.Since != nil && item.CreatedAt.Before(*params.Since) {
			continue
		}
		out = append(out, item)
	}
	asc := params.Asc != nil && *params.Asc
	sort.SliceStable(out, func(i, j int) bool {
		if asc {
			return out[i].ID < out[j].ID
		}
		return out[i].ID > out[j].ID
	})
	return out
}

func (v *view) ListConflictLogs(_ context.Context, params repository.ListConflictLogsParams) ([]models.ConflictLog, error) {
	return page(v.filterConflicts(params), params.Limit, params.Offset, 100), nil
}

func (v *view) CountConflictLogs(_ context.Context, params repository.ListConflictLogsParams) (int64, error) {
	return int64(len(v.filterConflicts(params))), nil
}

func (v *view) InsertOrder(_ context.Context, item *models.Order) error {
	if item == nil {
		return nil
	}
	for _, cur := range v.st.orders {
		if item.ClientOrderID != "" && cur.ClientOrderID == item.ClientOrderID {
			return repository.ConcurrencyError("order", cur.ID)
		}
	}
	now := v.now()
	item.ID = v.st.id()
	if item.Version == 0 {
		item.Version = 1
	}
	item.CreatedAt = now
	item.UpdatedAt = now
	stored := *item
	stored.Metadata = maps.Clone(item.Metadata)
	keep(v, v.st.orders, item.ID)
	v.st.orders[item.ID] = stored
	return nil
}

func (v *view) GetOrderByID(_ context.Context, id uint64) (*models.Order, error) {
	item, ok := v.st.orders[id]
	if !ok {
		return nil, nil
	}
	item.Metadata = maps.Clone(item.Metadata)
	return &item, nil
}

func (v *view) UpdateOrder(_ context.Context, item *models.Order) error {
	if item == nil {
		return nil
	}
	cur, ok := v.st.orders[item.ID]
	if !ok || cur.Version != item.Version {
		return repository.ConcurrencyError("order", item.ID)
	}
	next := *item
	next.CreatedAt = cur.CreatedAt
	next.ClientOrderID = cur.ClientOrderID
	next.Version = cur.Version + 1
	next.UpdatedAt = v.now()
	next.Metadata = maps.Clone(item.Metadata)
	keep(v, v.st.orders, item.ID)
	v.st.orders[item.ID] = next
	item.Version = next.Version
	item.UpdatedAt = next.UpdatedAt
	return nil
}

func (v *view) filterOrders(params repository.ListOrdersParams) []models.Order {
	out := make([]models.Order, 0)
	for _, item := range v.st.orders {
		if params.Ticker != nil && strings.TrimSpace(*params.Ticker) != "" && item.Ticker != strings.TrimSpace(*params.Ticker) {
			continue
		}
		if params.StrategyName != nil && strings.TrimSpace(*params.StrategyName) != "" && item.StrategyName != strings.TrimSpace(*params.StrategyName) {
			continue
		}
		if len(params.States) > 0 && !slices.Contains(params.States, item.State) {
			continue
		}
		if params.ManualReview != nil && item.NeedsManualReview != *params.ManualReview {
			continue
		}
		if params.UpdatedBefore != nil && !item.UpdatedAt.Before(*params.UpdatedBefore) {
			continue
		}
		if params.RetryDue != nil && (item.NextRetryAt == nil || item.NextRetryAt.After(*params.RetryDue)) {
			continue
		}
		item.Metadata = maps.Clone(item.Metadata)
		out = append(out, item)
	}
	asc := params.Asc != nil && *params.Asc
	sort.Slice(out, func(i, j int) bool {
		if asc {
			return out[i].ID < out[j].ID
		}
		return out[i].ID > out[j].ID
	})
	return out
}

func (v *view) ListOrders(_ context.Context, params repository.ListOrdersParams) ([]models.Order, error) {
	return page(v.filterOrders(params), params.Limit, params.Offset, 100), nil
}

func (v *view) CountOrders(_ context.Context, params repository.ListOrdersParams) (int64, error) {
	return int64(len(v.filterOrders(params))), nil
}

func (v *view) CountOrdersSentSince(_ context.Context, since time.Time) (int64, error) {
	var total int64
	for _, item := range v.st.orders {
		if item.SentAt != nil && !item.SentAt.Before(since) {
			total++
		}
	}
	return total, nil
}

func (v *view) InsertOrderTransition(_ context.Context, item *models.OrderTransition) error {
	if item == nil {
		return nil
	}
	item.ID = v.st.id()
	item.CreatedAt = v.now()
	n := len(v.st.transitions)
	v.record(func() { v.st.transitions = v.st.transitions[:n] })
	v.st.transitions = append(v.st.transitions, *item)
	return nil
}

func (v *view) ListOrderTransitions(_ context.Context, orderID uint64) ([]models.OrderTransition, error) {
	var out []models.OrderTransition
	for _, item := range v.st.transitions {
		if item.OrderID == orderID {
			out = append(out, item)
		}
	}
	return out, nil
}

func (v *view) UpsertSystemSetting(_ context.Context, item *models.SystemSetting) error {
	if item == nil {
		return nil
	}
	item.Key = strings.TrimSpace(item.Key)
	if item.Key == "" {
		return nil
	}
	now := v.now()
	if cur, ok := v.st.settings[item.Key]; ok {
		item.ID = cur.ID
		item.CreatedAt = cur.CreatedAt
	} else {
		item.ID = v.st.id()
		item.CreatedAt = now
	}
	item.UpdatedAt = now
	keep(v, v.st.settings, item.Key)
	v.st.settings[item.Key] = *item
	return nil
}

func (v *view) GetSystemSettingByKey(_ context.Context, key string) (*models.SystemSetting, error) {
	item, ok := v.st.settings[strings.TrimSpace(key)]
	if !ok {
		return nil, nil
	}
	return &item, nil
}

func (v *view) filterSettings(params repository.ListSystemSettingsParams) []models.SystemSetting {
	out := make([]models.SystemSetting, 0, len(v.st.settings))
	for _, item := range v.st.settings {
		if params.Prefix != nil && !strings.HasPrefix(item.Key, strings.TrimSpace(*params.Prefix)) {
			continue
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (v *view) ListSystemSettings(_ context.Context, params repository.ListSystemSettingsParams) ([]models.SystemSetting, error) {
	return page(v.filterSettings(params), params.Limit, params.Offset, 500), nil
}

func (v *view) CountSystemSettings(_ context.Context, params repository.ListSystemSettingsParams) (int64, error) {
	return int64(len(v.filterSettings(params))), nil
}

func page[T any](items []T, limit, offset, fallback int) []T {
	if limit <= 0 {
		limit = fallback
	}
	if limit > 500 {
		limit = 500
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}
