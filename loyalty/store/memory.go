/*
Package store provides an in-memory loyalty.Store for tests and demos.

The implementation mirrors the production SQLite store's semantics:
reference-ID uniqueness, lazy singleton configuration, atomic WithTx
(writes are staged and applied only when fn succeeds), and the expiry
watermark query. Everything is guarded by one RWMutex; the engine's
per-user serialization lives above the store.
*/
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sajha/loyalty-engine/loyalty"
)

// Memory implements loyalty.Store in process memory.
type Memory struct {
	mu sync.RWMutex

	config       *loyalty.Configuration
	tiers        map[loyalty.TierID]*loyalty.Tier
	perks        map[string]*loyalty.Perk
	profiles     map[loyalty.UserID]*loyalty.Profile
	transactions []*loyalty.Transaction
	archive      []*loyalty.ArchivedTransaction
	refs         map[string]bool
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		tiers:    make(map[loyalty.TierID]*loyalty.Tier),
		perks:    make(map[string]*loyalty.Perk),
		profiles: make(map[loyalty.UserID]*loyalty.Profile),
		refs:     make(map[string]bool),
	}
}

// =============================================================================
// CONFIG
// =============================================================================

func (m *Memory) GetConfig(_ context.Context) (*loyalty.Configuration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.config == nil {
		m.config = loyalty.DefaultConfiguration()
	}
	cp := *m.config
	return &cp, nil
}

func (m *Memory) UpdateConfig(_ context.Context, cfg *loyalty.Configuration) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *cfg
	m.config = &cp
	return nil
}

// =============================================================================
// TIERS / PERKS
// =============================================================================

func (m *Memory) Tiers(_ context.Context) ([]*loyalty.Tier, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*loyalty.Tier, 0, len(m.tiers))
	for _, t := range m.tiers {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MinPoints < out[j].MinPoints })
	return out, nil
}

func (m *Memory) SaveTier(_ context.Context, t *loyalty.Tier) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := make([]*loyalty.Tier, 0, len(m.tiers))
	for _, other := range m.tiers {
		existing = append(existing, other)
	}
	if err := loyalty.ValidateTier(t, existing); err != nil {
		return err
	}
	cp := *t
	m.tiers[t.ID] = &cp
	return nil
}

func (m *Memory) PerksForTier(_ context.Context, id loyalty.TierID) ([]*loyalty.Perk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*loyalty.Perk
	for _, p := range m.perks {
		if p.TierID == id && p.IsActive {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) SavePerk(_ context.Context, p *loyalty.Perk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.Code != "" {
		for _, other := range m.perks {
			if other.ID != p.ID && other.Code == p.Code {
				return loyalty.ErrInvalidTransaction
			}
		}
	}
	cp := *p
	m.perks[p.ID] = &cp
	return nil
}

// =============================================================================
// PROFILES
// =============================================================================

func (m *Memory) GetProfile(_ context.Context, id loyalty.UserID) (*loyalty.Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[id]
	if !ok {
		return nil, loyalty.ErrProfileNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *Memory) ListActiveProfiles(_ context.Context) ([]*loyalty.Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*loyalty.Profile
	for _, p := range m.profiles {
		if p.IsActive {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// SeedProfile inserts a profile directly, for test fixtures.
func (m *Memory) SeedProfile(p *loyalty.Profile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.profiles[p.UserID] = &cp
}

// =============================================================================
// LEDGER READS
// =============================================================================

func (m *Memory) ReferenceExists(_ context.Context, ref string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.refs[ref], nil
}

func (m *Memory) TransactionsForUser(_ context.Context, id loyalty.UserID, limit int) ([]*loyalty.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*loyalty.Transaction
	for i := len(m.transactions) - 1; i >= 0; i-- {
		if m.transactions[i].UserID != id {
			continue
		}
		cp := *m.transactions[i]
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) CountTransactionsForUser(_ context.Context, id loyalty.UserID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, tx := range m.transactions {
		if tx.UserID == id {
			count++
		}
	}
	return count, nil
}

// =============================================================================
// EXPIRY QUERIES
// =============================================================================

func (m *Memory) ExpirableTotals(_ context.Context, cutoff time.Time) ([]loyalty.ExpirableTotal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// Latest expiry watermark per user.
	watermarks := make(map[loyalty.UserID]time.Time)
	for _, tx := range m.transactions {
		if tx.Type == loyalty.TxExpire && tx.ExpiredThrough != nil {
			if tx.ExpiredThrough.After(watermarks[tx.UserID]) {
				watermarks[tx.UserID] = *tx.ExpiredThrough
			}
		}
	}

	totals := make(map[loyalty.UserID]int)
	for _, tx := range m.transactions {
		if tx.Type != loyalty.TxEarn || !tx.CreatedAt.Before(cutoff) {
			continue
		}
		if wm, ok := watermarks[tx.UserID]; ok && tx.CreatedAt.Before(wm) {
			continue
		}
		totals[tx.UserID] += tx.Points
	}

	var out []loyalty.ExpirableTotal
	for id, points := range totals {
		if points > 0 {
			out = append(out, loyalty.ExpirableTotal{UserID: id, Points: points})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (m *Memory) ExpiringBetween(_ context.Context, from, to time.Time) ([]*loyalty.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*loyalty.Transaction
	for _, tx := range m.transactions {
		if tx.Type == loyalty.TxEarn && !tx.CreatedAt.Before(from) && tx.CreatedAt.Before(to) {
			cp := *tx
			out = append(out, &cp)
		}
	}
	return out, nil
}

// =============================================================================
// REPORT QUERIES
// =============================================================================

func (m *Memory) TxTypeStats(_ context.Context, from, to time.Time) (map[loyalty.TxType]loyalty.TypeStat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[loyalty.TxType]loyalty.TypeStat)
	for _, tx := range m.transactions {
		if tx.CreatedAt.Before(from) || tx.CreatedAt.After(to) {
			continue
		}
		st := out[tx.Type]
		st.Count++
		st.Points += tx.Points
		out[tx.Type] = st
	}
	return out, nil
}

func (m *Memory) ProfileStats(_ context.Context) (*loyalty.ProfileStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := &loyalty.ProfileStats{}
	for _, p := range m.profiles {
		stats.Total++
		if !p.IsActive {
			continue
		}
		stats.Active++
		if p.Points > 0 {
			stats.WithPoints++
		}
		stats.TotalOutstanding += p.Points
		stats.TotalLifetime += p.LifetimePoints
	}
	return stats, nil
}

func (m *Memory) TierDistribution(_ context.Context) (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int)
	for _, p := range m.profiles {
		if !p.IsActive || p.TierID == "" {
			continue
		}
		if t, ok := m.tiers[p.TierID]; ok && t.IsActive {
			out[t.Name]++
		}
	}
	return out, nil
}

func (m *Memory) TopByType(_ context.Context, from, to time.Time, types []loyalty.TxType, limit int, asc bool) ([]loyalty.UserPointsTotal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	wanted := make(map[loyalty.TxType]bool, len(types))
	for _, t := range types {
		wanted[t] = true
	}

	totals := make(map[loyalty.UserID]int)
	for _, tx := range m.transactions {
		if !wanted[tx.Type] || tx.CreatedAt.Before(from) || tx.CreatedAt.After(to) {
			continue
		}
		totals[tx.UserID] += tx.Points
	}

	out := make([]loyalty.UserPointsTotal, 0, len(totals))
	for id, points := range totals {
		username := string(id)
		if p, ok := m.profiles[id]; ok && p.Username != "" {
			username = p.Username
		}
		out = append(out, loyalty.UserPointsTotal{UserID: id, Username: username, Points: points})
	}
	sort.Slice(out, func(i, j int) bool {
		if asc {
			return out[i].Points < out[j].Points
		}
		return out[i].Points > out[j].Points
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// =============================================================================
// ARCHIVE
// =============================================================================

func (m *Memory) ArchiveBefore(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var kept []*loyalty.Transaction
	moved := 0
	for _, tx := range m.transactions {
		if !tx.CreatedAt.Before(cutoff) {
			kept = append(kept, tx)
			continue
		}
		username := string(tx.UserID)
		if p, ok := m.profiles[tx.UserID]; ok && p.Username != "" {
			username = p.Username
		}
		m.archive = append(m.archive, &loyalty.ArchivedTransaction{
			UserID:       tx.UserID,
			Username:     username,
			Points:       tx.Points,
			Type:         tx.Type,
			Description:  tx.Description,
			PurchaseID:   tx.PurchaseID,
			ReferenceID:  tx.ReferenceID,
			Metadata:     tx.Metadata,
			BalanceAfter: tx.BalanceAfter,
			CreatedAt:    tx.CreatedAt,
			ArchivedAt:   now,
		})
		moved++
	}
	m.transactions = kept
	return moved, nil
}

// Archived returns the archive contents, for tests.
func (m *Memory) Archived() []*loyalty.ArchivedTransaction {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*loyalty.ArchivedTransaction, len(m.archive))
	copy(out, m.archive)
	return out
}

// =============================================================================
// ATOMIC UNIT
// =============================================================================

// memTx stages writes so a failed fn leaves nothing behind.
type memTx struct {
	parent   *Memory
	profiles map[loyalty.UserID]*loyalty.Profile
	appended []*loyalty.Transaction
	refs     map[string]bool
}

func (m *Memory) WithTx(_ context.Context, fn func(loyalty.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{
		parent:   m,
		profiles: make(map[loyalty.UserID]*loyalty.Profile),
		refs:     make(map[string]bool),
	}
	if err := fn(tx); err != nil {
		return err
	}

	// Commit: staged writes become visible together.
	for id, p := range tx.profiles {
		m.profiles[id] = p
	}
	for _, rec := range tx.appended {
		m.transactions = append(m.transactions, rec)
		if rec.ReferenceID != "" {
			m.refs[rec.ReferenceID] = true
		}
	}
	return nil
}

func (t *memTx) GetOrCreateProfile(_ context.Context, id loyalty.UserID) (*loyalty.Profile, error) {
	if p, ok := t.profiles[id]; ok {
		cp := *p
		return &cp, nil
	}
	if p, ok := t.parent.profiles[id]; ok {
		cp := *p
		return &cp, nil
	}
	now := time.Now()
	p := &loyalty.Profile{
		UserID:    id,
		Username:  string(id),
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	t.profiles[id] = p
	cp := *p
	return &cp, nil
}

func (t *memTx) UpdateProfile(_ context.Context, p *loyalty.Profile) error {
	cp := *p
	t.profiles[p.UserID] = &cp
	return nil
}

func (t *memTx) Append(_ context.Context, rec *loyalty.Transaction) error {
	if rec.ReferenceID != "" {
		if t.parent.refs[rec.ReferenceID] || t.refs[rec.ReferenceID] {
			return &loyalty.DuplicateReferenceError{ReferenceID: rec.ReferenceID}
		}
		t.refs[rec.ReferenceID] = true
	}
	cp := *rec
	t.appended = append(t.appended, &cp)
	return nil
}
