package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/packwright/packwright/internal/build"
	"github.com/packwright/packwright/internal/quota"
)

// MemoryStore implements the build, wallet, and share stores in process
// memory with the same transition guards as the SQL implementations. It
// backs the "memory" backend and the package tests.
type MemoryStore struct {
	mu      sync.RWMutex
	builds  map[string]*build.Record
	wallets map[string]*quota.Wallet
	shares  map[string]*build.Share

	defaultLimit  int
	retentionDays int
}

func NewMemoryStore(defaultDailyLimit, defaultRetentionDays int) *MemoryStore {
	return &MemoryStore{
		builds:        make(map[string]*build.Record),
		wallets:       make(map[string]*quota.Wallet),
		shares:        make(map[string]*build.Share),
		defaultLimit:  defaultDailyLimit,
		retentionDays: defaultRetentionDays,
	}
}

func copyRecord(r *build.Record) *build.Record {
	c := *r
	return &c
}

// --- build store ---

func (m *MemoryStore) Create(ctx context.Context, rec *build.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	m.builds[rec.ID] = copyRecord(rec)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*build.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.builds[id]
	if !ok {
		return nil, build.ErrNotFound
	}
	return copyRecord(rec), nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string) ([]*build.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*build.Record
	for _, rec := range m.builds {
		if rec.UserID == userID {
			out = append(out, copyRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ListActive(ctx context.Context, userID string) ([]*build.Record, error) {
	all, err := m.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	var out []*build.Record
	for _, rec := range all {
		if !rec.Status.IsTerminal() {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListStuckCI(ctx context.Context, updatedBefore time.Time, limit int) ([]*build.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*build.Record
	for _, rec := range m.builds {
		if rec.Platform != build.PlatformAndroidAPK || rec.Status != build.StatusProcessing {
			continue
		}
		if rec.Progress != build.ProgressDispatched || rec.GitHubRunID == nil {
			continue
		}
		if !rec.UpdatedAt.Before(updatedBefore) {
			continue
		}
		if rec.OutputFilePath != nil && strings.HasSuffix(*rec.OutputFilePath, ".apk") {
			continue
		}
		out = append(out, copyRecord(rec))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*build.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*build.Record
	for _, rec := range m.builds {
		if rec.ExpiresAt.Before(now) && (rec.OutputFilePath != nil || rec.IconURL != nil) {
			out = append(out, copyRecord(rec))
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) MarkProcessing(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.builds[id]
	if !ok || rec.Status.IsTerminal() {
		return nil
	}
	rec.Status = build.StatusProcessing
	if rec.Progress < build.ProgressStarted {
		rec.Progress = build.ProgressStarted
	}
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) SetProgress(ctx context.Context, id string, progress int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.builds[id]
	if !ok || rec.Status.IsTerminal() {
		return nil
	}
	if progress > rec.Progress {
		rec.Progress = progress
	}
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) SetRunID(ctx context.Context, id string, runID int64, artifactURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.builds[id]
	if !ok {
		return build.ErrNotFound
	}
	rec.GitHubRunID = &runID
	if artifactURL != "" {
		rec.GitHubArtifactURL = &artifactURL
	}
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) SetIcon(ctx context.Context, id, iconKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.builds[id]
	if !ok {
		return build.ErrNotFound
	}
	rec.IconURL = &iconKey
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) MarkCompleted(ctx context.Context, id, outputPath, downloadURL string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.builds[id]
	if !ok || rec.Status.IsTerminal() {
		return false, nil
	}
	rec.Status = build.StatusCompleted
	rec.Progress = 100
	rec.OutputFilePath = &outputPath
	rec.DownloadURL = &downloadURL
	rec.ErrorMessage = nil
	rec.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *MemoryStore) MarkFailed(ctx context.Context, id, message string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.builds[id]
	if !ok || rec.Status.IsTerminal() {
		return false, nil
	}
	rec.Status = build.StatusFailed
	rec.ErrorMessage = &message
	rec.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *MemoryStore) ClaimSync(ctx context.Context, id string, now, staleBefore time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.builds[id]
	if !ok {
		return false, build.ErrNotFound
	}
	if rec.SyncingSince != nil && !rec.SyncingSince.Before(staleBefore) {
		return false, nil
	}
	t := now
	rec.SyncingSince = &t
	return true, nil
}

func (m *MemoryStore) ReleaseSync(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.builds[id]; ok {
		rec.SyncingSince = nil
	}
	return nil
}

func (m *MemoryStore) ClearFiles(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.builds[id]
	if !ok {
		return nil
	}
	rec.OutputFilePath = nil
	rec.DownloadURL = nil
	rec.IconURL = nil
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.builds, id)
	return nil
}

// --- wallet store (quota.Store) ---

func (m *MemoryStore) GetOrCreate(ctx context.Context, userID string) (*quota.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[userID]
	if !ok {
		w = &quota.Wallet{
			UserID:             userID,
			DailyBuildsLimit:   m.defaultLimit,
			DailyBuildsResetAt: quota.Today(),
			FileRetentionDays:  m.retentionDays,
		}
		m.wallets[userID] = w
	}
	c := *w
	return &c, nil
}

func (m *MemoryStore) ConsumeDaily(ctx context.Context, userID string, n int, today string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[userID]
	if !ok {
		return false, nil
	}
	used := w.DailyBuildsUsed
	if w.DailyBuildsResetAt != today {
		used = 0
	}
	if used+n > w.DailyBuildsLimit {
		return false, nil
	}
	w.DailyBuildsUsed = used + n
	w.DailyBuildsResetAt = today
	return true, nil
}

func (m *MemoryStore) RefundDaily(ctx context.Context, userID string, n int, today string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[userID]
	if !ok || w.DailyBuildsResetAt != today {
		return nil
	}
	w.DailyBuildsUsed -= n
	if w.DailyBuildsUsed < 0 {
		w.DailyBuildsUsed = 0
	}
	return nil
}

// SetWallet overrides a wallet row; test helper for plan scenarios.
func (m *MemoryStore) SetWallet(w quota.Wallet) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wallets[w.UserID] = &w
}

// --- share store ---

func (m *MemoryStore) CreateShare(ctx context.Context, s *build.Share) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	c := *s
	m.shares[s.Code] = &c
	return nil
}

func (m *MemoryStore) GetShare(ctx context.Context, code string) (*build.Share, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.shares[code]
	if !ok {
		return nil, build.ErrShareNotFound
	}
	c := *s
	return &c, nil
}

func (m *MemoryStore) IncrementShareAccess(ctx context.Context, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.shares[code]; ok {
		s.AccessCount++
	}
	return nil
}
