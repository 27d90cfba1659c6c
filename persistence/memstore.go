package persistence

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/wfunc/casefile/models"
	"github.com/wfunc/casefile/state"
)

// MemStore is an in-memory Store for tests and local runs. Implements Store.
// A transaction holds the write lock for its whole duration and works on a
// copy of the data that replaces the committed copy only when fn succeeds.
type MemStore struct {
	mu   sync.RWMutex
	data *memData
	now  func() time.Time
}

type memData struct {
	seq       int64
	users     map[int64]models.User
	cases     map[int64]models.Case
	parts     map[int64]*models.Participation // by case id
	evidence  map[int64][]models.EvidenceItem
	submitted map[int64][]models.SubmittedEvidence
	entries   []models.ScoreEntry
}

// NewMemStore returns a new in-memory Store.
func NewMemStore() *MemStore {
	return &MemStore{
		data: &memData{
			users:     make(map[int64]models.User),
			cases:     make(map[int64]models.Case),
			parts:     make(map[int64]*models.Participation),
			evidence:  make(map[int64][]models.EvidenceItem),
			submitted: make(map[int64][]models.SubmittedEvidence),
		},
		now: time.Now,
	}
}

// clone copies everything a transaction may mutate. Evidence and submitted
// slices are replaced wholesale, never edited in place, so a shallow map copy
// is enough for them.
func (d *memData) clone() *memData {
	parts := make(map[int64]*models.Participation, len(d.parts))
	for id, p := range d.parts {
		parts[id] = p.Clone()
	}
	return &memData{
		seq:       d.seq,
		users:     maps.Clone(d.users),
		cases:     maps.Clone(d.cases),
		parts:     parts,
		evidence:  maps.Clone(d.evidence),
		submitted: maps.Clone(d.submitted),
		entries:   slices.Clone(d.entries),
	}
}

func (d *memData) nextID() int64 {
	d.seq++
	return d.seq
}

func (s *MemStore) Transaction(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.data.clone()
	if err := fn(&memTx{data: work, now: s.now}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.data = work
	return nil
}

func (s *MemStore) Close() error { return nil }

type memTx struct {
	data *memData
	now  func() time.Time
}

func (t *memTx) LockCase(caseID int64) (*models.Case, error) {
	c, ok := t.data.cases[caseID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return &c, nil
}

func (t *memTx) LockParticipation(caseID int64) (*models.Participation, error) {
	p, ok := t.data.parts[caseID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return p.Clone(), nil
}

func (t *memTx) CreateParticipation(p *models.Participation) error {
	if _, exists := t.data.parts[p.CaseID]; exists {
		return fmt.Errorf("%w: participation for case %d", ErrDuplicate, p.CaseID)
	}
	p.ID = t.data.nextID()
	p.CreatedAt = t.now()
	p.UpdatedAt = p.CreatedAt
	t.data.parts[p.CaseID] = p.Clone()
	return nil
}

func (t *memTx) SaveParticipation(p *models.Participation) error {
	if _, exists := t.data.parts[p.CaseID]; !exists {
		return ErrRecordNotFound
	}
	p.UpdatedAt = t.now()
	t.data.parts[p.CaseID] = p.Clone()
	return nil
}

func (t *memTx) SetCaseStatus(caseID int64, status state.Status) error {
	c, ok := t.data.cases[caseID]
	if !ok {
		return ErrRecordNotFound
	}
	c.Status = status
	c.UpdatedAt = t.now()
	t.data.cases[caseID] = c
	return nil
}

func (t *memTx) GetUser(userID int64) (*models.User, error) {
	u, ok := t.data.users[userID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return &u, nil
}

func (t *memTx) ListEvidence(caseID int64) ([]models.EvidenceItem, error) {
	return slices.Clone(t.data.evidence[caseID]), nil
}

func (t *memTx) LedgerBalance(userID int64) (models.LedgerMismatch, error) {
	u, ok := t.data.users[userID]
	if !ok {
		return models.LedgerMismatch{}, ErrRecordNotFound
	}
	b := models.LedgerMismatch{UserID: userID, Cached: u.Score}
	for _, e := range t.data.entries {
		if e.UserID == userID {
			b.Ledger += e.Delta
		}
	}
	return b, nil
}

func (t *memTx) HasSubmittedEvidence(caseID int64) (bool, error) {
	return len(t.data.submitted[caseID]) > 0, nil
}

func (t *memTx) ReplaceSubmittedEvidence(caseID int64, items []models.SubmittedEvidence) error {
	set := make([]models.SubmittedEvidence, len(items))
	for i, it := range items {
		it.ID = t.data.nextID()
		it.CaseID = caseID
		set[i] = it
		items[i] = it
	}
	t.data.submitted[caseID] = set
	return nil
}

func (t *memTx) AppendScoreEntry(entry *models.ScoreEntry) error {
	entry.ID = t.data.nextID()
	entry.CreatedAt = t.now()
	t.data.entries = append(t.data.entries, *entry)
	return nil
}

func (t *memTx) AddUserScore(userID int64, delta int64) error {
	u, ok := t.data.users[userID]
	if !ok {
		return ErrRecordNotFound
	}
	u.Score += delta
	t.data.users[userID] = u
	return nil
}

// snapshot returns the committed data under the read lock. Committed data is
// never mutated after a swap, so callers may read it after the lock is released.
func (s *MemStore) snapshot(ctx context.Context) (*memData, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data, nil
}

func (s *MemStore) GetCase(ctx context.Context, caseID int64) (*models.Case, error) {
	d, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	c, ok := d.cases[caseID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return &c, nil
}

func (s *MemStore) ListCases(ctx context.Context, statuses ...state.Status) ([]models.Case, error) {
	d, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	var out []models.Case
	for _, c := range d.cases {
		if len(statuses) == 0 || slices.Contains(statuses, c.Status) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemStore) ListCasesByID(ctx context.Context, caseIDs []int64) ([]models.Case, error) {
	d, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	var out []models.Case
	for _, id := range caseIDs {
		if c, ok := d.cases[id]; ok {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemStore) GetParticipation(ctx context.Context, caseID int64) (*models.Participation, error) {
	d, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	p, ok := d.parts[caseID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return p.Clone(), nil
}

func (s *MemStore) ListParticipationsByRole(ctx context.Context, role models.Role, userID int64) ([]models.Participation, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("unknown role %q", role)
	}
	d, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	var out []models.Participation
	for _, p := range d.parts {
		if id, ok := p.Holder(role); ok && id == userID {
			out = append(out, *p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CaseID < out[j].CaseID })
	return out, nil
}

func (s *MemStore) ListParticipations(ctx context.Context, caseIDs []int64) ([]models.Participation, error) {
	d, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	var out []models.Participation
	for _, id := range caseIDs {
		if p, ok := d.parts[id]; ok {
			out = append(out, *p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CaseID < out[j].CaseID })
	return out, nil
}

func (s *MemStore) GetUser(ctx context.Context, userID int64) (*models.User, error) {
	d, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	u, ok := d.users[userID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return &u, nil
}

func (s *MemStore) GetUsers(ctx context.Context, userIDs []int64) (map[int64]models.User, error) {
	d, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]models.User, len(userIDs))
	for _, id := range userIDs {
		if u, ok := d.users[id]; ok {
			out[id] = u
		}
	}
	return out, nil
}

func (s *MemStore) TopUsers(ctx context.Context, limit int) ([]models.User, error) {
	d, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	out := slices.Collect(maps.Values(d.users))
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemStore) ListEvidence(ctx context.Context, caseID int64) ([]models.EvidenceItem, error) {
	d, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return slices.Clone(d.evidence[caseID]), nil
}

func (s *MemStore) ListSubmittedEvidence(ctx context.Context, caseID int64) ([]models.SubmittedEvidence, error) {
	d, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return slices.Clone(d.submitted[caseID]), nil
}

func (s *MemStore) ListScoreEntries(ctx context.Context, userID int64) ([]models.ScoreEntry, error) {
	d, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	var out []models.ScoreEntry
	for _, e := range d.entries {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemStore) LedgerMismatches(ctx context.Context) ([]models.LedgerMismatch, error) {
	d, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	sums := make(map[int64]int64, len(d.users))
	for _, e := range d.entries {
		sums[e.UserID] += e.Delta
	}
	var out []models.LedgerMismatch
	for id, u := range d.users {
		if u.Score != sums[id] {
			out = append(out, models.LedgerMismatch{UserID: id, Cached: u.Score, Ledger: sums[id]})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// CreateUser keeps a caller-chosen id, otherwise assigns the next one.
func (s *MemStore) CreateUser(ctx context.Context, user *models.User) error {
	return s.Transaction(ctx, func(tx Tx) error {
		d := tx.(*memTx).data
		if user.ID == 0 {
			user.ID = d.nextID()
		} else if _, exists := d.users[user.ID]; exists {
			return fmt.Errorf("%w: user %d", ErrDuplicate, user.ID)
		} else if user.ID > d.seq {
			d.seq = user.ID
		}
		user.CreatedAt = s.now()
		d.users[user.ID] = *user
		return nil
	})
}

func (s *MemStore) CreateCase(ctx context.Context, c *models.Case, evidence []models.EvidenceItem) error {
	return s.Transaction(ctx, func(tx Tx) error {
		d := tx.(*memTx).data
		if c.ID == 0 {
			c.ID = d.nextID()
		} else if _, exists := d.cases[c.ID]; exists {
			return fmt.Errorf("%w: case %d", ErrDuplicate, c.ID)
		} else if c.ID > d.seq {
			d.seq = c.ID
		}
		if c.Status == "" {
			c.Status = state.StatusRegistered
		}
		c.CreatedAt = s.now()
		c.UpdatedAt = c.CreatedAt
		d.cases[c.ID] = *c

		items := make([]models.EvidenceItem, len(evidence))
		for i, e := range evidence {
			e.ID = d.nextID()
			e.CaseID = c.ID
			evidence[i] = e
			items[i] = e
		}
		d.evidence[c.ID] = items
		return nil
	})
}
