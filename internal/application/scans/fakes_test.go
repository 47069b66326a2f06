package scans

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/bryanwahyu/cardscan/internal/application"
	"github.com/bryanwahyu/cardscan/internal/application/confidence"
	appvision "github.com/bryanwahyu/cardscan/internal/application/vision"
	"github.com/bryanwahyu/cardscan/internal/domain/cards"
	"github.com/bryanwahyu/cardscan/internal/domain/inventory"
	"github.com/bryanwahyu/cardscan/internal/domain/scanerrors"
	domain "github.com/bryanwahyu/cardscan/internal/domain/scans"
	"github.com/bryanwahyu/cardscan/internal/domain/vision"
)

// memRepo is an in-memory domain.Repository that hands out copies.
type memRepo struct {
	mu       sync.Mutex
	sessions map[domain.SessionID]domain.Session
	images   []domain.Image
	results  []domain.Result
	// history records every status a session was saved with.
	history map[domain.SessionID][]domain.Status
}

func newMemRepo() *memRepo {
	return &memRepo{
		sessions: map[domain.SessionID]domain.Session{},
		history:  map[domain.SessionID][]domain.Status{},
	}
}

func (m *memRepo) CreateSession(_ context.Context, s *domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = *s
	m.history[s.ID] = append(m.history[s.ID], s.Status)
	return nil
}

func (m *memRepo) GetSession(_ context.Context, tenant string, id domain.SessionID) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.TenantID != tenant {
		return nil, domain.ErrNotFound
	}
	return &s, nil
}

func (m *memRepo) UpdateSession(_ context.Context, s *domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; !ok {
		return domain.ErrNotFound
	}
	m.sessions[s.ID] = *s
	m.history[s.ID] = append(m.history[s.ID], s.Status)
	return nil
}

func (m *memRepo) ListSessions(_ context.Context, tenant string, f domain.ListFilter) (domain.PaginatedResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Session
	for _, s := range m.sessions {
		if s.TenantID == tenant && (f.Status == "" || s.Status == f.Status) {
			s := s
			out = append(out, &s)
		}
	}
	return domain.PaginatedResult{Data: out, Page: 1, PageSize: len(out), Total: int64(len(out)), TotalPages: 1}, nil
}

func (m *memRepo) AddImage(_ context.Context, img *domain.Image) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.images = append(m.images, *img)
	return nil
}

func (m *memRepo) ListImages(_ context.Context, tenant string, id domain.SessionID) ([]*domain.Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*domain.Image{}
	for _, img := range m.images {
		if img.TenantID == tenant && img.SessionID == id {
			img := img
			out = append(out, &img)
		}
	}
	return out, nil
}

func (m *memRepo) UpdateImage(_ context.Context, img *domain.Image) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.images {
		if m.images[i].ID == img.ID {
			m.images[i] = *img
			return nil
		}
	}
	return domain.ErrNotFound
}

func (m *memRepo) DeleteImages(_ context.Context, tenant string, id domain.SessionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.images[:0]
	for _, img := range m.images {
		if img.TenantID != tenant || img.SessionID != id {
			kept = append(kept, img)
		}
	}
	m.images = kept
	return nil
}

func (m *memRepo) AddResults(_ context.Context, results []*domain.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range results {
		m.results = append(m.results, *r)
	}
	return nil
}

func (m *memRepo) ListResults(_ context.Context, tenant string, id domain.SessionID) ([]*domain.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*domain.Result{}
	for _, r := range m.results {
		if r.TenantID == tenant && r.SessionID == id {
			r := r
			out = append(out, &r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (m *memRepo) DecideResults(_ context.Context, tenant string, ids []domain.ResultID, d domain.Decision, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := map[domain.ResultID]bool{}
	for _, id := range ids {
		want[id] = true
	}
	n := 0
	for i := range m.results {
		r := &m.results[i]
		if r.TenantID == tenant && want[r.ID] && r.DecisionStatus == domain.DecisionPending {
			r.DecisionStatus = d
			t := at
			r.DecidedAt = &t
			n++
		}
	}
	return n, nil
}

func (m *memRepo) imageCount(id domain.SessionID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, img := range m.images {
		if img.SessionID == id {
			n++
		}
	}
	return n
}

// memStore is an in-memory ImageStore.
type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	failPut bool
}

func newMemStore() *memStore { return &memStore{objects: map[string][]byte{}} }

func (s *memStore) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	if s.failPut {
		return errors.New("bucket unavailable")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = data
	return nil
}

func (s *memStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, errors.New("no such key")
	}
	return data, nil
}

func (s *memStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

// memInventory keeps entries in memory and stacks them by group key.
type memInventory struct {
	mu       sync.Mutex
	entries  []*inventory.Entry
	consumed map[string]bool
}

func newMemInventory() *memInventory { return &memInventory{consumed: map[string]bool{}} }

func (m *memInventory) Insert(_ context.Context, e *inventory.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insert(e)
	return nil
}

// insert stores a copy, so like the SQL repository only the row and the
// caller's entry learn the new stack count.
func (m *memInventory) insert(e *inventory.Entry) {
	e.StackID = ""
	for _, other := range m.entries {
		if !other.SoftDeleted && other.TenantID == e.TenantID && other.DuplicateGroupKey == e.DuplicateGroupKey {
			e.StackID = other.StackID
			break
		}
	}
	if e.StackID == "" {
		e.StackID = uuid.New().String()
	}
	row := *e
	m.entries = append(m.entries, &row)
	total := 0
	for _, other := range m.entries {
		if !other.SoftDeleted && other.StackID == e.StackID {
			total += other.QuantityCount
		}
	}
	for _, other := range m.entries {
		if other.StackID == e.StackID {
			other.StackCount = total
		}
	}
	e.StackCount = total
}

func (m *memInventory) InsertFromScan(_ context.Context, e *inventory.Entry, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.OriginScanResultID == nil {
		return inventory.ErrValidation
	}
	if m.consumed[*e.OriginScanResultID] {
		return inventory.ErrAlreadyCommitted
	}
	m.consumed[*e.OriginScanResultID] = true
	m.insert(e)
	return nil
}

func (m *memInventory) Get(_ context.Context, tenant string, id inventory.EntryID) (*inventory.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.TenantID == tenant && e.ID == id && !e.SoftDeleted {
			cp := *e
			return &cp, nil
		}
	}
	return nil, inventory.ErrNotFound
}

func (m *memInventory) List(context.Context, string, inventory.ListFilter) (inventory.PaginatedResult, error) {
	return inventory.PaginatedResult{}, nil
}

func (m *memInventory) All(context.Context, string, inventory.ListFilter) ([]*inventory.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*inventory.Entry, 0, len(m.entries))
	for _, e := range m.entries {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memInventory) Update(context.Context, *inventory.Entry) error { return nil }

func (m *memInventory) Increment(context.Context, string, inventory.EntryID, time.Time) (*inventory.Entry, error) {
	return nil, inventory.ErrNotFound
}

func (m *memInventory) SoftDelete(context.Context, string, inventory.EntryID, time.Time) error {
	return nil
}

func (m *memInventory) Stats(context.Context, string) (inventory.Stats, error) {
	return inventory.Stats{}, nil
}

type memErrors struct {
	mu   sync.Mutex
	list []*scanerrors.ScanError
}

func (m *memErrors) Save(_ context.Context, e *scanerrors.ScanError) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = int64(len(m.list) + 1)
	m.list = append(m.list, e)
	return nil
}

func (m *memErrors) ListBySession(_ context.Context, tenant, sessionID string, _ int) ([]*scanerrors.ScanError, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*scanerrors.ScanError{}
	for _, e := range m.list {
		if e.TenantID == tenant && e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memErrors) phases() []scanerrors.Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []scanerrors.Phase
	for _, e := range m.list {
		out = append(out, e.Phase)
	}
	return out
}

// scriptedRecognizer answers per image payload.
type scriptedRecognizer struct {
	mu      sync.Mutex
	answers map[string][]vision.Candidate
	fail    map[string]bool
	calls   int
}

func (r *scriptedRecognizer) Process(_ context.Context, img vision.Image) (appvision.Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	key := string(img.Data)
	if r.fail[key] {
		failures := []vision.Failure{{Backend: vision.BackendOpenAI, Reason: "503"}, {Backend: vision.BackendClaude, Reason: "timeout"}}
		return appvision.Outcome{Failures: failures}, &vision.ExhaustedError{Failures: failures}
	}
	return appvision.Outcome{
		Recognition: vision.Recognition{Candidates: r.answers[key], Raw: `{"cards":[]}`},
		Backend:     vision.BackendOpenAI,
	}, nil
}

type mapLookup map[string]*cards.Card

func (m mapLookup) Lookup(_ context.Context, name, _ string) (*cards.Card, bool) {
	c, ok := m[name]
	return c, ok
}

// stepClock advances one second per reading.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

// pngImage encodes a w x h image filled with shade. Different shades give
// different payloads.
func pngImage(t *testing.T, w, h int, shade uint8) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetGray(x, y, color.Gray{Y: shade})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

type harness struct {
	svc    *Service
	repo   *memRepo
	store  *memStore
	inv    *memInventory
	errs   *memErrors
	vision *scriptedRecognizer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		repo:   newMemRepo(),
		store:  newMemStore(),
		inv:    newMemInventory(),
		errs:   &memErrors{},
		vision: &scriptedRecognizer{answers: map[string][]vision.Candidate{}, fail: map[string]bool{}},
	}
	var clock application.Clock = &stepClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	h.svc = &Service{
		Repo:      h.repo,
		Images:    h.store,
		Inventory: h.inv,
		Errors:    h.errs,
		Vision:    h.vision,
		Lookup: mapLookup{
			"Lightning Bolt": {Name: "Lightning Bolt", SetCode: "m11", SetName: "Magic 2011", CollectorNumber: "149", PriceUSD: 1.25},
			"Counterspell":   {Name: "Counterspell", SetCode: "ema", SetName: "Eternal Masters", CollectorNumber: "43", PriceUSD: 0.9},
		},
		Scorer:      confidence.Scorer{},
		Clock:       clock,
		Logger:      log.New(io.Discard),
		Concurrency: 2,
	}
	return h
}

// session creates a session with one upload per payload.
func (h *harness) session(t *testing.T, payloads ...[]byte) *domain.Session {
	t.Helper()
	ctx := context.Background()
	sess, err := h.svc.Create(ctx, "acme", "")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if len(payloads) == 0 {
		return sess
	}
	var ups []Upload
	for i, p := range payloads {
		ups = append(ups, Upload{Filename: "photo" + string(rune('a'+i)) + ".png", ContentType: "image/png", Data: p})
	}
	res, err := h.svc.AddImages(ctx, "acme", sess.ID, ups)
	if err != nil {
		t.Fatalf("AddImages failed: %v", err)
	}
	if len(res.Accepted) != len(payloads) {
		t.Fatalf("accepted %d of %d uploads: %+v", len(res.Accepted), len(payloads), res.Skipped)
	}
	return res.Session
}
