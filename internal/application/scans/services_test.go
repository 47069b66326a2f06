package scans

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/bryanwahyu/cardscan/internal/domain/scanerrors"
	domain "github.com/bryanwahyu/cardscan/internal/domain/scans"
	"github.com/bryanwahyu/cardscan/internal/domain/vision"
)

func candidate(name string) vision.Candidate {
	return vision.Candidate{Name: name, Confidence: vision.ConfidenceHigh}
}

func TestProcessCountsCardsPerImage(t *testing.T) {
	h := newHarness(t)
	img1, img2 := pngImage(t, 40, 30, 10), pngImage(t, 40, 30, 200)
	h.vision.answers[string(img1)] = []vision.Candidate{candidate("Lightning Bolt"), candidate("Counterspell"), candidate("Mystery Card")}
	sess := h.session(t, img1, img2)

	got, err := h.svc.Process(context.Background(), "acme", sess.ID)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if got.Status != domain.StatusReadyForReview {
		t.Fatalf("status = %s, want %s", got.Status, domain.StatusReadyForReview)
	}
	if got.TotalCardsFound != 3 || got.ProcessedImages != 2 {
		t.Fatalf("totals = %d cards / %d images, want 3 / 2", got.TotalCardsFound, got.ProcessedImages)
	}

	images, _ := h.svc.SessionImages(context.Background(), "acme", sess.ID)
	if images[0].CardsFound != 3 || images[1].CardsFound != 0 {
		t.Fatalf("cards per image = %d, %d; want 3, 0", images[0].CardsFound, images[1].CardsFound)
	}
	for _, img := range images {
		if img.ProcessedAt == nil || img.BackendID == nil || *img.BackendID != "openai" {
			t.Fatalf("image %s not stamped: %+v", img.ID, img)
		}
	}

	results, _ := h.svc.Results(context.Background(), "acme", sess.ID)
	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}
	for i, r := range results {
		if r.Position != i {
			t.Fatalf("result %d has position %d", i, r.Position)
		}
		if r.DecisionStatus != domain.DecisionPending {
			t.Fatalf("result %s decision = %s", r.ID, r.DecisionStatus)
		}
		if !strings.Contains(r.RawBackendResponse, `"factors"`) {
			t.Fatalf("raw response missing factors: %s", r.RawBackendResponse)
		}
	}
	if results[0].Lookup == nil || results[0].ConfidenceScore != 95 || results[0].RequiresReview {
		t.Fatalf("matched result not enriched: %+v", results[0])
	}
	if results[2].Lookup != nil || !results[2].RequiresReview {
		t.Fatalf("unmatched result should need review: %+v", results[2])
	}
}

func TestProcessTotalsIgnoreFailedImages(t *testing.T) {
	h := newHarness(t)
	ok1, bad, ok2 := pngImage(t, 40, 30, 10), pngImage(t, 40, 30, 90), pngImage(t, 40, 30, 200)
	h.vision.answers[string(ok1)] = []vision.Candidate{candidate("Lightning Bolt")}
	h.vision.answers[string(ok2)] = []vision.Candidate{candidate("Counterspell"), candidate("Lightning Bolt")}
	h.vision.fail[string(bad)] = true
	sess := h.session(t, ok1, bad, ok2)

	got, err := h.svc.Process(context.Background(), "acme", sess.ID)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	images, _ := h.svc.SessionImages(context.Background(), "acme", sess.ID)
	sum := 0
	for _, img := range images {
		sum += img.CardsFound
	}
	if got.TotalCardsFound != 3 || sum != 3 {
		t.Fatalf("total = %d, per-image sum = %d, want 3", got.TotalCardsFound, sum)
	}
	if images[1].ProcessingError == nil || images[1].CardsFound != 0 {
		t.Fatalf("failed image not marked: %+v", images[1])
	}
	if got.Status != domain.StatusReadyForReview {
		t.Fatalf("status = %s", got.Status)
	}

	log, err := h.svc.ErrorLog(context.Background(), "acme", sess.ID, 10)
	if err != nil {
		t.Fatalf("ErrorLog failed: %v", err)
	}
	// two backend attempts plus the image failure itself
	if len(log) != 3 {
		t.Fatalf("audit entries = %d, want 3", len(log))
	}
	last := log[len(log)-1]
	if last.Phase != scanerrors.PhaseRecognize || !strings.Contains(last.DetailsJSON, "failures") {
		t.Fatalf("unexpected audit entry %+v", last)
	}
}

func TestStatusNeverRegresses(t *testing.T) {
	h := newHarness(t)
	img := pngImage(t, 40, 30, 10)
	h.vision.answers[string(img)] = []vision.Candidate{candidate("Lightning Bolt")}
	sess := h.session(t, img)
	ctx := context.Background()

	if _, err := h.svc.Process(ctx, "acme", sess.ID); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	results, _ := h.svc.Results(ctx, "acme", sess.ID)
	if _, err := h.svc.Decide(ctx, "acme", sess.ID, []domain.ResultID{results[0].ID}, true); err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if _, err := h.svc.Commit(ctx, "acme", sess.ID); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	// every later call is refused
	if _, err := h.svc.Process(ctx, "acme", sess.ID); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("Process after commit: %v", err)
	}
	if _, err := h.svc.Commit(ctx, "acme", sess.ID); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("second Commit: %v", err)
	}
	if _, err := h.svc.Cancel(ctx, "acme", sess.ID); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("Cancel after commit: %v", err)
	}

	rank := map[domain.Status]int{
		domain.StatusPending: 0, domain.StatusProcessing: 1, domain.StatusReadyForReview: 2, domain.StatusCompleted: 3,
	}
	prev := -1
	for _, st := range h.repo.history[sess.ID] {
		if rank[st] < prev {
			t.Fatalf("status regressed: %v", h.repo.history[sess.ID])
		}
		prev = rank[st]
	}
	if prev != 3 {
		t.Fatalf("final status rank %d, history %v", prev, h.repo.history[sess.ID])
	}
}

func TestDecideIsIdempotent(t *testing.T) {
	h := newHarness(t)
	img := pngImage(t, 40, 30, 10)
	h.vision.answers[string(img)] = []vision.Candidate{candidate("Lightning Bolt"), candidate("Counterspell")}
	sess := h.session(t, img)
	ctx := context.Background()
	if _, err := h.svc.Process(ctx, "acme", sess.ID); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	results, _ := h.svc.Results(ctx, "acme", sess.ID)
	id := results[0].ID

	first, err := h.svc.Decide(ctx, "acme", sess.ID, []domain.ResultID{id}, true)
	if err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	second, err := h.svc.Decide(ctx, "acme", sess.ID, []domain.ResultID{id, id}, true)
	if err != nil {
		t.Fatalf("second Decide failed: %v", err)
	}
	if first[0].DecidedAt == nil || !first[0].DecidedAt.Equal(*second[0].DecidedAt) {
		t.Fatalf("decidedAt changed: %v -> %v", first[0].DecidedAt, second[0].DecidedAt)
	}
	if second[0].DecisionStatus != domain.DecisionAccepted || second[1].DecisionStatus != domain.DecisionPending {
		t.Fatalf("unexpected decisions %s, %s", second[0].DecisionStatus, second[1].DecisionStatus)
	}

	// a decided result keeps its first decision
	third, err := h.svc.Decide(ctx, "acme", sess.ID, []domain.ResultID{id}, false)
	if err != nil {
		t.Fatalf("reject after accept: %v", err)
	}
	if third[0].DecisionStatus != domain.DecisionAccepted {
		t.Fatalf("decision overwritten: %s", third[0].DecisionStatus)
	}
}

func TestDecideRejectsForeignResults(t *testing.T) {
	h := newHarness(t)
	img := pngImage(t, 40, 30, 10)
	h.vision.answers[string(img)] = []vision.Candidate{candidate("Lightning Bolt")}
	ctx := context.Background()
	a := h.session(t, img)
	b := h.session(t, pngImage(t, 40, 30, 11))
	for _, s := range []*domain.Session{a, b} {
		if _, err := h.svc.Process(ctx, "acme", s.ID); err != nil {
			t.Fatalf("Process failed: %v", err)
		}
	}
	resultsA, _ := h.svc.Results(ctx, "acme", a.ID)

	_, err := h.svc.Decide(ctx, "acme", b.ID, []domain.ResultID{resultsA[0].ID}, true)
	if !errors.Is(err, domain.ErrIntegrity) {
		t.Fatalf("expected integrity error, got %v", err)
	}
	if _, err := h.svc.Decide(ctx, "acme", b.ID, nil, true); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := h.svc.Decide(ctx, "other", a.ID, []domain.ResultID{resultsA[0].ID}, true); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found for another tenant, got %v", err)
	}
}

func TestDecideBeforeReviewIsRefused(t *testing.T) {
	h := newHarness(t)
	sess := h.session(t, pngImage(t, 40, 30, 10))
	_, err := h.svc.Decide(context.Background(), "acme", sess.ID, []domain.ResultID{"x"}, true)
	var te *domain.TransitionError
	if !errors.As(err, &te) || te.From != domain.StatusPending {
		t.Fatalf("expected transition error from PENDING, got %v", err)
	}
}

func TestCommitCreatesOneEntryPerAcceptedResult(t *testing.T) {
	h := newHarness(t)
	img := pngImage(t, 40, 30, 10)
	h.vision.answers[string(img)] = []vision.Candidate{candidate("Lightning Bolt"), candidate("Counterspell"), candidate("Mystery Card")}
	sess := h.session(t, img)
	ctx := context.Background()
	if _, err := h.svc.Process(ctx, "acme", sess.ID); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	results, _ := h.svc.Results(ctx, "acme", sess.ID)
	if _, err := h.svc.Decide(ctx, "acme", sess.ID, []domain.ResultID{results[0].ID, results[1].ID}, true); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := h.svc.Decide(ctx, "acme", sess.ID, []domain.ResultID{results[2].ID}, false); err != nil {
		t.Fatalf("reject: %v", err)
	}

	out, err := h.svc.Commit(ctx, "acme", sess.ID)
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if len(out.Entries) != 2 || len(h.inv.entries) != 2 {
		t.Fatalf("entries = %d (stored %d), want 2", len(out.Entries), len(h.inv.entries))
	}
	byOrigin := map[string]int{}
	for _, e := range h.inv.entries {
		byOrigin[*e.OriginScanResultID]++
		if e.AddedMethod != "SCANNED" || *e.OriginScanSessionID != string(sess.ID) {
			t.Fatalf("entry provenance wrong: %+v", e)
		}
	}
	if byOrigin[string(results[0].ID)] != 1 || byOrigin[string(results[1].ID)] != 1 || byOrigin[string(results[2].ID)] != 0 {
		t.Fatalf("unexpected origins %v", byOrigin)
	}
	if out.Session.Status != domain.StatusCompleted || out.Session.TotalCardsFound != 2 {
		t.Fatalf("session after commit: %+v", out.Session)
	}
	if out.Entries[0].CanonicalName != "Lightning Bolt" || out.Entries[0].SetCode != "m11" {
		t.Fatalf("entry not built from lookup: %+v", out.Entries[0])
	}
}

func TestCommitWithNothingAcceptedPurgesImages(t *testing.T) {
	h := newHarness(t)
	img1, img2 := pngImage(t, 40, 30, 10), pngImage(t, 40, 30, 200)
	h.vision.answers[string(img1)] = []vision.Candidate{candidate("Lightning Bolt")}
	sess := h.session(t, img1, img2)
	ctx := context.Background()
	if _, err := h.svc.Process(ctx, "acme", sess.ID); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	results, _ := h.svc.Results(ctx, "acme", sess.ID)
	if _, err := h.svc.Decide(ctx, "acme", sess.ID, []domain.ResultID{results[0].ID}, false); err != nil {
		t.Fatalf("reject: %v", err)
	}

	out, err := h.svc.Commit(ctx, "acme", sess.ID)
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if out.PurgedImages != 2 || h.store.count() != 0 || h.repo.imageCount(sess.ID) != 0 {
		t.Fatalf("images left: purged=%d store=%d rows=%d", out.PurgedImages, h.store.count(), h.repo.imageCount(sess.ID))
	}
	got, err := h.svc.Get(ctx, "acme", sess.ID)
	if err != nil {
		t.Fatalf("session gone after commit: %v", err)
	}
	if got.Status != domain.StatusCompleted || got.TotalCardsFound != 0 {
		t.Fatalf("session after empty commit: %+v", got)
	}
	if len(h.inv.entries) != 0 {
		t.Fatalf("inventory entries created: %d", len(h.inv.entries))
	}
}

func TestCommitStacksIdenticalCards(t *testing.T) {
	h := newHarness(t)
	img1, img2 := pngImage(t, 40, 30, 10), pngImage(t, 40, 30, 200)
	h.vision.answers[string(img1)] = []vision.Candidate{candidate("Lightning Bolt")}
	h.vision.answers[string(img2)] = []vision.Candidate{candidate("Lightning Bolt")}
	sess := h.session(t, img1, img2)
	ctx := context.Background()
	if _, err := h.svc.Process(ctx, "acme", sess.ID); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	results, _ := h.svc.Results(ctx, "acme", sess.ID)
	if _, err := h.svc.Decide(ctx, "acme", sess.ID, []domain.ResultID{results[0].ID, results[1].ID}, true); err != nil {
		t.Fatalf("accept: %v", err)
	}

	out, err := h.svc.Commit(ctx, "acme", sess.ID)
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	a, b := out.Entries[0], out.Entries[1]
	if a.StackID == "" || a.StackID != b.StackID || a.DuplicateGroupKey != b.DuplicateGroupKey {
		t.Fatalf("entries not stacked: %+v / %+v", a, b)
	}
	if a.StackCount != 2 || b.StackCount != 2 {
		t.Fatalf("stack counts = %d, %d; want 2", a.StackCount, b.StackCount)
	}
}

func TestCommitSkipsAlreadyConsumedResults(t *testing.T) {
	h := newHarness(t)
	img := pngImage(t, 40, 30, 10)
	h.vision.answers[string(img)] = []vision.Candidate{candidate("Lightning Bolt"), candidate("Counterspell")}
	sess := h.session(t, img)
	ctx := context.Background()
	if _, err := h.svc.Process(ctx, "acme", sess.ID); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	results, _ := h.svc.Results(ctx, "acme", sess.ID)
	if _, err := h.svc.Decide(ctx, "acme", sess.ID, []domain.ResultID{results[0].ID, results[1].ID}, true); err != nil {
		t.Fatalf("accept: %v", err)
	}
	h.inv.consumed[string(results[0].ID)] = true

	out, err := h.svc.Commit(ctx, "acme", sess.ID)
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if len(out.Entries) != 1 || out.Skipped != 1 {
		t.Fatalf("entries=%d skipped=%d, want 1/1", len(out.Entries), out.Skipped)
	}
	phases := h.errs.phases()
	if len(phases) != 1 || phases[0] != scanerrors.PhaseCommit {
		t.Fatalf("audit phases = %v", phases)
	}
}

func TestAddImagesSkipsNonImages(t *testing.T) {
	h := newHarness(t)
	sess := h.session(t)
	ctx := context.Background()

	res, err := h.svc.AddImages(ctx, "acme", sess.ID, []Upload{
		{Filename: "good.png", ContentType: "image/png", Data: pngImage(t, 40, 30, 10)},
		{Filename: "notes.txt", ContentType: "text/plain", Data: []byte("hello")},
		{Filename: "fake.jpg", ContentType: "image/jpeg", Data: []byte("not really a jpeg")},
		{Filename: "empty.png", ContentType: "image/png"},
	})
	if err != nil {
		t.Fatalf("AddImages failed: %v", err)
	}
	if len(res.Accepted) != 1 || len(res.Skipped) != 3 {
		t.Fatalf("accepted=%d skipped=%d", len(res.Accepted), len(res.Skipped))
	}
	if res.Session.TotalImages != 1 {
		t.Fatalf("total images = %d", res.Session.TotalImages)
	}
	img := res.Accepted[0]
	if !strings.HasPrefix(img.StorageKey, "acme/"+string(sess.ID)+"/") || !strings.HasSuffix(img.StorageKey, ".png") {
		t.Fatalf("unexpected storage key %s", img.StorageKey)
	}
	if img.ContentType != "image/png" || len(img.Quality.Issues) == 0 {
		t.Fatalf("image metadata: %+v", img)
	}
}

func TestAddImagesStorageFailureIsAudited(t *testing.T) {
	h := newHarness(t)
	sess := h.session(t)
	h.store.failPut = true

	res, err := h.svc.AddImages(context.Background(), "acme", sess.ID, []Upload{
		{Filename: "a.png", Data: pngImage(t, 40, 30, 10)},
	})
	if err != nil {
		t.Fatalf("AddImages failed: %v", err)
	}
	if len(res.Accepted) != 0 || len(res.Skipped) != 1 || res.Skipped[0].Reason != "storage failed" {
		t.Fatalf("unexpected result %+v", res)
	}
	if phases := h.errs.phases(); len(phases) != 1 || phases[0] != scanerrors.PhaseStore {
		t.Fatalf("audit phases = %v", phases)
	}
}

func TestAddImagesAfterReviewIsRefused(t *testing.T) {
	h := newHarness(t)
	sess := h.session(t, pngImage(t, 40, 30, 10))
	ctx := context.Background()
	if _, err := h.svc.Process(ctx, "acme", sess.ID); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	_, err := h.svc.AddImages(ctx, "acme", sess.ID, []Upload{{Filename: "b.png", Data: pngImage(t, 40, 30, 20)}})
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected transition error, got %v", err)
	}
}

func TestCancelPurgesImages(t *testing.T) {
	h := newHarness(t)
	sess := h.session(t, pngImage(t, 40, 30, 10), pngImage(t, 40, 30, 20))
	ctx := context.Background()

	got, err := h.svc.Cancel(ctx, "acme", sess.ID)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if got.Status != domain.StatusCancelled || h.store.count() != 0 || h.repo.imageCount(sess.ID) != 0 {
		t.Fatalf("cancel left state behind: %+v store=%d", got, h.store.count())
	}
	if _, err := h.svc.Process(ctx, "acme", sess.ID); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("Process after cancel: %v", err)
	}
}

func TestProcessUnknownSession(t *testing.T) {
	h := newHarness(t)
	if _, err := h.svc.Process(context.Background(), "acme", "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListRejectsUnknownStatus(t *testing.T) {
	h := newHarness(t)
	h.session(t)
	if _, err := h.svc.List(context.Background(), "acme", domain.ListFilter{Status: "DONE"}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	res, err := h.svc.List(context.Background(), "acme", domain.ListFilter{Status: domain.StatusPending})
	if err != nil || res.Total != 1 {
		t.Fatalf("List = %+v, %v", res, err)
	}
}
