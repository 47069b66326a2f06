package scans

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sort"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/bryanwahyu/cardscan/internal/application"
	"github.com/bryanwahyu/cardscan/internal/application/confidence"
	appvision "github.com/bryanwahyu/cardscan/internal/application/vision"
	"github.com/bryanwahyu/cardscan/internal/domain/cards"
	"github.com/bryanwahyu/cardscan/internal/domain/inventory"
	"github.com/bryanwahyu/cardscan/internal/domain/scanerrors"
	domain "github.com/bryanwahyu/cardscan/internal/domain/scans"
	"github.com/bryanwahyu/cardscan/internal/domain/vision"
)

// Recognizer runs an image through the vision backend chain.
type Recognizer interface {
	Process(ctx context.Context, img vision.Image) (appvision.Outcome, error)
}

// Scorer rates one candidate against its lookup match.
type Scorer interface {
	Score(c vision.Candidate, match *cards.Card) confidence.Assessment
}

// Service implements the scan workflow use-cases.
// Callers must not run two mutating operations on the same session at once.
type Service struct {
	Repo      domain.Repository
	Images    domain.ImageStore
	Inventory inventory.Repository
	Errors    scanerrors.Repository
	Vision    Recognizer
	Lookup    cards.Lookup
	Scorer    Scorer
	Clock     application.Clock
	Logger    *log.Logger
	// Concurrency bounds how many images are recognized at once; <= 1 is sequential.
	Concurrency int
}

func (s *Service) log() *log.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return log.Default()
}

func (s *Service) now() application.Clock {
	if s.Clock != nil {
		return s.Clock
	}
	return application.SystemClock{}
}

//
// ==== USE CASES ====
//

// Create opens a new PENDING session.
func (s *Service) Create(ctx context.Context, tenant, notes string) (*domain.Session, error) {
	if strings.TrimSpace(tenant) == "" {
		return nil, fmt.Errorf("create session: tenant is required: %w", domain.ErrValidation)
	}
	now := s.now().Now()
	sess := &domain.Session{
		ID:        domain.SessionID(uuid.New().String()),
		TenantID:  tenant,
		Status:    domain.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
		Notes:     strings.TrimSpace(notes),
	}
	if err := s.Repo.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	s.log().Info("scan session created", "tenant", tenant, "session", sess.ID)
	return sess, nil
}

// Upload is one file handed to AddImages.
type Upload struct {
	Filename    string
	ContentType string
	Data        []byte
}

// SkippedUpload explains why a file was not added.
type SkippedUpload struct {
	Filename string `json:"filename"`
	Reason   string `json:"reason"`
}

// AddImagesResult lists what was stored and what was skipped.
type AddImagesResult struct {
	Session  *domain.Session `json:"session"`
	Accepted []*domain.Image `json:"accepted"`
	Skipped  []SkippedUpload `json:"skipped"`
}

// AddImages stores uploads on a PENDING or PROCESSING session. Files that are
// not images are skipped without failing the batch.
func (s *Service) AddImages(ctx context.Context, tenant string, id domain.SessionID, uploads []Upload) (AddImagesResult, error) {
	sess, err := s.Repo.GetSession(ctx, tenant, id)
	if err != nil {
		return AddImagesResult{}, err
	}
	if sess.Status != domain.StatusPending && sess.Status != domain.StatusProcessing {
		return AddImagesResult{}, &domain.TransitionError{Op: "add images", From: sess.Status}
	}
	if len(uploads) == 0 {
		return AddImagesResult{}, fmt.Errorf("add images: no files: %w", domain.ErrValidation)
	}

	res := AddImagesResult{Session: sess, Accepted: []*domain.Image{}, Skipped: []SkippedUpload{}}
	for _, up := range uploads {
		contentType, reason := imageContentType(up)
		if reason != "" {
			res.Skipped = append(res.Skipped, SkippedUpload{Filename: up.Filename, Reason: reason})
			continue
		}

		imgID := domain.ImageID(uuid.New().String())
		key := fmt.Sprintf("%s/%s/%s%s", tenant, id, imgID, strings.ToLower(filepath.Ext(up.Filename)))
		if err := s.Images.Put(ctx, key, bytes.NewReader(up.Data), int64(len(up.Data)), contentType); err != nil {
			s.audit(ctx, &scanerrors.ScanError{
				TenantID: tenant, SessionID: string(id), ImageID: string(imgID),
				Phase: scanerrors.PhaseStore, Message: err.Error(),
			})
			res.Skipped = append(res.Skipped, SkippedUpload{Filename: up.Filename, Reason: "storage failed"})
			continue
		}

		img := &domain.Image{
			ID:               imgID,
			SessionID:        id,
			TenantID:         tenant,
			StorageKey:       key,
			OriginalFilename: up.Filename,
			ContentType:      contentType,
			SizeBytes:        int64(len(up.Data)),
			CreatedAt:        s.now().Now(),
			Quality:          AssessQuality(up.Data),
		}
		if err := s.Repo.AddImage(ctx, img); err != nil {
			_ = s.Images.Delete(context.WithoutCancel(ctx), key)
			return res, fmt.Errorf("add image %s: %w", up.Filename, err)
		}
		res.Accepted = append(res.Accepted, img)
	}

	if len(res.Accepted) > 0 {
		sess.TotalImages += len(res.Accepted)
		sess.UpdatedAt = s.now().Now()
		if err := s.Repo.UpdateSession(ctx, sess); err != nil {
			return res, fmt.Errorf("add images: %w", err)
		}
	}
	s.log().Info("images added", "session", id, "accepted", len(res.Accepted), "skipped", len(res.Skipped))
	return res, nil
}

// imageContentType returns the effective content type or a skip reason.
func imageContentType(up Upload) (string, string) {
	if len(up.Data) == 0 {
		return "", "empty file"
	}
	declared := strings.ToLower(strings.TrimSpace(up.ContentType))
	if declared != "" && declared != "application/octet-stream" && !strings.HasPrefix(declared, "image/") {
		return "", "content type " + declared + " is not an image"
	}
	sniffed := http.DetectContentType(up.Data)
	if !strings.HasPrefix(sniffed, "image/") {
		return "", "file content is not an image"
	}
	return sniffed, ""
}

// imageOutcome is what recognition produced for one image.
type imageOutcome struct {
	backend  vision.BackendID
	raw      string
	results  []*domain.Result
	failures []vision.Failure
	err      error
}

// Process recognizes every image of a PENDING session, looks up and scores
// each candidate, and leaves the session READY_FOR_REVIEW. A failing image
// only records its processing error.
func (s *Service) Process(ctx context.Context, tenant string, id domain.SessionID) (*domain.Session, error) {
	sess, err := s.Repo.GetSession(ctx, tenant, id)
	if err != nil {
		return nil, err
	}
	if err := sess.Transition("process", domain.StatusProcessing); err != nil {
		return nil, err
	}
	sess.UpdatedAt = s.now().Now()
	if err := s.Repo.UpdateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("process: %w", err)
	}
	s.log().Info("processing scan session", "session", id, "images", sess.TotalImages)

	images, err := s.Repo.ListImages(ctx, tenant, id)
	if err != nil {
		return nil, s.fail(ctx, sess, err)
	}

	outcomes := make([]imageOutcome, len(images))
	var g errgroup.Group
	g.SetLimit(max(1, s.Concurrency))
	for i, img := range images {
		g.Go(func() error {
			outcomes[i] = s.recognizeImage(ctx, img)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, s.fail(ctx, sess, err)
	}

	// simpan hasil urut per image, lalu per kandidat
	total, position := 0, 0
	for i, img := range images {
		out := outcomes[i]
		for _, f := range out.failures {
			s.audit(ctx, &scanerrors.ScanError{
				TenantID: tenant, SessionID: string(id), ImageID: string(img.ID),
				Backend: string(f.Backend), Phase: scanerrors.PhaseRecognize, Message: f.Reason,
			})
		}

		now := s.now().Now()
		for _, r := range out.results {
			r.Position = position
			r.CreatedAt = now
			position++
		}
		if len(out.results) > 0 {
			if err := s.Repo.AddResults(ctx, out.results); err != nil {
				return nil, s.fail(ctx, sess, err)
			}
		}

		img.ProcessedAt = &now
		img.CardsFound = len(out.results)
		img.ProcessingError = nil
		img.BackendID = nil
		if out.backend != "" {
			b := string(out.backend)
			img.BackendID = &b
		}
		if out.err != nil {
			msg := out.err.Error()
			img.ProcessingError = &msg
			s.audit(ctx, &scanerrors.ScanError{
				TenantID: tenant, SessionID: string(id), ImageID: string(img.ID),
				Phase: scanerrors.PhaseRecognize, Message: msg, DetailsJSON: failureDetails(out),
			})
			s.log().Warn("image recognition failed", "session", id, "image", img.ID, "err", out.err)
		}
		if err := s.Repo.UpdateImage(ctx, img); err != nil {
			return nil, s.fail(ctx, sess, err)
		}
		total += len(out.results)
	}

	sess.ProcessedImages = len(images)
	sess.TotalCardsFound = total
	if err := sess.Transition("process", domain.StatusReadyForReview); err != nil {
		return nil, err
	}
	sess.UpdatedAt = s.now().Now()
	if err := s.Repo.UpdateSession(ctx, sess); err != nil {
		return nil, s.fail(ctx, sess, err)
	}
	s.log().Info("scan session ready for review", "session", id, "cards", total)
	return sess, nil
}

func (s *Service) recognizeImage(ctx context.Context, img *domain.Image) imageOutcome {
	data, err := s.Images.Get(ctx, img.StorageKey)
	if err != nil {
		return imageOutcome{err: fmt.Errorf("load image: %w", err)}
	}

	out, err := s.Vision.Process(ctx, vision.Image{Data: data, ContentType: img.ContentType})
	if err != nil {
		return imageOutcome{failures: out.Failures, err: err}
	}

	res := imageOutcome{backend: out.Backend, raw: out.Raw, failures: out.Failures}
	for _, cand := range out.Candidates {
		card, found := s.Lookup.Lookup(ctx, cand.Name, cand.SetHint)
		if !found {
			card = nil
		}
		a := s.Scorer.Score(cand, card)

		raw, _ := json.Marshal(struct {
			Backend   vision.BackendID    `json:"backend"`
			Candidate vision.Candidate    `json:"candidate"`
			Factors   []confidence.Factor `json:"factors"`
			Response  string              `json:"response,omitempty"`
		}{out.Backend, cand, a.Factors, out.Raw})

		r := &domain.Result{
			ID:            domain.ResultID(uuid.New().String()),
			SessionID:     img.SessionID,
			ImageID:       img.ID,
			TenantID:      img.TenantID,
			CandidateName: cand.Name,
			Candidate: domain.CandidateRecord{
				Version:   domain.RecordVersion,
				Backend:   string(out.Backend),
				Candidate: cand,
			},
			ConfidenceScore:    a.Score,
			ConfidenceLevel:    string(a.Level),
			RequiresReview:     a.RequiresReview,
			DecisionStatus:     domain.DecisionPending,
			RawBackendResponse: string(raw),
		}
		r.ApplyLookup(card)
		res.results = append(res.results, r)
	}
	return res
}

func failureDetails(out imageOutcome) string {
	var ex *vision.ExhaustedError
	if errors.As(out.err, &ex) {
		b, _ := json.Marshal(map[string]any{"failures": ex.Failures})
		return string(b)
	}
	return ""
}

// fail moves a session to FAILED and keeps the cause in its notes.
func (s *Service) fail(ctx context.Context, sess *domain.Session, cause error) error {
	ctx = context.WithoutCancel(ctx)
	if err := sess.Transition("process", domain.StatusFailed); err == nil {
		sess.Notes = appendNote(sess.Notes, "processing failed: "+cause.Error())
		sess.UpdatedAt = s.now().Now()
		if uerr := s.Repo.UpdateSession(ctx, sess); uerr != nil {
			s.log().Error("could not mark session failed", "session", sess.ID, "err", uerr)
		}
	}
	s.log().Error("scan session failed", "session", sess.ID, "err", cause)
	return fmt.Errorf("process session %s: %w", sess.ID, cause)
}

func appendNote(notes, line string) string {
	if notes == "" {
		return line
	}
	return notes + "\n" + line
}

// Decide accepts or rejects results of a session under review. Results that
// were already decided are left as they are.
func (s *Service) Decide(ctx context.Context, tenant string, id domain.SessionID, ids []domain.ResultID, accept bool) ([]*domain.Result, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("decide: result_ids is required: %w", domain.ErrValidation)
	}
	sess, err := s.Repo.GetSession(ctx, tenant, id)
	if err != nil {
		return nil, err
	}
	if sess.Status != domain.StatusReadyForReview && sess.Status != domain.StatusCompleted {
		return nil, &domain.TransitionError{Op: "decide", From: sess.Status}
	}

	results, err := s.Repo.ListResults(ctx, tenant, id)
	if err != nil {
		return nil, fmt.Errorf("decide: %w", err)
	}
	byID := make(map[domain.ResultID]*domain.Result, len(results))
	for _, r := range results {
		byID[r.ID] = r
	}

	var pending []domain.ResultID
	seen := make(map[domain.ResultID]bool, len(ids))
	for _, rid := range ids {
		r, ok := byID[rid]
		if !ok {
			return nil, fmt.Errorf("decide: result %s does not belong to session %s: %w", rid, id, domain.ErrIntegrity)
		}
		if seen[rid] || r.Decided() {
			continue
		}
		seen[rid] = true
		pending = append(pending, rid)
	}
	if len(pending) > 0 && sess.Status == domain.StatusCompleted {
		return nil, &domain.TransitionError{Op: "decide", From: sess.Status}
	}

	decision := domain.DecisionRejected
	if accept {
		decision = domain.DecisionAccepted
	}
	if len(pending) > 0 {
		n, err := s.Repo.DecideResults(ctx, tenant, pending, decision, s.now().Now())
		if err != nil {
			return nil, fmt.Errorf("decide: %w", err)
		}
		s.log().Info("results decided", "session", id, "decision", decision, "updated", n)
	}
	return s.Repo.ListResults(ctx, tenant, id)
}

// CommitResult is what Commit produced.
type CommitResult struct {
	Session *domain.Session    `json:"session"`
	Entries []*inventory.Entry `json:"entries"`
	// Skipped counts accepted results that had been committed before.
	Skipped int `json:"skipped"`
	// PurgedImages is set when nothing was accepted and the photos were removed.
	PurgedImages int `json:"purged_images"`
}

// Commit turns every accepted result into an inventory entry and completes
// the session. With nothing accepted, the session's images are purged and the
// session is completed with zero cards.
func (s *Service) Commit(ctx context.Context, tenant string, id domain.SessionID) (CommitResult, error) {
	sess, err := s.Repo.GetSession(ctx, tenant, id)
	if err != nil {
		return CommitResult{}, err
	}
	if !sess.Status.CanTransitionTo(domain.StatusCompleted) {
		return CommitResult{}, &domain.TransitionError{Op: "commit", From: sess.Status, To: domain.StatusCompleted}
	}

	results, err := s.Repo.ListResults(ctx, tenant, id)
	if err != nil {
		return CommitResult{}, fmt.Errorf("commit: %w", err)
	}
	var accepted []*domain.Result
	for _, r := range results {
		if r.Accepted() {
			accepted = append(accepted, r)
		}
	}
	sort.SliceStable(accepted, func(i, j int) bool {
		if !accepted[i].CreatedAt.Equal(accepted[j].CreatedAt) {
			return accepted[i].CreatedAt.Before(accepted[j].CreatedAt)
		}
		return accepted[i].Position < accepted[j].Position
	})

	out := CommitResult{Session: sess, Entries: []*inventory.Entry{}}
	if len(accepted) == 0 {
		purged, err := s.purgeImages(ctx, sess)
		if err != nil {
			return CommitResult{}, fmt.Errorf("commit: %w", err)
		}
		out.PurgedImages = purged
		sess.TotalCardsFound = 0
		sess.TotalImages = 0
		sess.ProcessedImages = 0
		sess.Notes = appendNote(sess.Notes, fmt.Sprintf("no cards accepted, %d images purged", purged))
	} else {
		for _, r := range accepted {
			if r.ConsumedAt != nil {
				out.Skipped++
				continue
			}
			entry := entryFromResult(sess, r, s.now())
			err := s.Inventory.InsertFromScan(ctx, entry, s.now().Now())
			if errors.Is(err, inventory.ErrAlreadyCommitted) {
				out.Skipped++
				s.audit(ctx, &scanerrors.ScanError{
					TenantID: tenant, SessionID: string(id), ImageID: string(r.ImageID),
					Phase: scanerrors.PhaseCommit, Message: "result " + string(r.ID) + " already committed",
				})
				continue
			}
			if err != nil {
				return CommitResult{}, fmt.Errorf("commit result %s: %w", r.ID, err)
			}
			out.Entries = append(out.Entries, entry)
		}
		s.refreshStackCounts(ctx, tenant, out.Entries)
		sess.TotalCardsFound = len(accepted)
	}

	if err := sess.Transition("commit", domain.StatusCompleted); err != nil {
		return CommitResult{}, err
	}
	sess.UpdatedAt = s.now().Now()
	if err := s.Repo.UpdateSession(ctx, sess); err != nil {
		return CommitResult{}, fmt.Errorf("commit: %w", err)
	}
	s.log().Info("scan session committed", "session", id, "entries", len(out.Entries), "skipped", out.Skipped, "purged", out.PurgedImages)
	return out, nil
}

// refreshStackCounts re-reads the committed entries. An insert only updates
// the count of the entry it wrote, so earlier entries of the same stack
// would otherwise report a stale total.
func (s *Service) refreshStackCounts(ctx context.Context, tenant string, entries []*inventory.Entry) {
	for _, e := range entries {
		stored, err := s.Inventory.Get(ctx, tenant, e.ID)
		if err != nil {
			s.log().Warn("reload committed entry", "entry", e.ID, "err", err)
			continue
		}
		e.StackID = stored.StackID
		e.StackCount = stored.StackCount
	}
}

func entryFromResult(sess *domain.Session, r *domain.Result, clock application.Clock) *inventory.Entry {
	now := clock.Now()
	sessionID, resultID := string(sess.ID), string(r.ID)
	e := &inventory.Entry{
		ID:                  inventory.EntryID(uuid.New().String()),
		TenantID:            sess.TenantID,
		CanonicalName:       r.CandidateName,
		SetCode:             r.Candidate.Candidate.SetHint,
		CollectorNumber:     r.Candidate.Candidate.CollectorNumber,
		QuantityCount:       1,
		Condition:           inventory.ConditionLP,
		OriginScanSessionID: &sessionID,
		OriginScanResultID:  &resultID,
		AddedMethod:         inventory.AddedScanned,
		FirstSeen:           now,
		LastSeen:            now,
	}
	if r.Lookup != nil {
		c := r.Lookup.Card
		e.CanonicalName = c.Name
		e.SetCode = c.SetCode
		e.SetName = c.SetName
		e.CollectorNumber = c.CollectorNumber
		e.Rarity = c.Rarity
		e.ManaCost = c.ManaCost
		e.TypeLine = c.TypeLine
		e.OracleText = c.OracleText
		e.FlavorText = c.FlavorText
		e.Power = c.Power
		e.Toughness = c.Toughness
		e.Colors = strings.Join(c.Colors, ",")
		e.ImageURL = c.ImageURL
		e.PriceUSD = c.PriceUSD
		e.PriceEUR = c.PriceEUR
		e.PriceTix = c.PriceTix
	}
	e.RefreshGroupKey()
	return e
}

// Cancel stops a session that has not completed and removes its photos.
func (s *Service) Cancel(ctx context.Context, tenant string, id domain.SessionID) (*domain.Session, error) {
	sess, err := s.Repo.GetSession(ctx, tenant, id)
	if err != nil {
		return nil, err
	}
	if !sess.Status.CanTransitionTo(domain.StatusCancelled) {
		return nil, &domain.TransitionError{Op: "cancel", From: sess.Status, To: domain.StatusCancelled}
	}
	purged, err := s.purgeImages(ctx, sess)
	if err != nil {
		return nil, fmt.Errorf("cancel: %w", err)
	}
	if err := sess.Transition("cancel", domain.StatusCancelled); err != nil {
		return nil, err
	}
	sess.Notes = appendNote(sess.Notes, fmt.Sprintf("cancelled, %d images purged", purged))
	sess.UpdatedAt = s.now().Now()
	if err := s.Repo.UpdateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("cancel: %w", err)
	}
	s.log().Info("scan session cancelled", "session", id, "purged", purged)
	return sess, nil
}

// purgeImages deletes stored photos and image rows. A photo that cannot be
// deleted is logged and audited; the row goes anyway.
func (s *Service) purgeImages(ctx context.Context, sess *domain.Session) (int, error) {
	images, err := s.Repo.ListImages(ctx, sess.TenantID, sess.ID)
	if err != nil {
		return 0, err
	}
	for _, img := range images {
		if err := s.Images.Delete(ctx, img.StorageKey); err != nil {
			s.log().Warn("could not delete image object", "key", img.StorageKey, "err", err)
			s.audit(ctx, &scanerrors.ScanError{
				TenantID: sess.TenantID, SessionID: string(sess.ID), ImageID: string(img.ID),
				Phase: scanerrors.PhaseCleanup, Message: err.Error(),
			})
		}
	}
	if err := s.Repo.DeleteImages(ctx, sess.TenantID, sess.ID); err != nil {
		return 0, err
	}
	return len(images), nil
}

func (s *Service) audit(ctx context.Context, e *scanerrors.ScanError) {
	if s.Errors == nil {
		return
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now().Now()
	}
	if err := s.Errors.Save(context.WithoutCancel(ctx), e); err != nil {
		s.log().Warn("could not record scan error", "session", e.SessionID, "err", err)
	}
}

//
// ==== QUERIES ====
//

// Get ambil 1 session by id
func (s *Service) Get(ctx context.Context, tenant string, id domain.SessionID) (*domain.Session, error) {
	return s.Repo.GetSession(ctx, tenant, id)
}

// List paginates sessions, newest first.
func (s *Service) List(ctx context.Context, tenant string, f domain.ListFilter) (domain.PaginatedResult, error) {
	if f.Status != "" && !f.Status.Valid() {
		return domain.PaginatedResult{}, fmt.Errorf("unknown status %q: %w", f.Status, domain.ErrValidation)
	}
	return s.Repo.ListSessions(ctx, tenant, f)
}

// Results lists a session's results in creation order.
func (s *Service) Results(ctx context.Context, tenant string, id domain.SessionID) ([]*domain.Result, error) {
	if _, err := s.Repo.GetSession(ctx, tenant, id); err != nil {
		return nil, err
	}
	return s.Repo.ListResults(ctx, tenant, id)
}

// SessionImages lists a session's images.
func (s *Service) SessionImages(ctx context.Context, tenant string, id domain.SessionID) ([]*domain.Image, error) {
	if _, err := s.Repo.GetSession(ctx, tenant, id); err != nil {
		return nil, err
	}
	return s.Repo.ListImages(ctx, tenant, id)
}

// ErrorLog lists recorded pipeline errors for a session, newest first.
func (s *Service) ErrorLog(ctx context.Context, tenant string, id domain.SessionID, limit int) ([]*scanerrors.ScanError, error) {
	if _, err := s.Repo.GetSession(ctx, tenant, id); err != nil {
		return nil, err
	}
	if s.Errors == nil {
		return []*scanerrors.ScanError{}, nil
	}
	return s.Errors.ListBySession(ctx, tenant, string(id), limit)
}
