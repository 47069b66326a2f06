package httpserver

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	appscans "github.com/bryanwahyu/cardscan/internal/application/scans"
	"github.com/bryanwahyu/cardscan/internal/domain/scans"
	"github.com/bryanwahyu/cardscan/internal/middleware"
)

// POST /v1/{tenant}/scans
// Body: {"notes": "..."} (optional)
func (r *Router) handleCreateScan(w http.ResponseWriter, req *http.Request) error {
	tenant := chi.URLParam(req, "tenant")
	var body struct {
		Notes string `json:"notes" validate:"max=2000"`
	}
	if err := decodeBody(req, &body); err != nil {
		return err
	}

	sess, err := r.scans.Create(req.Context(), tenant, middleware.SanitizeString(body.Notes))
	if err != nil {
		return err
	}
	middleware.IncrementSessions()
	return writeJSON(w, http.StatusCreated, sess)
}

// GET /v1/{tenant}/scans?page=&page_size=&status=
func (r *Router) handleListScans(w http.ResponseWriter, req *http.Request) error {
	tenant := chi.URLParam(req, "tenant")
	page, err := queryInt(req, "page")
	if err != nil {
		return err
	}
	size, err := queryInt(req, "page_size")
	if err != nil {
		return err
	}

	list, err := r.scans.List(req.Context(), tenant, scans.ListFilter{
		Status:   scans.Status(req.URL.Query().Get("status")),
		Page:     middleware.ValidatePage(page),
		PageSize: middleware.ValidateLimit(size),
	})
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, list)
}

// GET /v1/{tenant}/scans/{id}
func (r *Router) handleGetScan(w http.ResponseWriter, req *http.Request) error {
	id, err := pathID(req, "scan")
	if err != nil {
		return err
	}
	sess, err := r.scans.Get(req.Context(), chi.URLParam(req, "tenant"), scans.SessionID(id))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, sess)
}

// DELETE /v1/{tenant}/scans/{id}
func (r *Router) handleCancelScan(w http.ResponseWriter, req *http.Request) error {
	id, err := pathID(req, "scan")
	if err != nil {
		return err
	}
	sess, err := r.scans.Cancel(req.Context(), chi.URLParam(req, "tenant"), scans.SessionID(id))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, sess)
}

// POST /v1/{tenant}/scans/{id}/images
// multipart/form-data, field "images" (repeatable)
func (r *Router) handleUploadImages(w http.ResponseWriter, req *http.Request) error {
	id, err := pathID(req, "scan")
	if err != nil {
		return err
	}
	req.Body = http.MaxBytesReader(w, req.Body, r.maxUpload)
	if err := req.ParseMultipartForm(32 << 20); err != nil {
		return fmt.Errorf("%w: invalid multipart upload: %v", errBadRequest, err)
	}
	defer req.MultipartForm.RemoveAll()

	files := req.MultipartForm.File["images"]
	if len(files) == 0 {
		return fmt.Errorf("%w: no files in field \"images\"", errBadRequest)
	}
	uploads := make([]appscans.Upload, 0, len(files))
	for _, fh := range files {
		f, err := fh.Open()
		if err != nil {
			return fmt.Errorf("open upload %s: %w", fh.Filename, err)
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return fmt.Errorf("read upload %s: %w", fh.Filename, err)
		}
		uploads = append(uploads, appscans.Upload{
			Filename:    middleware.SanitizeFilename(fh.Filename),
			ContentType: fh.Header.Get("Content-Type"),
			Data:        data,
		})
	}

	res, err := r.scans.AddImages(req.Context(), chi.URLParam(req, "tenant"), scans.SessionID(id), uploads)
	if err != nil {
		return err
	}
	middleware.AddImagesUploaded(len(res.Accepted))
	return writeJSON(w, http.StatusOK, res)
}

// GET /v1/{tenant}/scans/{id}/images
func (r *Router) handleListImages(w http.ResponseWriter, req *http.Request) error {
	id, err := pathID(req, "scan")
	if err != nil {
		return err
	}
	images, err := r.scans.SessionImages(req.Context(), chi.URLParam(req, "tenant"), scans.SessionID(id))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, images)
}

// POST /v1/{tenant}/scans/{id}/process
// Runs recognition synchronously and returns the session once it is ready for review.
func (r *Router) handleProcess(w http.ResponseWriter, req *http.Request) error {
	id, err := pathID(req, "scan")
	if err != nil {
		return err
	}
	middleware.IncrementSessionsProcessing()
	defer middleware.DecrementSessionsProcessing()

	sess, err := r.scans.Process(req.Context(), chi.URLParam(req, "tenant"), scans.SessionID(id))
	if err != nil {
		if !errors.Is(err, scans.ErrInvalidTransition) && !errors.Is(err, scans.ErrNotFound) {
			middleware.IncrementSessionsFailed()
		}
		return err
	}
	middleware.AddCardsRecognized(sess.TotalCardsFound)
	return writeJSON(w, http.StatusOK, sess)
}

// GET /v1/{tenant}/scans/{id}/results
func (r *Router) handleResults(w http.ResponseWriter, req *http.Request) error {
	id, err := pathID(req, "scan")
	if err != nil {
		return err
	}
	results, err := r.scans.Results(req.Context(), chi.URLParam(req, "tenant"), scans.SessionID(id))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, results)
}

// POST /v1/{tenant}/scans/{id}/results:decide
// Body: {"result_ids": ["..."], "accept": true}
func (r *Router) handleDecide(w http.ResponseWriter, req *http.Request) error {
	id, err := pathID(req, "scan")
	if err != nil {
		return err
	}
	var body struct {
		ResultIDs []string `json:"result_ids" validate:"required,min=1,dive,uuid"`
		Accept    *bool    `json:"accept" validate:"required"`
	}
	if err := decodeBody(req, &body); err != nil {
		return err
	}
	ids := make([]scans.ResultID, len(body.ResultIDs))
	for i, rid := range body.ResultIDs {
		ids[i] = scans.ResultID(rid)
	}

	results, err := r.scans.Decide(req.Context(), chi.URLParam(req, "tenant"), scans.SessionID(id), ids, *body.Accept)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, results)
}

// POST /v1/{tenant}/scans/{id}/commit
func (r *Router) handleCommit(w http.ResponseWriter, req *http.Request) error {
	id, err := pathID(req, "scan")
	if err != nil {
		return err
	}
	res, err := r.scans.Commit(req.Context(), chi.URLParam(req, "tenant"), scans.SessionID(id))
	if err != nil {
		return err
	}
	middleware.AddEntriesCommitted(len(res.Entries))
	return writeJSON(w, http.StatusOK, res)
}

// GET /v1/{tenant}/scans/{id}/errors?limit=
func (r *Router) handleErrorLog(w http.ResponseWriter, req *http.Request) error {
	id, err := pathID(req, "scan")
	if err != nil {
		return err
	}
	limit, err := queryInt(req, "limit")
	if err != nil {
		return err
	}
	list, err := r.scans.ErrorLog(req.Context(), chi.URLParam(req, "tenant"), scans.SessionID(id), middleware.ValidateLimit(limit))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, list)
}
