package httpserver

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	appinventory "github.com/bryanwahyu/cardscan/internal/application/inventory"
	"github.com/bryanwahyu/cardscan/internal/domain/inventory"
	"github.com/bryanwahyu/cardscan/internal/domain/vision"
	"github.com/bryanwahyu/cardscan/internal/middleware"
)

// GET /v1/{tenant}/inventory?view=individual|stacked&q=&set=&condition=&page=&page_size=
func (r *Router) handleListInventory(w http.ResponseWriter, req *http.Request) error {
	q := req.URL.Query()
	page, err := queryInt(req, "page")
	if err != nil {
		return err
	}
	size, err := queryInt(req, "page_size")
	if err != nil {
		return err
	}
	set := strings.TrimSpace(q.Get("set"))
	if err := middleware.ValidateSetCode(set); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}

	res, err := r.inventory.List(req.Context(), chi.URLParam(req, "tenant"), appinventory.View(q.Get("view")), inventory.ListFilter{
		Query:     middleware.SanitizeString(q.Get("q")),
		SetCode:   set,
		Condition: inventory.Condition(strings.ToUpper(q.Get("condition"))),
		Page:      middleware.ValidatePage(page),
		PageSize:  size,
	})
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, res)
}

// POST /v1/{tenant}/inventory
func (r *Router) handleAddEntry(w http.ResponseWriter, req *http.Request) error {
	var body struct {
		Name            string `json:"name" validate:"required,max=200"`
		SetCode         string `json:"set_code" validate:"omitempty,alphanum,max=6"`
		CollectorNumber string `json:"collector_number" validate:"max=16"`
		Condition       string `json:"condition" validate:"omitempty,oneof=NM LP MP HP DMG"`
		Quantity        int    `json:"quantity_count" validate:"min=0,max=9999"`
		Notes           string `json:"notes" validate:"max=2000"`
		IsExample       bool   `json:"is_example"`
	}
	if err := decodeBody(req, &body); err != nil {
		return err
	}

	e, err := r.inventory.Add(req.Context(), chi.URLParam(req, "tenant"), appinventory.AddCommand{
		Name:            middleware.SanitizeString(body.Name),
		SetCode:         body.SetCode,
		CollectorNumber: body.CollectorNumber,
		Condition:       inventory.Condition(body.Condition),
		Quantity:        body.Quantity,
		Notes:           middleware.SanitizeString(body.Notes),
		IsExample:       body.IsExample,
	})
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusCreated, e)
}

// GET /v1/{tenant}/inventory/stats
func (r *Router) handleStats(w http.ResponseWriter, req *http.Request) error {
	stats, err := r.inventory.Stats(req.Context(), chi.URLParam(req, "tenant"))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, stats)
}

// GET /v1/{tenant}/inventory/{id}
func (r *Router) handleGetEntry(w http.ResponseWriter, req *http.Request) error {
	id, err := pathID(req, "entry")
	if err != nil {
		return err
	}
	e, err := r.inventory.Get(req.Context(), chi.URLParam(req, "tenant"), inventory.EntryID(id))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, e)
}

// PUT /v1/{tenant}/inventory/{id}
// Body: any of {"condition", "notes", "is_example", "quantity_count"}
func (r *Router) handleUpdateEntry(w http.ResponseWriter, req *http.Request) error {
	id, err := pathID(req, "entry")
	if err != nil {
		return err
	}
	var body struct {
		Condition *string `json:"condition" validate:"omitempty,oneof=NM LP MP HP DMG"`
		Notes     *string `json:"notes" validate:"omitempty,max=2000"`
		IsExample *bool   `json:"is_example"`
		Quantity  *int    `json:"quantity_count" validate:"omitempty,min=1,max=9999"`
	}
	if err := decodeBody(req, &body); err != nil {
		return err
	}

	cmd := appinventory.UpdateCommand{IsExample: body.IsExample, Quantity: body.Quantity}
	if body.Condition != nil {
		c := inventory.Condition(*body.Condition)
		cmd.Condition = &c
	}
	if body.Notes != nil {
		n := middleware.SanitizeString(*body.Notes)
		cmd.Notes = &n
	}
	e, err := r.inventory.Update(req.Context(), chi.URLParam(req, "tenant"), inventory.EntryID(id), cmd)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, e)
}

// DELETE /v1/{tenant}/inventory/{id}
func (r *Router) handleDeleteEntry(w http.ResponseWriter, req *http.Request) error {
	id, err := pathID(req, "entry")
	if err != nil {
		return err
	}
	if err := r.inventory.Delete(req.Context(), chi.URLParam(req, "tenant"), inventory.EntryID(id)); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// POST /v1/{tenant}/inventory/{id}:increment
func (r *Router) handleIncrement(w http.ResponseWriter, req *http.Request) error {
	id, err := pathID(req, "entry")
	if err != nil {
		return err
	}
	e, err := r.inventory.Increment(req.Context(), chi.URLParam(req, "tenant"), inventory.EntryID(id))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, e)
}

// GET /v1/{tenant}/backends
func (r *Router) handleBackends(w http.ResponseWriter, req *http.Request) error {
	return writeJSON(w, http.StatusOK, map[string]any{
		"current":  r.vision.Current(),
		"backends": r.vision.Status(),
	})
}

// PUT /v1/{tenant}/backends/{id}
// Body: {"enabled": false}
func (r *Router) handleSetBackend(w http.ResponseWriter, req *http.Request) error {
	id := vision.BackendID(chi.URLParam(req, "id"))
	if !id.Known() {
		return writeJSON(w, http.StatusNotFound, errorBody{Error: fmt.Sprintf("unknown vision backend %q", id)})
	}
	var body struct {
		Enabled *bool `json:"enabled" validate:"required"`
	}
	if err := decodeBody(req, &body); err != nil {
		return err
	}
	if err := r.vision.SetEnabled(id, *body.Enabled); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return r.handleBackends(w, req)
}

// GET /v1/{tenant}/cards/lookup?name=&set=
func (r *Router) handleLookup(w http.ResponseWriter, req *http.Request) error {
	name := middleware.SanitizeString(req.URL.Query().Get("name"))
	if err := middleware.ValidateCardName(name); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	card, ok := r.lookup.Lookup(req.Context(), name, strings.TrimSpace(req.URL.Query().Get("set")))
	if !ok {
		return writeJSON(w, http.StatusNotFound, errorBody{Error: fmt.Sprintf("no card found for %q", name)})
	}
	return writeJSON(w, http.StatusOK, card)
}
