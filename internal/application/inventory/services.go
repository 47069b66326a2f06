package inventory

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/bryanwahyu/cardscan/internal/application"
	"github.com/bryanwahyu/cardscan/internal/domain/cards"
	domain "github.com/bryanwahyu/cardscan/internal/domain/inventory"
)

// Service implements use-cases untuk Inventory
type Service struct {
	Repo   domain.Repository
	Lookup cards.Lookup // optional, enriches manual entries
	Clock  application.Clock
	Logger *log.Logger
}

func (s *Service) now() application.Clock {
	if s.Clock != nil {
		return s.Clock
	}
	return application.SystemClock{}
}

func (s *Service) logger() *log.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return log.Default()
}

// View selects how List presents entries.
type View string

const (
	ViewIndividual View = "individual"
	ViewStacked    View = "stacked"
)

// ListResult carries either entries or stacks depending on the view.
type ListResult struct {
	View       View            `json:"view"`
	Entries    []*domain.Entry `json:"entries,omitempty"`
	Stacks     []*domain.Stack `json:"stacks,omitempty"`
	Page       int             `json:"page"`
	PageSize   int             `json:"page_size"`
	Total      int64           `json:"total"`
	TotalPages int             `json:"total_pages"`
}

// List returns the live collection, one row per entry or one per stack.
func (s *Service) List(ctx context.Context, tenant string, view View, f domain.ListFilter) (ListResult, error) {
	if f.Condition != "" && !f.Condition.Valid() {
		return ListResult{}, fmt.Errorf("unknown condition %q: %w", f.Condition, domain.ErrValidation)
	}
	f.Page, f.PageSize = normalizePage(f.Page, f.PageSize)

	switch view {
	case "", ViewIndividual:
		res, err := s.Repo.List(ctx, tenant, f)
		if err != nil {
			return ListResult{}, err
		}
		return ListResult{
			View: ViewIndividual, Entries: res.Data,
			Page: res.Page, PageSize: res.PageSize, Total: res.Total, TotalPages: res.TotalPages,
		}, nil
	case ViewStacked:
		all, err := s.Repo.All(ctx, tenant, f)
		if err != nil {
			return ListResult{}, err
		}
		stacks := domain.GroupStacks(all)
		total := len(stacks)
		start := min((f.Page-1)*f.PageSize, total)
		end := min(start+f.PageSize, total)
		return ListResult{
			View: ViewStacked, Stacks: stacks[start:end],
			Page: f.Page, PageSize: f.PageSize, Total: int64(total),
			TotalPages: (total + f.PageSize - 1) / f.PageSize,
		}, nil
	default:
		return ListResult{}, fmt.Errorf("unknown view %q: %w", view, domain.ErrValidation)
	}
}

func normalizePage(page, size int) (int, int) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 20
	}
	if size > 200 {
		size = 200
	}
	return page, size
}

// Get returns one live entry.
func (s *Service) Get(ctx context.Context, tenant string, id domain.EntryID) (*domain.Entry, error) {
	return s.Repo.Get(ctx, tenant, id)
}

// AddCommand describes a manually added card.
type AddCommand struct {
	Name            string
	SetCode         string
	CollectorNumber string
	Condition       domain.Condition
	Quantity        int
	Notes           string
	IsExample       bool
}

// Add records a card entered by hand. When a lookup is configured the
// canonical printing fills in set, rules text and prices.
func (s *Service) Add(ctx context.Context, tenant string, cmd AddCommand) (*domain.Entry, error) {
	name := strings.TrimSpace(cmd.Name)
	if name == "" {
		return nil, fmt.Errorf("add entry: name is required: %w", domain.ErrValidation)
	}
	if cmd.Condition == "" {
		cmd.Condition = domain.ConditionNM
	}
	if !cmd.Condition.Valid() {
		return nil, fmt.Errorf("add entry: unknown condition %q: %w", cmd.Condition, domain.ErrValidation)
	}
	if cmd.Quantity == 0 {
		cmd.Quantity = 1
	}
	if cmd.Quantity < 1 {
		return nil, fmt.Errorf("add entry: quantity must be positive: %w", domain.ErrValidation)
	}

	now := s.now().Now()
	e := &domain.Entry{
		ID:              domain.EntryID(uuid.New().String()),
		TenantID:        tenant,
		CanonicalName:   name,
		SetCode:         strings.TrimSpace(cmd.SetCode),
		CollectorNumber: strings.TrimSpace(cmd.CollectorNumber),
		QuantityCount:   cmd.Quantity,
		Condition:       cmd.Condition,
		Notes:           cmd.Notes,
		IsExample:       cmd.IsExample,
		AddedMethod:     domain.AddedManual,
		FirstSeen:       now,
		LastSeen:        now,
	}
	if s.Lookup != nil {
		if card, ok := s.Lookup.Lookup(ctx, name, e.SetCode); ok {
			applyCard(e, card)
		} else {
			s.logger().Debug("manual entry not found in lookup", "name", name, "set", e.SetCode)
		}
	}
	e.RefreshGroupKey()

	if err := s.Repo.Insert(ctx, e); err != nil {
		return nil, fmt.Errorf("add entry: %w", err)
	}
	s.logger().Info("inventory entry added", "tenant", tenant, "entry", e.ID, "name", e.CanonicalName, "stack", e.StackID)
	return e, nil
}

func applyCard(e *domain.Entry, c *cards.Card) {
	e.CanonicalName = c.Name
	e.SetCode = c.SetCode
	e.SetName = c.SetName
	if e.CollectorNumber == "" || c.CollectorNumber != "" {
		e.CollectorNumber = c.CollectorNumber
	}
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

// UpdateCommand holds optional edits; nil fields are left alone.
type UpdateCommand struct {
	Condition *domain.Condition
	Notes     *string
	IsExample *bool
	Quantity  *int
}

// Update edits the mutable fields of an entry.
func (s *Service) Update(ctx context.Context, tenant string, id domain.EntryID, cmd UpdateCommand) (*domain.Entry, error) {
	e, err := s.Repo.Get(ctx, tenant, id)
	if err != nil {
		return nil, err
	}
	if cmd.Condition != nil {
		if !cmd.Condition.Valid() {
			return nil, fmt.Errorf("update entry: unknown condition %q: %w", *cmd.Condition, domain.ErrValidation)
		}
		e.Condition = *cmd.Condition
	}
	if cmd.Notes != nil {
		e.Notes = *cmd.Notes
	}
	if cmd.IsExample != nil {
		e.IsExample = *cmd.IsExample
	}
	if cmd.Quantity != nil {
		if *cmd.Quantity < 1 {
			return nil, fmt.Errorf("update entry: quantity must be positive: %w", domain.ErrValidation)
		}
		e.QuantityCount = *cmd.Quantity
	}
	e.LastSeen = s.now().Now()
	if err := s.Repo.Update(ctx, e); err != nil {
		return nil, fmt.Errorf("update entry: %w", err)
	}
	return e, nil
}

// Increment records one more physical copy of an entry.
func (s *Service) Increment(ctx context.Context, tenant string, id domain.EntryID) (*domain.Entry, error) {
	return s.Repo.Increment(ctx, tenant, id, s.now().Now())
}

// Delete soft-deletes an entry; it drops out of listings and stats.
func (s *Service) Delete(ctx context.Context, tenant string, id domain.EntryID) error {
	if err := s.Repo.SoftDelete(ctx, tenant, id, s.now().Now()); err != nil {
		return err
	}
	s.logger().Info("inventory entry deleted", "tenant", tenant, "entry", id)
	return nil
}

// Stats summarizes the live collection.
func (s *Service) Stats(ctx context.Context, tenant string) (domain.Stats, error) {
	return s.Repo.Stats(ctx, tenant)
}
