package inventory_test

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/bryanwahyu/cardscan/internal/application"
	appinventory "github.com/bryanwahyu/cardscan/internal/application/inventory"
	"github.com/bryanwahyu/cardscan/internal/domain/cards"
	"github.com/bryanwahyu/cardscan/internal/domain/inventory"
	"github.com/bryanwahyu/cardscan/internal/infra/db/sqlite"
)

type mapLookup struct {
	mu    sync.Mutex
	cards map[string]cards.Card
	calls []string
}

func (m *mapLookup) Lookup(_ context.Context, name, set string) (*cards.Card, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, name+"|"+set)
	c, ok := m.cards[strings.ToLower(name)]
	if !ok {
		return nil, false
	}
	return &c, true
}

// tickingClock advances one minute per reading so first_seen ordering is stable.
func tickingClock() application.Clock {
	var mu sync.Mutex
	t := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	return application.ClockFunc(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Minute)
		return t
	})
}

func newService(t *testing.T) (*appinventory.Service, *mapLookup) {
	t.Helper()
	ctx := context.Background()
	db, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "inv.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := sqlite.Migrate(ctx, db); err != nil {
		t.Fatal(err)
	}
	lookup := &mapLookup{cards: map[string]cards.Card{
		"lightning bolt": {Name: "Lightning Bolt", SetCode: "m11", SetName: "Magic 2011", CollectorNumber: "149",
			Rarity: "common", TypeLine: "Instant", Colors: []string{"R"}, PriceUSD: 1.5, PriceEUR: 1.25},
		"lim-dûl's vault": {Name: "Lim-Dûl's Vault", SetCode: "all", SetName: "Alliances", CollectorNumber: "106",
			Rarity: "uncommon", Colors: []string{"U", "B"}, PriceUSD: 4},
	}}
	return &appinventory.Service{
		Repo:   sqlite.NewInventoryRepository(db),
		Lookup: lookup,
		Clock:  tickingClock(),
		Logger: log.New(io.Discard),
	}, lookup
}

func TestAddEnrichesFromLookup(t *testing.T) {
	svc, lookup := newService(t)
	ctx := context.Background()

	e, err := svc.Add(ctx, "acme", appinventory.AddCommand{Name: "  lightning bolt ", SetCode: "M11"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if e.CanonicalName != "Lightning Bolt" || e.SetCode != "m11" || e.CollectorNumber != "149" {
		t.Fatalf("not enriched: %+v", e)
	}
	if e.Colors != "R" || e.TypeLine != "Instant" || e.PriceUSD != 1.5 {
		t.Fatalf("card fields missing: %+v", e)
	}
	if e.Condition != inventory.ConditionNM || e.QuantityCount != 1 || e.AddedMethod != inventory.AddedManual {
		t.Fatalf("defaults = %s x%d %s", e.Condition, e.QuantityCount, e.AddedMethod)
	}
	if e.OriginScanSessionID != nil || e.OriginScanResultID != nil {
		t.Fatal("manual entry carries scan provenance")
	}
	if len(lookup.calls) != 1 || lookup.calls[0] != "lightning bolt|M11" {
		t.Fatalf("lookup calls = %v", lookup.calls)
	}

	unknown, err := svc.Add(ctx, "acme", appinventory.AddCommand{Name: "Homebrew Dragon", SetCode: "cus", Quantity: 2})
	if err != nil {
		t.Fatalf("Add unknown: %v", err)
	}
	if unknown.CanonicalName != "Homebrew Dragon" || unknown.SetCode != "cus" || unknown.StackCount != 2 {
		t.Fatalf("unmatched entry = %+v", unknown)
	}
}

func TestAddStacksDiacriticVariants(t *testing.T) {
	svc, _ := newService(t)
	svc.Lookup = nil
	ctx := context.Background()

	a, err := svc.Add(ctx, "acme", appinventory.AddCommand{Name: "Lim-Dûl's Vault", SetCode: "ALL", CollectorNumber: "106"})
	if err != nil {
		t.Fatal(err)
	}
	b, err := svc.Add(ctx, "acme", appinventory.AddCommand{Name: "lim-dul's  vault", SetCode: "all", CollectorNumber: "106", Quantity: 2})
	if err != nil {
		t.Fatal(err)
	}
	if a.StackID != b.StackID || b.StackCount != 3 {
		t.Fatalf("variants not stacked: %s/%s count %d", a.StackID, b.StackID, b.StackCount)
	}
	got, err := svc.Get(ctx, "acme", a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.StackCount != 3 {
		t.Fatalf("first entry stack_count = %d, want 3", got.StackCount)
	}

	other, err := svc.Add(ctx, "globex", appinventory.AddCommand{Name: "Lim-Dûl's Vault", SetCode: "all", CollectorNumber: "106"})
	if err != nil {
		t.Fatal(err)
	}
	if other.StackID == a.StackID || other.StackCount != 1 {
		t.Fatalf("stack leaked across tenants: %+v", other)
	}
}

func TestAddRejects(t *testing.T) {
	svc, _ := newService(t)
	tests := []struct {
		name string
		cmd  appinventory.AddCommand
	}{
		{"blank name", appinventory.AddCommand{Name: "   "}},
		{"unknown condition", appinventory.AddCommand{Name: "Shock", Condition: "MINT"}},
		{"negative quantity", appinventory.AddCommand{Name: "Shock", Quantity: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Add(context.Background(), "acme", tt.cmd)
			if !errors.Is(err, inventory.ErrValidation) {
				t.Fatalf("err = %v, want ErrValidation", err)
			}
		})
	}
}

func TestUpdateIncrementDelete(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	e, err := svc.Add(ctx, "acme", appinventory.AddCommand{Name: "Lightning Bolt"})
	if err != nil {
		t.Fatal(err)
	}
	twin, err := svc.Add(ctx, "acme", appinventory.AddCommand{Name: "Lightning Bolt", Condition: inventory.ConditionHP})
	if err != nil {
		t.Fatal(err)
	}

	cond, notes, qty := inventory.ConditionMP, "binder page 3", 4
	upd, err := svc.Update(ctx, "acme", e.ID, appinventory.UpdateCommand{Condition: &cond, Notes: &notes, Quantity: &qty})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if upd.Condition != cond || upd.Notes != notes || upd.QuantityCount != 4 || upd.StackCount != 5 {
		t.Fatalf("after update = %+v", upd)
	}
	if !upd.LastSeen.After(e.LastSeen) {
		t.Fatalf("last_seen not advanced: %v -> %v", e.LastSeen, upd.LastSeen)
	}

	bad := inventory.Condition("MINT")
	if _, err := svc.Update(ctx, "acme", e.ID, appinventory.UpdateCommand{Condition: &bad}); !errors.Is(err, inventory.ErrValidation) {
		t.Fatalf("bad condition err = %v", err)
	}
	zero := 0
	if _, err := svc.Update(ctx, "acme", e.ID, appinventory.UpdateCommand{Quantity: &zero}); !errors.Is(err, inventory.ErrValidation) {
		t.Fatalf("zero quantity err = %v", err)
	}

	inc, err := svc.Increment(ctx, "acme", twin.ID)
	if err != nil {
		t.Fatalf("Increment: %v", err)
	}
	if inc.QuantityCount != 2 || inc.StackCount != 6 {
		t.Fatalf("after increment = x%d stack %d", inc.QuantityCount, inc.StackCount)
	}

	if err := svc.Delete(ctx, "acme", e.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := svc.Get(ctx, "acme", e.ID); !errors.Is(err, inventory.ErrNotFound) {
		t.Fatalf("Get deleted err = %v", err)
	}
	if _, err := svc.Increment(ctx, "acme", e.ID); !errors.Is(err, inventory.ErrNotFound) {
		t.Fatalf("Increment deleted err = %v", err)
	}
	left, _ := svc.Get(ctx, "acme", twin.ID)
	if left.StackCount != 2 {
		t.Fatalf("stack after delete = %d, want 2", left.StackCount)
	}
	if _, err := svc.Update(ctx, "globex", twin.ID, appinventory.UpdateCommand{Notes: &notes}); !errors.Is(err, inventory.ErrNotFound) {
		t.Fatalf("cross-tenant update err = %v", err)
	}
}

func TestListViews(t *testing.T) {
	svc, _ := newService(t)
	svc.Lookup = nil
	ctx := context.Background()
	for _, cmd := range []appinventory.AddCommand{
		{Name: "Shock", SetCode: "m19"},
		{Name: "Lightning Bolt", SetCode: "m11"},
		{Name: "Counterspell", SetCode: "ice", Condition: inventory.ConditionLP},
		{Name: "Lightning Bolt", SetCode: "m11", Quantity: 2},
	} {
		if _, err := svc.Add(ctx, "acme", cmd); err != nil {
			t.Fatal(err)
		}
	}

	ind, err := svc.List(ctx, "acme", "", inventory.ListFilter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if ind.View != appinventory.ViewIndividual || len(ind.Entries) != 4 || ind.Total != 4 || ind.PageSize != 20 {
		t.Fatalf("individual view = %+v", ind)
	}

	page1, err := svc.List(ctx, "acme", appinventory.ViewStacked, inventory.ListFilter{PageSize: 2})
	if err != nil {
		t.Fatalf("List stacked: %v", err)
	}
	if page1.Total != 3 || page1.TotalPages != 2 || len(page1.Stacks) != 2 {
		t.Fatalf("stacked page 1 = %+v", page1)
	}
	if page1.Stacks[0].CanonicalName != "Counterspell" || page1.Stacks[1].CanonicalName != "Lightning Bolt" {
		t.Fatalf("stack order = %s, %s", page1.Stacks[0].CanonicalName, page1.Stacks[1].CanonicalName)
	}
	if bolt := page1.Stacks[1]; bolt.StackCount != 3 || bolt.TotalEntries != 2 {
		t.Fatalf("bolt stack = count %d entries %d", bolt.StackCount, bolt.TotalEntries)
	}

	page2, err := svc.List(ctx, "acme", appinventory.ViewStacked, inventory.ListFilter{PageSize: 2, Page: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(page2.Stacks) != 1 || page2.Stacks[0].CanonicalName != "Shock" {
		t.Fatalf("stacked page 2 = %+v", page2.Stacks)
	}
	past, _ := svc.List(ctx, "acme", appinventory.ViewStacked, inventory.ListFilter{PageSize: 2, Page: 9})
	if len(past.Stacks) != 0 {
		t.Fatalf("page past the end = %d stacks", len(past.Stacks))
	}

	lp, err := svc.List(ctx, "acme", appinventory.ViewIndividual, inventory.ListFilter{Condition: inventory.ConditionLP})
	if err != nil || len(lp.Entries) != 1 || lp.Entries[0].CanonicalName != "Counterspell" {
		t.Fatalf("condition filter = %+v, %v", lp.Entries, err)
	}

	if _, err := svc.List(ctx, "acme", "grid", inventory.ListFilter{}); !errors.Is(err, inventory.ErrValidation) {
		t.Fatalf("unknown view err = %v", err)
	}
	if _, err := svc.List(ctx, "acme", "", inventory.ListFilter{Condition: "MINT"}); !errors.Is(err, inventory.ErrValidation) {
		t.Fatalf("unknown condition err = %v", err)
	}
}

func TestStatsSeparatesExamples(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	if _, err := svc.Add(ctx, "acme", appinventory.AddCommand{Name: "Lightning Bolt", Quantity: 2}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Add(ctx, "acme", appinventory.AddCommand{Name: "Lim-Dûl's Vault", IsExample: true}); err != nil {
		t.Fatal(err)
	}

	st, err := svc.Stats(ctx, "acme")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.TotalUniqueCards != 2 || st.TotalCardCount != 3 || st.TotalValueUSD != 7 || st.TotalStacks != 2 {
		t.Fatalf("totals = %+v", st)
	}
	if st.OwnedUniqueCards != 1 || st.OwnedCardCount != 2 || st.OwnedValueUSD != 3 || st.OwnedValueEUR != 2.5 {
		t.Fatalf("owned = %+v", st)
	}
}
