package inventory

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

type EntryID string

// Condition enum
type Condition string

const (
	ConditionNM  Condition = "NM"
	ConditionLP  Condition = "LP"
	ConditionMP  Condition = "MP"
	ConditionHP  Condition = "HP"
	ConditionDMG Condition = "DMG"
)

// Valid reports whether c is a known grading.
func (c Condition) Valid() bool {
	switch c {
	case ConditionNM, ConditionLP, ConditionMP, ConditionHP, ConditionDMG:
		return true
	}
	return false
}

// AddedMethod records how an entry entered the collection.
type AddedMethod string

const (
	AddedScanned  AddedMethod = "SCANNED"
	AddedManual   AddedMethod = "MANUAL"
	AddedImported AddedMethod = "IMPORTED"
	AddedLegacy   AddedMethod = "LEGACY"
)

// Entry is one committed physical card (or pile of identical copies) in a collection.
type Entry struct {
	ID                  EntryID     `json:"id"`
	TenantID            string      `json:"tenant_id"`
	CanonicalName       string      `json:"canonical_name"`
	SetCode             string      `json:"set_code"`
	SetName             string      `json:"set_name"`
	CollectorNumber     string      `json:"collector_number"`
	Rarity              string      `json:"rarity"`
	ManaCost            string      `json:"mana_cost,omitempty"`
	TypeLine            string      `json:"type_line,omitempty"`
	OracleText          string      `json:"oracle_text,omitempty"`
	FlavorText          string      `json:"flavor_text,omitempty"`
	Power               string      `json:"power,omitempty"`
	Toughness           string      `json:"toughness,omitempty"`
	Colors              string      `json:"colors,omitempty"`
	ImageURL            string      `json:"image_url,omitempty"`
	PriceUSD            float64     `json:"price_usd"`
	PriceEUR            float64     `json:"price_eur"`
	PriceTix            float64     `json:"price_tix"`
	QuantityCount       int         `json:"quantity_count"`
	StackCount          int         `json:"stack_count"`
	Condition           Condition   `json:"condition"`
	Notes               string      `json:"notes"`
	DuplicateGroupKey   string      `json:"duplicate_group_key"`
	StackID             string      `json:"stack_id"`
	IsExample           bool        `json:"is_example"`
	SoftDeleted         bool        `json:"soft_deleted"`
	DeletedAt           *time.Time  `json:"deleted_at,omitempty"`
	OriginScanSessionID *string     `json:"origin_scan_session_id,omitempty"`
	OriginScanResultID  *string     `json:"origin_scan_result_id,omitempty"`
	AddedMethod         AddedMethod `json:"added_method"`
	FirstSeen           time.Time   `json:"first_seen"`
	LastSeen            time.Time   `json:"last_seen"`
}

// FoldName normalizes a card name for comparisons: diacritics stripped,
// ligatures spelled out, case folded and whitespace collapsed.
func FoldName(name string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, name)
	if err != nil {
		folded = name
	}
	folded = strings.NewReplacer("Æ", "Ae", "æ", "ae", "Œ", "Oe", "œ", "oe").Replace(folded)
	return strings.Join(strings.Fields(strings.ToLower(folded)), " ")
}

// GroupKey derives the duplicate group key shared by physically identical cards.
func GroupKey(name, setCode, collectorNumber string) string {
	return fmt.Sprintf("%s|%s|%s",
		FoldName(name),
		strings.ToLower(strings.TrimSpace(setCode)),
		strings.ToLower(strings.TrimSpace(collectorNumber)),
	)
}

// RefreshGroupKey recomputes DuplicateGroupKey from the identifying fields.
func (e *Entry) RefreshGroupKey() {
	e.DuplicateGroupKey = GroupKey(e.CanonicalName, e.SetCode, e.CollectorNumber)
}

// Stack is the grouped view of entries sharing a duplicate group key.
type Stack struct {
	StackID           string    `json:"stack_id"`
	DuplicateGroupKey string    `json:"duplicate_group_key"`
	CanonicalName     string    `json:"canonical_name"`
	SetCode           string    `json:"set_code"`
	SetName           string    `json:"set_name"`
	CollectorNumber   string    `json:"collector_number"`
	Rarity            string    `json:"rarity"`
	ImageURL          string    `json:"image_url,omitempty"`
	PriceUSD          float64   `json:"price_usd"`
	PriceEUR          float64   `json:"price_eur"`
	PriceTix          float64   `json:"price_tix"`
	StackCount        int       `json:"stack_count"`
	TotalEntries      int       `json:"total_entries"`
	FirstSeen         time.Time `json:"first_seen"`
	LastSeen          time.Time `json:"last_seen"`
	Entries           []*Entry  `json:"entries"`
}

// GroupStacks folds entries (already ordered) into stacks, keeping first-seen order.
func GroupStacks(entries []*Entry) []*Stack {
	index := make(map[string]*Stack)
	var out []*Stack
	for _, e := range entries {
		st, ok := index[e.DuplicateGroupKey]
		if !ok {
			st = &Stack{
				StackID:           e.StackID,
				DuplicateGroupKey: e.DuplicateGroupKey,
				CanonicalName:     e.CanonicalName,
				SetCode:           e.SetCode,
				SetName:           e.SetName,
				CollectorNumber:   e.CollectorNumber,
				Rarity:            e.Rarity,
				ImageURL:          e.ImageURL,
				PriceUSD:          e.PriceUSD,
				PriceEUR:          e.PriceEUR,
				PriceTix:          e.PriceTix,
				FirstSeen:         e.FirstSeen,
				LastSeen:          e.LastSeen,
			}
			index[e.DuplicateGroupKey] = st
			out = append(out, st)
		}
		st.StackCount += e.QuantityCount
		st.TotalEntries++
		if e.FirstSeen.Before(st.FirstSeen) {
			st.FirstSeen = e.FirstSeen
		}
		if e.LastSeen.After(st.LastSeen) {
			st.LastSeen = e.LastSeen
		}
		st.Entries = append(st.Entries, e)
	}
	return out
}

// Stats summarizes a collection. Example entries count toward totals but not owned figures.
type Stats struct {
	TotalUniqueCards int     `json:"total_unique_cards"`
	TotalCardCount   int     `json:"total_card_count"`
	TotalValueUSD    float64 `json:"total_value_usd"`
	TotalValueEUR    float64 `json:"total_value_eur"`
	OwnedUniqueCards int     `json:"owned_unique_cards"`
	OwnedCardCount   int     `json:"owned_card_count"`
	OwnedValueUSD    float64 `json:"owned_value_usd"`
	OwnedValueEUR    float64 `json:"owned_value_eur"`
	TotalStacks      int     `json:"total_stacks"`
}
