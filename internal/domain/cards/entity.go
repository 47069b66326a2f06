package cards

// Card is the canonical record of one printing as returned by the lookup service.
type Card struct {
	ID              string   `json:"id,omitempty"`
	Name            string   `json:"name"`
	SetCode         string   `json:"set_code"`
	SetName         string   `json:"set_name"`
	CollectorNumber string   `json:"collector_number"`
	Rarity          string   `json:"rarity"`
	ManaCost        string   `json:"mana_cost,omitempty"`
	TypeLine        string   `json:"type_line,omitempty"`
	OracleText      string   `json:"oracle_text,omitempty"`
	FlavorText      string   `json:"flavor_text,omitempty"`
	Power           string   `json:"power,omitempty"`
	Toughness       string   `json:"toughness,omitempty"`
	Colors          []string `json:"colors"`
	ImageURL        string   `json:"image_url,omitempty"`
	ReleasedAt      string   `json:"released_at,omitempty"`
	PriceUSD        float64  `json:"price_usd"`
	PriceEUR        float64  `json:"price_eur"`
	PriceTix        float64  `json:"price_tix"`
}

// HasPrice reports whether any market price is known.
func (c *Card) HasPrice() bool {
	return c.PriceUSD > 0 || c.PriceEUR > 0 || c.PriceTix > 0
}
