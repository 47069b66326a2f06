package scryfall

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"

	"github.com/bryanwahyu/cardscan/internal/domain/cards"
)

const (
	DefaultBaseURL     = "https://api.scryfall.com"
	defaultTimeout     = 10 * time.Second
	defaultMinInterval = 100 * time.Millisecond
	defaultUserAgent   = "cardscan/1.0"
)

// Config captures the runtime settings for the lookup client.
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	MinInterval time.Duration // spacing between requests
	CacheTTL    time.Duration // zero or negative disables the cache
	UserAgent   string
}

// Client resolves card names against Scryfall. It is safe for concurrent use.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *log.Logger
	clock      func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	card    *cards.Card
	found   bool
	expires time.Time
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithLogger sets the logger used for misses and transport failures.
func WithLogger(l *log.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock overrides the cache clock (tests).
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.clock = now }
}

// NewClient builds a lookup client from cfg.
func NewClient(cfg Config, opts ...Option) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = defaultMinInterval
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Every(cfg.MinInterval), 1),
		logger:     log.Default(),
		clock:      time.Now,
		cache:      make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// apiCard is the subset of the Scryfall card object we read.
type apiCard struct {
	Object          string            `json:"object"`
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	Set             string            `json:"set"`
	SetName         string            `json:"set_name"`
	CollectorNumber string            `json:"collector_number"`
	Rarity          string            `json:"rarity"`
	ManaCost        string            `json:"mana_cost"`
	TypeLine        string            `json:"type_line"`
	OracleText      string            `json:"oracle_text"`
	FlavorText      string            `json:"flavor_text"`
	Power           string            `json:"power"`
	Toughness       string            `json:"toughness"`
	Colors          []string          `json:"colors"`
	ReleasedAt      string            `json:"released_at"`
	ImageURIs       map[string]string `json:"image_uris"`
	CardFaces       []struct {
		ImageURIs map[string]string `json:"image_uris"`
	} `json:"card_faces"`
	Prices struct {
		USD *string `json:"usd"`
		EUR *string `json:"eur"`
		Tix *string `json:"tix"`
	} `json:"prices"`
}

type searchResponse struct {
	Data []apiCard `json:"data"`
}

// outcome tells a definite answer from a request that never got one.
type outcome int

const (
	fetched outcome = iota
	missing         // 404 or an empty search
	failed          // transport, status or decode error
)

// Lookup resolves name to a canonical printing. Any failure is a miss, but
// only hits and definite misses are cached.
func (c *Client) Lookup(ctx context.Context, name, setHint string) (*cards.Card, bool) {
	name = strings.TrimSpace(name)
	setHint = strings.ToLower(strings.TrimSpace(setHint))
	if name == "" {
		return nil, false
	}

	key := strings.ToLower(name) + "|" + setHint
	if card, found, ok := c.cached(key); ok {
		return card, found
	}

	card, complete := c.lookup(ctx, name, setHint)
	if complete && ctx.Err() == nil {
		c.store(key, card, card != nil)
	}
	return card, card != nil
}

// lookup reports complete=false when any request went unanswered, even if
// a fallback still produced a card, so a degraded answer is never cached.
func (c *Client) lookup(ctx context.Context, name, setHint string) (card *cards.Card, complete bool) {
	complete = true
	note := func(res outcome) {
		if res == failed {
			complete = false
		}
	}

	// Scryfall only accepts set codes on the named endpoint
	if isSetCode(setHint) {
		for _, mode := range []string{"exact", "fuzzy"} {
			hit, res := c.named(ctx, mode, name, setHint)
			if res == fetched {
				return hit, complete
			}
			note(res)
		}
	}
	for _, mode := range []string{"exact", "fuzzy"} {
		hit, res := c.named(ctx, mode, name, "")
		if res != fetched {
			note(res)
			continue
		}
		printing, res := c.printing(ctx, hit.Name, setHint)
		note(res)
		if res == fetched {
			return printing, complete
		}
		return hit, complete
	}
	c.logger.Debug("card not found", "name", name, "set", setHint, "complete", complete)
	return nil, complete
}

func (c *Client) named(ctx context.Context, mode, name, set string) (*cards.Card, outcome) {
	q := url.Values{}
	q.Set(mode, name)
	if set != "" {
		q.Set("set", set)
	}
	var ac apiCard
	res := c.get(ctx, "/cards/named?"+q.Encode(), &ac)
	if res != fetched {
		return nil, res
	}
	if ac.Name == "" {
		return nil, missing
	}
	return toCard(ac), fetched
}

// printing picks among the printings of an exact name: the one whose set
// name or code equals setHint, else the most recently released.
func (c *Client) printing(ctx context.Context, name, setHint string) (*cards.Card, outcome) {
	q := url.Values{}
	q.Set("q", fmt.Sprintf("!%q", name))
	q.Set("order", "released")
	q.Set("dir", "desc")
	q.Set("unique", "prints")
	var sr searchResponse
	res := c.get(ctx, "/cards/search?"+q.Encode(), &sr)
	if res != fetched {
		return nil, res
	}
	if len(sr.Data) == 0 {
		return nil, missing
	}
	if setHint != "" {
		for _, ac := range sr.Data {
			if strings.EqualFold(ac.SetName, setHint) || strings.EqualFold(ac.Set, setHint) {
				return toCard(ac), fetched
			}
		}
	}
	return toCard(sr.Data[0]), fetched
}

// isSetCode reports whether hint looks like a set code ("m11", "2x2")
// rather than a set name ("Magic 2011").
func isSetCode(hint string) bool {
	if len(hint) < 2 || len(hint) > 6 {
		return false
	}
	for _, r := range hint {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

func (c *Client) get(ctx context.Context, path string, out any) outcome {
	if err := c.limiter.Wait(ctx); err != nil {
		return failed
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		c.logger.Warn("scryfall request build failed", "path", path, "err", err)
		return failed
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("scryfall request failed", "path", path, "err", err)
		return failed
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		_, _ = io.Copy(io.Discard, resp.Body)
		return missing
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("scryfall unexpected status", "path", path, "status", resp.StatusCode)
		return failed
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		c.logger.Warn("scryfall decode failed", "path", path, "err", err)
		return failed
	}
	return fetched
}

func toCard(ac apiCard) *cards.Card {
	img := ac.ImageURIs["normal"]
	if img == "" && len(ac.CardFaces) > 0 {
		img = ac.CardFaces[0].ImageURIs["normal"]
	}
	colors := ac.Colors
	if colors == nil {
		colors = []string{}
	}
	return &cards.Card{
		ID:              ac.ID,
		Name:            ac.Name,
		SetCode:         ac.Set,
		SetName:         ac.SetName,
		CollectorNumber: ac.CollectorNumber,
		Rarity:          ac.Rarity,
		ManaCost:        ac.ManaCost,
		TypeLine:        ac.TypeLine,
		OracleText:      ac.OracleText,
		FlavorText:      ac.FlavorText,
		Power:           ac.Power,
		Toughness:       ac.Toughness,
		Colors:          colors,
		ImageURL:        img,
		ReleasedAt:      ac.ReleasedAt,
		PriceUSD:        parsePrice(ac.Prices.USD),
		PriceEUR:        parsePrice(ac.Prices.EUR),
		PriceTix:        parsePrice(ac.Prices.Tix),
	}
}

func parsePrice(s *string) float64 {
	if s == nil {
		return 0
	}
	v, err := strconv.ParseFloat(*s, 64)
	if err != nil {
		return 0
	}
	return v
}

func (c *Client) cached(key string) (*cards.Card, bool, bool) {
	if c.cfg.CacheTTL <= 0 {
		return nil, false, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.cache[key]
	if !ok || c.clock().After(e.expires) {
		delete(c.cache, key)
		return nil, false, false
	}
	if e.card == nil {
		return nil, e.found, true
	}
	cp := *e.card
	return &cp, e.found, true
}

func (c *Client) store(key string, card *cards.Card, found bool) {
	if c.cfg.CacheTTL <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var stored *cards.Card
	if card != nil {
		cp := *card
		stored = &cp
	}
	c.cache[key] = cacheEntry{card: stored, found: found, expires: c.clock().Add(c.cfg.CacheTTL)}
}
