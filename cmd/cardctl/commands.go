package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bryanwahyu/cardscan/internal/application/confidence"
	"github.com/bryanwahyu/cardscan/internal/bootstrap"
	"github.com/bryanwahyu/cardscan/internal/domain/cards"
	"github.com/bryanwahyu/cardscan/internal/domain/vision"
	"github.com/bryanwahyu/cardscan/internal/middleware"
)

func newConfigCommand(ctx *commandContext) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration utilities",
	}
	configCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Config path: %s\n", ctx.configPath)
			fmt.Fprintf(out, "Database:    %s\n", cfg.Database.Driver)
			fmt.Fprintf(out, "Storage:     %s\n", cfg.Storage.Driver)
			fmt.Fprintf(out, "Vision:      primary=%s fallback=%s\n", cfg.Vision.Primary, dash(cfg.Vision.Fallback))
			fmt.Fprintln(out, "Configuration valid")
			return nil
		},
	})
	return configCmd
}

func newMigrateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or verify the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _ := ctx.ensureConfig()
			stores, err := bootstrap.OpenDatabase(cmd.Context(), cfg, false)
			if err != nil {
				return err
			}
			defer stores.DB.Close()
			if err := bootstrap.Migrate(cmd.Context(), stores); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Schema is current (%s)\n", stores.Driver)
			return nil
		},
	}
}

func newLookupCommand(ctx *commandContext) *cobra.Command {
	var set string
	cmd := &cobra.Command{
		Use:   "lookup <name>",
		Short: "Resolve a card name against Scryfall",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _ := ctx.ensureConfig()
			client := bootstrap.NewLookup(cfg, ctx.logger(cmd))
			name := strings.Join(args, " ")
			card, ok := client.Lookup(cmd.Context(), name, set)
			if !ok {
				return fmt.Errorf("no card found for %q", name)
			}
			if ctx.json() {
				return writeJSON(cmd, card)
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"Field", "Value"},
				cardRows(card),
				nil,
			))
			return nil
		},
	}
	cmd.Flags().StringVar(&set, "set", "", "Set code or set name hint")
	return cmd
}

func cardRows(c *cards.Card) [][]string {
	return [][]string{
		{"Name", c.Name},
		{"Set", fmt.Sprintf("%s (%s)", c.SetName, strings.ToUpper(c.SetCode))},
		{"Number", dash(c.CollectorNumber)},
		{"Rarity", dash(c.Rarity)},
		{"Mana cost", dash(c.ManaCost)},
		{"Type", dash(c.TypeLine)},
		{"USD", money(c.PriceUSD)},
		{"EUR", money(c.PriceEUR)},
	}
}

// scoredCandidate is one recognize output row.
type scoredCandidate struct {
	Candidate  vision.Candidate      `json:"candidate"`
	Match      *cards.Card           `json:"match,omitempty"`
	Assessment confidence.Assessment `json:"assessment"`
}

func newRecognizeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "recognize <image>",
		Short: "Run a photo through the vision chain and score the candidates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _ := ctx.ensureConfig()
			logger := ctx.logger(cmd)

			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read image: %w", err)
			}
			contentType := http.DetectContentType(data)
			if !strings.HasPrefix(contentType, "image/") {
				return fmt.Errorf("%s is not an image (%s)", args[0], contentType)
			}

			orch, closers, err := bootstrap.NewOrchestrator(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				for _, c := range closers {
					_ = c.Close()
				}
			}()

			out, err := orch.Process(cmd.Context(), vision.Image{Data: data, ContentType: contentType})
			if err != nil {
				var exhausted *vision.ExhaustedError
				if errors.As(err, &exhausted) {
					for _, f := range exhausted.Failures {
						fmt.Fprintf(cmd.ErrOrStderr(), "  %s: %s\n", f.Backend, f.Reason)
					}
				}
				return err
			}

			lookup := bootstrap.NewLookup(cfg, logger)
			scorer := confidence.Scorer{}
			scored := make([]scoredCandidate, 0, len(out.Candidates))
			for _, c := range out.Candidates {
				match, ok := lookup.Lookup(cmd.Context(), c.Name, c.SetHint)
				if !ok {
					match = nil
				}
				scored = append(scored, scoredCandidate{Candidate: c, Match: match, Assessment: scorer.Score(c, match)})
			}

			if ctx.json() {
				return writeJSON(cmd, map[string]any{"backend": out.Backend, "failures": out.Failures, "candidates": scored})
			}
			rows := make([][]string, 0, len(scored))
			for _, s := range scored {
				matched := "-"
				if s.Match != nil {
					matched = fmt.Sprintf("%s [%s #%s]", s.Match.Name, strings.ToUpper(s.Match.SetCode), s.Match.CollectorNumber)
				}
				rows = append(rows, []string{
					s.Candidate.Name,
					dash(s.Candidate.SetHint),
					string(s.Candidate.Confidence),
					matched,
					strconv.FormatFloat(s.Assessment.Score, 'f', 0, 64),
					yesNo(s.Assessment.RequiresReview),
				})
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Backend: %s\n", out.Backend)
			fmt.Fprintln(w, renderTable(
				[]string{"Candidate", "Set hint", "Self", "Match", "Score", "Review"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
			))
			return nil
		},
	}
}

func newBackendsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "backends",
		Short: "Show the configured vision chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _ := ctx.ensureConfig()
			vc := cfg.Vision
			ids := make([]string, 0, len(vc.Backends))
			for id := range vc.Backends {
				ids = append(ids, id)
			}
			sort.Strings(ids)

			if ctx.json() {
				return writeJSON(cmd, map[string]any{"primary": vc.Primary, "fallback": vc.Fallback, "backends": ids})
			}
			rows := make([][]string, 0, len(ids))
			for _, id := range ids {
				bc := vc.Backends[id]
				role := "-"
				switch id {
				case vc.Primary:
					role = "primary"
				case vc.Fallback:
					role = "fallback"
				}
				rows = append(rows, []string{id, role, yesNo(bc.Enabled), dash(bc.Model), bc.Timeout().String()})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"Backend", "Role", "Enabled", "Model", "Timeout"},
				rows,
				nil,
			))
			return nil
		},
	}
}

func newStatsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stats <tenant>",
		Short: "Summarize a tenant's collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant := args[0]
			if err := middleware.ValidateTenantID(tenant); err != nil {
				return err
			}
			cfg, _ := ctx.ensureConfig()
			stores, err := bootstrap.OpenDatabase(cmd.Context(), cfg, false)
			if err != nil {
				return err
			}
			defer stores.DB.Close()

			st, err := stores.Inventory.Stats(cmd.Context(), tenant)
			if err != nil {
				return err
			}
			if ctx.json() {
				return writeJSON(cmd, st)
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"", "All", "Owned"},
				[][]string{
					{"Unique cards", strconv.Itoa(st.TotalUniqueCards), strconv.Itoa(st.OwnedUniqueCards)},
					{"Card count", strconv.Itoa(st.TotalCardCount), strconv.Itoa(st.OwnedCardCount)},
					{"Value USD", money(st.TotalValueUSD), money(st.OwnedValueUSD)},
					{"Value EUR", money(st.TotalValueEUR), money(st.OwnedValueEUR)},
					{"Stacks", strconv.Itoa(st.TotalStacks), ""},
				},
				[]columnAlignment{alignLeft, alignRight, alignRight},
			))
			return nil
		},
	}
}

func dash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func money(v float64) string {
	if v == 0 {
		return "-"
	}
	return strconv.FormatFloat(v, 'f', 2, 64)
}
