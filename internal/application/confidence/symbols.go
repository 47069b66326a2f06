package confidence

import (
	"regexp"
	"strings"
)

// symbolSet describes what a set's expansion symbol looks like.
type symbolSet struct {
	codes   []string
	names   []string
	symbols []string
}

var knownSymbols = []symbolSet{
	{codes: []string{"c17", "cma"}, names: []string{"commander 2017"},
		symbols: []string{"shield with sword", "dragon head", "stylized dragon", "dragon symbol"}},
	{codes: []string{"c18"}, names: []string{"commander 2018"},
		symbols: []string{"shield", "stylized shield", "shield symbol"}},
	{codes: []string{"c15"}, names: []string{"commander 2015"},
		symbols: []string{"stylized c", "commander symbol"}},
	{codes: []string{"cmd"}, names: []string{"commander 2011", "commander"},
		symbols: []string{"triangle", "stylized triangle"}},
	{codes: []string{"m12"}, names: []string{"magic 2012", "m12"},
		symbols: []string{"m12", "stylized m"}},
	{codes: []string{"2ed"}, names: []string{"unlimited edition", "unlimited"},
		symbols: []string{"no symbol", "none visible", "early set"}},
	{codes: []string{"mh2"}, names: []string{"modern horizons 2"},
		symbols: []string{"horizons symbol", "modern horizons", "mh2"}},
	{codes: []string{"ema"}, names: []string{"eternal masters"},
		symbols: []string{"eternal symbol", "masters symbol"}},
	{codes: []string{"ulg"}, names: []string{"urza's legacy", "urzas legacy"},
		symbols: []string{"urza symbol", "legacy symbol", "gear"}},
	{codes: []string{"roe"}, names: []string{"rise of the eldrazi"},
		symbols: []string{"eldrazi symbol", "hedron", "geometric"}},
	{codes: []string{"uma"}, names: []string{"ultimate masters"},
		symbols: []string{"masters symbol", "ultimate symbol"}},
	{codes: []string{"tsp"}, names: []string{"time spiral"},
		symbols: []string{"spiral", "time symbol"}},
	{codes: []string{"tsr"}, names: []string{"time spiral remastered"},
		symbols: []string{"spiral", "remastered", "time symbol"}},
}

var (
	symbolsByCode = map[string][]string{}
	symbolsByName = map[string][]string{}
)

func init() {
	for _, s := range knownSymbols {
		for _, c := range s.codes {
			symbolsByCode[c] = append(symbolsByCode[c], s.symbols...)
		}
		for _, n := range s.names {
			symbolsByName[n] = append(symbolsByName[n], s.symbols...)
		}
	}
}

// SymbolVerdict is the outcome of comparing a described symbol with a set.
type SymbolVerdict int

const (
	SymbolUnchecked SymbolVerdict = iota
	SymbolUnknownSet
	SymbolMatch
	SymbolMismatch
)

// CheckSymbol compares a free-text symbol description with the symbols
// expected for the set. Missing input yields SymbolUnchecked.
func CheckSymbol(setCode, setName, description string) SymbolVerdict {
	description = strings.TrimSpace(description)
	setCode = strings.ToLower(strings.TrimSpace(setCode))
	setName = strings.ToLower(strings.TrimSpace(setName))
	if description == "" || (setCode == "" && setName == "") {
		return SymbolUnchecked
	}

	var expected []string
	expected = append(expected, symbolsByCode[setCode]...)
	expected = append(expected, symbolsByName[setName]...)
	if len(expected) == 0 {
		return SymbolUnknownSet
	}
	for _, want := range expected {
		if symbolsMatch(description, want) {
			return SymbolMatch
		}
	}
	return SymbolMismatch
}

var nonWord = regexp.MustCompile(`[^\w\s]`)

func cleanSymbol(s string) string {
	return strings.TrimSpace(nonWord.ReplaceAllString(strings.ToLower(s), ""))
}

func symbolsMatch(described, expected string) bool {
	got := cleanSymbol(described)
	want := cleanSymbol(expected)
	if got == want {
		return true
	}

	wantWords := strings.Fields(want)
	if len(wantWords) > 1 {
		have := make(map[string]bool)
		for _, w := range strings.Fields(got) {
			have[w] = true
		}
		overlap := 0
		seen := make(map[string]bool)
		for _, w := range wantWords {
			if have[w] && !seen[w] {
				overlap++
			}
			seen[w] = true
		}
		return float64(overlap) >= float64(len(seen))*0.5
	}
	if got == "" || want == "" {
		return false
	}
	return strings.Contains(got, want) || strings.Contains(want, got)
}
