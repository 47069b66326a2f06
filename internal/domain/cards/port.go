package cards

import "context"

// Lookup resolves a card name (and optional set hint) to a canonical printing.
// A miss, including a transport failure, is reported as found == false.
type Lookup interface {
	Lookup(ctx context.Context, name, setHint string) (card *Card, found bool)
}
