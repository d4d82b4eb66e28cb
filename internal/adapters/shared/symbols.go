package shared

import (
	"fmt"
	"strings"

	"github.com/coachpo/feedmux/internal/schema"
)

// SymbolTable maps between canonical BASE-QUOTE symbols and a venue's native
// spellings, both directions built once at dialect construction so lookups on
// the frame path are allocation-free.
type SymbolTable struct {
	native    map[string]string
	canonical map[string]string
}

// NewSymbolTable builds a table for the given canonical symbols. toNative
// derives the venue spelling from a canonical symbol.
func NewSymbolTable(symbols []string, toNative func(string) string) (*SymbolTable, error) {
	t := &SymbolTable{
		native:    make(map[string]string, len(symbols)),
		canonical: make(map[string]string, len(symbols)),
	}
	for _, sym := range symbols {
		if !schema.ValidSymbol(sym) {
			return nil, fmt.Errorf("symbol %q is not canonical BASE-QUOTE", sym)
		}
		nat := toNative(sym)
		t.native[sym] = nat
		t.canonical[nat] = sym
	}
	return t, nil
}

// Native returns the venue spelling of a canonical symbol.
func (t *SymbolTable) Native(canonical string) (string, bool) {
	v, ok := t.native[canonical]
	return v, ok
}

// Canonical returns the canonical symbol for a venue spelling.
func (t *SymbolTable) Canonical(native string) (string, bool) {
	v, ok := t.canonical[native]
	return v, ok
}

// Canonicals returns all canonical symbols in the table.
func (t *SymbolTable) Canonicals() []string {
	out := make([]string, 0, len(t.native))
	for sym := range t.native {
		out = append(out, sym)
	}
	return out
}

// StripDash is the toNative rule for venues whose symbols are the canonical
// form with the separator removed (BTC-USDT -> BTCUSDT).
func StripDash(canonical string) string {
	return strings.ReplaceAll(canonical, "-", "")
}

// Identity is the toNative rule for venues that already use BASE-QUOTE.
func Identity(canonical string) string { return canonical }
