// Package catalog imports token lists published in the tokenlists.org JSON
// schema into the store.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/tradeboard/tradeboard/internal/store"
)

// TokenListFile is a token list in the tokenlists.org schema. Only the fields
// the catalog stores are decoded.
type TokenListFile struct {
	Name    string       `json:"name"`
	LogoURI string       `json:"logoURI,omitempty"`
	Version *ListVersion `json:"version,omitempty"`
	Tokens  []ListToken  `json:"tokens"`
}

// ListVersion is the semantic version of a list.
type ListVersion struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
	Patch int `json:"patch"`
}

func (v *ListVersion) String() string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// ListToken is one entry of a token list.
type ListToken struct {
	ChainID    int64          `json:"chainId"`
	Address    string         `json:"address"`
	Name       string         `json:"name"`
	Symbol     string         `json:"symbol"`
	Decimals   int            `json:"decimals"`
	LogoURI    string         `json:"logoURI,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

// coingeckoID returns the CoinGecko id some lists carry in extensions.
func (t ListToken) coingeckoID() string {
	for _, k := range []string{"coingeckoId", "coingecko_id", "coingecko"} {
		if v, ok := t.Extensions[k].(string); ok && v != "" {
			return strings.ToLower(v)
		}
	}
	return ""
}

// KnownChains are the EVM networks an import may create on demand, keyed by
// numeric chain id.
var KnownChains = map[int64]store.Chain{
	1:     {ID: "ethereum", ChainID: 1, Name: "Ethereum", NativeSymbol: "ETH", ExplorerURL: "https://etherscan.io"},
	10:    {ID: "optimism", ChainID: 10, Name: "OP Mainnet", NativeSymbol: "ETH", ExplorerURL: "https://optimistic.etherscan.io"},
	56:    {ID: "bsc", ChainID: 56, Name: "BNB Smart Chain", NativeSymbol: "BNB", ExplorerURL: "https://bscscan.com"},
	137:   {ID: "polygon", ChainID: 137, Name: "Polygon", NativeSymbol: "POL", ExplorerURL: "https://polygonscan.com"},
	8453:  {ID: "base", ChainID: 8453, Name: "Base", NativeSymbol: "ETH", ExplorerURL: "https://basescan.org"},
	42161: {ID: "arbitrum", ChainID: 42161, Name: "Arbitrum One", NativeSymbol: "ETH", ExplorerURL: "https://arbiscan.io"},
	43114: {ID: "avalanche", ChainID: 43114, Name: "Avalanche C-Chain", NativeSymbol: "AVAX", ExplorerURL: "https://snowtrace.io"},
}

// Parse decodes a token list and checks the fields every entry needs.
func Parse(r io.Reader) (*TokenListFile, error) {
	var f TokenListFile
	if err := json.NewDecoder(r).Decode(&f); err != nil {
		return nil, fmt.Errorf("decode token list: %w", err)
	}
	if f.Name == "" {
		return nil, fmt.Errorf("token list has no name")
	}
	for i, t := range f.Tokens {
		if t.ChainID <= 0 || t.Address == "" || t.Symbol == "" {
			return nil, fmt.Errorf("token %d: chainId, address and symbol are required", i)
		}
	}
	return &f, nil
}

// Result summarizes an import.
type Result struct {
	Slug     string `json:"slug"`
	Imported int    `json:"imported"`
	Skipped  int    `json:"skipped"` // tokens on chains the catalog does not know
}

// Importer writes token lists into the store.
type Importer struct {
	store  store.Store
	logger *slog.Logger
}

// NewImporter creates an Importer.
func NewImporter(s store.Store, logger *slog.Logger) *Importer {
	return &Importer{store: s, logger: logger.With("component", "catalog")}
}

// Import upserts every token of f and replaces the items of the list with
// the given slug, preserving the file's order. Chains missing from the store
// are created from KnownChains; tokens on any other chain are skipped.
func (im *Importer) Import(ctx context.Context, slug string, f *TokenListFile) (Result, error) {
	res := Result{Slug: slug}
	chains := make(map[int64]string)

	existing, err := im.store.ListChains(ctx)
	if err != nil {
		return res, fmt.Errorf("list chains: %w", err)
	}
	for _, c := range existing {
		chains[c.ChainID] = c.ID
	}

	seen := make(map[string]bool, len(f.Tokens))
	ids := make([]string, 0, len(f.Tokens))
	for _, lt := range f.Tokens {
		chainSlug, err := im.resolveChain(ctx, chains, lt.ChainID)
		if err != nil {
			return res, err
		}
		if chainSlug == "" {
			res.Skipped++
			continue
		}

		tok := &store.Token{
			ChainID:     chainSlug,
			Address:     lt.Address,
			Symbol:      lt.Symbol,
			Name:        lt.Name,
			Decimals:    lt.Decimals,
			LogoURL:     lt.LogoURI,
			CoingeckoID: lt.coingeckoID(),
		}
		if err := im.store.UpsertToken(ctx, tok); err != nil {
			return res, fmt.Errorf("upsert token %s: %w", tok.Symbol, err)
		}
		if seen[tok.ID] {
			continue
		}
		seen[tok.ID] = true
		ids = append(ids, tok.ID)
		res.Imported++
	}

	list, err := im.store.GetTokenList(ctx, slug)
	if err != nil {
		return res, fmt.Errorf("get token list: %w", err)
	}
	if list == nil {
		list = &store.TokenList{ID: uuid.New().String(), Slug: slug}
	}
	list.Name = f.Name
	if v := f.Version.String(); v != "" {
		list.Description = "Imported " + f.Name + " v" + v
	}
	if err := im.store.UpsertTokenList(ctx, list); err != nil {
		return res, fmt.Errorf("upsert token list: %w", err)
	}
	if err := im.store.SetTokenListItems(ctx, list.ID, ids); err != nil {
		return res, fmt.Errorf("set token list items: %w", err)
	}

	im.logger.Info("token list imported", "slug", slug, "imported", res.Imported, "skipped", res.Skipped)
	return res, nil
}

func (im *Importer) resolveChain(ctx context.Context, chains map[int64]string, chainID int64) (string, error) {
	if id, ok := chains[chainID]; ok {
		return id, nil
	}
	known, ok := KnownChains[chainID]
	if !ok {
		chains[chainID] = ""
		return "", nil
	}
	if err := im.store.UpsertChain(ctx, &known); err != nil {
		return "", fmt.Errorf("create chain %s: %w", known.ID, err)
	}
	im.logger.Info("created chain for import", "chain", known.ID, "chain_id", chainID)
	chains[chainID] = known.ID
	return known.ID, nil
}
