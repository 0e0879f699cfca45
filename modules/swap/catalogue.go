package swap

import (
	"context"

	"github.com/Deepreo/swapcron/modules/relay"
)

type ChainView struct {
	ChainID  int64           `json:"chainId"`
	Name     string          `json:"name"`
	Icon     string          `json:"icon,omitempty"`
	Currency *relay.Currency `json:"currency,omitempty"`
}

type TokenView struct {
	Address  string `json:"address"`
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Decimals *int   `json:"decimals"`
	LogoURI  string `json:"logoURI,omitempty"`
}

// Chains lists the chains the relay supports.
func (s *Service) Chains(ctx context.Context) ([]ChainView, error) {
	chains, err := s.relay.Chains(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ChainView, 0, len(chains))
	for _, ch := range chains {
		name := ch.DisplayName
		if name == "" {
			name = ch.Name
		}
		out = append(out, ChainView{
			ChainID:  int64(ch.ID),
			Name:     name,
			Icon:     ch.IconURL,
			Currency: ch.Currency,
		})
	}
	return out, nil
}

// Tokens lists the featured tokens of chainID, or its ERC-20 currencies
// when nothing is featured. An unknown chain has no tokens.
func (s *Service) Tokens(ctx context.Context, chainID int64) ([]TokenView, error) {
	chains, err := s.relay.Chains(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]TokenView, 0)
	for _, ch := range chains {
		if int64(ch.ID) != chainID {
			continue
		}
		list := ch.FeaturedTokens
		if len(list) == 0 {
			list = ch.ERC20Currencies
		}
		for _, t := range list {
			logo := t.LogoURI
			if logo == "" {
				logo = t.IconURL
			}
			out = append(out, TokenView{
				Address:  t.Address,
				Symbol:   t.Symbol,
				Name:     t.Name,
				Decimals: t.Decimals,
				LogoURI:  logo,
			})
		}
		break
	}
	return out, nil
}
