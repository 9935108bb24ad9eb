// Package contract derives and parses the deterministic identifiers of
// markets and deals. A market is keyed by (authority, quote asset, stack)
// and a deal by (market, long, short, client order id), so the same inputs
// always address the same record and a used deal key can never be reissued.
package contract

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

const (
	marketPrefix = "MKT"
	dealPrefix   = "DEAL"
)

// identityRegex bounds the identities and asset names that appear in keys.
// Hyphens are reserved as the key separator.
var identityRegex = regexp.MustCompile(`^[A-Za-z0-9_.]{1,64}$`)

// marketRegex matches: MKT-{authority}-{quoteAsset}-{stackID}
// Example: MKT-alice-USDC-SPX500
var marketRegex = regexp.MustCompile(
	`^MKT-([A-Za-z0-9_.]{1,64})-([A-Za-z0-9_.]{1,64})-([A-Za-z0-9_.]{1,64})$`,
)

// dealRegex matches: DEAL-{authority}-{quoteAsset}-{stackID}-{long}-{short}-{clientOrderID}
// Example: DEAL-alice-USDC-SPX500-bob-carol-7
var dealRegex = regexp.MustCompile(
	`^DEAL-([A-Za-z0-9_.]{1,64})-([A-Za-z0-9_.]{1,64})-([A-Za-z0-9_.]{1,64})-([A-Za-z0-9_.]{1,64})-([A-Za-z0-9_.]{1,64})-(\d{1,20})$`,
)

var (
	ErrInvalidIdentity = errors.New("contract: invalid identity")
	ErrInvalidID       = errors.New("contract: invalid identifier format")
)

// ValidateIdentity checks that s can be embedded in a key.
func ValidateIdentity(s string) error {
	if !identityRegex.MatchString(s) {
		return fmt.Errorf("%w: %q (expected 1-64 of [A-Za-z0-9_.])", ErrInvalidIdentity, s)
	}
	return nil
}

// MarketKey addresses one market.
type MarketKey struct {
	Authority  string `json:"authority"`
	QuoteAsset string `json:"quote_asset"`
	StackID    string `json:"stack_id"`
}

// Validate checks every component.
func (k MarketKey) Validate() error {
	for _, s := range []string{k.Authority, k.QuoteAsset, k.StackID} {
		if err := ValidateIdentity(s); err != nil {
			return err
		}
	}
	return nil
}

// ID renders the key. Format: MKT-{authority}-{quoteAsset}-{stackID}
func (k MarketKey) ID() string {
	return fmt.Sprintf("%s-%s-%s-%s", marketPrefix, k.Authority, k.QuoteAsset, k.StackID)
}

// ParseMarketID parses and validates a market identifier.
func ParseMarketID(id string) (MarketKey, error) {
	m := marketRegex.FindStringSubmatch(id)
	if m == nil {
		return MarketKey{}, fmt.Errorf("%w: %s (expected MKT-{authority}-{quote}-{stack})", ErrInvalidID, id)
	}
	return MarketKey{Authority: m[1], QuoteAsset: m[2], StackID: m[3]}, nil
}

// DealKey addresses one deal.
type DealKey struct {
	Market        MarketKey `json:"market"`
	Long          string    `json:"long"`
	Short         string    `json:"short"`
	ClientOrderID uint64    `json:"client_order_id"`
}

// Validate checks every component.
func (k DealKey) Validate() error {
	if err := k.Market.Validate(); err != nil {
		return err
	}
	if err := ValidateIdentity(k.Long); err != nil {
		return err
	}
	return ValidateIdentity(k.Short)
}

// ID renders the key.
// Format: DEAL-{authority}-{quoteAsset}-{stackID}-{long}-{short}-{clientOrderID}
func (k DealKey) ID() string {
	return fmt.Sprintf("%s-%s-%s-%s-%s-%s-%d", dealPrefix,
		k.Market.Authority, k.Market.QuoteAsset, k.Market.StackID,
		k.Long, k.Short, k.ClientOrderID)
}

// ParseDealID parses and validates a deal identifier.
func ParseDealID(id string) (DealKey, error) {
	m := dealRegex.FindStringSubmatch(id)
	if m == nil {
		return DealKey{}, fmt.Errorf("%w: %s (expected DEAL-{authority}-{quote}-{stack}-{long}-{short}-{coid})",
			ErrInvalidID, id)
	}
	coid, err := strconv.ParseUint(m[6], 10, 64)
	if err != nil {
		return DealKey{}, fmt.Errorf("%w: client order id %s", ErrInvalidID, m[6])
	}
	return DealKey{
		Market:        MarketKey{Authority: m[1], QuoteAsset: m[2], StackID: m[3]},
		Long:          m[4],
		Short:         m[5],
		ClientOrderID: coid,
	}, nil
}
