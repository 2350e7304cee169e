package contracts

import (
	"errors"
	"fmt"

	"github.com/lakowske/ib-stream/internal/tws"
)

// ErrContractNotFound means the lookup service answered but the
// requested contract id was not in the response.
var ErrContractNotFound = errors.New("contract not found")

// Contract is one instrument definition as the lookup service
// describes it.
type Contract struct {
	ConID           int64   `json:"con_id"`
	Symbol          string  `json:"symbol"`
	SecType         string  `json:"sec_type"`
	Exchange        string  `json:"exchange"`
	PrimaryExchange string  `json:"primary_exchange"`
	Currency        string  `json:"currency"`
	LocalSymbol     string  `json:"local_symbol"`
	TradingClass    string  `json:"trading_class"`
	Multiplier      string  `json:"multiplier"`
	Expiry          string  `json:"expiry"`
	Strike          float64 `json:"strike"`
	Right           string  `json:"right"`
}

// ToTWS converts the lookup record to the upstream request form.
func (c Contract) ToTWS() tws.Contract {
	return tws.Contract{
		ConID:           c.ConID,
		Symbol:          c.Symbol,
		SecType:         c.SecType,
		Exchange:        c.Exchange,
		PrimaryExchange: c.PrimaryExchange,
		Currency:        c.Currency,
		LocalSymbol:     c.LocalSymbol,
		TradingClass:    c.TradingClass,
		Multiplier:      c.Multiplier,
		Expiry:          c.Expiry,
		Strike:          c.Strike,
		Right:           c.Right,
	}
}

// LookupResult is the service's response for one symbol, grouped by
// security type.
type LookupResult struct {
	Symbol          string                   `json:"symbol"`
	ContractsByType map[string]ContractGroup `json:"contracts_by_type"`
}

// ContractGroup holds the contracts of one security type.
type ContractGroup struct {
	Contracts []Contract `json:"contracts"`
}

// FindByID returns the contract with the given id from any group.
func (r LookupResult) FindByID(conID int64) (Contract, bool) {
	for _, group := range r.ContractsByType {
		for _, c := range group.Contracts {
			if c.ConID == conID {
				return c, true
			}
		}
	}
	return Contract{}, false
}

// APIError is a non-2xx answer from the lookup service.
type APIError struct {
	StatusCode int
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("contract service error %d", e.StatusCode)
}

// IsRetryable reports whether the error should trigger a retry.
func (e *APIError) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}
