package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/adshao/go-binance/v2/common"

	"github.com/newthinker/spotbot/internal/core"
)

// Exchange error codes the client reacts to.
const (
	codeDisconnected     = -1001
	codeTooManyRequests  = -1003
	codeTimeout          = -1007
	codeTimestamp        = -1021
	codeBadPrecision     = -1111
	codeFilterFailure    = -1013
	codeInvalidSymbol    = -1121
	codeNewOrderRejected = -2010
	codeCancelRejected   = -2011
	codeNoSuchOrder      = -2013
)

// APIError is an error payload returned by the exchange.
type APIError struct {
	Status  int
	Code    int64
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange: http %d code %d: %s", e.Status, e.Code, e.Message)
}

// classify maps an exchange or transport failure onto the core taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var ce *core.Error
	if errors.As(err, &ce) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return core.WrapError(kindForCode(apiErr.Status, apiErr.Code, apiErr.Message), err)
	}
	if common.IsAPIError(err) {
		var sdkErr *common.APIError
		if errors.As(err, &sdkErr) {
			return core.WrapError(kindForCode(0, sdkErr.Code, sdkErr.Message), err)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return core.WrapError(core.ErrTransient, err)
	}
	// Connection resets and truncated bodies surface as plain errors.
	return core.WrapError(core.ErrTransient, err)
}

func kindForCode(status int, code int64, msg string) *core.Error {
	switch code {
	case codeTimestamp:
		return core.ErrTimestampOutOfWindow
	case codeDisconnected, codeTooManyRequests, codeTimeout:
		return core.ErrTransient
	case codeInvalidSymbol:
		return core.ErrUnknownSymbol
	case codeNoSuchOrder:
		return core.ErrOrderNotFound
	case codeFilterFailure:
		if strings.Contains(strings.ToUpper(msg), "NOTIONAL") {
			return core.ErrBelowMinNotional
		}
		return core.ErrClientMisuse
	case codeNewOrderRejected:
		lower := strings.ToLower(msg)
		switch {
		case strings.Contains(lower, "insufficient balance"):
			return core.ErrInsufficientBalance
		case strings.Contains(lower, "duplicate"):
			return core.ErrDuplicateOrder
		}
		return core.ErrClientMisuse
	case codeBadPrecision, codeCancelRejected:
		return core.ErrClientMisuse
	}
	switch {
	case status >= 500, status == 429, status == 418:
		return core.ErrTransient
	case code != 0, status >= 400:
		return core.ErrClientMisuse
	}
	return core.ErrTransient
}
