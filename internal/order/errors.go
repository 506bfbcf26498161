package order

import (
	"errors"
	"fmt"
)

// Classification sentinels. Both are reported before any venue interaction.
var (
	ErrValidation  = errors.New("order validation failed")
	ErrUnsupported = errors.New("operation unsupported by venue")
)

var (
	ErrFractionalQuantity  = fmt.Errorf("%w: quantity must be a whole number of shares", ErrValidation)
	ErrNonPositiveQuantity = fmt.Errorf("%w: quantity must be positive", ErrValidation)
	ErrNilOrder            = fmt.Errorf("%w: nil order", ErrValidation)
	ErrNoBrokerageID       = fmt.Errorf("%w: no brokerage id", ErrValidation)
	ErrAlreadySubmitted    = fmt.Errorf("%w: order already submitted", ErrValidation)
	ErrMultipleOrderUpdate = fmt.Errorf("%w: multiple-order update unsupported", ErrUnsupported)
	ErrHistoryUnsupported  = fmt.Errorf("%w: history retrieval", ErrUnsupported)

	// ErrQueryRejected means a query exchange completed with a non-zero status.
	ErrQueryRejected = errors.New("venue rejected query")
)
