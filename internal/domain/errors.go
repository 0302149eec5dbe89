package domain

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrAlreadyExists      = errors.New("already exists")
	ErrInvalidState       = errors.New("operation not valid for current item state")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrInvalidFee         = errors.New("payment must equal the listing fee")
	ErrInvalidPayment     = errors.New("payment must equal the item price")
	ErrSelfTrade          = errors.New("buyer must not be the seller")
	ErrInvalidPrice       = errors.New("price must be greater than zero")
	ErrInvalidPriceFormat = errors.New("invalid price format")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrNotApproved        = errors.New("marketplace not approved for token")
	ErrPendingConfirmation = errors.New("transaction submitted but not yet confirmed")
	ErrTxReverted         = errors.New("transaction reverted")
	ErrLockHeld           = errors.New("lock already held")
)
