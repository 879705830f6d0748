package investments

import (
	"fmt"

	"fundround/services/roundd/models"
)

var allowedTransitions = map[models.InvestmentStatus][]models.InvestmentStatus{
	models.StatusReserved:             {models.StatusAwaitingConfirmation, models.StatusAwaitingTransfer, models.StatusExpired, models.StatusCancelled},
	models.StatusAwaitingConfirmation: {models.StatusConfirmed, models.StatusExpired, models.StatusCancelled},
	models.StatusAwaitingTransfer:     {models.StatusConfirmed, models.StatusExpired, models.StatusCancelled},
	models.StatusConfirmed:            {models.StatusRefunded},
}

// ValidateTransition ensures the transition follows the investment state
// machine for the given payment method.
func ValidateTransition(method models.PaymentMethod, current, next models.InvestmentStatus) error {
	allowed, ok := allowedTransitions[current]
	if !ok {
		return fmt.Errorf("%w: no transitions allowed from %s", ErrInvalidStateTransition, current)
	}
	permitted := false
	for _, state := range allowed {
		if state == next {
			permitted = true
			break
		}
	}
	if !permitted {
		return fmt.Errorf("%w: %s to %s", ErrInvalidStateTransition, current, next)
	}
	switch next {
	case models.StatusAwaitingConfirmation, models.StatusAwaitingTransfer:
		if AwaitingStateFor(method) != next {
			return fmt.Errorf("%w: %s does not apply to %s payments", ErrInvalidStateTransition, next, method)
		}
	}
	return nil
}

// AwaitingStateFor returns the waiting state a payment method moves through.
func AwaitingStateFor(method models.PaymentMethod) models.InvestmentStatus {
	if method == models.MethodBankTransfer {
		return models.StatusAwaitingTransfer
	}
	return models.StatusAwaitingConfirmation
}
