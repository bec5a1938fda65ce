package order

import (
	"trading-venue/internal/apperr"
	"trading-venue/internal/models"
)

// StateTransition 状态转换
type StateTransition struct {
	From models.OrderStatus
	To   models.OrderStatus
}

// legalTransitions 订单状态只向前推进；filled/cancelled 为终态。
var legalTransitions = map[StateTransition]bool{
	{models.OrderStatusPending, models.OrderStatusFilled}:    true,
	{models.OrderStatusPending, models.OrderStatusCancelled}: true,
}

// ValidateTransition 非法转换返回 InvalidStateError。op 用于错误描述。
func ValidateTransition(o *models.Order, to models.OrderStatus, op string) error {
	if legalTransitions[StateTransition{From: o.Status, To: to}] {
		return nil
	}
	return apperr.InvalidState("order", o.ID, string(o.Status), op)
}

// AllowedTransitions 返回当前状态所有合法的目标状态
func AllowedTransitions(current models.OrderStatus) []models.OrderStatus {
	allowed := make([]models.OrderStatus, 0, 2)
	for t := range legalTransitions {
		if t.From == current {
			allowed = append(allowed, t.To)
		}
	}
	return allowed
}
