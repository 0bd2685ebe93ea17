package ports

import (
	"context"

	"polyMonitorBot/internal/domain"
)

// DecisionPolicy decides entry and exit for a slot market. It is a pure
// function of the observed slot state: the engine treats it as a black box and
// only acts on the returned Action. Implementations must not block.
type DecisionPolicy interface {
	Evaluate(ctx context.Context, state domain.SlotState) domain.Action
}
