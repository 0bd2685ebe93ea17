package domain

// Side represents the direction chosen when entering a slot market.
type Side string

const (
	SideUp   Side = "up"
	SideDown Side = "down"
)

// Opposite returns the other side of the market.
func (s Side) Opposite() Side {
	if s == SideUp {
		return SideDown
	}
	return SideUp
}

// TradeStatus represents the lifecycle state of a trade record.
type TradeStatus string

const (
	StatusOpen   TradeStatus = "open"
	StatusClosed TradeStatus = "closed"
)

// Outcome indicates how a closed trade resolved.
type Outcome string

const (
	OutcomeWin  Outcome = "win"
	OutcomeLoss Outcome = "loss"
	OutcomeVoid Outcome = "void"
	OutcomeNone Outcome = ""
)

// ActionType is the kind of decision returned by a DecisionPolicy.
type ActionType int

const (
	ActionNone ActionType = iota
	ActionEnter
	ActionExit
)

// Action is the output of a DecisionPolicy evaluation.
type Action struct {
	Type ActionType
	Side Side // only meaningful when Type == ActionEnter
}

// NoAction is the zero decision, returned when the policy declines to act.
var NoAction = Action{Type: ActionNone}

// Enter builds an enter decision for the given side.
func Enter(side Side) Action {
	return Action{Type: ActionEnter, Side: side}
}

// Exit builds an exit decision.
func Exit() Action {
	return Action{Type: ActionExit}
}
