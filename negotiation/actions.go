package negotiation

// Action is a party-triggered operation on an open negotiation.
type Action string

const (
	ActionPropose Action = "propose"
	ActionAccept  Action = "accept"
	ActionReject  Action = "reject"
	ActionCancel  Action = "cancel"
)

// AvailableActions computes what a party may do next given the current status
// and whether that party made the pending offer. The proposer of a pending
// offer can only wait, reject, or withdraw; the counterpart may counter,
// accept, or reject. Cancel is open to either party while the negotiation is
// open.
func AvailableActions(status Status, isProposer bool) []Action {
	if status.Terminal() {
		return nil
	}
	if status == StatusInitiated {
		return []Action{ActionPropose, ActionReject, ActionCancel}
	}
	if isProposer {
		return []Action{ActionReject, ActionCancel}
	}
	return []Action{ActionPropose, ActionAccept, ActionReject, ActionCancel}
}

// StatusLabel returns the human-readable label shown in message projections
// and client payloads.
func StatusLabel(status Status) string {
	switch status {
	case StatusInitiated:
		return "Started"
	case StatusProposed:
		return "Offer Sent"
	case StatusCounterOffered:
		return "Counter-Offer"
	case StatusAccepted:
		return "Accepted"
	case StatusRejected:
		return "Rejected"
	case StatusExpired:
		return "Expired"
	case StatusCancelled:
		return "Cancelled"
	default:
		return string(status)
	}
}
