// Package transaction renders the item's deal state as the control, notice
// and composer visibility shown in the chat modal.
package transaction

import "strings"

// Status values reported by the backend.
const (
	StatusActive   = "active"
	StatusReserved = "reserved"
	StatusSold     = "sold"
)

// Control is the action offered to the viewer.
type Control int

const (
	ControlNone Control = iota
	ControlRequestDeal
	ControlConfirmDeal
)

func (c Control) String() string {
	switch c {
	case ControlRequestDeal:
		return "Request Deal"
	case ControlConfirmDeal:
		return "Confirm Deal"
	default:
		return ""
	}
}

// Notice is the informational line shown instead of, or next to, a control.
type Notice int

const (
	NoticeNone Notice = iota
	NoticeAwaitingConfirmation
	NoticeOtherBuyer
	NoticeComplete
)

func (n Notice) String() string {
	switch n {
	case NoticeAwaitingConfirmation:
		return "Waiting for the buyer to confirm the deal."
	case NoticeOtherBuyer:
		return "This item is in a transaction with someone else."
	case NoticeComplete:
		return "This transaction is complete."
	default:
		return ""
	}
}

// State is the transaction record of an item.
type State struct {
	Status   string
	BuyerID  string
	SellerID string
}

// View is what the panel renders. At most one of Control and Notice is set.
type View struct {
	Status          string
	Control         Control
	Notice          Notice
	ComposerVisible bool
}

// normalizeStatus folds legacy condition values into active and applies the
// page's legacy sold flag.
func normalizeStatus(status string, legacySold bool) string {
	s := strings.ToLower(strings.TrimSpace(status))
	switch s {
	case "", StatusActive, "new", "used", "almost_new":
		s = StatusActive
	}
	if legacySold && s == StatusActive {
		s = StatusSold
	}
	return s
}

// Derive decides what viewer sees for state when chatting with counterpart.
// A seller is offered Request Deal only when a counterpart is known.
func Derive(state State, viewer, counterpart string, legacySold bool) View {
	status := normalizeStatus(state.Status, legacySold)
	v := View{Status: status, ComposerVisible: true}

	switch status {
	case StatusActive:
		if viewer != "" && viewer == state.SellerID && counterpart != "" && counterpart != viewer {
			v.Control = ControlRequestDeal
		}
	case StatusReserved:
		switch viewer {
		case state.BuyerID:
			v.Control = ControlConfirmDeal
		case state.SellerID:
			v.Notice = NoticeAwaitingConfirmation
		default:
			v.Notice = NoticeOtherBuyer
			v.ComposerVisible = false
		}
	case StatusSold:
		v.Notice = NoticeComplete
		v.ComposerVisible = false
	}
	return v
}
