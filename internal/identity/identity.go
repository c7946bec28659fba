// Package identity derives who is chatting with whom about which item. It
// turns page-embedded data and URL query parameters into the current user,
// the counterpart ("receiver") and the canonical conversation key shared by
// both participants.
package identity

import (
	"errors"
	"net/url"
	"strings"
)

// Query parameters understood by Resolve and AutoOpen.
const (
	ParamWith = "with" // counterpart override used by sellers opening from an inbox
	ParamChat = "chat" // "true" requests the modal to open on load
)

var (
	// ErrLoginRequired means no current user is known; the user must log in.
	ErrLoginRequired = errors.New("identity: login required")

	// ErrInsufficientData means the page lacks the seller or item context.
	ErrInsufficientData = errors.New("identity: insufficient chat data")

	// ErrNoCounterpart means the seller opened the chat without naming the
	// buyer to talk to, or the counterpart resolved to the user themselves.
	ErrNoCounterpart = errors.New("identity: no counterpart to chat with")
)

// Page holds the data the marketplace page embeds for the chat modal.
type Page struct {
	CurrentUserID string
	SellerID      string
	ItemID        string

	// LegacySold is the page-level sold flag some item pages still carry.
	// It can override an "active" transaction report (see transaction.Derive).
	LegacySold bool
}

// Identity is computed once per modal open.
type Identity struct {
	CurrentUserID   string
	SellerID        string
	ItemID          string
	ReceiverID      string
	ConversationKey string
}

// IsSeller reports whether the current user owns the item.
func (id Identity) IsSeller() bool {
	return id.CurrentUserID == id.SellerID
}

// Resolve derives the Identity for page and query. Buyers always talk to the
// seller; sellers talk to the user named by the "with" parameter.
func Resolve(page Page, query url.Values) (Identity, error) {
	current := strings.TrimSpace(page.CurrentUserID)
	seller := strings.TrimSpace(page.SellerID)
	item := strings.TrimSpace(page.ItemID)

	if current == "" {
		return Identity{}, ErrLoginRequired
	}
	if seller == "" || item == "" {
		return Identity{}, ErrInsufficientData
	}

	receiver := seller
	if current == seller {
		receiver = strings.TrimSpace(query.Get(ParamWith))
	}
	if receiver == "" || receiver == current {
		return Identity{}, ErrNoCounterpart
	}

	return Identity{
		CurrentUserID:   current,
		SellerID:        seller,
		ItemID:          item,
		ReceiverID:      receiver,
		ConversationKey: ConversationKey(current, receiver, item),
	}, nil
}

// ConversationKey returns "<low>_<high>_<item>" where low/high are the two
// participant ids in lexical order, so both participants derive the same key.
func ConversationKey(userA, userB, itemID string) string {
	if userB < userA {
		userA, userB = userB, userA
	}
	return userA + "_" + userB + "_" + itemID
}

// WantsAutoOpen reports whether the query asks for the chat to open on load,
// as notification links do.
func WantsAutoOpen(query url.Values) bool {
	return strings.EqualFold(query.Get(ParamChat), "true")
}
