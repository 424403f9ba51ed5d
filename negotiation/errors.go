package negotiation

import "errors"

var (
	// ErrNotFound is returned when no negotiation exists for the identifier.
	ErrNotFound = errors.New("negotiation: not found")
	// ErrClosed signals an action against a terminal or lapsed negotiation.
	ErrClosed = errors.New("negotiation: closed")
	// ErrNotYourTurn signals a propose or accept by the current proposer.
	ErrNotYourTurn = errors.New("negotiation: not your turn")
	// ErrNoPendingOffer signals an accept with no offer on the table.
	ErrNoPendingOffer = errors.New("negotiation: no pending offer")
	// ErrInvalidPrice signals a non-positive proposed price.
	ErrInvalidPrice = errors.New("negotiation: invalid price")
	// ErrStalePrice signals an accept whose expected price no longer matches.
	// The caller must refetch before retrying.
	ErrStalePrice = errors.New("negotiation: stale price")
	// ErrVersionConflict signals the version read at request time lost a race.
	// The caller must refetch and may reissue the action.
	ErrVersionConflict = errors.New("negotiation: concurrent modification")
	// ErrNotParticipant signals an actor outside the negotiation's two parties.
	ErrNotParticipant = errors.New("negotiation: actor is not a participant")
)
