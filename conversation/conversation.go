// Package conversation runs the per-(channel, identity) wizards that
// accumulate typed parameters across turns and hand a completed command to
// the dispatcher when the final stage is reached.
package conversation

import (
	"errors"
	"fmt"

	"exchangehall/capability"
	"exchangehall/dispute"
	"exchangehall/exchange"
	"exchangehall/listing"
)

// Kind names a wizard flow.
type Kind string

const (
	KindCreateListing Kind = "create_listing"
	KindPropose       Kind = "propose"
	KindRaiseDispute  Kind = "raise_dispute"
	KindRestrict      Kind = "restrict"
	KindBroadcast     Kind = "broadcast"
)

var (
	ErrNoWizard      = errors.New("conversation: no active wizard")
	ErrWizardActive  = errors.New("conversation: wizard already active")
	ErrUnknownKind   = errors.New("conversation: unknown wizard kind")
	ErrTooManyTries  = errors.New("conversation: too many invalid inputs")
	ErrMissingParam  = errors.New("conversation: missing initial parameter")
	ErrThreadBlocked = errors.New("conversation: thread blocked")
	ErrThreadClosed  = errors.New("conversation: thread closed")
)

// ErrInvalidInput marks a validation failure that keeps the wizard on the
// same stage. The wrapped text is the retry prompt.
var ErrInvalidInput = errors.New("conversation: invalid input")

// ErrUnexpectedInput marks input of the wrong class for the stage, such as
// an image arriving where text is read. The stage re-prompts without
// spending a retry; the budget is for failed attempts, not stray media.
var ErrUnexpectedInput = errors.New("conversation: input does not fit this stage")

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidInput}, args...)...)
}

// Input is one user turn. ImageRef carries an uploaded image, when the
// transport attached one.
type Input struct {
	Text     string
	ImageRef string
}

// RestrictCommand is the admin restriction wizard's payload.
type RestrictCommand struct {
	TargetQuery  string
	Fields       []string
	DurationDays int
}

// BroadcastCommand is the admin announcement wizard's payload.
type BroadcastCommand struct {
	Text string
}

// Command is the tagged union a completed wizard produces. Exactly one
// branch matching Kind is set.
type Command struct {
	Kind          Kind
	CreateListing *listing.CreateParams
	Propose       *exchange.ProposeParams
	RaiseDispute  *dispute.RaiseParams
	Restrict      *RestrictCommand
	Broadcast     *BroadcastCommand
}

// Step is the outcome of one wizard turn: a prompt for the next stage, or a
// completed command.
type Step struct {
	Prompt  string
	Done    bool
	Command *Command
}

// fieldCatalog lists the restrictable permission atoms the restriction
// wizard accepts.
var fieldCatalog = map[string]bool{
	capability.FieldAll:           true,
	capability.FieldListingCreate: true,
	capability.FieldProposalSend:  true,
	capability.FieldBroadcast:     true,
}
