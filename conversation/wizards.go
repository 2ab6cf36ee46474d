package conversation

import (
	"context"
	"strconv"
	"strings"
	"unicode/utf8"

	"exchangehall/dispute"
	"exchangehall/exchange"
	"exchangehall/listing"
)

// skipWord lets optional stages be passed over.
const skipWord = "skip"

// textOnly rejects stray media at a stage that reads text. Distinct from a
// validation failure: the controller re-prompts without burning a retry.
func textOnly(in Input) error {
	if in.ImageRef != "" && strings.TrimSpace(in.Text) == "" {
		return ErrUnexpectedInput
	}
	return nil
}

// wizard is one flow. advance validates the turn's input against the current
// stage: a validation failure returns an ErrInvalidInput-wrapped error and
// leaves stage and accumulated parameters untouched.
type wizard interface {
	kind() Kind
	prompt() string
	advance(in Input) (Step, error)
}

func (c *Controller) newWizard(ctx context.Context, kind Kind, identityID string, initial map[string]string) (wizard, error) {
	switch kind {
	case KindCreateListing:
		w := &listingWizard{ownerID: identityID, priceCap: -1}
		if c.priceCaps != nil {
			cap, err := c.priceCaps.PriceCap(ctx, identityID)
			if err != nil {
				return nil, err
			}
			w.priceCap = cap
		}
		return w, nil
	case KindPropose:
		listingID := initial["listing_id"]
		if listingID == "" {
			return nil, ErrMissingParam
		}
		return &proposalWizard{proposerID: identityID, listingID: listingID}, nil
	case KindRaiseDispute:
		listingID := initial["listing_id"]
		if listingID == "" {
			return nil, ErrMissingParam
		}
		return &disputeWizard{reporterID: identityID, listingID: listingID}, nil
	case KindRestrict:
		return &restrictWizard{}, nil
	case KindBroadcast:
		return &broadcastWizard{}, nil
	default:
		return nil, ErrUnknownKind
	}
}

// listingWizard collects a new listing stage by stage. priceCap is fetched
// when the wizard opens; a negative value means no cap source was wired
// and the create operation's own check is the only guard.
type listingWizard struct {
	stage    listingStage
	ownerID  string
	priceCap int64
	draft    listing.CreateParams
}

type listingStage int

const (
	listingStageName listingStage = iota
	listingStageDescription
	listingStagePayload
	listingStageDesired
	listingStagePrice
	listingStageImage
	listingStageReview
)

func (w *listingWizard) kind() Kind { return KindCreateListing }

func (w *listingWizard) prompt() string {
	switch w.stage {
	case listingStageName:
		return "Name the item (20 characters max)."
	case listingStageDescription:
		return "Describe it (100 characters max)."
	case listingStagePayload:
		return "Enter the item content. Only the buyer sees it, after the trade completes."
	case listingStageDesired:
		return "What do you want in exchange?"
	case listingStagePrice:
		return "Set a coin price, or 0 for barter only."
	case listingStageImage:
		return "Attach an image, or type 'skip'."
	default:
		return "Review each proposal yourself? yes/no."
	}
}

func (w *listingWizard) advance(in Input) (Step, error) {
	if w.stage != listingStageImage {
		if err := textOnly(in); err != nil {
			return Step{}, err
		}
	}
	text := strings.TrimSpace(in.Text)
	switch w.stage {
	case listingStageName:
		if text == "" || utf8.RuneCountInString(text) > listing.MaxNameLen {
			return Step{}, invalidf("name must be 1-%d characters", listing.MaxNameLen)
		}
		w.draft.Name = text
	case listingStageDescription:
		if text == "" || utf8.RuneCountInString(text) > listing.MaxDescriptionLen {
			return Step{}, invalidf("description must be 1-%d characters", listing.MaxDescriptionLen)
		}
		w.draft.Description = text
	case listingStagePayload:
		if text == "" {
			return Step{}, invalidf("item content cannot be empty")
		}
		w.draft.Payload = text
	case listingStageDesired:
		if text == "" {
			return Step{}, invalidf("desired exchange cannot be empty")
		}
		w.draft.Desired = text
	case listingStagePrice:
		price, err := strconv.ParseInt(text, 10, 64)
		if err != nil || price < 0 {
			return Step{}, invalidf("price must be a whole number of coins, 0 or more")
		}
		if w.priceCap >= 0 && price > w.priceCap {
			return Step{}, invalidf("price cannot exceed %d coins at your trust level", w.priceCap)
		}
		w.draft.Price = price
	case listingStageImage:
		if in.ImageRef != "" {
			w.draft.ImageRef = in.ImageRef
		} else if !strings.EqualFold(text, skipWord) {
			return Step{}, invalidf("attach an image or type 'skip'")
		}
	case listingStageReview:
		revision, err := parseYesNo(text)
		if err != nil {
			return Step{}, err
		}
		w.draft.Revision = revision
		w.draft.OwnerID = w.ownerID
		draft := w.draft
		return Step{Done: true, Command: &Command{Kind: KindCreateListing, CreateListing: &draft}}, nil
	}
	w.stage++
	return Step{Prompt: w.prompt()}, nil
}

// proposalWizard collects a counter-offer against a known listing.
type proposalWizard struct {
	stage      proposalStage
	proposerID string
	listingID  string
	draft      exchange.ProposeParams
}

type proposalStage int

const (
	proposalStageOffered proposalStage = iota
	proposalStageMessage
)

func (w *proposalWizard) kind() Kind { return KindPropose }

func (w *proposalWizard) prompt() string {
	if w.stage == proposalStageOffered {
		return "What do you offer in exchange?"
	}
	return "Add a message for the owner, or type 'skip'."
}

func (w *proposalWizard) advance(in Input) (Step, error) {
	if err := textOnly(in); err != nil {
		return Step{}, err
	}
	text := strings.TrimSpace(in.Text)
	switch w.stage {
	case proposalStageOffered:
		if text == "" {
			return Step{}, invalidf("offer cannot be empty")
		}
		w.draft.Offered = text
	case proposalStageMessage:
		if !strings.EqualFold(text, skipWord) {
			w.draft.Message = text
		}
		w.draft.ProposerID = w.proposerID
		w.draft.ListingID = w.listingID
		draft := w.draft
		return Step{Done: true, Command: &Command{Kind: KindPropose, Propose: &draft}}, nil
	}
	w.stage++
	return Step{Prompt: w.prompt()}, nil
}

// disputeWizard collects a report against a known listing.
type disputeWizard struct {
	stage      disputeStage
	reporterID string
	listingID  string
	draft      dispute.RaiseParams
}

type disputeStage int

const (
	disputeStageKind disputeStage = iota
	disputeStageEvidence
	disputeStageImage
)

func (w *disputeWizard) kind() Kind { return KindRaiseDispute }

func (w *disputeWizard) prompt() string {
	switch w.stage {
	case disputeStageKind:
		return "What went wrong? violation / absent / misdescribed."
	case disputeStageEvidence:
		return "Describe the problem."
	default:
		return "Attach evidence image, or type 'skip'."
	}
}

func (w *disputeWizard) advance(in Input) (Step, error) {
	if w.stage != disputeStageImage {
		if err := textOnly(in); err != nil {
			return Step{}, err
		}
	}
	text := strings.TrimSpace(in.Text)
	switch w.stage {
	case disputeStageKind:
		switch dispute.Kind(strings.ToLower(text)) {
		case dispute.KindViolation, dispute.KindAbsent, dispute.KindMisdescribed:
			w.draft.Kind = dispute.Kind(strings.ToLower(text))
		default:
			return Step{}, invalidf("say violation, absent or misdescribed")
		}
	case disputeStageEvidence:
		if text == "" {
			return Step{}, invalidf("evidence cannot be empty")
		}
		w.draft.Evidence = text
	case disputeStageImage:
		if in.ImageRef != "" {
			w.draft.ImageRef = in.ImageRef
		} else if !strings.EqualFold(text, skipWord) {
			return Step{}, invalidf("attach an image or type 'skip'")
		}
		w.draft.ReporterID = w.reporterID
		w.draft.ListingID = w.listingID
		draft := w.draft
		return Step{Done: true, Command: &Command{Kind: KindRaiseDispute, RaiseDispute: &draft}}, nil
	}
	w.stage++
	return Step{Prompt: w.prompt()}, nil
}

// restrictWizard collects an admin restriction order.
type restrictWizard struct {
	stage restrictStage
	draft RestrictCommand
}

type restrictStage int

const (
	restrictStageTarget restrictStage = iota
	restrictStageFields
	restrictStageDuration
)

func (w *restrictWizard) kind() Kind { return KindRestrict }

func (w *restrictWizard) prompt() string {
	switch w.stage {
	case restrictStageTarget:
		return "Whose access should be restricted? Enter a handle."
	case restrictStageFields:
		return "Which fields? Space-separated, e.g. 'listing.create proposal.send'."
	default:
		return "For how many days? 1-365."
	}
}

func (w *restrictWizard) advance(in Input) (Step, error) {
	if err := textOnly(in); err != nil {
		return Step{}, err
	}
	text := strings.TrimSpace(in.Text)
	switch w.stage {
	case restrictStageTarget:
		if text == "" {
			return Step{}, invalidf("handle cannot be empty")
		}
		w.draft.TargetQuery = text
	case restrictStageFields:
		fields := strings.Fields(text)
		if len(fields) == 0 {
			return Step{}, invalidf("name at least one field")
		}
		for _, field := range fields {
			if !fieldCatalog[field] {
				return Step{}, invalidf("unknown field %q", field)
			}
		}
		w.draft.Fields = fields
	case restrictStageDuration:
		days, err := strconv.Atoi(text)
		if err != nil || days < 1 || days > 365 {
			return Step{}, invalidf("duration must be 1-365 days")
		}
		w.draft.DurationDays = days
		draft := w.draft
		return Step{Done: true, Command: &Command{Kind: KindRestrict, Restrict: &draft}}, nil
	}
	w.stage++
	return Step{Prompt: w.prompt()}, nil
}

// broadcastWizard collects an admin announcement.
type broadcastWizard struct{}

func (w *broadcastWizard) kind() Kind { return KindBroadcast }

func (w *broadcastWizard) prompt() string {
	return "What should every member hear?"
}

func (w *broadcastWizard) advance(in Input) (Step, error) {
	if err := textOnly(in); err != nil {
		return Step{}, err
	}
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return Step{}, invalidf("announcement cannot be empty")
	}
	return Step{Done: true, Command: &Command{Kind: KindBroadcast, Broadcast: &BroadcastCommand{Text: text}}}, nil
}

func parseYesNo(text string) (bool, error) {
	switch strings.ToLower(text) {
	case "yes", "y":
		return true, nil
	case "no", "n":
		return false, nil
	default:
		return false, invalidf("answer yes or no")
	}
}
