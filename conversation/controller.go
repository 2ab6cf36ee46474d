package conversation

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// DefaultMaxTries is the per-stage retry budget before a wizard is abandoned.
const DefaultMaxTries = 3

// Dispatcher executes a completed wizard command and returns the user-facing
// outcome text.
type Dispatcher interface {
	Dispatch(ctx context.Context, identityID string, cmd Command) (string, error)
}

// PriceCapSource reports the listing price ceiling an identity has earned.
// The cap is fetched once when a listing wizard opens; the authoritative
// check still happens when the command lands.
type PriceCapSource interface {
	PriceCap(ctx context.Context, ownerID string) (int64, error)
}

// Controller owns the wizard lifecycle per (channel, identity).
type Controller struct {
	store     Store
	dispatch  Dispatcher
	priceCaps PriceCapSource
	maxTries  int
	log       *zap.Logger
}

type ControllerDeps struct {
	Store      Store
	Dispatcher Dispatcher
	PriceCaps  PriceCapSource
	MaxTries   int
	Logger     *zap.Logger
}

func NewController(deps ControllerDeps) *Controller {
	if deps.Store == nil {
		deps.Store = NewMemoryStore()
	}
	if deps.MaxTries <= 0 {
		deps.MaxTries = DefaultMaxTries
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Controller{
		store:     deps.Store,
		dispatch:  deps.Dispatcher,
		priceCaps: deps.PriceCaps,
		maxTries:  deps.MaxTries,
		log:       deps.Logger,
	}
}

// Start opens a wizard, replacing any flow the identity abandoned on the
// same channel, and returns the first prompt.
func (c *Controller) Start(ctx context.Context, channel, identityID string, kind Kind, initial map[string]string) (Step, error) {
	w, err := c.newWizard(ctx, kind, identityID, initial)
	if err != nil {
		return Step{}, err
	}

	key := Key{Channel: channel, IdentityID: identityID}
	c.store.Put(key, &session{wizard: w})
	return Step{Prompt: w.prompt()}, nil
}

// Advance feeds one turn of input into the active wizard. Invalid input
// keeps the wizard on the same stage with all accumulated parameters intact
// and burns one retry; exhausting the budget abandons the flow. Input of the
// wrong class entirely, such as an image at a text stage, re-prompts without
// spending a retry. A completed
// wizard is cleared before its command is dispatched, so a dispatch failure
// never leaves a half-finished flow behind.
func (c *Controller) Advance(ctx context.Context, channel, identityID string, in Input) (Step, error) {
	key := Key{Channel: channel, IdentityID: identityID}
	sess, ok := c.store.Get(key)
	if !ok {
		return Step{}, ErrNoWizard
	}

	step, err := sess.wizard.advance(in)
	if err != nil {
		if errors.Is(err, ErrUnexpectedInput) {
			// Wrong input class, not a failed attempt. Re-prompt for free.
			return Step{Prompt: sess.wizard.prompt()}, err
		}
		if !errors.Is(err, ErrInvalidInput) {
			return Step{}, err
		}
		sess.tries++
		if sess.tries >= c.maxTries {
			c.store.Clear(key)
			c.log.Info("wizard abandoned",
				zap.String("kind", string(sess.wizard.kind())),
				zap.String("identity", identityID))
			return Step{}, ErrTooManyTries
		}
		c.store.Put(key, sess)
		return Step{Prompt: sess.wizard.prompt()}, err
	}

	if !step.Done {
		sess.tries = 0
		c.store.Put(key, sess)
		return step, nil
	}

	c.store.Clear(key)
	outcome, err := c.dispatch.Dispatch(ctx, identityID, *step.Command)
	if err != nil {
		return Step{}, err
	}
	step.Prompt = outcome
	return step, nil
}

// Active reports the wizard kind currently open for the identity on the
// channel, if any.
func (c *Controller) Active(channel, identityID string) (Kind, bool) {
	sess, ok := c.store.Get(Key{Channel: channel, IdentityID: identityID})
	if !ok {
		return "", false
	}
	return sess.wizard.kind(), true
}

// Clear abandons the active wizard, if any. The gate calls this whenever a
// non-continuing operation interrupts a flow.
func (c *Controller) Clear(channel, identityID string) {
	c.store.Clear(Key{Channel: channel, IdentityID: identityID})
}
