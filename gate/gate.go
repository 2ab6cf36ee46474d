// Package gate wraps every command entry point: it authenticates the
// caller, enforces capability checks, clears interrupted wizard state and
// translates service errors into the transport taxonomy.
package gate

import (
	"context"
	"time"

	"go.uber.org/zap"

	"exchangehall/conversation"
	"exchangehall/identity"
	"exchangehall/observe"
)

// Identities resolves and fetches caller identities.
type Identities interface {
	Resolve(ctx context.Context, externalID, handle string) (identity.Identity, error)
	Get(ctx context.Context, id string) (identity.Identity, error)
}

// Capabilities is the slice of the capability layer the gate needs.
type Capabilities interface {
	Bootstrap(ctx context.Context, identityID string) (bool, error)
	RequireField(ctx context.Context, identityID, field string) error
}

// WizardClearer abandons interrupted conversation state.
type WizardClearer interface {
	Clear(channel, identityID string)
}

// Relays is the anonymous message thread registry between trade parties.
type Relays interface {
	Open(ctx context.Context, a, b string) (conversation.Thread, error)
	Relay(ctx context.Context, threadID, senderID string) (string, error)
	ClosePair(a, b string)
}

// Blocker places a one-way block between identities.
type Blocker interface {
	Block(ctx context.Context, ownerID, targetID string) error
}

type Gate struct {
	ids     Identities
	caps    Capabilities
	wizards WizardClearer
	relays  Relays
	blocks  Blocker
	tokens  *TokenIssuer
	metrics *observe.Metrics
	log     *zap.Logger
}

type Deps struct {
	IDs     Identities
	Caps    Capabilities
	Wizards WizardClearer
	Relays  Relays
	Blocks  Blocker
	Tokens  *TokenIssuer
	Metrics *observe.Metrics
	Logger  *zap.Logger
}

func New(deps Deps) *Gate {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Gate{
		ids:     deps.IDs,
		caps:    deps.Caps,
		wizards: deps.Wizards,
		relays:  deps.Relays,
		blocks:  deps.Blocks,
		tokens:  deps.Tokens,
		metrics: deps.Metrics,
		log:     deps.Logger,
	}
}

// Session is an authenticated caller.
type Session struct {
	Identity identity.Identity
	Token    string
}

// Open resolves the transport caller into an identity, creating it on first
// contact, and returns a signed session token. The first identities through
// the door take the system seats.
func (g *Gate) Open(ctx context.Context, externalID, handle string) (Session, error) {
	ident, err := g.ids.Resolve(ctx, externalID, handle)
	if err != nil {
		return Session{}, err
	}

	promoted, err := g.caps.Bootstrap(ctx, ident.ID)
	if err != nil {
		return Session{}, err
	}
	if promoted {
		g.log.Info("identity promoted to system group", zap.String("identity", ident.ID))
	}

	token, err := g.tokens.Issue(ident.ID)
	if err != nil {
		return Session{}, err
	}
	return Session{Identity: ident, Token: token}, nil
}

// Authenticate verifies a session token and loads the caller. Banned
// identities fail here regardless of token validity.
func (g *Gate) Authenticate(ctx context.Context, token string) (identity.Identity, error) {
	identityID, err := g.tokens.Verify(token)
	if err != nil {
		return identity.Identity{}, err
	}

	ident, err := g.ids.Get(ctx, identityID)
	if err != nil {
		return identity.Identity{}, err
	}
	if ident.Banned {
		return identity.Identity{}, identity.ErrBanned
	}
	return ident, nil
}

// Request describes one guarded command invocation.
type Request struct {
	Token   string
	Command string
	Channel string
	// RequiredField gates the command on a capability when set.
	RequiredField string
	// ContinuesWizard keeps interrupted conversation state alive; every
	// other command clears it before running.
	ContinuesWizard bool
}

// Result is the structured outcome handed back to the transport.
type Result struct {
	Output    string
	ErrorKind ErrorKind
}

// Execute runs one command under the full guard stack and reports the
// outcome with its taxonomy kind. The wrapped error is returned alongside
// for logging; user-facing layers key off Result.ErrorKind only.
func (g *Gate) Execute(ctx context.Context, req Request, fn func(ctx context.Context, actor identity.Identity) (string, error)) (Result, error) {
	start := time.Now()
	out, err := g.run(ctx, req, fn)
	elapsed := time.Since(start)

	outcome := "ok"
	var kind ErrorKind
	if err != nil {
		kind = Classify(err)
		outcome = string(kind)
	}
	g.metrics.IncrementCommand(req.Command, outcome)
	g.metrics.ObserveCommandLatency(req.Command, elapsed)

	if err != nil {
		if kind == KindInternal {
			g.log.Error("command failed",
				zap.String("command", req.Command),
				zap.Error(err))
		} else {
			g.log.Debug("command rejected",
				zap.String("command", req.Command),
				zap.String("kind", string(kind)),
				zap.Error(err))
		}
		return Result{ErrorKind: kind}, err
	}
	return Result{Output: out}, nil
}

func (g *Gate) run(ctx context.Context, req Request, fn func(ctx context.Context, actor identity.Identity) (string, error)) (string, error) {
	actor, err := g.Authenticate(ctx, req.Token)
	if err != nil {
		return "", err
	}

	if req.RequiredField != "" {
		if err := g.caps.RequireField(ctx, actor.ID, req.RequiredField); err != nil {
			return "", err
		}
	}

	if !req.ContinuesWizard && g.wizards != nil {
		g.wizards.Clear(req.Channel, actor.ID)
	}

	return fn(ctx, actor)
}

// OpenRelay links the authenticated caller with a counterpart for anonymous
// message relay, reusing a live thread if one exists.
func (g *Gate) OpenRelay(ctx context.Context, token, counterpartID string) (conversation.Thread, error) {
	actor, err := g.Authenticate(ctx, token)
	if err != nil {
		return conversation.Thread{}, err
	}
	return g.relays.Open(ctx, actor.ID, counterpartID)
}

// RelayRecipient resolves who receives the caller's next message on the
// thread. The block barrier is re-checked on every call.
func (g *Gate) RelayRecipient(ctx context.Context, token, threadID string) (string, error) {
	actor, err := g.Authenticate(ctx, token)
	if err != nil {
		return "", err
	}
	return g.relays.Relay(ctx, threadID, actor.ID)
}

// BlockCounterpart places a block and cuts any relay thread the caller
// shares with the target.
func (g *Gate) BlockCounterpart(ctx context.Context, token, targetID string) error {
	actor, err := g.Authenticate(ctx, token)
	if err != nil {
		return err
	}
	if err := g.blocks.Block(ctx, actor.ID, targetID); err != nil {
		return err
	}
	g.relays.ClosePair(actor.ID, targetID)
	return nil
}
