package identity

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kozaktomas/faceid/internal/database"
)

// TokenIssuer issues an access token for an authenticated account.
type TokenIssuer interface {
	Issue(ctx context.Context, accountID string) (string, error)
}

// Extractor turns an image into a face embedding.
type Extractor interface {
	Extract(ctx context.Context, image []byte) ([]float32, error)
}

// AuthConfig tunes face login.
type AuthConfig struct {
	// Threshold is the exclusive upper bound on L2 distance for a match.
	Threshold float64
	// Diagnostics fills Similarity on the matched account's vectors.
	Diagnostics bool
}

// Registration is the result of a successful sign-up.
type Registration struct {
	ID    string
	Token string
}

// Authenticator composes the account service, matcher and token issuer into
// the externally visible auth operations. Every returned error carries a Kind.
type Authenticator struct {
	accounts  *AccountService
	matcher   *Matcher
	tokens    TokenIssuer
	extractor Extractor
	cfg       AuthConfig
	logger    *slog.Logger
}

// NewAuthenticator wires the orchestrator. extractor may be nil when image
// login is not offered.
func NewAuthenticator(
	accounts *AccountService, matcher *Matcher, tokens TokenIssuer, extractor Extractor,
	cfg AuthConfig, logger *slog.Logger,
) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{
		accounts:  accounts,
		matcher:   matcher,
		tokens:    tokens,
		extractor: extractor,
		cfg:       cfg,
		logger:    logger,
	}
}

// Threshold returns the configured match threshold.
func (a *Authenticator) Threshold() float64 {
	return a.cfg.Threshold
}

func (a *Authenticator) fail(err error, op string, attrs ...any) error {
	ext := external(err, op, attrs...)
	switch kind := KindOf(ext); kind {
	case KindStorage, KindInternal:
		a.logger.Error("auth operation failed", "op", op, "kind", kind, "error", err)
	default:
		a.logger.Info("auth operation rejected", "op", op, "kind", kind)
	}
	return ext
}

// Register creates the account and issues a token for it.
func (a *Authenticator) Register(
	ctx context.Context, username, password string, vectors [][]float32,
) (*Registration, error) {
	acc, err := a.accounts.Register(ctx, username, password, vectors)
	if err != nil {
		return nil, a.fail(err, "register")
	}
	token, err := a.tokens.Issue(ctx, acc.ID)
	if err != nil {
		return nil, a.fail(fmt.Errorf("issue token: %w", err), "register", "account_id", acc.ID)
	}
	return &Registration{ID: acc.ID, Token: token}, nil
}

// CredentialLogin authenticates by username and password and issues a token.
func (a *Authenticator) CredentialLogin(ctx context.Context, username, password string) (string, error) {
	acc, err := a.accounts.AuthenticateCredential(ctx, username, password)
	if err != nil {
		return "", a.fail(err, "credential_login")
	}
	token, err := a.tokens.Issue(ctx, acc.ID)
	if err != nil {
		return "", a.fail(fmt.Errorf("issue token: %w", err), "credential_login", "account_id", acc.ID)
	}
	return token, nil
}

// FaceLogin resolves raw to an account. With diagnostics on, each of the
// account's vectors carries its distance to raw.
func (a *Authenticator) FaceLogin(ctx context.Context, raw []float32) (*database.Account, error) {
	query, err := database.NewVector(raw)
	if err != nil {
		return nil, a.fail(err, "face_login")
	}
	acc, dist, err := a.matcher.ResolveByVector(ctx, query, a.cfg.Threshold)
	if err != nil {
		return nil, a.fail(err, "face_login")
	}
	if a.cfg.Diagnostics {
		AnnotateSimilarities(acc, query)
	}
	a.logger.Debug("face matched", "account_id", acc.ID, "distance", dist, "threshold", a.cfg.Threshold)
	return acc, nil
}

// Extract runs the extractor on image. Any extractor failure is ErrExtraction.
func (a *Authenticator) Extract(ctx context.Context, image []byte) ([]float32, error) {
	if a.extractor == nil {
		return nil, a.fail(fmt.Errorf("%w: no extractor configured", ErrExtraction), "extract")
	}
	raw, err := a.extractor.Extract(ctx, image)
	if err != nil {
		if database.IsCanceled(err) {
			return nil, a.fail(database.StorageFault("extract", err), "extract")
		}
		return nil, a.fail(fmt.Errorf("%w: %w", ErrExtraction, err), "extract")
	}
	if len(raw) != database.VectorDim {
		return nil, a.fail(fmt.Errorf("%w: extractor returned %d elements", ErrExtraction, len(raw)), "extract")
	}
	return raw, nil
}

// FaceLoginImage extracts an embedding from image and logs in with it.
func (a *Authenticator) FaceLoginImage(ctx context.Context, image []byte) (*database.Account, error) {
	raw, err := a.Extract(ctx, image)
	if err != nil {
		return nil, err
	}
	return a.FaceLogin(ctx, raw)
}
