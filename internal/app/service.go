package app

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/camptracker/markdown-viewer/internal/config"
	"github.com/camptracker/markdown-viewer/internal/oauth"
	"github.com/camptracker/markdown-viewer/internal/session"
	"github.com/camptracker/markdown-viewer/internal/store"
	"github.com/camptracker/markdown-viewer/internal/util"
)

const oauthStateTTL = 5 * time.Minute

type dataStore interface {
	Ping(context.Context) error
	GetIdentity(context.Context, string) (store.Identity, error)
	GetIdentityByToken(context.Context, string) (store.Identity, error)
	GetIdentityByProvider(context.Context, string, string) (store.Identity, error)
	CreateAnonymousIdentity(context.Context, string, string) (store.Identity, error)
	CreateLinkedIdentity(context.Context, string, store.ProviderProfile, string) (store.Identity, error)
	AttachProvider(context.Context, string, store.ProviderProfile) (store.Identity, error)
	UpdateProviderProfile(context.Context, string, store.ProviderProfile) (store.Identity, error)
	TransferDocuments(context.Context, string, string) (int64, error)
	InsertDocument(context.Context, store.Document) (store.Document, error)
	GetDocument(context.Context, string) (store.Document, error)
	UpdateDocument(context.Context, string, *string, *string, *bool) (store.Document, error)
	DeleteDocument(context.Context, string) error
	ListDocumentsByOwner(context.Context, string) ([]store.Document, error)
}

type sessionStore interface {
	Get(context.Context, string) (session.Session, error)
	Save(context.Context, session.Session) error
	Delete(context.Context, string) error
	SaveOAuthState(context.Context, string, session.OAuthState, time.Duration) error
	TakeOAuthState(context.Context, string) (session.OAuthState, error)
	Ping(context.Context) error
}

type Service struct {
	cfg       config.Config
	store     dataStore
	sessions  sessionStore
	providers map[string]oauth.Provider
}

func New(cfg config.Config, dataStore dataStore, sessions sessionStore, providers ...oauth.Provider) *Service {
	byName := make(map[string]oauth.Provider, len(providers))
	for _, provider := range providers {
		byName[provider.Name()] = provider
	}
	return &Service{cfg: cfg, store: dataStore, sessions: sessions, providers: byName}
}

func (s *Service) Ping(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return err
	}
	return s.sessions.Ping(ctx)
}

func (s *Service) GetSession(ctx context.Context, sessionID string) (session.Session, error) {
	return s.sessions.Get(ctx, sessionID)
}

// ── Identity resolution ──

// Resolution is the outcome of attaching an identity to a request.
// MintedToken is non-empty when a fresh anonymous identity was created and
// the caller must echo the token back to the client.
type Resolution struct {
	Identity    store.Identity
	MintedToken string
}

// ResolveIdentity guarantees the request acts as exactly one identity:
// authenticated session first, then the session's visitor token, then a
// client-supplied candidate token, then a freshly minted anonymous identity.
// sess is mutated and persisted whenever the resolution changed it.
func (s *Service) ResolveIdentity(ctx context.Context, sess *session.Session, candidate string) (Resolution, error) {
	if sess.IdentityID != "" {
		identity, err := s.store.GetIdentity(ctx, sess.IdentityID)
		if err == nil {
			return Resolution{Identity: identity}, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return Resolution{}, storeUnavailableError()
		}
		// stale identity reference; resolve as a visitor below
		sess.IdentityID = ""
	}

	if sess.VisitorToken != "" {
		identity, err := s.store.GetIdentityByToken(ctx, sess.VisitorToken)
		if err == nil {
			return Resolution{Identity: identity}, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return Resolution{}, storeUnavailableError()
		}
	}

	if candidate != "" {
		identity, err := s.store.GetIdentityByToken(ctx, candidate)
		if err == nil {
			sess.VisitorToken = candidate
			if err := s.sessions.Save(ctx, *sess); err != nil {
				return Resolution{}, storeUnavailableError()
			}
			return Resolution{Identity: identity}, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return Resolution{}, storeUnavailableError()
		}
	}

	// Mint. A syntactically valid unused candidate is adopted so client
	// localStorage and server state stay in sync deterministically.
	token := uuid.NewString()
	if isVisitorToken(candidate) {
		token = candidate
	}
	identity, err := s.store.CreateAnonymousIdentity(ctx, util.NewID("idn"), token)
	if err != nil {
		if !store.IsUniqueViolation(err) {
			return Resolution{}, storeUnavailableError()
		}
		// two fresh requests adopted the same candidate; reuse the winner
		identity, err = s.store.GetIdentityByToken(ctx, token)
		if err != nil {
			return Resolution{}, storeUnavailableError()
		}
	}
	sess.VisitorToken = token
	if err := s.sessions.Save(ctx, *sess); err != nil {
		return Resolution{}, storeUnavailableError()
	}
	return Resolution{Identity: identity, MintedToken: token}, nil
}

// isVisitorToken reports whether the candidate matches the expected token
// format: a canonical UUID v4. uuid.Parse alone also accepts braced, urn: and
// bare-hex spellings, which must not be stored verbatim.
func isVisitorToken(candidate string) bool {
	parsed, err := uuid.Parse(candidate)
	if err != nil || parsed.Version() != 4 {
		return false
	}
	return parsed.String() == strings.ToLower(candidate)
}

// ── OAuth flow and merge coordination ──

// BeginOAuth mints the state parameter and stashes the flow's origin under it
// so the callback can tell a visitor's first link from an authenticated
// account adding another provider.
func (s *Service) BeginOAuth(ctx context.Context, providerName string, sess *session.Session) (string, error) {
	provider, ok := s.providers[providerName]
	if !ok {
		return "", notFoundError()
	}
	state := session.NewState()
	record := session.OAuthState{
		IdentityID:   sess.IdentityID,
		VisitorToken: sess.VisitorToken,
	}
	if err := s.sessions.SaveOAuthState(ctx, state, record, oauthStateTTL); err != nil {
		return "", storeUnavailableError()
	}
	return provider.AuthCodeURL(state), nil
}

// CompleteOAuth handles the provider callback: validates state, exchanges the
// code, links or refreshes the identity, and rewrites the session to the
// authenticated identity, dropping the visitor token from it.
func (s *Service) CompleteOAuth(ctx context.Context, providerName, code, state string, sess *session.Session) (store.Identity, error) {
	provider, ok := s.providers[providerName]
	if !ok {
		return store.Identity{}, notFoundError()
	}

	origin, err := s.sessions.TakeOAuthState(ctx, state)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return store.Identity{}, domainError(http.StatusForbidden, "FORBIDDEN", "Invalid or expired state", nil)
		}
		return store.Identity{}, storeUnavailableError()
	}

	profile, err := provider.Exchange(ctx, code)
	if err != nil {
		log.Printf("oauth exchange failed for provider=%s: %v", providerName, err)
		return store.Identity{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "OAuth exchange failed", nil)
	}

	identity, err := s.linkIdentity(ctx, store.ProviderProfile{
		Provider:    profile.Provider,
		ExternalID:  profile.ExternalID,
		Username:    profile.Username,
		Email:       profile.Email,
		Name:        profile.Name,
		AvatarURL:   profile.AvatarURL,
		AccessToken: profile.AccessToken,
	}, origin)
	if err != nil {
		return store.Identity{}, err
	}

	sess.IdentityID = identity.ID
	sess.VisitorToken = ""
	if err := s.sessions.Save(ctx, *sess); err != nil {
		return store.Identity{}, storeUnavailableError()
	}
	return identity, nil
}

// linkIdentity resolves "the" identity for an external account. An account
// already on file is a returning login. An unseen account started by an
// authenticated identity is attached to that identity (one account, several
// providers). An unseen account started by a visitor becomes a new identity
// that merges the visitor's documents, exactly once.
func (s *Service) linkIdentity(ctx context.Context, profile store.ProviderProfile, origin session.OAuthState) (store.Identity, error) {
	existing, err := s.store.GetIdentityByProvider(ctx, profile.Provider, profile.ExternalID)
	if err == nil {
		return s.refreshReturning(ctx, existing, profile)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return store.Identity{}, storeUnavailableError()
	}

	if origin.IdentityID != "" {
		current, err := s.store.GetIdentity(ctx, origin.IdentityID)
		switch {
		case err == nil && current.IsAuthenticated():
			attached, err := s.store.AttachProvider(ctx, current.ID, profile)
			if err != nil {
				if store.IsUniqueViolation(err) {
					// the external account got claimed mid-flow; its identity wins
					winner, err := s.store.GetIdentityByProvider(ctx, profile.Provider, profile.ExternalID)
					if err != nil {
						return store.Identity{}, storeUnavailableError()
					}
					return s.refreshReturning(ctx, winner, profile)
				}
				return store.Identity{}, storeUnavailableError()
			}
			return attached, nil
		case err != nil && !errors.Is(err, sql.ErrNoRows):
			return store.Identity{}, storeUnavailableError()
		}
		// stale identity reference; fall through to the visitor path
	}

	// First link. Find the pre-authentication anonymous identity, if any.
	var anonID string
	if origin.VisitorToken != "" {
		anon, err := s.store.GetIdentityByToken(ctx, origin.VisitorToken)
		switch {
		case err == nil && !anon.IsAuthenticated():
			anonID = anon.ID
		case err != nil && !errors.Is(err, sql.ErrNoRows):
			return store.Identity{}, storeUnavailableError()
		}
	}

	identity, err := s.store.CreateLinkedIdentity(ctx, util.NewID("idn"), profile, anonID)
	if err != nil {
		if store.IsUniqueViolation(err) {
			// lost a linking race for this external account; the winner's
			// identity is authoritative and nothing is re-transferred
			existing, err := s.store.GetIdentityByProvider(ctx, profile.Provider, profile.ExternalID)
			if err != nil {
				return store.Identity{}, storeUnavailableError()
			}
			return s.refreshReturning(ctx, existing, profile)
		}
		return store.Identity{}, storeUnavailableError()
	}

	if anonID != "" {
		moved, err := s.store.TransferDocuments(ctx, anonID, identity.ID)
		if err != nil {
			// Login still succeeds; the pending marker stays set so the next
			// callback retries the transfer.
			log.Printf("document transfer %s -> %s failed, will retry: %v", anonID, identity.ID, err)
			return identity, nil
		}
		identity.PendingTransferFrom = ""
		log.Printf("merged %d documents from %s into %s", moved, anonID, identity.ID)
	}
	return identity, nil
}

// refreshReturning handles a returning authenticated login: profile fields
// refresh, document ownership is never touched, except to finish a transfer a
// previous first link left incomplete.
func (s *Service) refreshReturning(ctx context.Context, existing store.Identity, profile store.ProviderProfile) (store.Identity, error) {
	identity, err := s.store.UpdateProviderProfile(ctx, existing.ID, profile)
	if err != nil {
		return store.Identity{}, storeUnavailableError()
	}
	if identity.PendingTransferFrom != "" {
		moved, err := s.store.TransferDocuments(ctx, identity.PendingTransferFrom, identity.ID)
		if err != nil {
			log.Printf("pending document transfer %s -> %s failed, will retry: %v", identity.PendingTransferFrom, identity.ID, err)
			return identity, nil
		}
		log.Printf("completed pending transfer of %d documents from %s into %s", moved, identity.PendingTransferFrom, identity.ID)
		identity.PendingTransferFrom = ""
	}
	return identity, nil
}

func (s *Service) Logout(ctx context.Context, sess session.Session) error {
	if err := s.sessions.Delete(ctx, sess.ID); err != nil {
		return storeUnavailableError()
	}
	return nil
}

// MePayload describes the acting identity to the client. Provider access
// tokens never leave the server.
func (s *Service) MePayload(identity store.Identity) map[string]any {
	payload := map[string]any{
		"id":              identity.ID,
		"isAuthenticated": identity.IsAuthenticated(),
		"displayName":     identity.DisplayName(),
	}
	if identity.GitHubID != "" {
		payload["github"] = map[string]any{
			"username":  identity.GitHubUsername,
			"avatarUrl": identity.GitHubAvatarURL,
		}
	}
	if identity.GoogleID != "" {
		payload["google"] = map[string]any{
			"email":     identity.GoogleEmail,
			"name":      identity.GoogleName,
			"avatarUrl": identity.GoogleAvatarURL,
		}
	}
	return payload
}

// ── Documents ──

type CreateMarkdownInput struct {
	Content string `json:"content"`
	Title   string `json:"title"`
	CanEdit *bool  `json:"can_edit"`
}

type UpdateMarkdownInput struct {
	Content *string `json:"content"`
	Title   *string `json:"title"`
	CanEdit *bool   `json:"can_edit"`
}

func (s *Service) CreateMarkdown(ctx context.Context, requester store.Identity, input CreateMarkdownInput) (map[string]any, error) {
	if strings.TrimSpace(input.Content) == "" {
		return nil, invalidInputError("content is required")
	}
	title := input.Title
	if title == "" {
		title = "Untitled"
	}
	canEdit := true
	if input.CanEdit != nil {
		canEdit = *input.CanEdit
	}

	item, err := s.store.InsertDocument(ctx, store.Document{
		ID:      util.NewID("doc"),
		Content: input.Content,
		Title:   title,
		CanEdit: canEdit,
		OwnerID: requester.ID,
	})
	if err != nil {
		return nil, storeUnavailableError()
	}
	return map[string]any{"markdown": markdownPayload(item, requester.DisplayName())}, nil
}

func (s *Service) GetMarkdown(ctx context.Context, requester store.Identity, documentID string) (map[string]any, error) {
	item, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFoundError()
		}
		return nil, storeUnavailableError()
	}

	ownerName := "visitor"
	if owner, err := s.store.GetIdentity(ctx, item.OwnerID); err == nil {
		ownerName = owner.DisplayName()
	}

	return map[string]any{
		"markdown": markdownPayload(item, ownerName),
		"isOwner":  item.OwnerID == requester.ID,
	}, nil
}

func (s *Service) ListMarkdowns(ctx context.Context, requester store.Identity) (map[string]any, error) {
	items, err := s.store.ListDocumentsByOwner(ctx, requester.ID)
	if err != nil {
		return nil, storeUnavailableError()
	}
	payloads := make([]map[string]any, 0, len(items))
	for _, item := range items {
		payloads = append(payloads, map[string]any{
			"id":        item.ID,
			"title":     item.Title,
			"canEdit":   item.CanEdit,
			"createdAt": item.CreatedAt,
			"updatedAt": item.UpdatedAt,
		})
	}
	return map[string]any{"markdowns": payloads}, nil
}

// UpdateMarkdown applies a partial update subject to the access guard:
// content/title mutations require can_edit or ownership (owner override is a
// deployment decision, cfg.OwnerCanEditReadOnly); the can_edit flag itself is
// owner-only regardless of its value.
func (s *Service) UpdateMarkdown(ctx context.Context, requester store.Identity, documentID string, input UpdateMarkdownInput) (map[string]any, error) {
	item, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFoundError()
		}
		return nil, storeUnavailableError()
	}
	isOwner := item.OwnerID == requester.ID

	if (input.Content != nil || input.Title != nil) && !item.CanEdit {
		if !isOwner || !s.cfg.OwnerCanEditReadOnly {
			return nil, readOnlyError()
		}
	}
	if input.CanEdit != nil && !isOwner {
		return nil, forbiddenError()
	}

	updated, err := s.store.UpdateDocument(ctx, documentID, input.Content, input.Title, input.CanEdit)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFoundError()
		}
		return nil, storeUnavailableError()
	}

	ownerName := "visitor"
	if owner, err := s.store.GetIdentity(ctx, updated.OwnerID); err == nil {
		ownerName = owner.DisplayName()
	}
	return map[string]any{"markdown": markdownPayload(updated, ownerName)}, nil
}

func (s *Service) DeleteMarkdown(ctx context.Context, requester store.Identity, documentID string) error {
	item, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return notFoundError()
		}
		return storeUnavailableError()
	}
	if item.OwnerID != requester.ID {
		return forbiddenError()
	}
	if err := s.store.DeleteDocument(ctx, documentID); err != nil {
		return storeUnavailableError()
	}
	return nil
}

func markdownPayload(item store.Document, ownerName string) map[string]any {
	return map[string]any{
		"id":        item.ID,
		"content":   item.Content,
		"title":     item.Title,
		"canEdit":   item.CanEdit,
		"ownerName": ownerName,
		"createdAt": item.CreatedAt,
		"updatedAt": item.UpdatedAt,
	}
}
