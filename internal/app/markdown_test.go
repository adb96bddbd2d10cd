package app

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/camptracker/markdown-viewer/internal/store"
)

func assertDomainCode(t *testing.T, err error, code string) {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected a domain error with code %s, got %v", code, err)
	}
	if domainErr.Code != code {
		t.Fatalf("expected code %s, got %s (%v)", code, domainErr.Code, err)
	}
}

func TestCreateMarkdownRequiresContent(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms, newFakeSessions())
	visitor := seedVisitor(t, ms, uuid.NewString())

	_, err := svc.CreateMarkdown(context.Background(), visitor, CreateMarkdownInput{Content: "   \n\t"})
	assertDomainCode(t, err, "INVALID_INPUT")
}

func TestCreateMarkdownDefaults(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms, newFakeSessions())
	visitor := seedVisitor(t, ms, uuid.NewString())

	payload, err := svc.CreateMarkdown(context.Background(), visitor, CreateMarkdownInput{Content: "# hello"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	item := payload["markdown"].(map[string]any)
	if item["title"] != "Untitled" {
		t.Fatalf("expected default title, got %v", item["title"])
	}
	if item["canEdit"] != true {
		t.Fatalf("expected canEdit to default true, got %v", item["canEdit"])
	}
	if item["ownerName"] != visitor.DisplayName() {
		t.Fatalf("expected ownerName %q, got %v", visitor.DisplayName(), item["ownerName"])
	}
}

func TestGetMarkdownReportsOwnership(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms, newFakeSessions())
	owner := seedVisitor(t, ms, uuid.NewString())
	other := seedVisitor(t, ms, uuid.NewString())
	seedDocument(t, ms, "doc_1", owner.ID, "# hello", true)

	payload, err := svc.GetMarkdown(context.Background(), owner, "doc_1")
	if err != nil {
		t.Fatalf("get as owner: %v", err)
	}
	if payload["isOwner"] != true {
		t.Fatalf("owner must see isOwner=true")
	}

	payload, err = svc.GetMarkdown(context.Background(), other, "doc_1")
	if err != nil {
		t.Fatalf("get as other: %v", err)
	}
	if payload["isOwner"] != false {
		t.Fatalf("non-owner must see isOwner=false")
	}
	item := payload["markdown"].(map[string]any)
	if item["ownerName"] != owner.DisplayName() {
		t.Fatalf("expected ownerName %q, got %v", owner.DisplayName(), item["ownerName"])
	}
}

func TestGetMarkdownNotFound(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms, newFakeSessions())
	visitor := seedVisitor(t, ms, uuid.NewString())

	_, err := svc.GetMarkdown(context.Background(), visitor, "doc_missing")
	assertDomainCode(t, err, "NOT_FOUND")
}

func TestListMarkdownsNewestFirst(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms, newFakeSessions())
	visitor := seedVisitor(t, ms, uuid.NewString())
	other := seedVisitor(t, ms, uuid.NewString())
	seedDocument(t, ms, "doc_old", visitor.ID, "# old", true)
	seedDocument(t, ms, "doc_new", visitor.ID, "# new", true)
	seedDocument(t, ms, "doc_other", other.ID, "# other", true)

	payload, err := svc.ListMarkdowns(context.Background(), visitor)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	items := payload["markdowns"].([]map[string]any)
	if len(items) != 2 {
		t.Fatalf("expected 2 documents, got %d", len(items))
	}
	if items[0]["id"] != "doc_new" || items[1]["id"] != "doc_old" {
		t.Fatalf("expected newest first, got %v then %v", items[0]["id"], items[1]["id"])
	}
	if _, hasContent := items[0]["content"]; hasContent {
		t.Fatalf("list entries must not carry content")
	}
}

func TestUpdateByNonOwnerWhenEditable(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms, newFakeSessions())
	owner := seedVisitor(t, ms, uuid.NewString())
	editor := seedVisitor(t, ms, uuid.NewString())
	seedDocument(t, ms, "doc_1", owner.ID, "# hello", true)

	content := "# edited by someone else"
	payload, err := svc.UpdateMarkdown(context.Background(), editor, "doc_1", UpdateMarkdownInput{Content: &content})
	if err != nil {
		t.Fatalf("editable document must accept non-owner updates: %v", err)
	}
	item := payload["markdown"].(map[string]any)
	if item["content"] != content {
		t.Fatalf("content not updated, got %v", item["content"])
	}
	stored, _ := ms.GetDocument(context.Background(), "doc_1")
	if stored.OwnerID != owner.ID {
		t.Fatalf("updates must never change ownership")
	}
}

func TestUpdateReadOnlyBlocksNonOwner(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms, newFakeSessions())
	owner := seedVisitor(t, ms, uuid.NewString())
	editor := seedVisitor(t, ms, uuid.NewString())
	seedDocument(t, ms, "doc_1", owner.ID, "# hello", false)

	content := "# nope"
	_, err := svc.UpdateMarkdown(context.Background(), editor, "doc_1", UpdateMarkdownInput{Content: &content})
	assertDomainCode(t, err, "READ_ONLY")

	title := "new title"
	_, err = svc.UpdateMarkdown(context.Background(), editor, "doc_1", UpdateMarkdownInput{Title: &title})
	assertDomainCode(t, err, "READ_ONLY")
}

func TestUpdateReadOnlyOwnerOverride(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms, newFakeSessions())
	owner := seedVisitor(t, ms, uuid.NewString())
	seedDocument(t, ms, "doc_1", owner.ID, "# hello", false)

	content := "# owner still edits"
	if _, err := svc.UpdateMarkdown(context.Background(), owner, "doc_1", UpdateMarkdownInput{Content: &content}); err != nil {
		t.Fatalf("owner override should permit the update: %v", err)
	}

	cfg := testConfig()
	cfg.OwnerCanEditReadOnly = false
	strict := New(cfg, ms, newFakeSessions())
	_, err := strict.UpdateMarkdown(context.Background(), owner, "doc_1", UpdateMarkdownInput{Content: &content})
	assertDomainCode(t, err, "READ_ONLY")
}

func TestCanEditFlagIsOwnerOnly(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms, newFakeSessions())
	owner := seedVisitor(t, ms, uuid.NewString())
	editor := seedVisitor(t, ms, uuid.NewString())
	seedDocument(t, ms, "doc_1", owner.ID, "# hello", true)

	off := false
	_, err := svc.UpdateMarkdown(context.Background(), editor, "doc_1", UpdateMarkdownInput{CanEdit: &off})
	assertDomainCode(t, err, "FORBIDDEN")

	if _, err := svc.UpdateMarkdown(context.Background(), owner, "doc_1", UpdateMarkdownInput{CanEdit: &off}); err != nil {
		t.Fatalf("owner must be able to flip can_edit: %v", err)
	}
	stored, _ := ms.GetDocument(context.Background(), "doc_1")
	if stored.CanEdit {
		t.Fatalf("can_edit was not persisted")
	}
}

// Full lifecycle of the editability flag across two identities.
func TestReadOnlyToggleScenario(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms, newFakeSessions())
	a := seedVisitor(t, ms, uuid.NewString())
	b := seedVisitor(t, ms, uuid.NewString())

	payload, err := svc.CreateMarkdown(context.Background(), a, CreateMarkdownInput{Content: "# shared"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	documentID := payload["markdown"].(map[string]any)["id"].(string)

	content := "# b was here"
	if _, err := svc.UpdateMarkdown(context.Background(), b, documentID, UpdateMarkdownInput{Content: &content}); err != nil {
		t.Fatalf("b should edit while can_edit is on: %v", err)
	}

	off := false
	if _, err := svc.UpdateMarkdown(context.Background(), a, documentID, UpdateMarkdownInput{CanEdit: &off}); err != nil {
		t.Fatalf("a should lock the document: %v", err)
	}

	_, err = svc.UpdateMarkdown(context.Background(), b, documentID, UpdateMarkdownInput{Content: &content})
	assertDomainCode(t, err, "READ_ONLY")

	ownerContent := "# a still edits"
	if _, err := svc.UpdateMarkdown(context.Background(), a, documentID, UpdateMarkdownInput{Content: &ownerContent}); err != nil {
		t.Fatalf("owner should still edit the locked document: %v", err)
	}
}

func TestDeleteIsOwnerOnly(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms, newFakeSessions())
	owner := seedVisitor(t, ms, uuid.NewString())
	other := seedVisitor(t, ms, uuid.NewString())
	seedDocument(t, ms, "doc_1", owner.ID, "# hello", true)

	err := svc.DeleteMarkdown(context.Background(), other, "doc_1")
	assertDomainCode(t, err, "FORBIDDEN")

	if err := svc.DeleteMarkdown(context.Background(), owner, "doc_1"); err != nil {
		t.Fatalf("owner delete: %v", err)
	}
	_, err = svc.GetMarkdown(context.Background(), owner, "doc_1")
	assertDomainCode(t, err, "NOT_FOUND")
}

func TestMePayloadStripsAccessTokens(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms, newFakeSessions())

	identity, err := ms.CreateLinkedIdentity(context.Background(), "idn_linked", store.ProviderProfile{
		Provider:    store.ProviderGitHub,
		ExternalID:  "gh-42",
		Username:    "octocat",
		AvatarURL:   "https://avatars.example/octocat",
		AccessToken: "gho_secret",
	}, "")
	if err != nil {
		t.Fatalf("seed linked identity: %v", err)
	}

	payload := svc.MePayload(identity)
	if payload["isAuthenticated"] != true {
		t.Fatalf("expected isAuthenticated true")
	}
	if payload["displayName"] != "octocat" {
		t.Fatalf("expected displayName octocat, got %v", payload["displayName"])
	}
	github := payload["github"].(map[string]any)
	for key := range github {
		if key != "username" && key != "avatarUrl" {
			t.Fatalf("unexpected github field %q in me payload", key)
		}
	}
}
