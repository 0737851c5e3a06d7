package sqlite

import (
	"context"
	"testing"

	"github.com/louisbranch/rollcall/internal/domain"
	"github.com/louisbranch/rollcall/internal/event"
	platformerrors "github.com/louisbranch/rollcall/internal/platform/errors"
)

func TestGenerateNewTokenRequiresUser(t *testing.T) {
	_, err := newTestStore(t, Options{}).GenerateNewToken(context.Background(), 404)
	if !platformerrors.IsCode(err, platformerrors.CodeUserNotFound) {
		t.Fatalf("expected user not found, got %v", err)
	}
}

func TestCheckTokenVerdicts(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, Options{})
	seedClassroom(t, store)

	token, err := store.GenerateNewToken(ctx, 10)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	if token.Value == "" || !token.Active() {
		t.Fatalf("unexpected token: %+v", token)
	}

	ok, err := store.CheckToken(ctx, token.Value, 10)
	if err != nil || !ok {
		t.Fatalf("expected token valid, got %v %v", ok, err)
	}
	// Wrong owner and unknown value both fail closed.
	if ok, err := store.CheckToken(ctx, token.Value, 11); err != nil || ok {
		t.Fatalf("token must not validate for another user, got %v %v", ok, err)
	}
	if ok, err := store.CheckToken(ctx, "no-such-token", 10); err != nil || ok {
		t.Fatalf("unknown token must fail, got %v %v", ok, err)
	}

	if err := store.RevokeToken(ctx, token.Value); err != nil {
		t.Fatalf("revoke token: %v", err)
	}
	if ok, err := store.CheckToken(ctx, token.Value, 10); err != nil || ok {
		t.Fatalf("revoked token must fail, got %v %v", ok, err)
	}
}

func TestGetUserByToken(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, Options{})
	seedClassroom(t, store)

	token, err := store.GenerateNewToken(ctx, 10)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	owner, err := store.GetUserByToken(ctx, token.Value)
	if err != nil {
		t.Fatalf("get user by token: %v", err)
	}
	if owner != 10 {
		t.Fatalf("expected user 10, got %d", owner)
	}
	if _, err := store.GetUserByToken(ctx, "no-such-token"); !platformerrors.IsCode(err, platformerrors.CodeTokenNotFound) {
		t.Fatalf("expected token not found, got %v", err)
	}
}

func TestRevokeAllTokensDeletesEveryRow(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, Options{})
	seedClassroom(t, store)

	var values []string
	for i := 0; i < 3; i++ {
		token, err := store.GenerateNewToken(ctx, 10)
		if err != nil {
			t.Fatalf("generate token: %v", err)
		}
		values = append(values, token.Value)
	}
	// Already-expired tokens go too.
	if err := store.RevokeToken(ctx, values[0]); err != nil {
		t.Fatalf("revoke token: %v", err)
	}

	sub := store.TokenEvents().Subscribe()
	defer sub.Cancel()

	if err := store.RevokeAllTokens(ctx, 10); err != nil {
		t.Fatalf("revoke all: %v", err)
	}
	deleted := make(map[string]bool)
	for i := 0; i < 3; i++ {
		ev := waitEvent(t, sub)
		if ev.Kind != event.Deleted {
			t.Fatalf("expected deletion event, got %+v", ev)
		}
		deleted[ev.State.Value] = true
	}
	for _, value := range values {
		if !deleted[value] {
			t.Fatalf("no deletion event for token %s", value)
		}
		if ok, err := store.CheckToken(ctx, value, 10); err != nil || ok {
			t.Fatalf("token %s must be gone, got %v %v", value, ok, err)
		}
		if _, err := store.GetToken(ctx, value); !platformerrors.IsCode(err, platformerrors.CodeTokenNotFound) {
			t.Fatalf("token %s row must be deleted, got %v", value, err)
		}
	}

	tokens, err := store.GetUserTokens(ctx, 10)
	if err != nil {
		t.Fatalf("get tokens: %v", err)
	}
	if len(tokens) != 0 {
		t.Fatalf("expected no rows left, got %d", len(tokens))
	}
}

func TestDeleteTokenRemovesRow(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, Options{})
	seedClassroom(t, store)

	token, err := store.GenerateNewToken(ctx, 10)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	if err := store.DeleteToken(ctx, token.Value); err != nil {
		t.Fatalf("delete token: %v", err)
	}
	if _, err := store.GetToken(ctx, token.Value); !platformerrors.IsCode(err, platformerrors.CodeTokenNotFound) {
		t.Fatalf("expected token gone, got %v", err)
	}
}

func TestCredentialsRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, Options{EncryptionKey: "test-key", EncryptionSalt: "test-salt"})
	seedClassroom(t, store)

	// Unset credentials read as empty without error.
	value, err := store.GetCredentials(ctx, 10, "diary-password")
	if err != nil {
		t.Fatalf("get unset credential: %v", err)
	}
	if value != "" {
		t.Fatalf("expected empty value, got %q", value)
	}

	if err := store.SetCredentials(ctx, 10, "diary-password", "hunter2"); err != nil {
		t.Fatalf("set credential: %v", err)
	}
	value, err = store.GetCredentials(ctx, 10, "diary-password")
	if err != nil {
		t.Fatalf("get credential: %v", err)
	}
	if value != "hunter2" {
		t.Fatalf("expected hunter2, got %q", value)
	}

	// Overwrite, then clear.
	if err := store.SetCredentials(ctx, 10, "diary-password", "hunter3"); err != nil {
		t.Fatalf("overwrite credential: %v", err)
	}
	if value, _ := store.GetCredentials(ctx, 10, "diary-password"); value != "hunter3" {
		t.Fatalf("expected hunter3, got %q", value)
	}
	if err := store.ClearCredentials(ctx, 10, "diary-password"); err != nil {
		t.Fatalf("clear credential: %v", err)
	}
	if value, _ := store.GetCredentials(ctx, 10, "diary-password"); value != "" {
		t.Fatalf("expected cleared credential, got %q", value)
	}
}

func TestCredentialNameUserIsReserved(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, Options{})
	seedClassroom(t, store)

	err := store.SetCredentials(ctx, 10, domain.ReservedCredentialName, "anything")
	if !platformerrors.IsCode(err, platformerrors.CodeReservedCredential) {
		t.Fatalf("expected reserved-name error, got %v", err)
	}
	if _, err := store.GetCredentials(ctx, 10, domain.ReservedCredentialName); !platformerrors.IsCode(err, platformerrors.CodeReservedCredential) {
		t.Fatalf("expected reserved-name error, got %v", err)
	}
}
