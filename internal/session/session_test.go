package session

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestHolder(t *testing.T, db *gorm.DB) *Holder {
	t.Helper()
	holder, err := NewHolder(Config{Database: db, Clock: func() time.Time { return time.Unix(1700000000, 0) }})
	if err != nil {
		t.Fatalf("failed to construct holder: %v", err)
	}
	return holder
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:marginalia_session_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func TestLoadWithoutSession(t *testing.T) {
	holder := newTestHolder(t, openTestDatabase(t))
	if _, err := holder.Load(context.Background()); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected no session, got %v", err)
	}
	if _, err := holder.Token(); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected token lookup to fail, got %v", err)
	}
}

func TestSaveSurvivesRestart(t *testing.T) {
	db := openTestDatabase(t)
	first := newTestHolder(t, db)
	if err := first.Save(context.Background(), Session{Token: "token-1", UserID: "user-1"}); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := first.SetActiveFolder(context.Background(), "folder-9"); err != nil {
		t.Fatalf("set folder failed: %v", err)
	}

	second := newTestHolder(t, db)
	loaded, err := second.Load(context.Background())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded.Token != "token-1" || loaded.UserID != "user-1" || loaded.ActiveFolderID != "folder-9" {
		t.Fatalf("unexpected session %+v", loaded)
	}
	if token, err := second.Token(); err != nil || token != "token-1" {
		t.Fatalf("unexpected token %q (%v)", token, err)
	}
}

func TestClearForgetsSession(t *testing.T) {
	db := openTestDatabase(t)
	holder := newTestHolder(t, db)
	if err := holder.Save(context.Background(), Session{Token: "token-1"}); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := holder.Clear(context.Background()); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	if _, ok := holder.Current(); ok {
		t.Fatalf("expected in-memory session cleared")
	}
	if _, err := newTestHolder(t, db).Load(context.Background()); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected persisted session cleared, got %v", err)
	}
}

func TestSaveRequiresToken(t *testing.T) {
	holder := newTestHolder(t, openTestDatabase(t))
	if err := holder.Save(context.Background(), Session{UserID: "user-1"}); !errors.Is(err, errMissingToken) {
		t.Fatalf("expected missing token error, got %v", err)
	}
}
