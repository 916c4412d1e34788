package conversation

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func newStoreMock(t *testing.T) (*Store, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStore(db), mock, db
}

func TestGetDeviceNotFound(t *testing.T) {
	store, mock, _ := newStoreMock(t)
	mock.ExpectQuery("SELECT id, name, phone").
		WithArgs("dev-missing").
		WillReturnError(sql.ErrNoRows)

	_, err := store.GetDevice(context.Background(), "dev-missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetDevice(t *testing.T) {
	store, mock, _ := newStoreMock(t)
	now := time.Now()
	mock.ExpectQuery("SELECT id, name, phone").
		WithArgs("dev1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "phone", "niche", "prompt", "status", "created_at", "updated_at"}).
			AddRow("dev1", "Main", "+60111", "skincare", "[STAGE: Greeting] hi", "online", now, now))

	dev, err := store.GetDevice(context.Background(), "dev1")
	if err != nil {
		t.Fatalf("get device: %v", err)
	}
	if dev.Niche != "skincare" || dev.Status != "online" {
		t.Fatalf("unexpected device: %+v", dev)
	}
}

func TestGetOrCreateConversationCreates(t *testing.T) {
	store, mock, _ := newStoreMock(t)
	mock.ExpectQuery("SELECT id, device_id, prospect_phone").
		WithArgs("dev1", "+60123").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO conversations").
		WithArgs(sqlmock.AnyArg(), "dev1", "+60123", "Ali", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	conv, err := store.GetOrCreateConversation(context.Background(), "dev1", "+60123", "Ali")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	if conv.ID == "" || !conv.AIEnabled {
		t.Fatalf("unexpected conversation: %+v", conv)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetOrCreateConversationRetriesOnRace(t *testing.T) {
	store, mock, _ := newStoreMock(t)
	now := time.Now()
	mock.ExpectQuery("SELECT id, device_id, prospect_phone").
		WithArgs("dev1", "+60123").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO conversations").
		WillReturnError(errors.New(`pq: duplicate key value violates unique constraint`))
	mock.ExpectQuery("SELECT id, device_id, prospect_phone").
		WithArgs("dev1", "+60123").
		WillReturnRows(conversationRows(now))

	conv, err := store.GetOrCreateConversation(context.Background(), "dev1", "+60123", "Ali")
	if err != nil {
		t.Fatalf("expected race retry to succeed, got %v", err)
	}
	if conv.ID != "conv1" {
		t.Fatalf("expected existing row after race, got %+v", conv)
	}
}

func conversationRows(now time.Time) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "device_id", "prospect_phone", "prospect_name", "niche",
		"stage", "ai_enabled", "conv_current", "conv_last", "captured_details", "sequence_stage",
		"created_at", "updated_at",
	}).AddRow("conv1", "dev1", "+60123", "Ali", "skincare",
		"Greeting", true, "", "", "", "",
		now, now)
}

func TestFinalizeTurnClearsConvCurrent(t *testing.T) {
	store, mock, _ := newStoreMock(t)
	mock.ExpectExec("UPDATE conversations SET").
		WithArgs("user: hi\nbot: hello\n", "Discovery", "name: Ali", sqlmock.AnyArg(), "conv1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.FinalizeTurn(context.Background(), "conv1", "Discovery", "name: Ali", "user: hi\nbot: hello\n")
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSetAIEnabledUnknownConversation(t *testing.T) {
	store, mock, _ := newStoreMock(t)
	mock.ExpectExec("UPDATE conversations SET ai_enabled").
		WithArgs(false, sqlmock.AnyArg(), "dev1", "+60123").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.SetAIEnabled(context.Background(), "dev1", "+60123", false)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteConversation(t *testing.T) {
	store, mock, _ := newStoreMock(t)
	mock.ExpectExec("DELETE FROM conversations").
		WithArgs("dev1", "+60123").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.DeleteConversation(context.Background(), "dev1", "+60123"); err != nil {
		t.Fatalf("delete: %v", err)
	}
}
