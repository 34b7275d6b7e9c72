package database

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	dbconfig "medchat/pkg/database"
	"medchat/pkg/interfaces"
	"medchat/pkg/types"
)

// setupTestManager opens a migrated SQLite database in a temp dir with three
// users: 1 Alice (patient), 2 Dr. Bob (doctor), 3 Carol (patient).
func setupTestManager(t *testing.T) *Manager {
	t.Helper()

	config := dbconfig.DefaultConfig()
	config.DatabasePath = filepath.Join(t.TempDir(), "test.db")

	manager, err := NewManager(config, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	t.Cleanup(func() { _ = manager.Close() })

	if err := dbconfig.NewMigrationManager(manager.DB(), manager.Driver()).ApplyMigrations(); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}

	ctx := context.Background()
	for _, u := range []types.Identity{
		{ID: 1, Name: "Alice", Role: "patient"},
		{ID: 2, Name: "Dr. Bob", Role: "doctor"},
		{ID: 3, Name: "Carol", Role: "patient"},
	} {
		if err := manager.UpsertUser(ctx, u); err != nil {
			t.Fatalf("Failed to seed user %d: %v", u.ID, err)
		}
	}
	return manager
}

func mustConversation(t *testing.T, m *Manager, patient, doctor types.UserID) *types.Conversation {
	t.Helper()
	conv, _, err := m.GetOrCreateConversation(context.Background(), patient, doctor)
	if err != nil {
		t.Fatalf("GetOrCreateConversation failed: %v", err)
	}
	return conv
}

func mustMessage(t *testing.T, m *Manager, conv types.ConversationID, sender types.UserID, content string) *types.Message {
	t.Helper()
	msg, err := m.CreateMessage(context.Background(), &types.NewMessage{
		ConversationID: conv,
		SenderID:       sender,
		Content:        content,
		Type:           types.MessageTypeText,
	})
	if err != nil {
		t.Fatalf("CreateMessage failed: %v", err)
	}
	return msg
}

func TestManager_GetOrCreateConversation(t *testing.T) {
	m := setupTestManager(t)
	ctx := context.Background()

	conv, created, err := m.GetOrCreateConversation(ctx, 1, 2)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if !created || conv.ID <= 0 {
		t.Fatalf("Expected a new conversation, got %+v created=%v", conv, created)
	}
	if conv.LastMessageAt != nil {
		t.Error("New conversation should have no activity")
	}

	again, created, err := m.GetOrCreateConversation(ctx, 1, 2)
	if err != nil || created || again.ID != conv.ID {
		t.Errorf("Expected existing conversation %d, got %+v created=%v err=%v", conv.ID, again, created, err)
	}

	reversed, created, err := m.GetOrCreateConversation(ctx, 2, 1)
	if err != nil || created || reversed.ID != conv.ID {
		t.Errorf("Reversed pair should find conversation %d, got %+v created=%v err=%v", conv.ID, reversed, created, err)
	}
	if reversed.PatientID != 1 || reversed.DoctorID != 2 {
		t.Errorf("Stored roles should be preserved, got patient=%d doctor=%d", reversed.PatientID, reversed.DoctorID)
	}

	if _, _, err := m.GetOrCreateConversation(ctx, 1, 1); !errors.Is(err, types.ErrSameParticipant) {
		t.Errorf("Expected ErrSameParticipant, got %v", err)
	}
	if _, _, err := m.GetOrCreateConversation(ctx, 0, 2); !errors.Is(err, types.ErrInvalidUserID) {
		t.Errorf("Expected ErrInvalidUserID, got %v", err)
	}
}

func TestManager_ReversedPairRejectedBySchema(t *testing.T) {
	m := setupTestManager(t)
	ctx := context.Background()

	conv, _, err := m.GetOrCreateConversation(ctx, 1, 2)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	_, err = m.DB().ExecContext(ctx,
		`INSERT INTO conversations (patient_id, doctor_id, created_at) VALUES (?, ?, ?)`,
		2, 1, time.Now().UTC())
	if err == nil {
		t.Fatal("Reversed pair insert should fail")
	}
	if !isUniqueViolation(err) {
		t.Errorf("Expected a unique violation, got %v", err)
	}
	if isUniqueViolation(errors.New("other")) {
		t.Error("Plain errors are not unique violations")
	}

	reversed, created, err := m.GetOrCreateConversation(ctx, 2, 1)
	if err != nil || created || reversed.ID != conv.ID {
		t.Errorf("Expected conversation %d, got %+v created=%v err=%v", conv.ID, reversed, created, err)
	}
}

func TestManager_GetOrCreateConversationConcurrent(t *testing.T) {
	m := setupTestManager(t)

	const callers = 20
	ids := make([]types.ConversationID, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			patient, doctor := types.UserID(3), types.UserID(2)
			if i%2 == 1 {
				patient, doctor = doctor, patient
			}
			conv, _, err := m.GetOrCreateConversation(context.Background(), patient, doctor)
			if err != nil {
				t.Errorf("caller %d failed: %v", i, err)
				return
			}
			ids[i] = conv.ID
		}(i)
	}
	wg.Wait()

	for i, id := range ids {
		if id != ids[0] {
			t.Fatalf("caller %d got conversation %d, want %d", i, id, ids[0])
		}
	}
}

func TestManager_CreateMessage(t *testing.T) {
	m := setupTestManager(t)
	ctx := context.Background()
	conv := mustConversation(t, m, 1, 2)

	url := "/chat/files/scan.png"
	msg, err := m.CreateMessage(ctx, &types.NewMessage{
		ConversationID: conv.ID,
		SenderID:       1,
		Content:        "scan.png",
		Type:           types.MessageTypeImage,
		FileURL:        &url,
	})
	if err != nil {
		t.Fatalf("CreateMessage failed: %v", err)
	}
	if msg.ID <= 0 || msg.IsRead || msg.CreatedAt.IsZero() {
		t.Errorf("Unexpected created message: %+v", msg)
	}

	stored, err := m.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if stored.LastMessageAt == nil || !stored.LastMessageAt.Equal(msg.CreatedAt) {
		t.Errorf("Expected last_message_at %v, got %v", msg.CreatedAt, stored.LastMessageAt)
	}

	history, err := m.GetMessages(ctx, conv.ID, 2, 0, 0)
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(history))
	}
	got := history[0]
	if got.ID != msg.ID || got.Type != types.MessageTypeImage || got.FileURL == nil || *got.FileURL != url {
		t.Errorf("Stored message mismatch: %+v", got)
	}
}

func TestManager_CreateMessageRejectsInvalid(t *testing.T) {
	m := setupTestManager(t)
	ctx := context.Background()

	_, err := m.CreateMessage(ctx, &types.NewMessage{ConversationID: 1, SenderID: 1, Type: types.MessageTypeImage})
	if !errors.Is(err, types.ErrMissingFileURL) {
		t.Errorf("Expected ErrMissingFileURL, got %v", err)
	}

	_, err = m.CreateMessage(ctx, &types.NewMessage{ConversationID: 999, SenderID: 1, Type: types.MessageTypeText})
	if err == nil {
		t.Error("Expected insert into a missing conversation to fail")
	}
}

func TestManager_GetConversationCounterpart(t *testing.T) {
	m := setupTestManager(t)
	ctx := context.Background()
	conv := mustConversation(t, m, 1, 2)

	if other, err := m.GetConversationCounterpart(ctx, conv.ID, 1); err != nil || other != 2 {
		t.Errorf("Patient's counterpart: got %d, %v", other, err)
	}
	if other, err := m.GetConversationCounterpart(ctx, conv.ID, 2); err != nil || other != 1 {
		t.Errorf("Doctor's counterpart: got %d, %v", other, err)
	}
	if _, err := m.GetConversationCounterpart(ctx, conv.ID, 3); !errors.Is(err, interfaces.ErrConversationNotFound) {
		t.Errorf("Outsider should get ErrConversationNotFound, got %v", err)
	}
	if _, err := m.GetConversationCounterpart(ctx, 999, 1); !errors.Is(err, interfaces.ErrConversationNotFound) {
		t.Errorf("Missing conversation should get ErrConversationNotFound, got %v", err)
	}
}

func TestManager_MarkRead(t *testing.T) {
	m := setupTestManager(t)
	ctx := context.Background()
	conv := mustConversation(t, m, 1, 2)

	mustMessage(t, m, conv.ID, 1, "one")
	mustMessage(t, m, conv.ID, 1, "two")
	mustMessage(t, m, conv.ID, 2, "reply")

	updated, err := m.MarkRead(ctx, conv.ID, 2)
	if err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}
	if updated != 2 {
		t.Errorf("Expected 2 messages marked read, got %d", updated)
	}

	updated, err = m.MarkRead(ctx, conv.ID, 2)
	if err != nil || updated != 0 {
		t.Errorf("Second MarkRead should change nothing, got %d, %v", updated, err)
	}

	history, err := m.GetMessages(ctx, conv.ID, 1, 0, 0)
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	for _, msg := range history {
		wantRead := msg.SenderID == 1
		if msg.IsRead != wantRead {
			t.Errorf("Message %q: is_read=%v, want %v", msg.Content, msg.IsRead, wantRead)
		}
	}
}

func TestManager_ListConversations(t *testing.T) {
	m := setupTestManager(t)
	ctx := context.Background()

	empty, err := m.ListConversations(ctx, 1)
	if err != nil {
		t.Fatalf("ListConversations failed: %v", err)
	}
	if empty == nil || len(empty) != 0 {
		t.Errorf("Expected empty non-nil list, got %v", empty)
	}

	older := mustConversation(t, m, 1, 2)
	newer := mustConversation(t, m, 3, 2)
	mustMessage(t, m, older.ID, 1, "first")
	time.Sleep(5 * time.Millisecond)
	mustMessage(t, m, newer.ID, 3, "hello doctor")
	time.Sleep(5 * time.Millisecond)
	mustMessage(t, m, newer.ID, 3, "are you there?")

	list, err := m.ListConversations(ctx, 2)
	if err != nil {
		t.Fatalf("ListConversations failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("Expected 2 conversations, got %d", len(list))
	}
	if list[0].ID != newer.ID || list[1].ID != older.ID {
		t.Errorf("Expected most recent first, got %d then %d", list[0].ID, list[1].ID)
	}

	top := list[0]
	if top.PatientName != "Carol" || top.DoctorName != "Dr. Bob" {
		t.Errorf("Unexpected names: %q / %q", top.PatientName, top.DoctorName)
	}
	if top.UnreadCount != 2 {
		t.Errorf("Expected 2 unread, got %d", top.UnreadCount)
	}
	if top.LastMessage == nil || *top.LastMessage != "are you there?" {
		t.Errorf("Unexpected last message preview: %v", top.LastMessage)
	}

	// The sender has nothing unread in their own conversation.
	mine, err := m.ListConversations(ctx, 3)
	if err != nil {
		t.Fatalf("ListConversations failed: %v", err)
	}
	if len(mine) != 1 || mine[0].UnreadCount != 0 {
		t.Errorf("Expected one conversation with no unread for the sender, got %+v", mine)
	}
}

func TestManager_ListConversationsUnknownUserNames(t *testing.T) {
	m := setupTestManager(t)
	mustConversation(t, m, 1, 77)

	list, err := m.ListConversations(context.Background(), 77)
	if err != nil {
		t.Fatalf("ListConversations failed: %v", err)
	}
	if len(list) != 1 || list[0].DoctorName != "" || list[0].PatientName != "Alice" {
		t.Errorf("Unexpected summary for unknown doctor: %+v", list)
	}
}

func TestManager_GetMessages(t *testing.T) {
	m := setupTestManager(t)
	ctx := context.Background()
	conv := mustConversation(t, m, 1, 2)

	for i := 0; i < 5; i++ {
		mustMessage(t, m, conv.ID, 1, fmt.Sprintf("msg-%d", i))
	}

	all, err := m.GetMessages(ctx, conv.ID, 2, 0, 0)
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("Expected 5 messages, got %d", len(all))
	}
	for i, msg := range all {
		if want := fmt.Sprintf("msg-%d", i); msg.Content != want {
			t.Errorf("Position %d: got %q, want %q", i, msg.Content, want)
		}
	}

	page, err := m.GetMessages(ctx, conv.ID, 1, 2, 3)
	if err != nil {
		t.Fatalf("GetMessages page failed: %v", err)
	}
	if len(page) != 2 || page[0].Content != "msg-3" || page[1].Content != "msg-4" {
		t.Errorf("Unexpected page: %+v", page)
	}

	if _, err := m.GetMessages(ctx, conv.ID, 3, 0, 0); !errors.Is(err, interfaces.ErrForbidden) {
		t.Errorf("Outsider should get ErrForbidden, got %v", err)
	}
	if _, err := m.GetMessages(ctx, 999, 1, 0, 0); !errors.Is(err, interfaces.ErrConversationNotFound) {
		t.Errorf("Missing conversation should get ErrConversationNotFound, got %v", err)
	}
}

func TestManager_DeleteMessage(t *testing.T) {
	m := setupTestManager(t)
	ctx := context.Background()
	conv := mustConversation(t, m, 1, 2)

	url := "/chat/files/report.pdf"
	msg, err := m.CreateMessage(ctx, &types.NewMessage{
		ConversationID: conv.ID,
		SenderID:       1,
		Content:        "report.pdf",
		Type:           types.MessageTypeDocument,
		FileURL:        &url,
	})
	if err != nil {
		t.Fatalf("CreateMessage failed: %v", err)
	}

	if _, err := m.DeleteMessage(ctx, msg.ID, 2); !errors.Is(err, interfaces.ErrMessageNotFound) {
		t.Errorf("Non-sender delete should fail with ErrMessageNotFound, got %v", err)
	}

	deleted, err := m.DeleteMessage(ctx, msg.ID, 1)
	if err != nil {
		t.Fatalf("DeleteMessage failed: %v", err)
	}
	if deleted.FileURL == nil || *deleted.FileURL != url {
		t.Errorf("Deleted row should carry the file url, got %+v", deleted)
	}

	if _, err := m.DeleteMessage(ctx, msg.ID, 1); !errors.Is(err, interfaces.ErrMessageNotFound) {
		t.Errorf("Second delete should fail with ErrMessageNotFound, got %v", err)
	}

	history, err := m.GetMessages(ctx, conv.ID, 1, 0, 0)
	if err != nil || len(history) != 0 {
		t.Errorf("Expected empty history, got %d messages, err=%v", len(history), err)
	}
}

func TestManager_FileReferenced(t *testing.T) {
	m := setupTestManager(t)
	ctx := context.Background()
	conv := mustConversation(t, m, 1, 2)

	url := "/chat/files/scan.png"
	var ids []types.MessageID
	for i := 0; i < 2; i++ {
		msg, err := m.CreateMessage(ctx, &types.NewMessage{
			ConversationID: conv.ID,
			SenderID:       1,
			Content:        "scan.png",
			Type:           types.MessageTypeImage,
			FileURL:        &url,
		})
		if err != nil {
			t.Fatalf("CreateMessage failed: %v", err)
		}
		ids = append(ids, msg.ID)
	}

	if _, err := m.DeleteMessage(ctx, ids[0], 1); err != nil {
		t.Fatalf("DeleteMessage failed: %v", err)
	}
	if ok, err := m.FileReferenced(ctx, url); err != nil || !ok {
		t.Errorf("Expected the file to still be referenced, got %v err=%v", ok, err)
	}

	if _, err := m.DeleteMessage(ctx, ids[1], 1); err != nil {
		t.Fatalf("DeleteMessage failed: %v", err)
	}
	if ok, err := m.FileReferenced(ctx, url); err != nil || ok {
		t.Errorf("Expected no references left, got %v err=%v", ok, err)
	}
}

func TestManager_UserName(t *testing.T) {
	m := setupTestManager(t)
	ctx := context.Background()

	if name, err := m.UserName(ctx, 2); err != nil || name != "Dr. Bob" {
		t.Errorf("Expected Dr. Bob, got %q, %v", name, err)
	}
	if name, err := m.UserName(ctx, 404); err != nil || name != "" {
		t.Errorf("Unknown user should give empty name, got %q, %v", name, err)
	}

	if err := m.UpsertUser(ctx, types.Identity{ID: 2, Name: "Dr. Robert", Role: "doctor"}); err != nil {
		t.Fatalf("UpsertUser failed: %v", err)
	}
	if name, _ := m.UserName(ctx, 2); name != "Dr. Robert" {
		t.Errorf("Expected renamed user, got %q", name)
	}
}

func TestManager_ConcurrentWrites(t *testing.T) {
	m := setupTestManager(t)
	conv := mustConversation(t, m, 1, 2)

	const writers, perWriter = 10, 10
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			sender := types.UserID(1 + w%2)
			for i := 0; i < perWriter; i++ {
				_, err := m.CreateMessage(context.Background(), &types.NewMessage{
					ConversationID: conv.ID,
					SenderID:       sender,
					Content:        fmt.Sprintf("w%d-%d", w, i),
					Type:           types.MessageTypeText,
				})
				if err != nil {
					t.Errorf("writer %d failed: %v", w, err)
				}
			}
		}(w)
	}
	wg.Wait()

	history, err := m.GetMessages(context.Background(), conv.ID, 1, maxPageSize, 0)
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	if len(history) != writers*perWriter {
		t.Errorf("Expected %d messages, got %d", writers*perWriter, len(history))
	}
}

func TestManager_HealthCheckAndClose(t *testing.T) {
	m := setupTestManager(t)
	ctx := context.Background()

	if err := m.HealthCheck(ctx); err != nil {
		t.Fatalf("HealthCheck failed: %v", err)
	}

	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Errorf("Second Close should be a no-op, got %v", err)
	}

	_, err := m.CreateMessage(ctx, &types.NewMessage{ConversationID: 1, SenderID: 1, Type: types.MessageTypeText})
	if !errors.Is(err, ErrManagerClosed) {
		t.Errorf("Expected ErrManagerClosed, got %v", err)
	}
	if err := m.HealthCheck(ctx); err == nil {
		t.Error("HealthCheck should fail after Close")
	}
}

func TestManager_CancelledContext(t *testing.T) {
	m := setupTestManager(t)
	conv := mustConversation(t, m, 1, 2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.CreateMessage(ctx, &types.NewMessage{ConversationID: conv.ID, SenderID: 1, Type: types.MessageTypeText})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}
