package db

import (
	"context"
	"fmt"
	"testing"
	"time"
)

// SetupTestDB creates an in-memory SQLite database for testing
func SetupTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	return db
}

// CleanupTestDB closes the test database
func CleanupTestDB(t *testing.T, db *DB) {
	t.Helper()

	if err := db.Close(); err != nil {
		t.Errorf("Failed to close test database: %v", err)
	}
}

// CreateTestEmail creates an inbound test email with default values
func CreateTestEmail(subject, from, to string) *Email {
	now := time.Now().UTC()
	return &Email{
		MessageID:     fmt.Sprintf("<%d.%s@test.com>", now.UnixNano(), from),
		From:          from,
		To:            to,
		Subject:       subject,
		PlainTextBody: "Body of " + subject,
		Direction:     DirectionInbound,
		Status:        StatusReceived,
		CreatedAt:     now,
		ReceivedAt:    NewNullTime(now),
	}
}

// CreateTestOutboundEmail creates a pending outbound test email
func CreateTestOutboundEmail(subject, from, to string) *Email {
	email := CreateTestEmail(subject, from, to)
	email.Direction = DirectionOutbound
	email.Status = StatusPending
	email.ReceivedAt = NullTime{}
	return email
}

// InsertTestEmails inserts multiple test emails and returns them
func InsertTestEmails(t *testing.T, db *DB, emails []*Email) []*Email {
	t.Helper()

	for i, email := range emails {
		if _, err := db.InsertEmail(context.Background(), email); err != nil {
			t.Fatalf("Failed to insert test email %d: %v", i, err)
		}
	}

	return emails
}

// CreateTestThread inserts a thread with the given subject and participants
func CreateTestThread(t *testing.T, db *DB, subject string, participants ...string) *Thread {
	t.Helper()

	thread := &Thread{
		Subject:      subject,
		Participants: NewParticipants(participants...),
	}
	if _, err := db.CreateThread(context.Background(), thread); err != nil {
		t.Fatalf("Failed to create test thread: %v", err)
	}
	return thread
}
