// Custodian - Continuous Behavioral Authentication Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodian

package authstore

import (
	"context"
	"errors"
	"testing"

	"github.com/dgraph-io/badger/v4"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	// MinCost keeps the bcrypt work factor out of test runtime.
	return New(db, 4)
}

func enrollDefault(t *testing.T, s *Store, userID string) {
	t.Helper()
	err := s.Enroll(context.Background(), userID, []QuestionAnswer{
		{Text: "First pet's name?", Answer: "Rex"},
		{Text: "City of birth?", Answer: "Lisbon"},
		{Text: "Mother's maiden name?", Answer: "Silva"},
		{Text: "First school?", Answer: "Hillcrest"},
		{Text: "Favorite dish?", Answer: "Ramen"},
	})
	if err != nil {
		t.Fatalf("enroll: %v", err)
	}
}

func TestEnrollRequiresExactlyFive(t *testing.T) {
	s := testStore(t)
	err := s.Enroll(context.Background(), "u1", []QuestionAnswer{
		{Text: "q1", Answer: "a1"},
		{Text: "q2", Answer: "a2"},
	})
	if !errors.Is(err, ErrWrongQuestionCount) {
		t.Errorf("err = %v, want ErrWrongQuestionCount", err)
	}
}

func TestEnrollRejectsEmptyAnswer(t *testing.T) {
	s := testStore(t)
	err := s.Enroll(context.Background(), "u1", []QuestionAnswer{
		{Text: "q1", Answer: "a1"},
		{Text: "q2", Answer: "   "},
		{Text: "q3", Answer: "a3"},
		{Text: "q4", Answer: "a4"},
		{Text: "q5", Answer: "a5"},
	})
	if err == nil {
		t.Error("expected error for whitespace-only answer")
	}
}

func TestGetSecurityQuestionsTextOnly(t *testing.T) {
	s := testStore(t)
	enrollDefault(t, s, "u1")

	questions, err := s.GetSecurityQuestions(context.Background(), "u1")
	if err != nil {
		t.Fatalf("get questions: %v", err)
	}
	if len(questions) != 5 {
		t.Fatalf("got %d questions, want 5", len(questions))
	}
	for i, q := range questions {
		if q.Index != i {
			t.Errorf("question %d has index %d", i, q.Index)
		}
		if q.Text == "" {
			t.Errorf("question %d has empty text", i)
		}
	}
}

func TestGetSecurityQuestionsNotEnrolled(t *testing.T) {
	s := testStore(t)
	_, err := s.GetSecurityQuestions(context.Background(), "ghost")
	if !errors.Is(err, ErrNotEnrolled) {
		t.Errorf("err = %v, want ErrNotEnrolled", err)
	}
}

func TestVerifyAnswerNormalization(t *testing.T) {
	s := testStore(t)
	enrollDefault(t, s, "u1")
	ctx := context.Background()

	tests := []struct {
		name   string
		index  int
		answer string
		want   bool
	}{
		{"exact", 0, "Rex", true},
		{"lowercase", 0, "rex", true},
		{"uppercase", 0, "REX", true},
		{"surrounding whitespace", 1, "  lisbon  ", true},
		{"wrong answer", 0, "Fido", false},
		{"empty answer", 0, "", false},
		{"index out of range", 9, "Rex", false},
		{"negative index", -1, "Rex", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := s.VerifyAnswer(ctx, "u1", tt.index, tt.answer)
			if err != nil {
				t.Fatalf("verify: %v", err)
			}
			if ok != tt.want {
				t.Errorf("VerifyAnswer(%d, %q) = %v, want %v", tt.index, tt.answer, ok, tt.want)
			}
		})
	}
}

func TestVerifyAnswerNotEnrolled(t *testing.T) {
	s := testStore(t)
	_, err := s.VerifyAnswer(context.Background(), "ghost", 0, "x")
	if !errors.Is(err, ErrNotEnrolled) {
		t.Errorf("err = %v, want ErrNotEnrolled", err)
	}
}

func TestReEnrollReplacesQuestions(t *testing.T) {
	s := testStore(t)
	enrollDefault(t, s, "u1")
	ctx := context.Background()

	err := s.Enroll(ctx, "u1", []QuestionAnswer{
		{Text: "n1", Answer: "b1"},
		{Text: "n2", Answer: "b2"},
		{Text: "n3", Answer: "b3"},
		{Text: "n4", Answer: "b4"},
		{Text: "n5", Answer: "b5"},
	})
	if err != nil {
		t.Fatalf("re-enroll: %v", err)
	}

	ok, err := s.VerifyAnswer(ctx, "u1", 0, "Rex")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ok {
		t.Error("old answer must not verify after re-enrollment")
	}
	ok, _ = s.VerifyAnswer(ctx, "u1", 0, "b1")
	if !ok {
		t.Error("new answer must verify")
	}
}
