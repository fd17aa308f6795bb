// Custodian - Continuous Behavioral Authentication Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodian

// Package authstore holds each user's pre-registered security questions and
// bcrypt answer hashes. The risk machine fetches question text when opening
// a challenge and verifies submitted answers against the stored hashes.
// Answers are normalized (lowercase, trimmed) before hashing and before
// verification, so case and surrounding whitespace never matter.
package authstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"golang.org/x/crypto/bcrypt"

	"github.com/tomtom215/custodian/internal/metrics"
)

// RequiredQuestions is the number of security questions each user enrolls.
const RequiredQuestions = 5

const questionsKeyPrefix = "questions:"

var (
	// ErrNotEnrolled indicates the user has no security questions on file.
	ErrNotEnrolled = errors.New("user has no enrolled security questions")
	// ErrWrongQuestionCount rejects enrollment without exactly the required
	// number of questions.
	ErrWrongQuestionCount = fmt.Errorf("enrollment requires exactly %d questions", RequiredQuestions)
)

// Question is one security question as presented to a client. It carries
// text only, never the answer hash.
type Question struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
}

// QuestionAnswer is one enrollment pair. The answer exists in plaintext
// only inside the enrollment request; it is hashed before storage.
type QuestionAnswer struct {
	Text   string `json:"text"`
	Answer string `json:"answer"`
}

// storedQuestion is the persisted form.
type storedQuestion struct {
	Index      int    `json:"index"`
	Text       string `json:"text"`
	AnswerHash []byte `json:"answer_hash"`
}

// Store is a Badger-backed credential store.
type Store struct {
	db         *badger.DB
	bcryptCost int
}

// New creates a store over an open Badger database. cost 0 uses
// bcrypt.DefaultCost.
func New(db *badger.DB, bcryptCost int) *Store {
	if bcryptCost == 0 {
		bcryptCost = bcrypt.DefaultCost
	}
	return &Store{db: db, bcryptCost: bcryptCost}
}

// NormalizeAnswer applies the canonical answer normalization.
func NormalizeAnswer(answer string) string {
	return strings.ToLower(strings.TrimSpace(answer))
}

// Enroll stores a user's security questions, replacing any previous set.
// Answers are normalized and bcrypt-hashed; plaintext never touches disk.
func (s *Store) Enroll(ctx context.Context, userID string, pairs []QuestionAnswer) error {
	if len(pairs) != RequiredQuestions {
		return ErrWrongQuestionCount
	}
	stored := make([]storedQuestion, len(pairs))
	for i, qa := range pairs {
		if strings.TrimSpace(qa.Text) == "" {
			return fmt.Errorf("question %d has empty text", i)
		}
		normalized := NormalizeAnswer(qa.Answer)
		if normalized == "" {
			return fmt.Errorf("question %d has empty answer", i)
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(normalized), s.bcryptCost)
		if err != nil {
			return fmt.Errorf("hash answer %d: %w", i, err)
		}
		stored[i] = storedQuestion{Index: i, Text: qa.Text, AnswerHash: hash}
	}

	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("marshal questions: %w", err)
	}

	start := time.Now()
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(questionsKeyPrefix+userID), data)
	})
	metrics.RecordStoreOperation("auth", "enroll", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("store questions: %w", err)
	}
	return nil
}

// GetSecurityQuestions returns the user's question texts in index order.
// Returns ErrNotEnrolled for users without questions on file.
func (s *Store) GetSecurityQuestions(ctx context.Context, userID string) ([]Question, error) {
	stored, err := s.load(userID)
	if err != nil {
		return nil, err
	}
	questions := make([]Question, len(stored))
	for i, q := range stored {
		questions[i] = Question{Index: q.Index, Text: q.Text}
	}
	return questions, nil
}

// VerifyAnswer checks a submitted answer against the stored hash for the
// question index. The comparison is constant-time within bcrypt.
func (s *Store) VerifyAnswer(ctx context.Context, userID string, index int, answer string) (bool, error) {
	stored, err := s.load(userID)
	if err != nil {
		return false, err
	}
	if index < 0 || index >= len(stored) {
		return false, nil
	}
	normalized := NormalizeAnswer(answer)
	err = bcrypt.CompareHashAndPassword(stored[index].AnswerHash, []byte(normalized))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return false, nil
	}
	return false, fmt.Errorf("compare answer: %w", err)
}

func (s *Store) load(userID string) ([]storedQuestion, error) {
	var stored []storedQuestion
	start := time.Now()
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(questionsKeyPrefix + userID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotEnrolled
		}
		if err != nil {
			return fmt.Errorf("get questions: %w", err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &stored)
		})
	})
	metrics.RecordStoreOperation("auth", "load", time.Since(start), err)
	if err != nil {
		return nil, err
	}
	return stored, nil
}
