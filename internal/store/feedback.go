package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/gengirish/training-feedback/internal/xerrors"
)

const (
	insertFeedback = `INSERT INTO feedback(
		participant_name, participant_email, training_session,
		overall_rating, content_rating, instructor_rating, pace_rating,
		most_valuable, least_valuable, improvement_suggestions,
		would_recommend, additional_comments, created_at)
		VALUES(:participant_name, :participant_email, :training_session,
		:overall_rating, :content_rating, :instructor_rating, :pace_rating,
		:most_valuable, :least_valuable, :improvement_suggestions,
		:would_recommend, :additional_comments, :created_at)`

	selectFeedback = `SELECT
		id, participant_name, participant_email, training_session,
		overall_rating, content_rating, instructor_rating, pace_rating,
		most_valuable, least_valuable, improvement_suggestions,
		would_recommend, additional_comments, created_at
		FROM feedback`
)

func (s *Store) AddFeedback(ctx context.Context, f Feedback) (Feedback, error) {
	f.CreatedAt = s.timestamp()
	res, err := s.db.NamedExecContext(ctx, insertFeedback, f)
	if err != nil {
		return Feedback{}, xerrors.Wrap(err, "insert feedback")
	}
	if f.ID, err = res.LastInsertId(); err != nil {
		return Feedback{}, xerrors.Wrap(err, "feedback id")
	}
	return f, nil
}

func (s *Store) ListFeedback(ctx context.Context) ([]Feedback, error) {
	fs := []Feedback{}
	if err := s.db.SelectContext(ctx, &fs, selectFeedback+orderNewestFirst); err != nil {
		return nil, xerrors.Wrap(err, "list feedback")
	}
	return fs, nil
}

func (s *Store) FeedbackByEmail(ctx context.Context, email string) ([]Feedback, error) {
	fs := []Feedback{}
	q := selectFeedback + ` WHERE participant_email = ? COLLATE NOCASE` + orderNewestFirst
	if err := s.db.SelectContext(ctx, &fs, q, email); err != nil {
		return nil, xerrors.Wrap(err, "feedback by email")
	}
	return fs, nil
}

// LatestFeedback returns the newest feedback email left for session, or ErrNotFound.
func (s *Store) LatestFeedback(ctx context.Context, email, session string) (Feedback, error) {
	var f Feedback
	q := selectFeedback + ` WHERE participant_email = ? COLLATE NOCASE AND training_session = ?` +
		orderNewestFirst + ` LIMIT 1`
	if err := s.db.GetContext(ctx, &f, q, email, session); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Feedback{}, ErrNotFound
		}
		return Feedback{}, xerrors.Wrap(err, "latest feedback")
	}
	return f, nil
}
