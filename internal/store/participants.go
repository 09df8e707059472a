package store

import (
	"context"

	"github.com/gengirish/training-feedback/internal/xerrors"
)

const (
	insertParticipant = `INSERT INTO participants(
		full_name, email, phone, organization, job_title, experience_level,
		training_session, expectations, referral_source, created_at)
		VALUES(:full_name, :email, :phone, :organization, :job_title, :experience_level,
		:training_session, :expectations, :referral_source, :created_at)`

	selectParticipants = `SELECT
		id, full_name, email, phone, organization, job_title, experience_level,
		training_session, expectations, referral_source, created_at
		FROM participants`

	orderNewestFirst = ` ORDER BY created_at DESC, id DESC`
)

// AddParticipant stores p and returns it with ID and CreatedAt set.
func (s *Store) AddParticipant(ctx context.Context, p Participant) (Participant, error) {
	p.CreatedAt = s.timestamp()
	res, err := s.db.NamedExecContext(ctx, insertParticipant, p)
	if err != nil {
		return Participant{}, xerrors.Wrap(err, "insert participant")
	}
	if p.ID, err = res.LastInsertId(); err != nil {
		return Participant{}, xerrors.Wrap(err, "participant id")
	}
	return p, nil
}

func (s *Store) ListParticipants(ctx context.Context) ([]Participant, error) {
	ps := []Participant{}
	if err := s.db.SelectContext(ctx, &ps, selectParticipants+orderNewestFirst); err != nil {
		return nil, xerrors.Wrap(err, "list participants")
	}
	return ps, nil
}

func (s *Store) ParticipantsByEmail(ctx context.Context, email string) ([]Participant, error) {
	ps := []Participant{}
	q := selectParticipants + ` WHERE email = ? COLLATE NOCASE` + orderNewestFirst
	if err := s.db.SelectContext(ctx, &ps, q, email); err != nil {
		return nil, xerrors.Wrap(err, "participants by email")
	}
	return ps, nil
}

// HasRegistered reports whether email registered for session.
func (s *Store) HasRegistered(ctx context.Context, email, session string) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM participants WHERE email = ? COLLATE NOCASE AND training_session = ?`,
		email, session)
	if err != nil {
		return false, xerrors.Wrap(err, "check registration")
	}
	return n > 0, nil
}
