package store

import (
	"context"
	"encoding/json"
	"math"

	"github.com/gengirish/training-feedback/internal/xerrors"
)

// TrackEvent appends a funnel event. nil metadata is stored as {}.
func (s *Store) TrackEvent(ctx context.Context, email, name string, metadata map[string]any) error {
	if metadata == nil {
		metadata = map[string]any{}
	}
	b, err := json.Marshal(metadata)
	if err != nil {
		return xerrors.Wrapf(err, "encode %s metadata", name)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events(user_email, event_name, metadata, created_at) VALUES(?, ?, ?, ?)`,
		email, name, string(b), s.timestamp())
	if err != nil {
		return xerrors.Wrapf(err, "insert %s event", name)
	}
	return nil
}

// CountEvents returns how many name events were recorded.
func (s *Store) CountEvents(ctx context.Context, name string) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM events WHERE event_name = ?`, name); err != nil {
		return 0, xerrors.Wrapf(err, "count %s events", name)
	}
	return n, nil
}

// TouchSignIn records that email signed in, keeping the first sighting.
func (s *Store) TouchSignIn(ctx context.Context, email string) error {
	now := s.timestamp()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sign_ins(user_email, first_seen, last_seen) VALUES(?, ?, ?)
		ON CONFLICT(user_email) DO UPDATE SET last_seen = excluded.last_seen`,
		email, now, now)
	if err != nil {
		return xerrors.Wrap(err, "touch sign-in")
	}
	return nil
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var row struct {
		Participants int      `db:"participants"`
		Feedbacks    int      `db:"feedbacks"`
		AvgOverall   *float64 `db:"avg_overall"`
		AvgContent   *float64 `db:"avg_content"`
		AvgInstr     *float64 `db:"avg_instructor"`
		Recommend    int      `db:"recommend"`
	}
	err := s.db.GetContext(ctx, &row, `SELECT
		(SELECT COUNT(*) FROM participants) AS participants,
		COUNT(*) AS feedbacks,
		AVG(overall_rating) AS avg_overall,
		AVG(content_rating) AS avg_content,
		AVG(instructor_rating) AS avg_instructor,
		COALESCE(SUM(CASE WHEN would_recommend = 'Yes' THEN 1 ELSE 0 END), 0) AS recommend
		FROM feedback`)
	if err != nil {
		return Stats{}, xerrors.Wrap(err, "compute stats")
	}

	st := Stats{
		TotalParticipants:   row.Participants,
		TotalFeedbacks:      row.Feedbacks,
		AvgOverallRating:    oneDecimal(row.AvgOverall),
		AvgContentRating:    oneDecimal(row.AvgContent),
		AvgInstructorRating: oneDecimal(row.AvgInstr),
	}
	if row.Feedbacks > 0 {
		st.RecommendPercentage = int(math.Round(float64(row.Recommend) / float64(row.Feedbacks) * 100))
	}
	return st, nil
}

func oneDecimal(v *float64) float64 {
	if v == nil {
		return 0
	}
	return math.Round(*v*10) / 10
}

func (s *Store) Funnel(ctx context.Context) (Funnel, error) {
	var f Funnel
	err := s.db.QueryRowxContext(ctx, `SELECT
		(SELECT COUNT(*) FROM sign_ins),
		(SELECT COUNT(*) FROM participants),
		(SELECT COUNT(*) FROM feedback),
		(SELECT COUNT(*) FROM certificates)`).
		Scan(&f.SignIns, &f.Registrations, &f.Feedbacks, &f.Certificates)
	if err != nil {
		return Funnel{}, xerrors.Wrap(err, "compute funnel")
	}
	return f, nil
}
