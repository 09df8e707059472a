package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"github.com/gengirish/training-feedback/internal/xerrors"
)

const (
	certificateColumns = `id, certificate_id, user_email, user_name, training_session,
		completion_date, instructor_name, filename, download_count, created_at`

	// a concurrent request may have saved the same (user, session) first;
	// the unique constraint keeps the earlier row and SaveCertificate returns it
	insertCertificate = `INSERT INTO certificates(
		certificate_id, user_email, user_name, training_session, completion_date,
		instructor_name, filename, pdf_base64, download_count, created_at)
		VALUES(:certificate_id, :user_email, :user_name, :training_session, :completion_date,
		:instructor_name, :filename, :pdf_base64, 1, :created_at)
		ON CONFLICT(user_email, training_session) DO NOTHING`
)

// FindCertificate returns the certificate issued to email for session, or ErrNotFound.
func (s *Store) FindCertificate(ctx context.Context, email, session string) (Certificate, error) {
	return s.getCertificate(ctx,
		`SELECT `+certificateColumns+`, pdf_base64 FROM certificates
		WHERE user_email = ? COLLATE NOCASE AND training_session = ?`,
		email, session)
}

// CertificateByPublicID looks up a certificate by its public UUID.
func (s *Store) CertificateByPublicID(ctx context.Context, certificateID string) (Certificate, error) {
	return s.getCertificate(ctx,
		`SELECT `+certificateColumns+`, pdf_base64 FROM certificates WHERE certificate_id = ?`,
		certificateID)
}

func (s *Store) getCertificate(ctx context.Context, q string, args ...any) (Certificate, error) {
	var c Certificate
	if err := s.db.GetContext(ctx, &c, q, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Certificate{}, ErrNotFound
		}
		return Certificate{}, xerrors.Wrap(err, "get certificate")
	}
	return c, nil
}

// SaveCertificate assigns a public id and stores c. If a certificate for the
// same user and session already exists, that one is returned with created=false.
func (s *Store) SaveCertificate(ctx context.Context, c Certificate) (saved Certificate, created bool, err error) {
	c.CertificateID = uuid.NewString()
	c.CreatedAt = s.timestamp()
	c.DownloadCount = 1

	res, err := s.db.NamedExecContext(ctx, insertCertificate, c)
	if err != nil {
		return Certificate{}, false, xerrors.Wrap(err, "insert certificate")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Certificate{}, false, xerrors.Wrap(err, "insert certificate")
	}
	if n == 0 {
		existing, err := s.FindCertificate(ctx, c.UserEmail, c.TrainingSession)
		if err != nil {
			return Certificate{}, false, xerrors.Wrap(err, "load concurrently saved certificate")
		}
		return existing, false, nil
	}
	if c.ID, err = res.LastInsertId(); err != nil {
		return Certificate{}, false, xerrors.Wrap(err, "certificate id")
	}
	return c, true, nil
}

// IncrementDownload bumps the download counter and returns the new value.
func (s *Store) IncrementDownload(ctx context.Context, id int64) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`UPDATE certificates SET download_count = download_count + 1 WHERE id = ? RETURNING download_count`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, xerrors.Wrapf(err, "increment download for certificate %d", id)
	}
	return n, nil
}

// ListCertificates returns every certificate without its PDF, newest first.
func (s *Store) ListCertificates(ctx context.Context) ([]CertificateSummary, error) {
	cs := []CertificateSummary{}
	if err := s.db.SelectContext(ctx, &cs, `SELECT `+certificateColumns+` FROM certificates`+orderNewestFirst); err != nil {
		return nil, xerrors.Wrap(err, "list certificates")
	}
	return cs, nil
}

func (s *Store) CertificatesByEmail(ctx context.Context, email string) ([]CertificateSummary, error) {
	cs := []CertificateSummary{}
	q := `SELECT ` + certificateColumns + ` FROM certificates WHERE user_email = ? COLLATE NOCASE` + orderNewestFirst
	if err := s.db.SelectContext(ctx, &cs, q, email); err != nil {
		return nil, xerrors.Wrap(err, "certificates by email")
	}
	return cs, nil
}
