package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/elibrary/circulation/internal/models"
)

const (
	bookColumns = `id, title, author, isbn, quantity, available_quantity, is_deleted, created_at, updated_at`

	borrowColumns = `id, user_id, book_id, borrow_date, confirmed_date, due_date, return_date, status, notes,
		extension_count, last_extension_date, created_at, updated_at`

	fineColumns = `id, user_id, borrow_record_id, amount, reason, kind, status, due_date, paid_date, created_at, updated_at`

	reviewColumns = `id, user_id, book_id, rating, comment, created_at, updated_at`

	userStatusColumns = `user_id, account_status, total_outstanding_fines, overdue_fines_count, max_borrow_limit,
		current_borrow_count, block_reason, blocked_until, version, created_at, updated_at`
)

var (
	dialect = goqu.Dialect("postgres")

	borrowSelect = []interface{}{
		"id", "user_id", "book_id", "borrow_date", "confirmed_date", "due_date", "return_date", "status",
		"notes", "extension_count", "last_extension_date", "created_at", "updated_at",
	}
	fineSelect = []interface{}{
		"id", "user_id", "borrow_record_id", "amount", "reason", "kind", "status", "due_date", "paid_date",
		"created_at", "updated_at",
	}
)

// Postgres is the Store backed by a PostgreSQL database.
type Postgres struct {
	db *sqlx.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: sqlx.NewDb(db, "postgres")}
}

func (s *Postgres) InTx(ctx context.Context, fn func(Repository) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&pgRepo{ext: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Postgres) View(ctx context.Context, fn func(Repository) error) error {
	return fn(&pgRepo{ext: s.db})
}

func (s *Postgres) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (s *Postgres) Close() error {
	return s.db.Close()
}

type pgRepo struct {
	ext sqlx.ExtContext
}

func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrConflict, pqErr.Constraint)
	}
	return err
}

func (r *pgRepo) GetBook(ctx context.Context, id int64) (*models.Book, error) {
	var b models.Book
	err := sqlx.GetContext(ctx, r.ext, &b, `SELECT `+bookColumns+` FROM books WHERE id = $1`, id)
	if err != nil {
		return nil, translate(err)
	}
	return &b, nil
}

func (r *pgRepo) LockBook(ctx context.Context, id int64) (*models.Book, error) {
	var b models.Book
	err := sqlx.GetContext(ctx, r.ext, &b, `SELECT `+bookColumns+` FROM books WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		return nil, translate(err)
	}
	return &b, nil
}

func (r *pgRepo) TakeCopy(ctx context.Context, bookID int64, now time.Time) (bool, error) {
	result, err := r.ext.ExecContext(ctx, `
		UPDATE books
		SET available_quantity = available_quantity - 1, updated_at = $1
		WHERE id = $2 AND available_quantity > 0 AND NOT is_deleted`,
		now, bookID)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *pgRepo) ReleaseCopy(ctx context.Context, bookID int64, now time.Time) error {
	_, err := r.ext.ExecContext(ctx, `
		UPDATE books
		SET available_quantity = LEAST(available_quantity + 1, quantity), updated_at = $1
		WHERE id = $2`,
		now, bookID)
	return err
}

func (r *pgRepo) GetUser(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	err := sqlx.GetContext(ctx, r.ext, &u, `SELECT id, email, first_name, last_name FROM users WHERE id = $1`, id)
	if err != nil {
		return nil, translate(err)
	}
	return &u, nil
}

func (r *pgRepo) CreateBorrow(ctx context.Context, b *models.BorrowRecord) error {
	err := r.ext.QueryRowxContext(ctx, `
		INSERT INTO borrow_records (user_id, book_id, borrow_date, confirmed_date, due_date, return_date, status,
			notes, extension_count, last_extension_date, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id`,
		b.UserID, b.BookID, b.BorrowDate, b.ConfirmedDate, b.DueDate, b.ReturnDate, b.Status,
		b.Notes, b.ExtensionCount, b.LastExtensionDate, b.CreatedAt, b.UpdatedAt,
	).Scan(&b.ID)
	return translate(err)
}

func (r *pgRepo) GetBorrow(ctx context.Context, id int64) (*models.BorrowRecord, error) {
	var b models.BorrowRecord
	err := sqlx.GetContext(ctx, r.ext, &b, `SELECT `+borrowColumns+` FROM borrow_records WHERE id = $1`, id)
	if err != nil {
		return nil, translate(err)
	}
	return &b, nil
}

func (r *pgRepo) LockBorrow(ctx context.Context, id int64) (*models.BorrowRecord, error) {
	var b models.BorrowRecord
	err := sqlx.GetContext(ctx, r.ext, &b, `SELECT `+borrowColumns+` FROM borrow_records WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		return nil, translate(err)
	}
	return &b, nil
}

func (r *pgRepo) UpdateBorrow(ctx context.Context, b *models.BorrowRecord) error {
	result, err := r.ext.ExecContext(ctx, `
		UPDATE borrow_records
		SET confirmed_date = $1, due_date = $2, return_date = $3, status = $4, notes = $5,
			extension_count = $6, last_extension_date = $7, updated_at = $8
		WHERE id = $9`,
		b.ConfirmedDate, b.DueDate, b.ReturnDate, b.Status, b.Notes,
		b.ExtensionCount, b.LastExtensionDate, b.UpdatedAt, b.ID)
	if err != nil {
		return translate(err)
	}
	return expectOne(result)
}

func (r *pgRepo) HasOpenBorrow(ctx context.Context, userID string, bookID int64) (bool, error) {
	var exists bool
	err := sqlx.GetContext(ctx, r.ext, &exists, `
		SELECT EXISTS (
			SELECT 1 FROM borrow_records
			WHERE user_id = $1 AND book_id = $2 AND status = ANY($3)
		)`,
		userID, bookID, pq.Array(openStatuses()))
	return exists, err
}

func (r *pgRepo) ListBorrows(ctx context.Context, f BorrowFilter) ([]models.BorrowRecord, error) {
	ds := dialect.From("borrow_records").Select(borrowSelect...).Order(goqu.C("id").Asc())
	if f.UserID != "" {
		ds = ds.Where(goqu.C("user_id").Eq(f.UserID))
	}
	if f.BookID != 0 {
		ds = ds.Where(goqu.C("book_id").Eq(f.BookID))
	}
	if len(f.Statuses) > 0 {
		ds = ds.Where(goqu.C("status").In(borrowStatusStrings(f.Statuses)))
	}
	if f.DueBefore != nil {
		ds = ds.Where(goqu.C("due_date").Lt(*f.DueBefore))
	}
	if f.Unreturned {
		ds = ds.Where(goqu.C("return_date").IsNull())
	}
	if f.Limit > 0 {
		ds = ds.Limit(f.Limit)
	}

	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build borrow query: %w", err)
	}
	records := []models.BorrowRecord{}
	if err := sqlx.SelectContext(ctx, r.ext, &records, query, args...); err != nil {
		return nil, err
	}
	return records, nil
}

func (r *pgRepo) ListReminderCandidates(ctx context.Context, now time.Time, ranges []TimeRange) ([]models.ReminderCandidate, error) {
	candidates := []models.ReminderCandidate{}
	if len(ranges) == 0 {
		return candidates, nil
	}

	windows := make([]exp.Expression, 0, len(ranges))
	for _, tr := range ranges {
		windows = append(windows, goqu.And(
			goqu.I("br.due_date").Gte(tr.Start),
			goqu.I("br.due_date").Lt(tr.End),
		))
	}

	ds := dialect.From(goqu.T("borrow_records").As("br")).
		LeftJoin(goqu.T("users").As("u"), goqu.On(goqu.I("u.id").Eq(goqu.I("br.user_id")))).
		LeftJoin(goqu.T("books").As("bk"), goqu.On(goqu.I("bk.id").Eq(goqu.I("br.book_id")))).
		Select(
			goqu.I("br.id"), goqu.I("br.user_id"), goqu.I("br.book_id"), goqu.I("br.borrow_date"),
			goqu.I("br.confirmed_date"), goqu.I("br.due_date"), goqu.I("br.return_date"), goqu.I("br.status"),
			goqu.I("br.notes"), goqu.I("br.extension_count"), goqu.I("br.last_extension_date"),
			goqu.I("br.created_at"), goqu.I("br.updated_at"),
			goqu.COALESCE(goqu.I("u.email"), "").As("email"),
			goqu.COALESCE(goqu.I("u.first_name"), "").As("first_name"),
			goqu.COALESCE(goqu.I("u.last_name"), "").As("last_name"),
			goqu.COALESCE(goqu.I("bk.title"), "").As("book_title"),
		).
		Where(
			goqu.I("br.status").Eq(string(models.BorrowStatusBorrowed)),
			goqu.I("br.return_date").IsNull(),
			goqu.I("br.due_date").Gt(now),
			goqu.Or(windows...),
		).
		Order(goqu.I("br.due_date").Asc())

	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build reminder query: %w", err)
	}
	if err := sqlx.SelectContext(ctx, r.ext, &candidates, query, args...); err != nil {
		return nil, err
	}
	return candidates, nil
}

func (r *pgRepo) AppendBorrowNote(ctx context.Context, id int64, line string, now time.Time) error {
	result, err := r.ext.ExecContext(ctx, `
		UPDATE borrow_records
		SET notes = CASE WHEN notes = '' THEN $1 ELSE notes || E'\n' || $1 END, updated_at = $2
		WHERE id = $3`,
		line, now, id)
	if err != nil {
		return err
	}
	return expectOne(result)
}

func (r *pgRepo) CreateFine(ctx context.Context, f *models.Fine) error {
	err := r.ext.QueryRowxContext(ctx, `
		INSERT INTO fines (user_id, borrow_record_id, amount, reason, kind, status, due_date, paid_date, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		f.UserID, f.BorrowRecordID, f.Amount, f.Reason, f.Kind, f.Status, f.DueDate, f.PaidDate, f.CreatedAt, f.UpdatedAt,
	).Scan(&f.ID)
	return translate(err)
}

func (r *pgRepo) GetFine(ctx context.Context, id int64) (*models.Fine, error) {
	var f models.Fine
	err := sqlx.GetContext(ctx, r.ext, &f, `SELECT `+fineColumns+` FROM fines WHERE id = $1`, id)
	if err != nil {
		return nil, translate(err)
	}
	return &f, nil
}

func (r *pgRepo) LockFine(ctx context.Context, id int64) (*models.Fine, error) {
	var f models.Fine
	err := sqlx.GetContext(ctx, r.ext, &f, `SELECT `+fineColumns+` FROM fines WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		return nil, translate(err)
	}
	return &f, nil
}

func (r *pgRepo) UpdateFine(ctx context.Context, f *models.Fine) error {
	result, err := r.ext.ExecContext(ctx, `
		UPDATE fines
		SET amount = $1, reason = $2, status = $3, due_date = $4, paid_date = $5, updated_at = $6
		WHERE id = $7`,
		f.Amount, f.Reason, f.Status, f.DueDate, f.PaidDate, f.UpdatedAt, f.ID)
	if err != nil {
		return translate(err)
	}
	return expectOne(result)
}

func (r *pgRepo) FindPendingOverdueFine(ctx context.Context, borrowRecordID int64) (*models.Fine, error) {
	var f models.Fine
	err := sqlx.GetContext(ctx, r.ext, &f, `
		SELECT `+fineColumns+` FROM fines
		WHERE borrow_record_id = $1 AND kind = $2 AND status = $3
		LIMIT 1
		FOR UPDATE`,
		borrowRecordID, models.FineKindOverdue, models.FineStatusPending)
	if err != nil {
		return nil, translate(err)
	}
	return &f, nil
}

func (r *pgRepo) ListFines(ctx context.Context, f FineFilter) ([]models.Fine, error) {
	ds := dialect.From("fines").Select(fineSelect...).Order(goqu.C("id").Asc())
	if f.UserID != "" {
		ds = ds.Where(goqu.C("user_id").Eq(f.UserID))
	}
	if f.BorrowRecordID != 0 {
		ds = ds.Where(goqu.C("borrow_record_id").Eq(f.BorrowRecordID))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		ds = ds.Where(goqu.C("status").In(statuses))
	}
	if f.Kind != "" {
		ds = ds.Where(goqu.C("kind").Eq(string(f.Kind)))
	}

	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build fine query: %w", err)
	}
	fines := []models.Fine{}
	if err := sqlx.SelectContext(ctx, r.ext, &fines, query, args...); err != nil {
		return nil, err
	}
	return fines, nil
}

func (r *pgRepo) CreateFineAction(ctx context.Context, a *models.FineAction) error {
	err := r.ext.QueryRowxContext(ctx, `
		INSERT INTO fine_actions (fine_id, actor_id, action, description, amount, notes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		a.FineID, a.ActorID, a.Action, a.Description, a.Amount, a.Notes, a.CreatedAt,
	).Scan(&a.ID)
	return translate(err)
}

func (r *pgRepo) ListFineActions(ctx context.Context, fineID int64) ([]models.FineAction, error) {
	actions := []models.FineAction{}
	err := sqlx.SelectContext(ctx, r.ext, &actions, `
		SELECT id, fine_id, actor_id, action, description, amount, notes, created_at
		FROM fine_actions WHERE fine_id = $1 ORDER BY id`, fineID)
	return actions, err
}

func (r *pgRepo) FineTotals(ctx context.Context) ([]models.FineTotal, error) {
	ds := dialect.From("fines").
		Select(
			goqu.C("status"),
			goqu.C("kind"),
			goqu.COUNT("*").As("count"),
			goqu.COALESCE(goqu.SUM("amount"), 0).As("amount"),
		).
		GroupBy(goqu.C("status"), goqu.C("kind")).
		Order(goqu.C("status").Asc(), goqu.C("kind").Asc())

	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build fine totals query: %w", err)
	}
	totals := []models.FineTotal{}
	if err := sqlx.SelectContext(ctx, r.ext, &totals, query, args...); err != nil {
		return nil, err
	}
	return totals, nil
}

func (r *pgRepo) CreateReview(ctx context.Context, rv *models.Review) error {
	err := r.ext.QueryRowxContext(ctx, `
		INSERT INTO reviews (user_id, book_id, rating, comment, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		rv.UserID, rv.BookID, rv.Rating, rv.Comment, rv.CreatedAt, rv.UpdatedAt,
	).Scan(&rv.ID)
	return translate(err)
}

func (r *pgRepo) GetReview(ctx context.Context, id int64) (*models.Review, error) {
	var rv models.Review
	err := sqlx.GetContext(ctx, r.ext, &rv, `SELECT `+reviewColumns+` FROM reviews WHERE id = $1`, id)
	if err != nil {
		return nil, translate(err)
	}
	return &rv, nil
}

func (r *pgRepo) UpdateReview(ctx context.Context, rv *models.Review) error {
	result, err := r.ext.ExecContext(ctx, `
		UPDATE reviews SET rating = $1, comment = $2, updated_at = $3 WHERE id = $4`,
		rv.Rating, rv.Comment, rv.UpdatedAt, rv.ID)
	if err != nil {
		return translate(err)
	}
	return expectOne(result)
}

func (r *pgRepo) FindUserReview(ctx context.Context, userID string, bookID int64) (*models.Review, error) {
	var rv models.Review
	err := sqlx.GetContext(ctx, r.ext, &rv,
		`SELECT `+reviewColumns+` FROM reviews WHERE user_id = $1 AND book_id = $2`, userID, bookID)
	if err != nil {
		return nil, translate(err)
	}
	return &rv, nil
}

func (r *pgRepo) ListBookReviews(ctx context.Context, bookID int64) ([]models.Review, error) {
	reviews := []models.Review{}
	err := sqlx.SelectContext(ctx, r.ext, &reviews,
		`SELECT `+reviewColumns+` FROM reviews WHERE book_id = $1 ORDER BY id DESC`, bookID)
	return reviews, err
}

func (r *pgRepo) EnsureUserStatus(ctx context.Context, userID string, borrowLimit int, now time.Time) error {
	_, err := r.ext.ExecContext(ctx, `
		INSERT INTO user_statuses (user_id, account_status, total_outstanding_fines, overdue_fines_count,
			max_borrow_limit, current_borrow_count, block_reason, version, created_at, updated_at)
		VALUES ($1, $2, 0, 0, $3, 0, '', 1, $4, $4)
		ON CONFLICT (user_id) DO NOTHING`,
		userID, models.AccountStatusActive, borrowLimit, now)
	return err
}

func (r *pgRepo) GetUserStatus(ctx context.Context, userID string) (*models.UserStatus, error) {
	var s models.UserStatus
	err := sqlx.GetContext(ctx, r.ext, &s, `SELECT `+userStatusColumns+` FROM user_statuses WHERE user_id = $1`, userID)
	if err != nil {
		return nil, translate(err)
	}
	return &s, nil
}

func (r *pgRepo) LockUserStatus(ctx context.Context, userID string) (*models.UserStatus, error) {
	var s models.UserStatus
	err := sqlx.GetContext(ctx, r.ext, &s, `SELECT `+userStatusColumns+` FROM user_statuses WHERE user_id = $1 FOR UPDATE`, userID)
	if err != nil {
		return nil, translate(err)
	}
	return &s, nil
}

func (r *pgRepo) UpdateUserStatus(ctx context.Context, s *models.UserStatus) error {
	result, err := r.ext.ExecContext(ctx, `
		UPDATE user_statuses
		SET account_status = $1, total_outstanding_fines = $2, overdue_fines_count = $3, max_borrow_limit = $4,
			current_borrow_count = $5, block_reason = $6, blocked_until = $7, version = version + 1, updated_at = $8
		WHERE user_id = $9 AND version = $10`,
		s.AccountStatus, s.TotalOutstandingFines, s.OverdueFinesCount, s.MaxBorrowLimit,
		s.CurrentBorrowCount, s.BlockReason, s.BlockedUntil, s.UpdatedAt, s.UserID, s.Version)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("optimistic lock failed for user %s: %w", s.UserID, ErrConflict)
	}
	s.Version++
	return nil
}

func expectOne(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func openStatuses() []string {
	var out []string
	for _, s := range models.AllBorrowStatuses {
		if s.IsOpen() {
			out = append(out, string(s))
		}
	}
	return out
}

func borrowStatusStrings(statuses []models.BorrowStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
