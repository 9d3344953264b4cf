package store

// schema is applied in order by Migrate. Every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS books (
		id BIGSERIAL PRIMARY KEY,
		title TEXT NOT NULL,
		author TEXT NOT NULL DEFAULT '',
		isbn TEXT NOT NULL DEFAULT '',
		quantity INT NOT NULL DEFAULT 0 CHECK (quantity >= 0),
		available_quantity INT NOT NULL DEFAULT 0 CHECK (available_quantity >= 0),
		is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL DEFAULT '',
		first_name TEXT NOT NULL DEFAULT '',
		last_name TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS borrow_records (
		id BIGSERIAL PRIMARY KEY,
		user_id TEXT NOT NULL,
		book_id BIGINT NOT NULL REFERENCES books(id),
		borrow_date TIMESTAMPTZ NOT NULL,
		confirmed_date TIMESTAMPTZ,
		due_date TIMESTAMPTZ NOT NULL,
		return_date TIMESTAMPTZ,
		status TEXT NOT NULL,
		notes TEXT NOT NULL DEFAULT '',
		extension_count INT NOT NULL DEFAULT 0,
		last_extension_date TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CHECK ((return_date IS NOT NULL) = (status = 'Returned')),
		CONSTRAINT borrow_records_extension_count_nonnegative CHECK (extension_count >= 0)
	)`,
	// The extension cap is configurable, so the database only rejects negatives.
	`ALTER TABLE borrow_records DROP CONSTRAINT IF EXISTS borrow_records_extension_count_check`,
	`CREATE UNIQUE INDEX IF NOT EXISTS borrow_records_one_open_loan
		ON borrow_records (user_id, book_id)
		WHERE status IN ('Requested', 'Borrowed', 'Overdue')`,
	`CREATE INDEX IF NOT EXISTS borrow_records_unreturned_due
		ON borrow_records (status, due_date)
		WHERE return_date IS NULL`,
	`CREATE TABLE IF NOT EXISTS fines (
		id BIGSERIAL PRIMARY KEY,
		user_id TEXT NOT NULL,
		borrow_record_id BIGINT REFERENCES borrow_records(id),
		amount NUMERIC(14, 2) NOT NULL CHECK (amount >= 0),
		reason TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		due_date TIMESTAMPTZ,
		paid_date TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS fines_one_pending_overdue
		ON fines (borrow_record_id)
		WHERE kind = 'overdue' AND status = 'Pending'`,
	`CREATE INDEX IF NOT EXISTS fines_user ON fines (user_id)`,
	`CREATE TABLE IF NOT EXISTS fine_actions (
		id BIGSERIAL PRIMARY KEY,
		fine_id BIGINT NOT NULL REFERENCES fines(id),
		actor_id TEXT NOT NULL,
		action TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		amount NUMERIC(14, 2) NOT NULL DEFAULT 0,
		notes TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS user_statuses (
		user_id TEXT PRIMARY KEY,
		account_status TEXT NOT NULL DEFAULT 'Active',
		total_outstanding_fines NUMERIC(14, 2) NOT NULL DEFAULT 0 CHECK (total_outstanding_fines >= 0),
		overdue_fines_count INT NOT NULL DEFAULT 0,
		max_borrow_limit INT NOT NULL DEFAULT 5,
		current_borrow_count INT NOT NULL DEFAULT 0 CHECK (current_borrow_count >= 0),
		block_reason TEXT NOT NULL DEFAULT '',
		blocked_until TIMESTAMPTZ,
		version INT NOT NULL DEFAULT 1,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS reviews (
		id BIGSERIAL PRIMARY KEY,
		user_id TEXT NOT NULL,
		book_id BIGINT NOT NULL REFERENCES books(id),
		rating INT NOT NULL CHECK (rating BETWEEN 1 AND 5),
		comment TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT reviews_one_per_user_book UNIQUE (user_id, book_id)
	)`,
	`CREATE INDEX IF NOT EXISTS reviews_book ON reviews (book_id)`,
}
