package pagestore

import (
	"context"
	"database/sql"
	"net/url"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	pb "go.pagestream.dev/core/protocol"
)

// SQLite is a Store backed by a SQLite database file.
type SQLite struct {
	// DB is the underlying SQLite database. It's limited to a single open
	// connection.
	DB   *sql.DB
	path string

	applyStmt *sql.Stmt
}

// OpenSQLite opens or creates the SQLite Store at |path|.
func OpenSQLite(path string) (*SQLite, error) {
	var values = url.Values{
		"_journal_mode": {"WAL"},
		"_synchronous":  {"FULL"},
		"_busy_timeout": {"5000"},
	}
	var db, err = sql.Open("sqlite3", "file:"+path+"?"+values.Encode())
	if err != nil {
		return nil, errors.WithMessage(err, "opening SQLite DB")
	}
	// Applies are serialized over a single connection.
	db.SetMaxOpenConns(1)

	if _, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS pages (
			id       INTEGER PRIMARY KEY,
			seq      INTEGER NOT NULL,
			checksum INTEGER NOT NULL,
			image    BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS watermark (
			rowid INTEGER PRIMARY KEY DEFAULT 0 CHECK (rowid = 0), -- Permit just one row.
			seq   INTEGER NOT NULL
		);
		INSERT OR IGNORE INTO watermark(rowid, seq) VALUES (0, 0);
	`); err != nil {
		_ = db.Close()
		return nil, errors.WithMessage(err, "bootstrapping SQLite tables")
	}

	var s = &SQLite{DB: db, path: path}
	if s.applyStmt, err = db.Prepare(`
		INSERT INTO pages(id, seq, checksum, image) VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET seq = excluded.seq,
				checksum = excluded.checksum, image = excluded.image`); err != nil {
		_ = db.Close()
		return nil, errors.WithMessage(err, "preparing apply statement")
	}

	var version, _, _ = sqlite3.Version()
	log.WithFields(log.Fields{
		"path":   path,
		"sqlite": version,
	}).Debug("opened SQLite page store")

	return s, nil
}

// Apply implements Store.
func (s *SQLite) Apply(ctx context.Context, frames []pb.Frame, through uint64) (err error) {
	if err = ValidateApply(frames, through); err != nil {
		return err
	}
	var txn *sql.Tx
	if txn, err = s.DB.BeginTx(ctx, nil); err != nil {
		return errors.WithMessage(err, "beginning transaction")
	}
	defer func() {
		if err != nil {
			_ = txn.Rollback()
		}
	}()

	var watermark int64
	if err = txn.QueryRow(`SELECT seq FROM watermark`).Scan(&watermark); err != nil {
		return errors.WithMessage(err, "reading watermark")
	} else if through <= uint64(watermark) {
		return txn.Rollback()
	}

	var stmt = txn.StmtContext(ctx, s.applyStmt)
	for _, f := range frames {
		if f.Sequence <= uint64(watermark) {
			continue
		}
		if _, err = stmt.Exec(int64(f.PageID), int64(f.Sequence), int64(f.Checksum), f.PageImage); err != nil {
			return errors.WithMessagef(err, "applying frame %d", f.Sequence)
		}
	}
	if _, err = txn.Exec(`UPDATE watermark SET seq = ?`, int64(through)); err != nil {
		return errors.WithMessage(err, "updating watermark")
	} else if err = txn.Commit(); err != nil {
		return errors.WithMessage(err, "committing transaction")
	}
	return nil
}

// Watermark implements Store.
func (s *SQLite) Watermark() (uint64, error) {
	var watermark int64
	if err := s.DB.QueryRow(`SELECT seq FROM watermark`).Scan(&watermark); err != nil {
		return 0, errors.WithMessage(err, "reading watermark")
	}
	return uint64(watermark), nil
}

// Page implements Store.
func (s *SQLite) Page(id uint32) ([]byte, bool, error) {
	var image []byte
	var err = s.DB.QueryRow(`SELECT image FROM pages WHERE id = ?`, int64(id)).Scan(&image)

	if err == sql.ErrNoRows {
		return nil, false, nil
	} else if err != nil {
		return nil, false, errors.WithMessagef(err, "reading page %d", id)
	}
	return image, true, nil
}

// ForEachPage implements Store.
func (s *SQLite) ForEachPage(fn func(pb.Frame) error) error {
	var rows, err = s.DB.Query(`SELECT id, seq, checksum, image FROM pages ORDER BY id`)
	if err != nil {
		return errors.WithMessage(err, "querying pages")
	}
	defer rows.Close()

	for rows.Next() {
		var id, seq, checksum int64
		var image []byte

		if err = rows.Scan(&id, &seq, &checksum, &image); err != nil {
			return errors.WithMessage(err, "scanning page")
		}
		if err = fn(pb.Frame{
			Sequence:  uint64(seq),
			PageID:    uint32(id),
			PageImage: image,
			Checksum:  uint64(checksum),
		}); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Path returns the file path of the SQLite database.
func (s *SQLite) Path() string { return s.path }

// Close implements Store.
func (s *SQLite) Close() error {
	_ = s.applyStmt.Close()
	return s.DB.Close()
}
