package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	// Pure-Go SQLite driver, registered for database/sql.
	_ "modernc.org/sqlite"

	"cardbridge/internal/models"
	"cardbridge/internal/uid"
)

// ErrCardNotFound is returned when an operation targets a card that is not
// in the registry.
var ErrCardNotFound = errors.New("card not found")

const timeLayout = "2006-01-02 15:04:05"

// CardStore is the durable card registry: cards plus an optional image
// attachment per card. Every method runs its own statements against the
// shared handle; callers get no multi-call atomicity.
type CardStore struct {
	db       *sql.DB
	imageDir string
}

// NewCardStore opens (or creates) the registry database at dbPath and
// ensures the image directory exists. Use ":memory:" for tests.
func NewCardStore(dbPath, imageDir string) (*CardStore, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &CardStore{db: db, imageDir: imageDir}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	if imageDir != "" {
		if err := os.MkdirAll(imageDir, 0755); err != nil {
			db.Close()
			return nil, fmt.Errorf("create image dir: %w", err)
		}
	}

	log.Infof("card registry ready: %s", dbPath)
	return s, nil
}

func (s *CardStore) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS cards (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		card_type TEXT NOT NULL,
		uid TEXT NOT NULL,
		date_added TEXT,
		UNIQUE(card_type, uid)
	);
	CREATE TABLE IF NOT EXISTS media (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		card_type TEXT NOT NULL,
		uid TEXT NOT NULL,
		image_filename TEXT NOT NULL,
		date_uploaded TEXT DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (card_type, uid) REFERENCES cards (card_type, uid),
		UNIQUE(card_type, uid)
	);`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// Close releases the database handle.
func (s *CardStore) Close() error {
	return s.db.Close()
}

// ImageDir returns the directory card images are stored under.
func (s *CardStore) ImageDir() string {
	return s.imageDir
}

// Check reports whether a card with the given type and UID exists.
func (s *CardStore) Check(cardType string, rawUID interface{}) (bool, error) {
	uidStr := uid.ForSearch(rawUID)

	var count int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM cards WHERE card_type = ? AND uid = ?",
		cardType, uidStr,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check card: %w", err)
	}
	return count > 0, nil
}

// Add inserts a card. It returns false (with a nil error) when the pair
// already exists; duplicates are a user-level outcome, not a failure.
func (s *CardStore) Add(cardType string, rawUID interface{}) (bool, error) {
	uidStr := uid.ForStorage(rawUID)

	var count int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM cards WHERE card_type = ? AND uid = ?",
		cardType, uidStr,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("add card: %w", err)
	}
	if count > 0 {
		log.Warnf("card %s/%s already exists", cardType, uidStr)
		return false, nil
	}

	dateAdded := time.Now().Format(timeLayout)
	_, err = s.db.Exec(
		"INSERT INTO cards (card_type, uid, date_added) VALUES (?, ?, ?)",
		cardType, uidStr, dateAdded,
	)
	if err != nil {
		// Lost a race with a concurrent insert: the unique constraint is
		// authoritative, the loser just sees a duplicate.
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("add card: %w", err)
	}

	log.Infof("card %s/%s added", cardType, uidStr)
	return true, nil
}

// Remove deletes the card's media row (if any) and then the card itself.
// It reports whether a card row was actually deleted.
func (s *CardStore) Remove(cardType string, rawUID interface{}) (bool, error) {
	uidStr := uid.ForSearch(rawUID)

	if _, err := s.db.Exec(
		"DELETE FROM media WHERE card_type = ? AND uid = ?",
		cardType, uidStr,
	); err != nil {
		return false, fmt.Errorf("remove card media: %w", err)
	}

	res, err := s.db.Exec(
		"DELETE FROM cards WHERE card_type = ? AND uid = ?",
		cardType, uidStr,
	)
	if err != nil {
		return false, fmt.Errorf("remove card: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("remove card: %w", err)
	}

	if n > 0 {
		log.Infof("card %s/%s removed", cardType, uidStr)
	}
	return n > 0, nil
}

// List returns all cards joined with their optional image, newest first.
func (s *CardStore) List() ([]models.CardView, error) {
	rows, err := s.db.Query(`
		SELECT c.card_type, c.uid, c.date_added, m.image_filename
		FROM cards c
		LEFT JOIN media m ON c.card_type = m.card_type AND c.uid = m.uid
		ORDER BY c.date_added DESC`)
	if err != nil {
		return nil, fmt.Errorf("list cards: %w", err)
	}
	defer rows.Close()

	cards := []models.CardView{}
	for rows.Next() {
		var v models.CardView
		var image sql.NullString
		if err := rows.Scan(&v.CardType, &v.UID, &v.DateAdded, &image); err != nil {
			return nil, fmt.Errorf("list cards: %w", err)
		}
		if image.Valid {
			v.ImageFilename = &image.String
			v.HasImage = true
		}
		cards = append(cards, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list cards: %w", err)
	}
	return cards, nil
}

// SaveImage persists image bytes for an existing card and records the
// attachment, replacing any previous one. Returns ErrCardNotFound when
// the card is not registered.
func (s *CardStore) SaveImage(cardType string, rawUID interface{}, data []byte, filename string) error {
	uidStr := uid.ForSearch(rawUID)

	exists, err := s.Check(cardType, uidStr)
	if err != nil {
		return err
	}
	if !exists {
		return ErrCardNotFound
	}

	ext := filepath.Ext(filename)
	safeName := fmt.Sprintf("%s_%s_%d%s", cardType, uidStr, time.Now().Unix(), ext)

	if err := os.WriteFile(filepath.Join(s.imageDir, safeName), data, 0644); err != nil {
		return fmt.Errorf("write image file: %w", err)
	}

	// At most one image per card: drop the previous attachment first.
	if _, err := s.db.Exec(
		"DELETE FROM media WHERE card_type = ? AND uid = ?",
		cardType, uidStr,
	); err != nil {
		return fmt.Errorf("replace card image: %w", err)
	}

	dateUploaded := time.Now().Format(timeLayout)
	if _, err := s.db.Exec(
		"INSERT INTO media (card_type, uid, image_filename, date_uploaded) VALUES (?, ?, ?, ?)",
		cardType, uidStr, safeName, dateUploaded,
	); err != nil {
		return fmt.Errorf("save card image: %w", err)
	}

	log.Infof("image saved for card %s/%s: %s", cardType, uidStr, safeName)
	return nil
}

// GetWithImage returns full card detail including the image attachment if
// present, or nil when the card does not exist.
func (s *CardStore) GetWithImage(cardType string, rawUID interface{}) (*models.CardView, error) {
	uidStr := uid.ForSearch(rawUID)

	var v models.CardView
	var image, uploaded sql.NullString
	err := s.db.QueryRow(`
		SELECT c.card_type, c.uid, c.date_added, m.image_filename, m.date_uploaded
		FROM cards c
		LEFT JOIN media m ON c.card_type = m.card_type AND c.uid = m.uid
		WHERE c.card_type = ? AND c.uid = ?`,
		cardType, uidStr,
	).Scan(&v.CardType, &v.UID, &v.DateAdded, &image, &uploaded)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get card: %w", err)
	}

	if image.Valid {
		v.ImageFilename = &image.String
		v.HasImage = true
	}
	if uploaded.Valid {
		v.DateUploaded = &uploaded.String
	}
	return &v, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE")
}
