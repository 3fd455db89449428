// Package session holds the signed-in user's context for the sync client. It is loaded once on
// start, injected where a token is needed, and cleared on logout.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const currentKey = "current"

var (
	// ErrNoSession indicates that nobody is signed in.
	ErrNoSession       = errors.New("session: not signed in")
	errMissingDatabase = errors.New("session: database handle is required")
	errMissingToken    = errors.New("session: token is required")
)

// Session is the signed-in user's context.
type Session struct {
	Token          string
	UserID         string
	ActiveFolderID string
}

// Record persists the session row.
type Record struct {
	Key            string `gorm:"column:session_key;primaryKey;size:32;not null"`
	Token          string `gorm:"column:token;type:text;not null"`
	UserID         string `gorm:"column:user_id;size:190;not null;default:''"`
	ActiveFolderID string `gorm:"column:active_folder_id;size:190;not null;default:''"`
	UpdatedAtMs    int64  `gorm:"column:updated_at_ms;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "client_sessions"
}

type Config struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Holder keeps the current session in memory and mirrors changes to the database.
type Holder struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger

	mu      sync.RWMutex
	current *Session
}

func NewHolder(cfg Config) (*Holder, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Holder{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Load reads the persisted session. ErrNoSession is returned when none was saved.
func (h *Holder) Load(ctx context.Context) (Session, error) {
	var record Record
	err := h.db.WithContext(ctx).Where("session_key = ?", currentKey).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		h.set(nil)
		return Session{}, ErrNoSession
	}
	if err != nil {
		return Session{}, err
	}
	loaded := Session{Token: record.Token, UserID: record.UserID, ActiveFolderID: record.ActiveFolderID}
	h.set(&loaded)
	return loaded, nil
}

// Save replaces the session.
func (h *Holder) Save(ctx context.Context, session Session) error {
	if strings.TrimSpace(session.Token) == "" {
		return errMissingToken
	}
	record := Record{
		Key:            currentKey,
		Token:          session.Token,
		UserID:         session.UserID,
		ActiveFolderID: session.ActiveFolderID,
		UpdatedAtMs:    h.clock().UTC().UnixMilli(),
	}
	err := h.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"token", "user_id", "active_folder_id", "updated_at_ms"}),
	}).Create(&record).Error
	if err != nil {
		return err
	}
	h.set(&session)
	return nil
}

// SetActiveFolder records the folder the user is working in.
func (h *Holder) SetActiveFolder(ctx context.Context, folderID string) error {
	current, ok := h.Current()
	if !ok {
		return ErrNoSession
	}
	current.ActiveFolderID = folderID
	return h.Save(ctx, current)
}

// Clear forgets the session, used on logout.
func (h *Holder) Clear(ctx context.Context) error {
	if err := h.db.WithContext(ctx).Where("session_key = ?", currentKey).Delete(&Record{}).Error; err != nil {
		return err
	}
	h.set(nil)
	h.logger.Info("session cleared")
	return nil
}

// Current returns the in-memory session.
func (h *Holder) Current() (Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.current == nil {
		return Session{}, false
	}
	return *h.current, true
}

// Token returns the bearer token of the current session.
func (h *Holder) Token() (string, error) {
	current, ok := h.Current()
	if !ok {
		return "", ErrNoSession
	}
	return current.Token, nil
}

func (h *Holder) set(session *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.current = session
}
