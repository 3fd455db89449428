// Package localstore is the client-side durable cache of annotations, kept as one JSON array
// per anchor kind.
package localstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/marginalia/internal/annotations"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	// PartitionPDF holds annotations whose anchors carry page geometry.
	PartitionPDF = "pdf-annotations"
	// PartitionWeb holds annotations whose anchors carry a structural path.
	PartitionWeb = "web-annotations"
)

var (
	errMissingDatabase = errors.New("localstore: database handle is required")
	// ErrUnknownKind indicates an annotation without a recognized anchor kind.
	ErrUnknownKind = errors.New("localstore: unknown anchor kind")
)

// Partition is a single keyed JSON array row.
type Partition struct {
	Key         string `gorm:"column:partition_key;primaryKey;size:64;not null"`
	PayloadJSON string `gorm:"column:payload_json;type:text;not null"`
	UpdatedAtMs int64  `gorm:"column:updated_at_ms;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Partition) TableName() string {
	return "local_partitions"
}

type Config struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store serializes access to the partitions. Writes are visible to the next read.
type Store struct {
	mu     sync.Mutex
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

func New(cfg Config) (*Store, error) {
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
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// PartitionFor maps an anchor kind to its partition key.
func PartitionFor(kind annotations.AnchorKind) (string, error) {
	switch kind {
	case annotations.AnchorKindPDF:
		return PartitionPDF, nil
	case annotations.AnchorKindWeb:
		return PartitionWeb, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

// ListKind returns every entry of a partition in stored order.
func (s *Store) ListKind(ctx context.Context, kind annotations.AnchorKind) ([]annotations.Annotation, error) {
	key, err := PartitionFor(kind)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(ctx, key)
}

// List returns the entries of a partition that belong to documentID.
func (s *Store) List(ctx context.Context, kind annotations.AnchorKind, documentID string) ([]annotations.Annotation, error) {
	all, err := s.ListKind(ctx, kind)
	if err != nil {
		return nil, err
	}
	filtered := make([]annotations.Annotation, 0, len(all))
	for _, annotation := range all {
		if annotation.DocumentID == documentID {
			filtered = append(filtered, annotation)
		}
	}
	return filtered, nil
}

// GetByID searches both partitions.
func (s *Store) GetByID(ctx context.Context, id string) (annotations.Annotation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range []string{PartitionPDF, PartitionWeb} {
		list, err := s.read(ctx, key)
		if err != nil {
			return annotations.Annotation{}, false, err
		}
		for _, annotation := range list {
			if annotation.ID == id {
				return annotation, true, nil
			}
		}
	}
	return annotations.Annotation{}, false, nil
}

// Upsert appends a new entry or, for a known id, replaces only its note and updated_at.
// Anchor, color, and id of an existing entry are preserved.
func (s *Store) Upsert(ctx context.Context, annotation annotations.Annotation) (annotations.Annotation, error) {
	key, err := PartitionFor(annotation.Kind())
	if err != nil {
		return annotations.Annotation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	list, err := s.read(ctx, key)
	if err != nil {
		return annotations.Annotation{}, err
	}
	for index := range list {
		if list[index].ID != annotation.ID {
			continue
		}
		list[index].Note = annotation.Note
		list[index].UpdatedAt = annotation.UpdatedAt
		if err := s.write(ctx, key, list); err != nil {
			return annotations.Annotation{}, err
		}
		return list[index], nil
	}
	list = append(list, annotation.Clone())
	if err := s.write(ctx, key, list); err != nil {
		return annotations.Annotation{}, err
	}
	return annotation, nil
}

// Remove deletes an id from both partitions and reports whether anything was removed.
func (s *Store) Remove(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := false
	for _, key := range []string{PartitionPDF, PartitionWeb} {
		list, err := s.read(ctx, key)
		if err != nil {
			return removed, err
		}
		kept := list[:0]
		for _, annotation := range list {
			if annotation.ID == id {
				removed = true
				continue
			}
			kept = append(kept, annotation)
		}
		if len(kept) == len(list) {
			continue
		}
		if err := s.write(ctx, key, kept); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// ReplaceDocument overwrites the entries of one document in a partition with the given set.
// Entries for other documents are left alone.
func (s *Store) ReplaceDocument(ctx context.Context, kind annotations.AnchorKind, documentID string, replacement []annotations.Annotation) error {
	key, err := PartitionFor(kind)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	list, err := s.read(ctx, key)
	if err != nil {
		return err
	}
	merged := make([]annotations.Annotation, 0, len(list)+len(replacement))
	for _, annotation := range list {
		if annotation.DocumentID != documentID {
			merged = append(merged, annotation)
		}
	}
	for _, annotation := range replacement {
		merged = append(merged, annotation.Clone())
	}
	return s.write(ctx, key, merged)
}

// Clear empties both partitions.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.WithContext(ctx).Where("1 = 1").Delete(&Partition{}).Error
}

func (s *Store) read(ctx context.Context, key string) ([]annotations.Annotation, error) {
	var partition Partition
	err := s.db.WithContext(ctx).Where("partition_key = ?", key).Take(&partition).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return []annotations.Annotation{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("localstore: read %s: %w", key, err)
	}
	return s.decode(key, partition.PayloadJSON), nil
}

// decode never fails: a payload that is not an array reads as empty, and undecodable
// elements are skipped.
func (s *Store) decode(key, payload string) []annotations.Annotation {
	var raw []json.RawMessage
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		s.logger.Warn("local partition is not an array, treating as empty",
			zap.String("partition", key), zap.Error(err))
		return []annotations.Annotation{}
	}
	list := make([]annotations.Annotation, 0, len(raw))
	for index, element := range raw {
		var annotation annotations.Annotation
		if err := json.Unmarshal(element, &annotation); err != nil {
			s.logger.Warn("skipping malformed local annotation",
				zap.String("partition", key), zap.Int("index", index), zap.Error(err))
			continue
		}
		list = append(list, annotation)
	}
	return list
}

func (s *Store) write(ctx context.Context, key string, list []annotations.Annotation) error {
	if list == nil {
		list = []annotations.Annotation{}
	}
	payload, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("localstore: encode %s: %w", key, err)
	}
	partition := Partition{
		Key:         key,
		PayloadJSON: string(payload),
		UpdatedAtMs: s.clock().UTC().UnixMilli(),
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "partition_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"payload_json", "updated_at_ms"}),
	}).Create(&partition).Error
	if err != nil {
		return fmt.Errorf("localstore: write %s: %w", key, err)
	}
	return nil
}
