package annotations

import (
	"encoding/json"
	"time"
)

// Record is the server-side row for an annotation owned by a user.
type Record struct {
	AnnotationID    string `gorm:"column:annotation_id;primaryKey;size:190;not null"`
	UserID          string `gorm:"column:user_id;size:190;not null;index:idx_annotations_user_folder,priority:1"`
	FolderID        string `gorm:"column:folder_id;size:190;not null;index:idx_annotations_user_folder,priority:2"`
	DocumentID      string `gorm:"column:document_id;size:190;not null"`
	Kind            string `gorm:"column:kind;size:16;not null;default:''"`
	Color           string `gorm:"column:highlight_color;size:16;not null"`
	Quote           string `gorm:"column:quote;type:text;not null"`
	Note            string `gorm:"column:note;type:text;not null;default:''"`
	AnchorJSON      string `gorm:"column:anchor_json;type:text;not null"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null;index:idx_annotations_user_folder,priority:3"`
	UpdatedAtMillis int64  `gorm:"column:updated_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "annotations"
}

func recordFromAnnotation(userID string, annotation Annotation) (Record, error) {
	anchorJSON, err := json.Marshal(annotation.Anchor)
	if err != nil {
		return Record{}, err
	}
	return Record{
		AnnotationID:    annotation.ID,
		UserID:          userID,
		FolderID:        annotation.FolderID,
		DocumentID:      annotation.DocumentID,
		Kind:            string(annotation.Anchor.Kind),
		Color:           string(annotation.Color),
		Quote:           annotation.Quote,
		Note:            annotation.Note,
		AnchorJSON:      string(anchorJSON),
		CreatedAtMillis: annotation.CreatedAt.UTC().UnixMilli(),
		UpdatedAtMillis: annotation.UpdatedAt.UTC().UnixMilli(),
	}, nil
}

// Annotation decodes the row back into the domain type.
func (r Record) Annotation() (Annotation, error) {
	var anchor Anchor
	if r.AnchorJSON != "" {
		if err := json.Unmarshal([]byte(r.AnchorJSON), &anchor); err != nil {
			return Annotation{}, err
		}
	}
	if anchor.Kind == "" && r.Kind != "" {
		anchor.Kind = AnchorKind(r.Kind)
	}
	return Annotation{
		ID:         r.AnnotationID,
		FolderID:   r.FolderID,
		DocumentID: r.DocumentID,
		Quote:      r.Quote,
		Color:      Color(r.Color),
		Note:       r.Note,
		Anchor:     anchor,
		CreatedAt:  time.UnixMilli(r.CreatedAtMillis).UTC(),
		UpdatedAt:  time.UnixMilli(r.UpdatedAtMillis).UTC(),
	}, nil
}
