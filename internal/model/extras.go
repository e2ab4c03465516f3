package model

import (
	"time"

	"github.com/google/uuid"
)

// Contact is an emergency or care contact shared within a group.
type Contact struct {
	ID        uuid.UUID
	Name      string
	Phone     string
	Relation  string
	Notes     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (c *Contact) ToDoc() map[string]any {
	return map[string]any{
		"id":        c.ID.String(),
		"name":      c.Name,
		"phone":     c.Phone,
		"relation":  c.Relation,
		"notes":     c.Notes,
		"createdAt": timeValue(c.CreatedAt),
		"updatedAt": timeValue(c.UpdatedAt),
	}
}

func ContactFromDoc(data map[string]any) Contact {
	return Contact{
		ID:        docUUID(data, "id"),
		Name:      docString(data, "name"),
		Phone:     docString(data, "phone"),
		Relation:  docString(data, "relation"),
		Notes:     docString(data, "notes"),
		CreatedAt: docTime(data, "createdAt"),
		UpdatedAt: docTime(data, "updatedAt"),
	}
}

// Memo is a shared voice memo; the audio itself lives in blob storage under
// groups/{groupId}/memos/{memoId}.{ext}.
type Memo struct {
	ID            uuid.UUID
	Title         string
	FileExtension string
	BlobPath      string
	DurationSecs  int
	CreatedBy     string
	CreatedAt     time.Time
}

func (m *Memo) ToDoc() map[string]any {
	return map[string]any{
		"id":            m.ID.String(),
		"title":         m.Title,
		"fileExtension": m.FileExtension,
		"blobPath":      m.BlobPath,
		"durationSecs":  m.DurationSecs,
		"createdBy":     m.CreatedBy,
		"createdAt":     timeValue(m.CreatedAt),
	}
}

func MemoFromDoc(data map[string]any) Memo {
	return Memo{
		ID:            docUUID(data, "id"),
		Title:         docString(data, "title"),
		FileExtension: docString(data, "fileExtension"),
		BlobPath:      docString(data, "blobPath"),
		DurationSecs:  docInt(data, "durationSecs"),
		CreatedBy:     docString(data, "createdBy"),
		CreatedAt:     docTime(data, "createdAt"),
	}
}

// DocumentFile is a shared document; its payload lives in blob storage under
// groups/{groupId}/documents/{documentId}/{filename}.
type DocumentFile struct {
	ID          uuid.UUID
	Filename    string
	ContentType string
	SizeBytes   int64
	BlobPath    string
	CreatedBy   string
	CreatedAt   time.Time
}

func (d *DocumentFile) ToDoc() map[string]any {
	return map[string]any{
		"id":          d.ID.String(),
		"filename":    d.Filename,
		"contentType": d.ContentType,
		"sizeBytes":   int(d.SizeBytes),
		"blobPath":    d.BlobPath,
		"createdBy":   d.CreatedBy,
		"createdAt":   timeValue(d.CreatedAt),
	}
}

func DocumentFileFromDoc(data map[string]any) DocumentFile {
	return DocumentFile{
		ID:          docUUID(data, "id"),
		Filename:    docString(data, "filename"),
		ContentType: docString(data, "contentType"),
		SizeBytes:   int64(docInt(data, "sizeBytes")),
		BlobPath:    docString(data, "blobPath"),
		CreatedBy:   docString(data, "createdBy"),
		CreatedAt:   docTime(data, "createdAt"),
	}
}
