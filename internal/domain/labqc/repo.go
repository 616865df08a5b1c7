package labqc

import (
	"context"
	"errors"
)

var (
	ErrTemplateNotFound = errors.New("template not found")
	ErrInvalidRecordID  = errors.New("record id is required")
)

// TemplateSource is the read-only view of template definitions the
// materializer consumes.
type TemplateSource interface {
	GetAllTemplates(ctx context.Context) ([]Template, error)
	GetTemplateByID(ctx context.Context, id string) (*Template, bool, error)
}

// TemplateRepository is the writable Postgres-backed template store.
type TemplateRepository interface {
	TemplateSource
	Upsert(ctx context.Context, t *Template) error
	Delete(ctx context.Context, id string) error
	Search(ctx context.Context, params map[string]string, limit, offset int) ([]Template, int, error)
}

// AssociationStore is a key-value port keyed by record id. Values are opaque
// encoded association entries; see encodeAssociation.
type AssociationStore interface {
	Get(ctx context.Context, recordID string) ([]byte, bool, error)
	Set(ctx context.Context, recordID string, raw []byte) error
	Delete(ctx context.Context, recordID string) error
}

// TemplateLookup resolves a single template id. ok is false when the id is unknown.
type TemplateLookup func(id string) (t Template, ok bool)

// LookupFromSlice builds a TemplateLookup over an in-memory list.
func LookupFromSlice(templates []Template) TemplateLookup {
	byID := make(map[string]Template, len(templates))
	for _, t := range templates {
		byID[t.ID] = t
	}
	return func(id string) (Template, bool) {
		t, ok := byID[id]
		return t, ok
	}
}
