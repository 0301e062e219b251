package cache

import (
	"time"

	"github.com/matheus3301/spark/internal/model"
)

// Patch lists the fields UpdateMessage may change. Nil fields are left as is.
type Patch struct {
	Status    *model.Status
	ReadAt    *time.Time
	Body      *model.Body
	CreatedAt *time.Time
}

// StatusPatch is a Patch that only sets the status.
func StatusPatch(s model.Status) Patch {
	return Patch{Status: &s}
}

// apply patches m and reports whether CreatedAt moved.
func (p Patch) apply(m *model.Message) bool {
	if p.Status != nil {
		m.Status = *p.Status
	}
	if p.ReadAt != nil {
		t := *p.ReadAt
		m.ReadAt = &t
	}
	if p.Body != nil {
		m.Body = *p.Body
		if p.Body.Media != nil {
			media := *p.Body.Media
			m.Body.Media = &media
		}
	}
	if p.CreatedAt != nil && !p.CreatedAt.Equal(m.CreatedAt) {
		m.CreatedAt = *p.CreatedAt
		return true
	}
	return false
}
