package dockermeta

import (
	"maps"
	"time"
)

// FieldName is the record key the metadata is attached under.
const FieldName = "docker"

// Metadata is the resolved description of one container. Nil fields were
// not reported by the daemon. Values are never modified after creation.
type Metadata struct {
	ID                *string
	Name              *string
	ContainerHostname *string
	Image             *string
	ImageID           *string
	Labels            map[string]string
}

// Field renders the value stored under FieldName. Absent attributes are
// emitted as nil so they encode as null.
func (m *Metadata) Field() map[string]any {
	var labels any
	if m.Labels != nil {
		labels = maps.Clone(m.Labels)
	}
	return map[string]any{
		"id":                 deref(m.ID),
		"name":               deref(m.Name),
		"container_hostname": deref(m.ContainerHostname),
		"image":              deref(m.Image),
		"image_id":           deref(m.ImageID),
		"labels":             labels,
	}
}

func deref(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

// Record is one structured log record. Values are strings, numbers, bools,
// nested maps or slices, or nil, as delivered by the pipeline codec.
type Record map[string]any

// Entry is a timestamped record.
type Entry struct {
	Time   time.Time
	Record Record
}

// Batch is the ordered set of entries that share one tag.
type Batch []Entry
