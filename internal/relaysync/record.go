package relaysync

import (
	"fmt"
	"strings"
	"time"
)

type Kind string

const (
	KindMessage      Kind = "message"
	KindComment      Kind = "comment"
	KindNotification Kind = "notification"
)

func (k Kind) Valid() bool {
	switch k {
	case KindMessage, KindComment, KindNotification:
		return true
	default:
		return false
	}
}

func ParseKind(raw string) (Kind, error) {
	kind := Kind(strings.ToLower(strings.TrimSpace(raw)))
	if !kind.Valid() {
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidInput, raw)
	}
	return kind, nil
}

type LocalState string

const (
	StateConfirmed     LocalState = "confirmed"
	StatePendingCreate LocalState = "pendingCreate"
	StatePendingUpdate LocalState = "pendingUpdate"
	StatePendingDelete LocalState = "pendingDelete"
	StateFailed        LocalState = "failed"
)

func (s LocalState) Pending() bool {
	return s == StatePendingCreate || s == StatePendingUpdate || s == StatePendingDelete
}

const (
	FieldText     = "text"
	FieldSenderID = "sender_id"
	FieldReadAt   = "read_at"
	FieldParentID = "parent_id"
)

// Payload is the entity-specific body of a record. Values are JSON-compatible.
type Payload map[string]any

func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

// Merge returns a copy of p with every key of patch applied over it.
// A nil value in patch is kept as an explicit null.
func (p Payload) Merge(patch Payload) Payload {
	out := p.Clone()
	if out == nil {
		out = Payload{}
	}
	for k, v := range patch {
		out[k] = cloneValue(v)
	}
	return out
}

func (p Payload) String(key string) string {
	if p == nil {
		return ""
	}
	s, _ := p[key].(string)
	return s
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		return map[string]any(Payload(typed).Clone())
	case Payload:
		return typed.Clone()
	case []any:
		out := make([]any, len(typed))
		for i := range typed {
			out[i] = cloneValue(typed[i])
		}
		return out
	default:
		return v
	}
}

type Record struct {
	ID               string     `json:"id"`
	TopicID          string     `json:"topicId"`
	Kind             Kind       `json:"kind"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt,omitempty"`
	Revision         int64      `json:"revision"`
	Payload          Payload    `json:"payload,omitempty"`
	IdempotencyToken string     `json:"idempotencyToken,omitempty"`
	Deleted          bool       `json:"deleted,omitempty"`
	State            LocalState `json:"localState,omitempty"`
}

func (r Record) Clone() Record {
	r.Payload = r.Payload.Clone()
	return r
}

func (r Record) SortKey() SortKey {
	return SortKey{CreatedAt: r.CreatedAt, ID: r.ID}
}

func (r Record) Text() string {
	return r.Payload.String(FieldText)
}

func (r Record) SenderID() string {
	return r.Payload.String(FieldSenderID)
}

func (r Record) ParentID() string {
	return r.Payload.String(FieldParentID)
}

// ReadAt reports when the record was read. Unparseable values count as read.
func (r Record) ReadAt() (time.Time, bool) {
	if r.Payload == nil {
		return time.Time{}, false
	}
	switch typed := r.Payload[FieldReadAt].(type) {
	case nil:
		return time.Time{}, false
	case time.Time:
		return typed, !typed.IsZero()
	case string:
		if strings.TrimSpace(typed) == "" {
			return time.Time{}, false
		}
		ts, err := time.Parse(time.RFC3339Nano, typed)
		if err != nil {
			return time.Time{}, true
		}
		return ts, true
	default:
		return time.Time{}, true
	}
}

func (r Record) Visible() bool {
	return !r.Deleted && r.State != StatePendingDelete
}

type SortKey struct {
	CreatedAt time.Time `json:"createdAt"`
	ID        string    `json:"id"`
}

func (k SortKey) Compare(other SortKey) int {
	if c := k.CreatedAt.Compare(other.CreatedAt); c != 0 {
		return c
	}
	return strings.Compare(k.ID, other.ID)
}

func (k SortKey) Less(other SortKey) bool {
	return k.Compare(other) < 0
}

func (k SortKey) IsZero() bool {
	return k.CreatedAt.IsZero() && k.ID == ""
}

type Predicate struct {
	Kind    Kind   `json:"kind"`
	TopicID string `json:"topicId"`
}

func (p Predicate) Key() string {
	return string(p.Kind) + "/" + p.TopicID
}

func (p Predicate) Validate() error {
	if !p.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidInput, p.Kind)
	}
	if strings.TrimSpace(p.TopicID) == "" {
		return fmt.Errorf("%w: topic id is required", ErrInvalidInput)
	}
	return nil
}

func (p Predicate) Matches(r Record) bool {
	return r.Kind == p.Kind && r.TopicID == p.TopicID
}

func FormatReadAt(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
