// Package pusher implements the session multiplexer: the in-memory map of
// rooms and spaces, the back-end stream lifecycle, and the fan-out
// algorithms described by the system's design.
package pusher

import (
	"encoding/json"
	"fmt"
)

type RoomURL string
type SpaceName string
type ClientID string // userUuid, stamped by the WS upgrade layer from the JWT subject
type UserID int       // assigned by the back on roomJoinedMessage

// Point is a position in room coordinates.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Rect is a viewport rectangle. The zero value contains no point and is
// used as "no viewport reported yet".
type Rect struct {
	X1, Y1, X2, Y2 float64
}

func (r Rect) Contains(p Point) bool {
	if r.X2 <= r.X1 || r.Y2 <= r.Y1 {
		return false
	}
	return p.X >= r.X1 && p.X <= r.X2 && p.Y >= r.Y1 && p.Y <= r.Y2
}

// SpaceUser is the canonical per-space user record, mutated only via
// field-mask merges.
type SpaceUser struct {
	ID                 UserID         `json:"id"`
	Name               string         `json:"name"`
	Role               string         `json:"role"`
	AvailabilityStatus string         `json:"availabilityStatus"`
	ChatID             string         `json:"chatID"`
	Metadata           map[string]any `json:"metadata,omitempty"`
}

// Clone returns a deep-enough copy safe to hand to readers outside the lock.
func (u SpaceUser) Clone() SpaceUser {
	cp := u
	if u.Metadata != nil {
		cp.Metadata = make(map[string]any, len(u.Metadata))
		for k, v := range u.Metadata {
			cp.Metadata[k] = v
		}
	}
	return cp
}

// FieldMask is an ordered list of dotted field paths naming what changed in
// an update.
type FieldMask []string

func (m FieldMask) has(field string) bool {
	for _, f := range m {
		if f == field {
			return true
		}
	}
	return false
}

// MergeSpaceUser applies update's masked fields onto dst, leaving every
// other field of dst untouched.
func MergeSpaceUser(dst SpaceUser, update SpaceUser, mask FieldMask) SpaceUser {
	out := dst.Clone()
	if mask.has("name") {
		out.Name = update.Name
	}
	if mask.has("role") {
		out.Role = update.Role
	}
	if mask.has("availabilityStatus") {
		out.AvailabilityStatus = update.AvailabilityStatus
	}
	if mask.has("chatID") {
		out.ChatID = update.ChatID
	}
	if mask.has("metadata") {
		if out.Metadata == nil {
			out.Metadata = make(map[string]any, len(update.Metadata))
		}
		for k, v := range update.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// DiffPlayerDetails computes the field mask handleSetPlayerDetails needs:
// availabilityStatus if changed and non-zero, chatID if changed and
// non-empty.
func DiffPlayerDetails(before, after SpaceUser) FieldMask {
	var mask FieldMask
	if after.AvailabilityStatus != "" && after.AvailabilityStatus != before.AvailabilityStatus {
		mask = append(mask, "availabilityStatus")
	}
	if after.ChatID != "" && after.ChatID != before.ChatID {
		mask = append(mask, "chatID")
	}
	return mask
}

// SpaceFilter is a named predicate a client installs on a space.
type SpaceFilter struct {
	Name  string
	Match func(SpaceUser) bool
}

// NewFieldEqualsFilter builds the one filter shape the wire protocol sends:
// "admit users whose named field equals value" (e.g. role=guide). Unknown
// field names admit everything, since an unrecognized predicate should
// never silently exclude users the client can't have meant to filter out.
func NewFieldEqualsFilter(name, field, value string) SpaceFilter {
	return SpaceFilter{
		Name: name,
		Match: func(u SpaceUser) bool {
			switch field {
			case "role":
				return u.Role == value
			case "availabilityStatus":
				return u.AvailabilityStatus == value
			case "name":
				return u.Name == value
			default:
				return true
			}
		},
	}
}

// Message is the tagged-union envelope carried over the client WebSocket
// and, reinterpreted, over the southbound back-end streams.
type Message struct {
	Tag     string          `json:"tag"`
	Payload json.RawMessage `json:"payload"`
}

// assertPayload decodes msg's payload into T, accepting either a raw JSON
// payload (production path) or an already-typed T (test path).
func assertPayload[T any](payload any) (T, bool) {
	var zero T
	switch v := payload.(type) {
	case T:
		return v, true
	case json.RawMessage:
		var out T
		if err := json.Unmarshal(v, &out); err != nil {
			return zero, false
		}
		return out, true
	case []byte:
		var out T
		if err := json.Unmarshal(v, &out); err != nil {
			return zero, false
		}
		return out, true
	default:
		return zero, false
	}
}

// ErrUnknownSpace is returned when a client op names a space the client
// has not joined.
type ErrUnknownSpace struct {
	Requested SpaceName
	Known     []SpaceName
}

func (e *ErrUnknownSpace) Error() string {
	return fmt.Sprintf("client is not in space %q (known spaces: %v)", e.Requested, e.Known)
}
