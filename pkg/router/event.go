package router

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

// EventKind identifies the variant of an Event.
type EventKind int

const (
	Created EventKind = iota
	Modified
	Deleted
	Moved
)

var eventKindToString = map[EventKind]string{
	Created:  "created",
	Modified: "modified",
	Deleted:  "deleted",
	Moved:    "moved",
}

var stringToEventKind = util.InvertMap(eventKindToString)

func (k EventKind) String() string {
	if s, ok := eventKindToString[k]; ok {
		return s
	}
	return fmt.Sprintf("unknown_event(%d)", k)
}

// ParseEventKind converts a string into an EventKind.
func ParseEventKind(s string) (EventKind, error) {
	if k, ok := stringToEventKind[strings.ToLower(s)]; ok {
		return k, nil
	}
	return 0, fmt.Errorf("invalid event kind: %q", s)
}

// MarshalJSON implements the json.Marshaler interface for EventKind.
func (k EventKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// Event is one filesystem change observed below the source root.
type Event struct {
	Kind EventKind
	// Path is the absolute source path the event refers to. For Moved it is
	// the old location.
	Path string
	// NewPath is the new absolute location. Only set for Moved.
	NewPath string
	// IsDir is set when the event refers to a directory.
	IsDir bool
	// Synthetic marks events derived by the watcher rather than reported by
	// the operating system, e.g. the contents of a newly created directory.
	Synthetic bool
	// Time is when the event was observed. Zero means "now".
	Time time.Time
}

func (e Event) String() string {
	if e.Kind == Moved {
		return fmt.Sprintf("%s %s -> %s", e.Kind, e.Path, e.NewPath)
	}
	return fmt.Sprintf("%s %s", e.Kind, e.Path)
}
