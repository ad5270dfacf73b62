package reconcile

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/paulschiretz/pgl-mirror/pkg/inventory"
	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

// ActionKind is the kind of mutation a plan applies to the destination.
type ActionKind int

const (
	// ActionCopy copies a source file to the same relative path at the destination.
	ActionCopy ActionKind = iota
	// ActionRename replaces a same-content destination file in the same
	// directory with the source file's name.
	ActionRename
	// ActionMkdir creates an empty directory at the destination.
	ActionMkdir
)

var actionKindToString = map[ActionKind]string{
	ActionCopy:   "copy",
	ActionRename: "rename",
	ActionMkdir:  "mkdir",
}

var stringToActionKind = util.InvertMap(actionKindToString)

func (k ActionKind) String() string {
	if s, ok := actionKindToString[k]; ok {
		return s
	}
	return fmt.Sprintf("unknown_action(%d)", k)
}

// ParseActionKind converts a string into an ActionKind.
func ParseActionKind(s string) (ActionKind, error) {
	if k, ok := stringToActionKind[strings.ToLower(s)]; ok {
		return k, nil
	}
	return 0, fmt.Errorf("invalid action kind: %q", s)
}

// MarshalJSON implements the json.Marshaler interface for ActionKind.
func (k ActionKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for ActionKind.
func (k *ActionKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("action kind should be a string, got %s", data)
	}
	kind, err := ParseActionKind(s)
	if err != nil {
		return err
	}
	*k = kind
	return nil
}

// Action is one planned destination mutation.
type Action struct {
	Kind ActionKind `json:"kind"`
	// RelPath is the destination path, relative to the destination root.
	RelPath string `json:"relPath"`
	// OldRelPath is the destination file replaced by a rename.
	OldRelPath string `json:"oldRelPath,omitempty"`
	// Source is the file to copy. Empty for ActionMkdir.
	Source inventory.FileRecord `json:"-"`
}

// Plan is the ordered list of actions that converges a destination to a source.
type Plan struct {
	Actions []Action
	// Matched counts source files already present at the destination.
	Matched int
}

// Empty reports whether the plan changes nothing.
func (p *Plan) Empty() bool {
	return len(p.Actions) == 0
}

// Count returns the number of actions of the given kind.
func (p *Plan) Count(kind ActionKind) int {
	n := 0
	for _, a := range p.Actions {
		if a.Kind == kind {
			n++
		}
	}
	return n
}

// BuildPlan decides, from two inventories alone, which source files must be
// copied or renamed at the destination. Files are the same content when their
// hashes match and the same identity when their relative paths also match.
//
// A source file whose content exists at the destination only under another
// name in the same directory turns into a rename of that destination file.
// Same-content files elsewhere are left in place and the source file is copied.
// Destination-only files are never touched.
//
// When syncEmptyDirs is set, empty source directories without a destination
// counterpart are created. That check looks at the destination filesystem.
func BuildPlan(src, dst *inventory.Inventory, syncEmptyDirs bool) *Plan {
	plan := &Plan{}

	dstByHash := dst.ByHash()
	srcByRelPath := src.ByRelPath()
	// Destination files already consumed by a rename in this pass.
	claimed := make(map[string]struct{})

	for _, s := range src.Records {
		candidates := dstByHash[s.Hash]
		if len(candidates) == 0 {
			plan.Actions = append(plan.Actions, Action{Kind: ActionCopy, RelPath: s.RelPath, Source: s})
			continue
		}

		if hasSameIdentity(s, candidates) {
			plan.Matched++
			continue
		}

		if old, ok := renameCandidate(s, candidates, srcByRelPath, claimed); ok {
			claimed[old.RelPath] = struct{}{}
			plan.Actions = append(plan.Actions, Action{Kind: ActionRename, RelPath: s.RelPath, OldRelPath: old.RelPath, Source: s})
			continue
		}

		plan.Actions = append(plan.Actions, Action{Kind: ActionCopy, RelPath: s.RelPath, Source: s})
	}

	if syncEmptyDirs {
		for _, d := range src.EmptyDirs {
			target := util.DenormalizedAbsPath(dst.Root, d.RelPath)
			if _, err := os.Lstat(target); err == nil {
				continue // Existing directories are left untouched, even if non-empty.
			}
			plan.Actions = append(plan.Actions, Action{Kind: ActionMkdir, RelPath: d.RelPath})
		}
	}
	return plan
}

func hasSameIdentity(s inventory.FileRecord, candidates []inventory.FileRecord) bool {
	for _, c := range candidates {
		if sameRelPath(c.RelPath, s.RelPath) {
			return true
		}
	}
	return false
}

// renameCandidate returns the first unclaimed destination file with the same
// content in the same directory whose path is not itself a source file.
func renameCandidate(s inventory.FileRecord, candidates []inventory.FileRecord, srcByRelPath map[string]inventory.FileRecord, claimed map[string]struct{}) (inventory.FileRecord, bool) {
	parent := s.ParentKey()
	for _, c := range candidates {
		if !sameRelPath(c.ParentKey(), parent) {
			continue
		}
		if _, taken := claimed[c.RelPath]; taken {
			continue
		}
		if _, inSource := srcByRelPath[c.RelPath]; inSource {
			continue
		}
		return c, true
	}
	return inventory.FileRecord{}, false
}

// sameRelPath compares relative keys the way the host filesystem does.
func sameRelPath(a, b string) bool {
	if util.IsHostCaseInsensitiveFS() {
		return strings.EqualFold(a, b)
	}
	return a == b
}
