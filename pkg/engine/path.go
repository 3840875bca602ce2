package engine

import (
	"sort"
	"strconv"
	"strings"
)

// Path is a dot-segmented parameter path. A trailing "." denotes an object.
type Path string

// IsObject reports whether the path names an object rather than a leaf parameter.
func (p Path) IsObject() bool {
	return strings.HasSuffix(string(p), ".")
}

// Segments returns the path segments without the object marker.
func (p Path) Segments() []string {
	s := strings.TrimSuffix(string(p), ".")
	if s == "" {
		return nil
	}
	return strings.Split(s, ".")
}

// Parent returns the object path containing p, or "" at the root.
func (p Path) Parent() Path {
	segs := p.Segments()
	if len(segs) <= 1 {
		return ""
	}
	return Path(strings.Join(segs[:len(segs)-1], ".") + ".")
}

// HasPrefix reports whether p lies inside the object path prefix.
func (p Path) HasPrefix(prefix Path) bool {
	if !prefix.IsObject() {
		prefix += "."
	}
	return strings.HasPrefix(string(p), string(prefix))
}

// Child returns the path of a named child of the object path p.
func (p Path) Child(segment string) Path {
	if p == "" {
		return Path(segment)
	}
	if !p.IsObject() {
		p += "."
	}
	return p + Path(segment)
}

// SegmentKind distinguishes pattern segments.
type SegmentKind int

const (
	// SegmentLiteral matches one named segment.
	SegmentLiteral SegmentKind = iota
	// SegmentIndex matches one instance number, if that instance exists.
	SegmentIndex
	// SegmentWildcard matches every known instance.
	SegmentWildcard
)

// Segment is one element of a parsed Pattern.
type Segment struct {
	Kind  SegmentKind
	Name  string
	Index int
}

// Pattern is a parsed path pattern.
type Pattern struct {
	raw      string
	segments []Segment
	object   bool
}

// ParsePattern parses a path pattern such as
// "InternetGatewayDevice.LANDevice.*.WLANConfiguration.1.SSID".
func ParsePattern(s string) (Pattern, error) {
	s = strings.TrimSpace(s)
	p := Pattern{raw: s, object: strings.HasSuffix(s, ".")}
	body := strings.TrimSuffix(s, ".")
	if body == "" {
		return Pattern{}, invalidPattern(s, "pattern is empty")
	}
	for _, part := range strings.Split(body, ".") {
		switch {
		case part == "":
			return Pattern{}, invalidPattern(s, "empty segment")
		case part == "*":
			p.segments = append(p.segments, Segment{Kind: SegmentWildcard, Name: part})
		case strings.Contains(part, "*"):
			return Pattern{}, invalidPattern(s, "partial wildcards are not supported")
		case isIndex(part):
			n, err := strconv.Atoi(part)
			if err != nil {
				return Pattern{}, invalidPattern(s, err.Error())
			}
			p.segments = append(p.segments, Segment{Kind: SegmentIndex, Name: part, Index: n})
		default:
			p.segments = append(p.segments, Segment{Kind: SegmentLiteral, Name: part})
		}
	}
	return p, nil
}

// MustParsePattern is like ParsePattern but panics on error.
func MustParsePattern(s string) Pattern {
	p, err := ParsePattern(s)
	if err != nil {
		panic(err)
	}
	return p
}

func invalidPattern(s, reason string) error {
	return NewPermanentError("invalid path pattern: "+reason, nil).
		WithCode(ErrCodeInvalidPattern).
		WithPath(Path(s))
}

func isIndex(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

// String returns the pattern as written.
func (p Pattern) String() string {
	return p.raw
}

// Segments returns the parsed segments.
func (p Pattern) Segments() []Segment {
	return p.segments
}

// IsObject reports whether the pattern addresses objects.
func (p Pattern) IsObject() bool {
	return p.object
}

// IsConcrete reports whether the pattern contains no wildcard.
func (p Pattern) IsConcrete() bool {
	for _, s := range p.segments {
		if s.Kind == SegmentWildcard {
			return false
		}
	}
	return true
}

// Inventory answers which instances of a multi-instance object are known.
type Inventory interface {
	// Instances returns the known instance numbers of parent and whether the
	// instance list has been discovered at all.
	Instances(parent Path) ([]int, bool)
}

// Resolution is the outcome of matching a pattern against an inventory.
type Resolution struct {
	// Paths are the concrete matches in ascending lexicographic order with
	// numeric segments compared numerically.
	Paths []Path

	// Unknown lists object paths whose instance list must be discovered
	// before the pattern can be fully expanded.
	Unknown []Path
}

// Complete reports whether every level the pattern crosses is known.
func (r Resolution) Complete() bool {
	return len(r.Unknown) == 0
}

// Resolve expands pattern against the inventory. It never invents or removes
// instances: any multi-instance level that has not been discovered is reported
// in Unknown, whether the pattern crosses it with a wildcard or an explicit
// index, and an explicit index matches only an existing instance.
func Resolve(pattern Pattern, inv Inventory) Resolution {
	var res Resolution
	seen := make(map[Path]bool)

	prefixes := []string{""}
	for _, seg := range pattern.segments {
		next := make([]string, 0, len(prefixes))
		for _, prefix := range prefixes {
			parent := Path(prefix)
			switch seg.Kind {
			case SegmentLiteral:
				next = append(next, prefix+seg.Name+".")
			case SegmentIndex:
				indices, known := inv.Instances(parent)
				if !known {
					res.addUnknown(parent, seen)
					continue
				}
				if containsIndex(indices, seg.Index) {
					next = append(next, prefix+seg.Name+".")
				}
			case SegmentWildcard:
				indices, known := inv.Instances(parent)
				if !known {
					res.addUnknown(parent, seen)
					continue
				}
				sorted := append([]int(nil), indices...)
				sort.Ints(sorted)
				for _, idx := range sorted {
					next = append(next, prefix+strconv.Itoa(idx)+".")
				}
			}
		}
		prefixes = next
	}

	for _, prefix := range prefixes {
		if pattern.object {
			res.Paths = append(res.Paths, Path(prefix))
		} else {
			res.Paths = append(res.Paths, Path(strings.TrimSuffix(prefix, ".")))
		}
	}
	return res
}

func (r *Resolution) addUnknown(parent Path, seen map[Path]bool) {
	if seen[parent] {
		return
	}
	seen[parent] = true
	r.Unknown = append(r.Unknown, parent)
}

func containsIndex(indices []int, n int) bool {
	for _, i := range indices {
		if i == n {
			return true
		}
	}
	return false
}
