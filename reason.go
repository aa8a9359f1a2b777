package crawler

import (
	"fmt"
	"math/bits"
	"strings"
)

// InvocationReason describes why a document was scheduled for analysis.
type InvocationReason uint16

// Invocation reasons. Several may be combined in a Reasons set.
const (
	DocumentAdded InvocationReason = 1 << iota
	DocumentChanged
	DocumentRemoved
	SolutionChanged
	HighPriority
	ReanalyzeRequested
	SyntaxChanged
	ProjectChanged
	OptionChanged
	DocumentOpened
	DocumentClosed
)

var reasonNames = []struct {
	reason InvocationReason
	name   string
}{
	{DocumentAdded, "DocumentAdded"},
	{DocumentChanged, "DocumentChanged"},
	{DocumentRemoved, "DocumentRemoved"},
	{SolutionChanged, "SolutionChanged"},
	{HighPriority, "HighPriority"},
	{ReanalyzeRequested, "ReanalyzeRequested"},
	{SyntaxChanged, "SyntaxChanged"},
	{ProjectChanged, "ProjectChanged"},
	{OptionChanged, "OptionChanged"},
	{DocumentOpened, "DocumentOpened"},
	{DocumentClosed, "DocumentClosed"},
}

// Reasons is a set of invocation reasons.
type Reasons uint16

// NewReasons builds a set from individual reasons.
func NewReasons(rs ...InvocationReason) Reasons {
	var set Reasons
	for _, r := range rs {
		set |= Reasons(r)
	}

	return set
}

// Has reports whether r is in the set.
func (s Reasons) Has(r InvocationReason) bool {
	return s&Reasons(r) != 0
}

// With returns the set with r added.
func (s Reasons) With(r InvocationReason) Reasons {
	return s | Reasons(r)
}

// Union returns the set union of s and o.
func (s Reasons) Union(o Reasons) Reasons {
	return s | o
}

// IsEmpty reports whether no reason is set.
func (s Reasons) IsEmpty() bool {
	return s == 0
}

// Len returns the number of reasons in the set.
func (s Reasons) Len() int {
	return bits.OnesCount16(uint16(s))
}

// Names returns the reason names in declaration order.
func (s Reasons) Names() []string {
	names := make([]string, 0, s.Len())
	for _, rn := range reasonNames {
		if s.Has(rn.reason) {
			names = append(names, rn.name)
		}
	}

	return names
}

func (s Reasons) String() string {
	if s == 0 {
		return "None"
	}

	return strings.Join(s.Names(), "|")
}

func (r InvocationReason) String() string {
	for _, rn := range reasonNames {
		if rn.reason == r {
			return rn.name
		}
	}

	return fmt.Sprintf("InvocationReason(%d)", uint16(r))
}

// ParseReason resolves a reason by its name (case-insensitive).
func ParseReason(name string) (InvocationReason, error) {
	for _, rn := range reasonNames {
		if strings.EqualFold(rn.name, name) {
			return rn.reason, nil
		}
	}

	return 0, fmt.Errorf("%w: %q", ErrUnknownReason, name)
}
