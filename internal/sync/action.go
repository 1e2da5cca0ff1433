package sync

import (
	"fmt"

	"github.com/derivelabs/derive/internal/entity"
)

// Verb names what an action does to its object.
type Verb string

const (
	VerbDrop    Verb = "drop"
	VerbCreate  Verb = "create"
	VerbSign    Verb = "sign"
	VerbRefresh Verb = "refresh"
	VerbNuke    Verb = "nuke"
)

// State tracks one action through execution.
//
// Pending -> Executing -> {Committed | Failed}. A failure under the
// all-or-nothing discipline additionally forces every Committed
// sibling of the run to RolledBack.
type State string

const (
	StatePending    State = "pending"
	StateExecuting  State = "executing"
	StateCommitted  State = "committed"
	StateFailed     State = "failed"
	StateRolledBack State = "rolled_back"
)

// Action is one planned statement: the verb, the identity it targets,
// and the exact SQL to run. Actions are consumed exactly once and
// never persisted.
type Action struct {
	Verb Verb        `json:"verb"`
	Ref  entity.Ref  `json:"ref"`
	Kind entity.Kind `json:"kind"`
	SQL  string      `json:"sql"`

	State State `json:"state"`
}

func (a Action) String() string {
	return fmt.Sprintf("%-7s %-17s %s", a.Verb, a.Kind.Keyword(), a.Ref.String())
}

// Plan is the ordered action list produced from one diff result.
type Plan struct {
	Actions []Action
}

// Empty reports whether the plan contains no work.
func (p *Plan) Empty() bool {
	return len(p.Actions) == 0
}

// Counts tallies actions per verb, for summaries.
func (p *Plan) Counts() map[Verb]int {
	out := make(map[Verb]int)
	for _, a := range p.Actions {
		out[a.Verb]++
	}
	return out
}
