package partition

import "github.com/0xsequence/reorgme/internal/check"

// Phase is the partition state of the forked node.
type Phase uint8

const (
	// Joined: the forked node is attached to the internal network and
	// follows the majority chain.
	Joined Phase = iota + 1
	// Forked: the forked node is detached and mines its own branch.
	Forked
)

func (p Phase) String() string {
	switch p {
	case Joined:
		return "joined"
	case Forked:
		return "forked"
	default:
		return "unknown"
	}
}

// Transition moves p to to. Only Joined <-> Forked is allowed; anything else
// trips an assertion in debug builds and keeps p.
func (p Phase) Transition(to Phase) Phase {
	ok := false
	switch p {
	case Joined:
		ok = to == Forked
	case Forked:
		ok = to == Joined
	}
	check.Assertf(ok, "partition phase transition: %s -> %s", p, to)
	if !ok {
		return p
	}
	return to
}
