package bringup

type Phase int

const (
	PhasePending Phase = iota
	PhaseCreatingDirectories
	PhaseLaunchingGroupA
	PhaseAwaitingGroupAReady
	PhaseLaunchingGroupB
	PhaseAwaitingGroupBReady
	PhaseInitiatingReplicaSets
	PhaseAwaitingReplicaPrimaries
	PhaseRegisteringShards
	PhaseOnline
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhasePending:
		return "Pending"
	case PhaseCreatingDirectories:
		return "CreatingDirectories"
	case PhaseLaunchingGroupA:
		return "LaunchingGroupA"
	case PhaseAwaitingGroupAReady:
		return "AwaitingGroupAReady"
	case PhaseLaunchingGroupB:
		return "LaunchingGroupB"
	case PhaseAwaitingGroupBReady:
		return "AwaitingGroupBReady"
	case PhaseInitiatingReplicaSets:
		return "InitiatingReplicaSets"
	case PhaseAwaitingReplicaPrimaries:
		return "AwaitingReplicaPrimaries"
	case PhaseRegisteringShards:
		return "RegisteringShards"
	case PhaseOnline:
		return "Online"
	case PhaseFailed:
		return "Failed"
	}
	return "Unknown"
}

// Terminal reports whether no further transitions can happen.
func (p Phase) Terminal() bool {
	return p == PhaseOnline || p == PhaseFailed
}
