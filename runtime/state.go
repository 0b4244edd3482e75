package runtime

// State is an instance's lifecycle state.
type State string

const (
	StateUnloaded State = "unloaded"
	StateLoading  State = "loading"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateCrashed  State = "crashed"
	StateDisabled State = "disabled"
)

// Info is a point-in-time snapshot of one instance. It stays readable
// while the instance is mid-call.
type Info struct {
	ID        string
	Name      string
	State     State
	Status    string
	Error     string
	Exports   []string
	Endpoints []string
}
