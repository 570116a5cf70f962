package pipeline

import (
	"slices"

	"dial-proxy-go/internal/model"
)

// State is the lifecycle of one pipeline run.
type State int

const (
	NotStarted State = iota
	Running
	Completed
	Aborted
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Run applies steps to doc in order. It stops at the first step that fails
// and returns that step's error unchanged; nil means every step succeeded.
func Run(doc model.Document, steps []Step) error {
	_, err := run(doc, steps)
	return err
}

// run returns the index of the failing step, or len(steps) on success.
func run(doc model.Document, steps []Step) (int, error) {
	for i, s := range steps {
		if err := s.Apply(doc); err != nil {
			return i, err
		}
	}
	return len(steps), nil
}

// Stage is a named entry of a Chain.
type Stage struct {
	Name    string
	Factory Factory
}

// Chain is an ordered, immutable list of step factories.
// It is safe to share between goroutines.
type Chain struct {
	stages []Stage
}

// NewChain creates a chain that runs stages in the given order.
func NewChain(stages ...Stage) *Chain {
	return &Chain{stages: slices.Clone(stages)}
}

// Names returns the step names in execution order.
func (c *Chain) Names() []string {
	names := make([]string, len(c.stages))
	for i, s := range c.stages {
		names[i] = s.Name
	}
	return names
}

// Len returns the number of steps.
func (c *Chain) Len() int {
	return len(c.stages)
}

// Bind creates the steps for one request.
func (c *Chain) Bind(pc *model.ProxyContext) []Step {
	steps := make([]Step, len(c.stages))
	for i, s := range c.stages {
		steps[i] = s.Factory(pc)
	}
	return steps
}

// Execution is the outcome of running a chain for one request.
type Execution struct {
	State State
	Step  string // failing step name when State is Aborted
	Err   error  // the failing step's error, unchanged
}

// Execute binds the chain to pc and runs it against doc.
func (c *Chain) Execute(doc model.Document, pc *model.ProxyContext) Execution {
	i, err := run(doc, c.Bind(pc))
	if err != nil {
		return Execution{State: Aborted, Step: c.stages[i].Name, Err: err}
	}
	return Execution{State: Completed}
}
