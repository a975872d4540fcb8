package core

// Exit codes returned by the CLI. Scripts key off these, so values are
// stable; add new codes instead of renumbering.
const (
	ExitCodeSuccess     = 0
	ExitCodeError       = 1
	ExitCodeConfig      = 2
	ExitCodeBudget      = 3
	ExitCodeUnavailable = 4
	ExitCodeCanceled    = 5
)

// ExitCodeFor maps a Problem to a process exit code by its status and type.
func ExitCodeFor(p *Problem) int {
	if p == nil {
		return ExitCodeSuccess
	}
	switch {
	case p.Type == ProblemTypeBudget:
		return ExitCodeBudget
	case p.Type == ProblemTypeConfig:
		return ExitCodeConfig
	case p.Status == 403 || p.Status == 503:
		return ExitCodeUnavailable
	default:
		return ExitCodeError
	}
}
