// Package cli holds helpers shared by the command-line entry points:
// exit-code mapping and table output.
package cli

import (
	"github.com/MozScout/scout-xcode/internal/jobutil"
)

// Exit codes.
const (
	ExitOK            = 0
	ExitFailure       = 1
	ExitConfiguration = 2
)

// ExitCode maps err to a process exit status. Configuration errors get
// their own status so supervisors can tell a bad deployment from a crash.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case jobutil.IsKind(err, jobutil.KindConfiguration):
		return ExitConfiguration
	default:
		return ExitFailure
	}
}
