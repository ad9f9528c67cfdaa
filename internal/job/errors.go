package job

import (
	"fmt"

	"shardctl/internal/xerrors"
)

// errConfigf wraps xerrors.ErrConfig with a formatted message, for the
// immediate FINISHED/CONFIG_ERROR precondition failures spec.md §4.4.5
// describes for MoveReplicaJob (and which apply equally to the other
// planners' own precondition checks).
func errConfigf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, xerrors.ErrConfig)...)
}
