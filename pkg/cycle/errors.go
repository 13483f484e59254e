package cycle

import (
	"errors"
	"fmt"

	"github.com/cbodonnell/worldcycle/pkg/game/types"
)

// ErrRoleMismatch is returned when an operation reserved for one role is
// invoked on the other.
type ErrRoleMismatch struct {
	Role      types.Role
	Operation string
}

func (e *ErrRoleMismatch) Error() string {
	return fmt.Sprintf("%s is not permitted on a %s node", e.Operation, e.Role)
}

func IsRoleMismatch(err error) bool {
	var target *ErrRoleMismatch
	return errors.As(err, &target)
}

// ErrCycleInProgress is returned by administrative operations that must not
// run while a cycle is in flight. Triggers never return it.
var ErrCycleInProgress = errors.New("a cycle is in progress")
