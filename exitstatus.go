package rvcorn

import "fmt"

// ExitStatus is returned by Run (wrapped as an error) when the guest
// called exit/exit_group rather than running out of its instruction
// budget or hitting a fault.
type ExitStatus int

func (e ExitStatus) Error() string {
	return fmt.Sprintf("exit %d", int(e))
}
