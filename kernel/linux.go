package kernel

// Linux RISC-V syscall numbers this reference table implements. The
// full table has hundreds of entries; a complete POSIX surface is out
// of scope here, so only the handful needed to run and exit a static
// binary are wired in.
const (
	SysWrite     = 64
	SysExit      = 93
	SysExitGroup = 94
	SysBrk       = 214
)

// Linux returns a minimal Linux/RISC-V syscall table: write(2) through
// the write callback, brk(2) through the brk callback, and
// exit/exit_group terminating the run.
func Linux(brk func(addr uint64) (uint64, error), write func(fd int, p []byte) (int, error)) Table {
	return Table{
		SysWrite: func(ctx Context) error {
			fd := int(ctx.Arg(0))
			addr := ctx.Arg(1)
			count := ctx.Arg(2)
			buf := make([]byte, count)
			if err := ctx.ReadBytes(addr, buf); err != nil {
				return err
			}
			n, err := write(fd, buf)
			if err != nil {
				ctx.SetReturn(^uint64(0)) // -1
				return nil
			}
			ctx.SetReturn(uint64(n))
			return nil
		},
		SysBrk: func(ctx Context) error {
			newBrk, err := brk(ctx.Arg(0))
			if err != nil {
				return err
			}
			ctx.SetReturn(newBrk)
			return nil
		},
		SysExit: func(ctx Context) error {
			ctx.RequestExit(int(int32(ctx.Arg(0))))
			return nil
		},
		SysExitGroup: func(ctx Context) error {
			ctx.RequestExit(int(int32(ctx.Arg(0))))
			return nil
		},
	}
}
