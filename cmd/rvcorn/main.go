// Command rvcorn runs a static RISC-V Linux binary against the rvcorn
// interpreter core, wiring stdout/stderr through the default Linux
// syscall table.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/rvcorn/rvcorn"
	"github.com/rvcorn/rvcorn/cpu"
)

func main() {
	maxInsn := flag.Uint64("max-instructions", 0, "stop after this many instructions (0 = unlimited)")
	strictAlign := flag.Bool("strict-align", false, "fault on misaligned load/store instead of servicing it")
	prefix := flag.String("prefix", "", "sysroot prefix for PT_INTERP resolution")
	verbose := flag.Bool("verbose", false, "print entry point and other startup diagnostics")
	traceExec := flag.Bool("trace-exec", false, "print every instruction's PC before it executes")
	traceReg := flag.Bool("trace-reg", false, "print the register file after every instruction")
	traceMem := flag.Bool("trace-mem", false, "print every guest memory read/write")
	traceSys := flag.Bool("trace-sys", false, "print every syscall number dispatched")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <exe> [args...]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	args := flag.Args()
	if len(args) < 1 {
		flag.Usage()
		os.Exit(1)
	}

	f, err := os.Open(args[0])
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()

	cfg := rvcorn.Config{
		MaxInstructions: *maxInsn,
		StrictAlign:     *strictAlign,
		LoadPrefix:      *prefix,
		Verbose:         *verbose,
		TraceExec:       *traceExec,
		TraceReg:        *traceReg,
		TraceMem:        *traceMem,
		TraceSys:        *traceSys,
		Argv:            args,
		Envp:            os.Environ(),
	}
	m, err := rvcorn.NewMachine(f, cfg)
	if err != nil {
		log.Fatal(err)
	}
	if *verbose {
		if interp := m.Interp(); interp != "" {
			fmt.Fprintf(os.Stderr, "[interp: %s]\n", interp)
		}
	}

	res, err := m.Run(cfg.MaxInstructions)
	if exit, ok := err.(rvcorn.ExitStatus); ok {
		os.Exit(int(exit))
	}
	if err != nil {
		if fault, ok := err.(*cpu.Fault); ok {
			fmt.Fprintln(os.Stderr, fault.Error())
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
	if res.TimedOut {
		fmt.Fprintf(os.Stderr, "rvcorn: stopped after %d instructions\n", res.Instructions)
		os.Exit(124)
	}
}
