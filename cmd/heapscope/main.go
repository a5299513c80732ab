// heapscope reconstructs the glibc heap of a live process or a memory snapshot and reports
// the corruption it finds.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/cockroachdb/errors"
)

const usage = `usage: heapscope <command> [options]

commands:
  inspect   build a heap model and report corruption findings
  locate    find the main arena from a pointer left by the unsorted bin
  capture   copy the readable mappings of a process into a snapshot directory
  profiles  list the known layout profiles
  offset    show addresses relative to the object mapped around them
  find      search memory for an integer, a string or a regular expression
  dump      print memory as words, or decode it as chunks

Run heapscope <command> -h for the options of a command.
`

func main() {
	log.SetFlags(0)

	err := mainWithError(os.Args[1:])
	if err != nil && !errors.Is(err, flag.ErrHelp) {
		log.Fatalln("fatal:", err)
	}
}

func mainWithError(args []string) error {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return errors.New("please specify a command")
	}

	switch args[0] {
	case "inspect":
		return inspectCommand(args[1:])
	case "locate":
		return locateCommand(args[1:])
	case "capture":
		return captureCommand(args[1:])
	case "profiles":
		return profilesCommand(args[1:])
	case "offset":
		return offsetCommand(args[1:])
	case "find":
		return findCommand(args[1:])
	case "dump":
		return dumpCommand(args[1:])
	case "-h", "-help", "--help", "help":
		fmt.Fprint(os.Stdout, usage)
		return nil
	default:
		fmt.Fprint(os.Stderr, usage)
		return errors.Newf("unknown command %q", args[0])
	}
}
