package main

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/spf13/cobra"
	"github.com/usnistgov/dastream"
)

var githash = "githash not computed"
var gitdate = "git date not computed"
var buildDate = "build date not computed"

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "dastream",
		Short: "Stream blocks of multichannel data through a triggered ring buffer",
		Long: `dastream acquires fixed-size blocks of interleaved scans, keeps or discards
them according to a level or counter trigger, and hands the retained blocks
to an .npz file writer and to ZMQ subscribers.`,
		SilenceUsage: true,
	}
	root.AddCommand(newRunCommand(), newVersionCommand())
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information and quit",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "This is dastream version %s\n", dastream.Build.Version)
			fmt.Fprintf(out, "Git commit hash: %s\n", githash)
			fmt.Fprintf(out, "Build time: %s\n", buildDate)
			fmt.Fprintf(out, "Built on go version %s\n", runtime.Version())
			fmt.Fprintf(out, "Running on %d CPUs.\n", runtime.NumCPU())
		},
	}
}

func setBuildInfo() {
	buildDate = strings.Replace(buildDate, ".", " ", -1) // workaround for Make problems
	dastream.Build.Date = buildDate
	dastream.Build.Githash = githash
	dastream.Build.Gitdate = gitdate
	dastream.Build.Summary = fmt.Sprintf("dastream version %s (git commit %s of %s)", dastream.Build.Version, githash, gitdate)
	if host, err := os.Hostname(); err == nil {
		dastream.Build.Host = host
	} else {
		dastream.Build.Host = "host not detected"
	}
}

func main() {
	setBuildInfo()
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
