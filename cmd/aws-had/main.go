package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/chkp-dmorris/AWS-local-zone/pkg/cmd/daemon"
	"github.com/spf13/pflag"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(flag.CommandLine)
}

func main() {
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
	defer klog.Flush()

	command := daemon.NewDaemonCommand()
	if err := command.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
