package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/chkp-dmorris/AWS-local-zone/pkg/cmd/preflight"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(flag.CommandLine)
}

func main() {
	command := preflight.NewPreflightCommand()
	if err := command.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
