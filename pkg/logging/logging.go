// Package logging wires klog's output to a rotating file (1MB, 10
// backups) for both the daemon and migration logs.
package logging

import (
	"flag"
	"io"

	"gopkg.in/natefinch/lumberjack.v2"
	"k8s.io/klog/v2"
)

const (
	maxSizeMB  = 1 // lumberjack sizes in megabytes
	maxBackups = 10
)

// InitDaemonLog redirects klog output to a rotating file at path. When
// debug is set, verbosity is raised to include V(4) traces.
func InitDaemonLog(path string, debug bool) io.Closer {
	return initRotating(path, debug)
}

// InitMigrateLog is the migrate-subcommand equivalent of InitDaemonLog;
// migration keeps its own log file so a one-shot run never interleaves
// with daemon output.
func InitMigrateLog(path string) io.Closer {
	return initRotating(path, false)
}

func initRotating(path string, debug bool) io.Closer {
	w := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
	}
	klog.SetOutput(w)
	if debug {
		fs := flag.NewFlagSet("klog", flag.ContinueOnError)
		klog.InitFlags(fs)
		_ = fs.Set("v", "4")
	}
	return w
}
