// Package profiling wires the pprof profilers to the -cpuProfile and
// -memProfile flags. Both initializers return the function to run on
// shutdown; a failure to start profiling is fatal because asking for a
// profile and silently not getting one is worse than refusing to run.
package profiling

import (
	"os"
	"runtime"
	"runtime/pprof"

	"github.com/sirupsen/logrus"
)

// InitCPUProfiling starts the CPU profiler writing to path and returns the
// stop function.
func InitCPUProfiling(path string) func() {
	logrus.Infof("profiling CPU into %s", path)

	file, err := os.Create(path)
	if err != nil {
		logrus.WithError(err).Fatal("could not create CPU profile")
	}
	if err := pprof.StartCPUProfile(file); err != nil {
		logrus.WithError(err).Fatal("could not start CPU profile")
	}

	return func() {
		pprof.StopCPUProfile()
		if err := file.Close(); err != nil {
			logrus.WithError(err).Error("could not close CPU profile")
		}
	}
}

// InitMemoryProfiling returns a function that snapshots the heap into path
// on shutdown.
func InitMemoryProfiling(path string) func() {
	logrus.Infof("will write a heap profile to %s on exit", path)

	return func() {
		file, err := os.Create(path)
		if err != nil {
			logrus.WithError(err).Error("could not create memory profile")
			return
		}
		defer file.Close()

		runtime.GC()
		if err := pprof.WriteHeapProfile(file); err != nil {
			logrus.WithError(err).Error("could not write memory profile")
		}
	}
}
