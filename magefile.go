//go:build mage
// +build mage

package main

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/magefile/mage/mg"
)

// Default target to run when none is specified
// If not set, running mage will list available targets
var Default = Build

// Build compiles every executable. HDF5 needs cgo, so CGO_CFLAGS and
// CGO_LDFLAGS are forwarded from the environment.
func Build() error {
	mg.Deps(BuildTriggerDAQ)
	mg.Deps(BuildMeasureTrigger)
	fmt.Println("Compilation finished")
	return nil
}

func BuildTriggerDAQ() error {
	fmt.Println("Building triggerdaq executable...")
	return goBuild("./bin/triggerdaq", "./triggerdaq")
}

func BuildMeasureTrigger() error {
	fmt.Println("Building measureTrigger executable...")
	return goBuild("./bin/measureTrigger", "./measureTrigger")
}

// Test runs the library tests.
func Test() error {
	fmt.Println("Running tests...")
	cmd := exec.Command("go", "test", "./pkg/...")
	cmd.Env = cgoEnv()
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

func goBuild(output string, pkg string) error {
	cmd := exec.Command("go", "build", "-o", output, pkg)
	cmd.Env = cgoEnv()
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

func cgoEnv() []string {
	ldflags := os.Getenv("CGO_LDFLAGS")
	cflags := os.Getenv("CGO_CFLAGS")
	return append(os.Environ(),
		"CGO_ENABLED=1",
		fmt.Sprintf("CGO_LDFLAGS=%s", ldflags),
		fmt.Sprintf("CGO_CFLAGS=%s", cflags))
}
