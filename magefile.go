//go:build mage
// +build mage

package main

import (
	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

// Default target to run when none is specified.
var Default = Build

// Build compiles the firebase-token command.
func Build() error {
	mg.Deps(Test)
	return sh.RunV("go", "build", "-o", "dist/firebase-token", "./cmd/firebase-token")
}

// Test runs the unit tests with the race detector.
func Test() error {
	return sh.RunV("go", "test", "-race", "./...")
}

// Coverage runs the unit tests and writes a coverage profile.
func Coverage() error {
	return sh.RunV("go", "test", "-coverprofile=coverage.out", "./...")
}

// Lint runs go vet.
func Lint() error {
	return sh.RunV("go", "vet", "./...")
}

// Clean removes build artifacts.
func Clean() error {
	if err := sh.Rm("dist"); err != nil {
		return err
	}
	return sh.Rm("coverage.out")
}
