//go:build mage

package main

import (
	"path/filepath"

	"github.com/magefile/mage/mg"
)

type Build mg.Namespace

const binary = "bin/pipeforge"

// Tidies the module and builds the pipeforge binary into bin/.
func (Build) Binary() error {
	if err := goTidy(); err != nil {
		return err
	}
	_, err := executeCmd("go", withArgs("build", "-o", filepath.FromSlash(binary), "."), withStream())
	return err
}

// Builds the binary and uses it to validate and build the testbed samples.
func (Build) Samples() error {
	mg.Deps(Build.Binary)
	_, err := executeCmd(filepath.FromSlash("./"+binary), withArgs("-testbed"), withStream())
	return err
}
