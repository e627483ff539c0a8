//go:build mage

package main

import (
	"fmt"

	"github.com/magefile/mage/mg"
)

type Run mg.Namespace

// Builds the testbed samples headless and prints the report.
func (Run) Testbed() error {
	fmt.Println("Run testbed...")
	_, err := executeCmd("go", withArgs("run", ".", "-v", "-testbed"), withStream())
	return err
}

// Builds description and rebuilds it whenever it or its shaders change.
func (Run) Watch(description string) error {
	_, err := executeCmd("go", withArgs("run", ".", "-watch", description), withStream())
	return err
}

// Builds one description against the Vulkan driver.
func (Run) Vulkan(description string) error {
	_, err := executeCmd("go", withArgs("run", ".", "-backend", "vulkan", description), withStream())
	return err
}
