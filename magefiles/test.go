//go:build mage

package main

import (
	"github.com/magefile/mage/mg"
)

type Test mg.Namespace

// Runs every test that needs neither a GPU nor a display.
func (Test) Unit() error {
	_, err := executeCmd("go", withArgs("test", "-race", "./..."), withStream())
	return err
}

// Runs the Vulkan device tests against the local driver.
func (Test) Vulkan() error {
	_, err := executeCmd("go",
		withArgs("test", "-run", "TestDevice", "-v", "./engine/renderer/vulkan/..."),
		withEnv("PIPEFORGE_VULKAN=1"),
		withStream())
	return err
}

// Runs go vet over the module.
func (Test) Vet() error {
	_, err := executeCmd("go", withArgs("vet", "./..."), withStream())
	return err
}
