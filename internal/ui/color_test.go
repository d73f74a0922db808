package ui

import (
	"testing"

	"github.com/fatih/color"
)

func TestInit(t *testing.T) {
	original := color.NoColor
	defer func() { color.NoColor = original }()

	Init(true)
	if !color.NoColor {
		t.Error("Init(true) did not disable color")
	}
}

func TestColorVariablesInitialized(t *testing.T) {
	if Red == nil || Yellow == nil || Green == nil || Cyan == nil {
		t.Error("one or more color variables were not initialized")
	}
}

func TestMessageFunctionsDoNotPanic(t *testing.T) {
	original := color.NoColor
	color.NoColor = true
	defer func() { color.NoColor = original }()

	Success("synced %d sessions", 3)
	Warn("skipped %s", "item-1")
	Fail("validation failed: %s", "exit 1")
	Info("context bundle: %d chunks", 12)
}
