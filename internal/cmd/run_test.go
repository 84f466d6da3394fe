package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunCmd_Flags(t *testing.T) {
	expected := map[string]string{
		"tool":     "",
		"args":     "{}",
		"subject":  "cli",
		"request":  "",
		"confirm":  "false",
		"retry":    "false",
		"manifest": "",
	}

	for name, wantDefault := range expected {
		flag := runCmd.Flags().Lookup(name)
		assert.NotNil(t, flag, "run flag %q should be registered", name)
		if flag != nil {
			assert.Equal(t, wantDefault, flag.DefValue, "run flag %q default", name)
		}
	}
}

func TestRunCmd_UseLine(t *testing.T) {
	assert.Equal(t, "run", runCmd.Use)
}

func TestWorkflowCmd_Subcommands(t *testing.T) {
	registered := make(map[string]bool)
	for _, cmd := range workflowCmd.Commands() {
		registered[cmd.Name()] = true
	}
	assert.True(t, registered["validate"])
	assert.True(t, registered["run"])
}

func TestWorkflowCmd_FileFlag(t *testing.T) {
	flag := workflowCmd.PersistentFlags().Lookup("file")
	assert.NotNil(t, flag, "workflow --file should be registered")
	if flag != nil {
		assert.Equal(t, "f", flag.Shorthand)
	}
}

func TestWorkflowRunCmd_Flags(t *testing.T) {
	for name, wantDefault := range map[string]string{
		"subject":  "cli",
		"input":    "",
		"manifest": "",
	} {
		flag := workflowRunCmd.Flags().Lookup(name)
		assert.NotNil(t, flag, "workflow run flag %q should be registered", name)
		if flag != nil {
			assert.Equal(t, wantDefault, flag.DefValue, "workflow run flag %q default", name)
		}
	}
}
