package config

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/entrhq/steward/pkg/runner"
)

// Argv is a command line. In YAML it is either a list of arguments, run as
// is, or a single string, run through "sh -c".
type Argv []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (a *Argv) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		if strings.TrimSpace(node.Value) == "" {
			*a = nil
			return nil
		}
		*a = Argv{"sh", "-c", node.Value}
		return nil
	case yaml.SequenceNode:
		var args []string
		if err := node.Decode(&args); err != nil {
			return err
		}
		*a = args
		return nil
	default:
		return fmt.Errorf("line %d: command must be a string or a list", node.Line)
	}
}

// CommandConfig is one of the tests, lint or deploy commands.
type CommandConfig struct {
	Command Argv     `yaml:"command" json:"command"`
	Timeout Duration `yaml:"timeout" json:"timeout" validate:"gte=0"`
}

// Enabled reports whether a command is configured.
func (c CommandConfig) Enabled() bool {
	return len(c.Command) > 0
}

// Runner converts c into a runner.Command rooted at dir.
func (c CommandConfig) Runner(dir string) runner.Command {
	return runner.Command{
		Argv:    append([]string(nil), c.Command...),
		Dir:     dir,
		Timeout: c.Timeout.Std(),
	}
}
