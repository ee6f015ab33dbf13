package ffmpeg

import (
	"fmt"
	"strings"

	"github.com/google/shlex"
)

// The placeholder for the input file in operation templates
const InputMediaPlaceholder = "${INPUT_MEDIA}"

// SplitCommand splits a command string into arguments without involving a shell.
func SplitCommand(command string) ([]string, error) {
	args, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("invalid command syntax: %w", err)
	}
	return args, nil
}

// SanitizeAndValidateArgs checks an operation template after CRF expansion: no
// shell metacharacters and exactly the input placeholder where the source goes.
// It does not see the per-request paths; ValidatePath covers those.
func SanitizeAndValidateArgs(args []string) error {
	hasInput := false
	for _, arg := range args {
		if arg == InputMediaPlaceholder {
			hasInput = true
		} else if strings.ContainsAny(arg, "|&;`$()<>") {
			return fmt.Errorf("disallowed character found in argument: %s", arg)
		}
	}

	if !hasInput {
		return fmt.Errorf("command must include the input placeholder '%s'", InputMediaPlaceholder)
	}
	return nil
}

// ValidatePath rejects a file path that ffmpeg would not read as a plain file
// argument.
func ValidatePath(path string) error {
	switch {
	case path == "":
		return fmt.Errorf("empty file path")
	case strings.HasPrefix(path, "-"):
		return fmt.Errorf("file path %q would be parsed as an option", path)
	case strings.ContainsAny(path, "\x00\n\r"):
		return fmt.Errorf("file path %q contains control characters", path)
	}
	return nil
}

// SafeName reports whether name can be used as a bare file name inside a work directory.
func SafeName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, `/\`) && !strings.Contains(name, "..")
}
