package ffmpeg

import (
	"fmt"
	"strings"
)

const (
	OpCompress = "compress"
	OpConvert  = "convert"
)

const crfPlaceholder = "${CRF}"

// Operation names a transform and its parameters. It travels unchanged from the
// API through the coordinator to every worker.
type Operation struct {
	Name         string `json:"operation"`
	Quality      string `json:"quality"`
	OutputFormat string `json:"outputFormat"`
}

var crfByQuality = map[string]string{
	"low":    "16",
	"medium": "20",
	"high":   "26",
}

// Argument templates for each operation. The output path is appended as the last argument.
var commandTemplates = map[string]string{
	OpCompress: `-i ${INPUT_MEDIA} -c:v libx264 -crf ${CRF} -preset fast -c:a aac -b:a 128k`,
	OpConvert:  `-i ${INPUT_MEDIA} -preset fast`,
}

var allowedFormats = map[string]bool{
	"mp4": true, "mkv": true, "mov": true, "webm": true, "avi": true, "ts": true,
}

// Normalize fills defaults (quality=medium, format=mp4) and lowercases fields.
func (o Operation) Normalize() Operation {
	o.Name = strings.ToLower(strings.TrimSpace(o.Name))
	o.Quality = strings.ToLower(strings.TrimSpace(o.Quality))
	o.OutputFormat = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(o.OutputFormat), "."))
	if o.Quality == "" {
		o.Quality = "medium"
	}
	if o.OutputFormat == "" {
		o.OutputFormat = "mp4"
	}
	return o
}

func (o Operation) Validate() error {
	if _, ok := commandTemplates[o.Name]; !ok {
		return fmt.Errorf("unknown operation: %q", o.Name)
	}
	if _, ok := crfByQuality[o.Quality]; !ok {
		return fmt.Errorf("quality must be 'low', 'medium', or 'high', got %q", o.Quality)
	}
	if !allowedFormats[o.OutputFormat] {
		return fmt.Errorf("unsupported output format: %q", o.OutputFormat)
	}
	return nil
}

// BuildArgs expands the operation's template into an ffmpeg argument list reading
// inputPath and writing outputPath.
func BuildArgs(op Operation, inputPath, outputPath string) ([]string, error) {
	op = op.Normalize()
	if err := op.Validate(); err != nil {
		return nil, err
	}
	for _, p := range []string{inputPath, outputPath} {
		if err := ValidatePath(p); err != nil {
			return nil, err
		}
	}

	command := strings.ReplaceAll(commandTemplates[op.Name], crfPlaceholder, crfByQuality[op.Quality])
	args, err := SplitCommand(command)
	if err != nil {
		return nil, err
	}
	if err := SanitizeAndValidateArgs(args); err != nil {
		return nil, err
	}

	// Substitute after splitting so paths with spaces stay a single argument.
	for i, arg := range args {
		if arg == InputMediaPlaceholder {
			args[i] = inputPath
		}
	}

	out := append([]string{"-y"}, args...)
	return append(out, outputPath), nil
}
