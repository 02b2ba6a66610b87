package channel

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// OpenFIFO frames over a pair of named pipes created by the orchestrator. Neither pipe is
// opened until the first read or write, because opening a FIFO blocks until the other side
// opens it too. Opened pipes are pollable, so Abandon can interrupt a blocked read or write.
func OpenFIFO(inputPath, outputPath string, options ...Option) (*Stream, error) {
	inputPath = strings.TrimSpace(inputPath)
	outputPath = strings.TrimSpace(outputPath)
	if inputPath == "" {
		return nil, errors.New("input pipe path must not be empty")
	}
	if outputPath == "" {
		return nil, errors.New("output pipe path must not be empty")
	}
	if err := requireFIFO(inputPath); err != nil {
		return nil, err
	}
	if err := requireFIFO(outputPath); err != nil {
		return nil, err
	}

	return newStream(
		func() (io.Reader, error) {
			// #nosec G304 -- pipe path is supplied by the orchestrator that created it.
			return os.OpenFile(inputPath, os.O_RDONLY, 0)
		},
		func() (io.Writer, error) {
			// #nosec G304 -- pipe path is supplied by the orchestrator that created it.
			return os.OpenFile(outputPath, os.O_WRONLY, 0)
		},
		options,
	), nil
}

func requireFIFO(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat pipe %q: %w", path, err)
	}
	if info.Mode()&os.ModeNamedPipe == 0 {
		return fmt.Errorf("pipe %q is not a named pipe (mode %s)", path, info.Mode())
	}
	return nil
}
