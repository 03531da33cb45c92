package decoder

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	perrors "github.com/demolyzer/demolyzer/internal/errors"
	"github.com/demolyzer/demolyzer/pkg/types"
)

// Decoder produces the tick records of a recorded session.
type Decoder interface {
	// Decode streams the records of source to fn in decoder order.
	// tickFrequency is the sampling interval the decoder applies.
	Decode(ctx context.Context, source string, tickFrequency int, fn RecordFunc) error
}

// Collect decodes source into a slice.
func Collect(ctx context.Context, d Decoder, source string, tickFrequency int) ([]types.TickRecord, error) {
	var records []types.TickRecord
	err := d.Decode(ctx, source, tickFrequency, func(rec types.TickRecord) error {
		records = append(records, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// FileDecoder reads a record stream that was already unspooled to a file.
// The file was sampled when it was produced, so tickFrequency is not used.
type FileDecoder struct{}

func (FileDecoder) Decode(ctx context.Context, source string, _ int, fn RecordFunc) error {
	f, err := os.Open(source)
	if err != nil {
		if os.IsNotExist(err) {
			return perrors.Wrap(perrors.ErrCategoryDecode, perrors.CodeObjectNotFound,
				fmt.Sprintf("source %s does not exist", source), err)
		}
		return perrors.NewDecodeError(fmt.Sprintf("failed to open %s", source), err)
	}
	defer f.Close()
	return ReadRecords(ctx, bufio.NewReader(f), fn)
}

// CommandDecoder runs an external unspooler and reads the record stream it
// writes to stdout. The placeholders {source} and {tick_frequency} in Args
// are substituted before the command runs.
type CommandDecoder struct {
	Path string
	Args []string
}

// NewCommandDecoder creates a decoder from a command line whose first
// element is the program.
func NewCommandDecoder(command []string) (*CommandDecoder, error) {
	if len(command) == 0 || command[0] == "" {
		return nil, perrors.NewValidationError(perrors.CodeInvalidOptions, "decoder command is empty")
	}
	return &CommandDecoder{Path: command[0], Args: append([]string(nil), command[1:]...)}, nil
}

func (d *CommandDecoder) Decode(ctx context.Context, source string, tickFrequency int, fn RecordFunc) error {
	if _, err := os.Stat(source); err != nil {
		return perrors.Wrap(perrors.ErrCategoryDecode, perrors.CodeObjectNotFound,
			fmt.Sprintf("source %s does not exist", source), err)
	}

	replacer := strings.NewReplacer("{source}", source, "{tick_frequency}", strconv.Itoa(tickFrequency))
	args := make([]string, len(d.Args))
	for i, a := range d.Args {
		args[i] = replacer.Replace(a)
	}

	cmd := exec.CommandContext(ctx, d.Path, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return perrors.NewDecodeError("failed to attach to decoder output", err)
	}
	if err := cmd.Start(); err != nil {
		return perrors.NewDecodeError(fmt.Sprintf("failed to start %s", d.Path), err)
	}

	readErr := ReadRecords(ctx, bufio.NewReader(stdout), fn)
	if readErr != nil {
		// Unblock the child before waiting on it.
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
		cmd.Wait()
		return readErr
	}
	if err := cmd.Wait(); err != nil {
		return perrors.NewDecodeError(fmt.Sprintf("%s failed: %s", d.Path, strings.TrimSpace(stderr.String())), err)
	}
	return nil
}
