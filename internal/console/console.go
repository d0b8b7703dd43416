// Package console is the line-oriented front end of the clinic workflow.
// Each input line is one command; the prompt shows who is signed in, the
// current screen and whether the store is reachable.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/rs/zerolog"

	"github.com/samehmaged/Minya-diabetes-system/internal/archive"
	"github.com/samehmaged/Minya-diabetes-system/internal/domain/clinic"
	"github.com/samehmaged/Minya-diabetes-system/internal/qrcard"
	"github.com/samehmaged/Minya-diabetes-system/internal/workflow"
)

// errQuit ends Run without an error.
var errQuit = errors.New("quit")

type command struct {
	usage string
	help  string
	run   func(c *Console, ctx context.Context, args []string) error
}

// Options wires a Console. App is required; a nil Printer or Exporter turns
// the matching file output off.
type Options struct {
	App      *workflow.App
	Printer  *qrcard.Printer
	Exporter *archive.Exporter
	// OutDir receives exported archives and spoken summaries.
	OutDir string
	Logger zerolog.Logger
}

// Console reads commands from in and writes results to out.
type Console struct {
	opts     Options
	in       *bufio.Scanner
	out      io.Writer
	log      zerolog.Logger
	commands map[string]command
}

func New(in io.Reader, out io.Writer, opts Options) *Console {
	c := &Console{
		opts: opts,
		in:   bufio.NewScanner(in),
		out:  out,
		log:  opts.Logger,
	}
	c.commands = commandTable()
	return c
}

// Run processes lines until EOF, "quit" or ctx is done. Command failures
// are printed and do not stop the loop.
func (c *Console) Run(ctx context.Context) error {
	defer c.opts.App.Logout()
	c.prompt()
	for c.in.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := strings.TrimSpace(c.in.Text())
		if line == "" {
			c.prompt()
			continue
		}
		err := c.Exec(ctx, line)
		if errors.Is(err, errQuit) {
			return nil
		}
		if err != nil {
			c.printf("error: %s\n", describe(err))
		}
		c.prompt()
	}
	return c.in.Err()
}

// Exec runs a single command line.
func (c *Console) Exec(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	name := strings.ToLower(fields[0])
	cmd, ok := c.commands[name]
	if !ok {
		return fmt.Errorf("unknown command %q, type help", fields[0])
	}
	c.log.Debug().Str("command", name).Msg("console command")
	return cmd.run(c, ctx, fields[1:])
}

func (c *Console) prompt() {
	s := c.opts.App.Session()
	if s == nil {
		c.printf("clinic> ")
		return
	}
	status := ""
	if !s.Connected() {
		status = " [offline]"
	}
	c.printf("%s@%s%s> ", s.User().Username, s.State(), status)
}

func (c *Console) printf(format string, args ...any) {
	fmt.Fprintf(c.out, format, args...)
}

// session returns the signed-in session.
func (c *Console) session() (*workflow.Session, error) {
	s := c.opts.App.Session()
	if s == nil {
		return nil, errors.New("not signed in, use login")
	}
	return s, nil
}

// describe turns workflow errors into short operator messages.
func describe(err error) string {
	var ve *clinic.ValidationError
	switch {
	case errors.Is(err, clinic.ErrProtectedUser):
		return "the system admin account cannot be deleted"
	case errors.As(err, &ve):
		return ve.Error()
	case errors.Is(err, clinic.ErrWrongRole):
		return "not available for your role"
	case errors.Is(err, clinic.ErrWrongState):
		return "not available on this screen"
	case errors.Is(err, clinic.ErrBackendUnavailable):
		return "store unreachable, try again when back online"
	}
	return err.Error()
}

// writeFile stores data under OutDir and returns the path.
func (c *Console) writeFile(name string, data []byte) (string, error) {
	dir := c.opts.OutDir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", name, err)
	}
	return path, nil
}

func (c *Console) help() {
	names := make([]string, 0, len(c.commands))
	for n := range c.commands {
		names = append(names, n)
	}
	slices.Sort(names)
	for _, n := range names {
		cmd := c.commands[n]
		c.printf("  %-44s %s\n", cmd.usage, cmd.help)
	}
}
