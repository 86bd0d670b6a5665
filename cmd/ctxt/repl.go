package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/term"

	"ctxt/internal/client"
	"ctxt/internal/protocol"
)

const helpText = `Commands:
  :join <document>         join a document
  :text                    print the local copy
  :sync                    fetch the whole text from the server
  :insert <pos> <text>     insert text before position pos
  :remove <pos> <len>      remove len characters from pos
  :cursor <pos>            move the cursor
  :leave                   leave the document
  :quit                    exit
Any other line is inserted at the cursor.`

var errUsage = errors.New("usage")

type command struct {
	name string
	args []string
	// rest is everything after the first n fields, verbatim.
	rest string
}

// parseCommand splits a prompt line. Lines not starting with ':' are text
// to insert.
func parseCommand(line string) command {
	if !strings.HasPrefix(line, ":") {
		return command{name: "type", rest: line}
	}
	fields := strings.Fields(line[1:])
	if len(fields) == 0 {
		return command{name: "help"}
	}
	cmd := command{name: fields[0], args: fields[1:]}
	// :insert keeps spacing in its text argument.
	if cmd.name == "insert" {
		rest := strings.TrimLeft(line[1:], " \t")
		rest = strings.TrimPrefix(rest, "insert")
		rest = strings.TrimLeft(rest, " \t")
		if i := strings.IndexAny(rest, " \t"); i >= 0 {
			cmd.rest = rest[i+1:]
		}
	}
	return cmd
}

type repl struct {
	c   *client.Client
	out io.Writer
}

func (r *repl) printf(format string, args ...any) {
	fmt.Fprintf(r.out, format+"\r\n", args...)
}

// exec runs one prompt line. It returns true when the user asked to quit.
func (r *repl) exec(line string) (quit bool, err error) {
	cmd := parseCommand(line)
	switch cmd.name {
	case "quit", "q", "exit":
		return true, nil
	case "help", "h":
		for _, l := range strings.Split(helpText, "\n") {
			r.printf("%s", l)
		}
		return false, nil
	case "join":
		if len(cmd.args) != 1 {
			return false, fmt.Errorf("%w: :join <document>", errUsage)
		}
		return false, r.c.Join(cmd.args[0])
	case "text":
		r.printf("%s v%d:", r.c.Document(), r.c.Version())
		r.printf("%s", r.c.Text())
		return false, nil
	case "sync":
		return false, r.c.RequestText()
	case "insert":
		if len(cmd.args) < 1 {
			return false, fmt.Errorf("%w: :insert <pos> <text>", errUsage)
		}
		pos, err := strconv.Atoi(cmd.args[0])
		if err != nil || pos < 0 {
			return false, fmt.Errorf("%w: :insert <pos> <text>", errUsage)
		}
		return false, r.c.Insert(pos, cmd.rest)
	case "remove":
		if len(cmd.args) != 2 {
			return false, fmt.Errorf("%w: :remove <pos> <len>", errUsage)
		}
		pos, err1 := strconv.Atoi(cmd.args[0])
		n, err2 := strconv.Atoi(cmd.args[1])
		if err1 != nil || err2 != nil || pos < 0 || n < 0 {
			return false, fmt.Errorf("%w: :remove <pos> <len>", errUsage)
		}
		return false, r.c.Remove(pos, n)
	case "cursor":
		if len(cmd.args) != 1 {
			return false, fmt.Errorf("%w: :cursor <pos>", errUsage)
		}
		pos, err := strconv.Atoi(cmd.args[0])
		if err != nil || pos < 0 {
			return false, fmt.Errorf("%w: :cursor <pos>", errUsage)
		}
		return false, r.c.SetCursor(uint32(pos))
	case "leave":
		return false, r.c.Leave()
	case "type":
		if cmd.rest == "" {
			return false, nil
		}
		// The cursor follows remote edits, so it is read back each time.
		cursor := int(r.c.Cursor())
		if err := r.c.Insert(cursor, cmd.rest); err != nil {
			return false, err
		}
		return false, r.c.SetCursor(uint32(cursor + utf8.RuneCountInString(cmd.rest)))
	default:
		return false, fmt.Errorf("unknown command :%s (try :help)", cmd.name)
	}
}

// describe renders an event for the prompt.
func describe(e client.Event) string {
	switch e.Kind {
	case client.EventJoined:
		return "joined"
	case client.EventText:
		t, _ := e.Op.(protocol.Text)
		return fmt.Sprintf("loaded v%d, %d characters", t.Version, utf8.RuneCountInString(t.Text))
	case client.EventRemote:
		switch op := e.Op.(type) {
		case protocol.Insert:
			return fmt.Sprintf("[%s] inserted %q at %d (v%d)", op.Author, op.Text, op.Cursor, op.Version)
		case protocol.Remove:
			return fmt.Sprintf("[%s] removed %d at %d (v%d)", op.Author, op.Length, op.Cursor, op.Version)
		case protocol.Commit:
			return fmt.Sprintf("[%s] committed %d edits (v%d)", op.Author, len(op.Sequence), op.Version)
		}
	case client.EventError:
		return fmt.Sprintf("error: %v", e.Err)
	case client.EventDisconnected:
		return "disconnected"
	case client.EventReconnected:
		return "reconnected"
	}
	return e.Kind.String()
}

func (r *repl) printEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-r.c.Events():
			r.printf("* %s", describe(e))
		}
	}
}

// lineReader yields prompt lines until EOF.
type lineReader func() (string, error)

// openPrompt uses a raw-mode terminal when stdin is one, and plain lines
// otherwise.
func openPrompt() (lineReader, io.Writer, func(), error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		sc := bufio.NewScanner(os.Stdin)
		read := func() (string, error) {
			if !sc.Scan() {
				if err := sc.Err(); err != nil {
					return "", err
				}
				return "", io.EOF
			}
			return sc.Text(), nil
		}
		return read, os.Stdout, func() {}, nil
	}

	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("raw terminal: %w", err)
	}
	t := term.NewTerminal(struct {
		io.Reader
		io.Writer
	}{os.Stdin, os.Stdout}, "> ")
	if w, h, err := term.GetSize(fd); err == nil {
		t.SetSize(w, h)
	}
	restore := func() { term.Restore(fd, state) }
	return t.ReadLine, t, restore, nil
}

func runREPL(ctx context.Context, c *client.Client, doc string) error {
	read, out, restore, err := openPrompt()
	if err != nil {
		return err
	}
	defer restore()

	r := &repl{c: c, out: out}
	go r.printEvents(ctx)

	r.printf("connected as %s; :help for commands", c.State())
	if doc != "" {
		if _, err := r.exec(":join " + doc); err != nil {
			return err
		}
	}

	lines := make(chan string)
	errs := make(chan error, 1)
	go func() {
		for {
			line, err := read()
			if err != nil {
				errs <- err
				return
			}
			lines <- line
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errs:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		case line := <-lines:
			quit, err := r.exec(line)
			if err != nil {
				r.printf("! %v", err)
			}
			if quit {
				return nil
			}
		}
	}
}
