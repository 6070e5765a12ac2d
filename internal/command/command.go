// Package command implements the textual command surface:
//
//	PING <node> <text>
//	DUMP NEIGHBORS
package command

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode"

	"github.com/tomvil/neighprobe/internal/neighbor"
)

var (
	ErrEmpty         = errors.New("empty command")
	ErrUnknown       = errors.New("unknown command")
	ErrMissingParams = errors.New("insufficient parameters")
	ErrUnknownTable  = errors.New("unknown table")
	ErrInvalidNode   = errors.New("invalid node number")
)

type Kind int

const (
	Ping Kind = iota
	DumpNeighbors
)

// Command is a parsed command line.
type Command struct {
	Kind Kind
	Node uint32
	Text string
}

// Prober is what commands run against.
type Prober interface {
	Ping(ctx context.Context, node uint32, text string) (uint16, error)
	Neighbors(ctx context.Context) ([]neighbor.Neighbor, error)
}

// Parse parses one command line. Everything after the node number is the
// probe text.
func Parse(line string) (Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{}, ErrEmpty
	}

	switch strings.ToUpper(fields[0]) {
	case "PING":
		if len(fields) < 3 {
			return Command{}, fmt.Errorf("%w: PING <node> <text>", ErrMissingParams)
		}
		node, err := strconv.ParseUint(fields[1], 10, 32)
		if err != nil {
			return Command{}, fmt.Errorf("%w %q: %v", ErrInvalidNode, fields[1], err)
		}
		return Command{Kind: Ping, Node: uint32(node), Text: afterFields(line, 2)}, nil
	case "DUMP":
		if len(fields) < 2 {
			return Command{}, fmt.Errorf("%w: DUMP <table>", ErrMissingParams)
		}
		if !strings.EqualFold(fields[1], "NEIGHBORS") {
			return Command{}, fmt.Errorf("%w: %s", ErrUnknownTable, fields[1])
		}
		return Command{Kind: DumpNeighbors}, nil
	default:
		return Command{}, fmt.Errorf("%w: %s", ErrUnknown, fields[0])
	}
}

// afterFields returns line with its first n fields and the whitespace after
// them removed. Interior whitespace is kept as typed; a trailing line break
// is not.
func afterFields(line string, n int) string {
	s := strings.TrimLeftFunc(line, unicode.IsSpace)
	for range n {
		i := strings.IndexFunc(s, unicode.IsSpace)
		if i < 0 {
			return ""
		}
		s = strings.TrimLeftFunc(s[i:], unicode.IsSpace)
	}
	return strings.TrimRight(s, "\r\n")
}

// Execute parses and runs line against p, writing its output to w.
func Execute(ctx context.Context, p Prober, line string, w io.Writer) error {
	cmd, err := Parse(line)
	if err != nil {
		return err
	}

	switch cmd.Kind {
	case Ping:
		seq, err := p.Ping(ctx, cmd.Node, cmd.Text)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "Sent PING to node %d, sequence %d\n", cmd.Node, seq)
		return err
	case DumpNeighbors:
		list, err := p.Neighbors(ctx)
		if err != nil {
			return err
		}
		return neighbor.WriteTable(w, list)
	}
	return nil
}
