package protocol

import (
	"bytes"
	"fmt"
	"io"
	"math"
)

// NodeKind is stored in the low two bits of a node's flags byte
type NodeKind uint8

const (
	NodeRoot     NodeKind = 0
	NodeLiteral  NodeKind = 1
	NodeArgument NodeKind = 2
)

// Node flag bits
const (
	flagKindMask      = 0x03
	flagExecutable    = 0x04
	flagRedirect      = 0x08
	flagSuggestion    = 0x10
	numberFlagMin     = 0x01
	numberFlagMax     = 0x02
	maxCommandNodes   = 1 << 16
	maxCommandName    = MaxIdentifierLen
	maxNodeChildCount = maxCommandNodes
)

// ParserKind is the registry ID of an argument parser
type ParserKind int32

const (
	ParserBool    ParserKind = 0
	ParserFloat   ParserKind = 1
	ParserDouble  ParserKind = 2
	ParserInteger ParserKind = 3
	ParserLong    ParserKind = 4
	ParserString  ParserKind = 5
)

// StringKind selects how a string argument consumes input
type StringKind int32

const (
	StringSingleWord StringKind = 0
	StringQuoted     StringKind = 1
	StringGreedy     StringKind = 2
)

// Parser describes an argument node's type. Integer and Long bounds use
// IntMin/IntMax; Float and Double bounds use FloatMin/FloatMax. Nil bounds
// are omitted from the wire.
type Parser struct {
	Kind       ParserKind
	StringKind StringKind
	IntMin     *int64
	IntMax     *int64
	FloatMin   *float64
	FloatMax   *float64
}

// CommandNode is one node of the command tree sent to the client
type CommandNode struct {
	Kind       NodeKind
	Executable bool
	Children   []int32
	Redirect   *int32
	Name       string
	Parser     Parser
	Suggestion string
}

// CommandGraph builds the flat node table the client uses for command
// suggestions. Node 0 is always the root, and a node can only reference
// nodes that already exist when it is created.
type CommandGraph struct {
	nodes     []CommandNode
	sharedArg int32
}

// NewCommandGraph returns a graph holding only the root node
func NewCommandGraph() *CommandGraph {
	return &CommandGraph{
		nodes:     []CommandNode{{Kind: NodeRoot}},
		sharedArg: -1,
	}
}

// Len returns the number of nodes including the root
func (g *CommandGraph) Len() int {
	return len(g.nodes)
}

// Node returns a copy of the node at index
func (g *CommandGraph) Node(index int32) (CommandNode, bool) {
	if index < 0 || int(index) >= len(g.nodes) {
		return CommandNode{}, false
	}
	return g.nodes[index], true
}

func (g *CommandGraph) valid(index int32) bool {
	return index >= 0 && int(index) < len(g.nodes)
}

// CreateNode appends a node under parent and returns its index.
// A nil redirect means none. Creating a Root node fails. A non-empty
// Suggestion is sent for any node kind, after its name and parser.
func (g *CommandGraph) CreateNode(parent int32, node CommandNode, redirect *int32) (int32, error) {
	if node.Kind == NodeRoot {
		return 0, ErrRootNode
	}
	if !g.valid(parent) {
		return 0, fmt.Errorf("%w: parent %d", ErrNodeOutOfRange, parent)
	}
	if redirect != nil && !g.valid(*redirect) {
		return 0, fmt.Errorf("%w: redirect %d", ErrNodeOutOfRange, *redirect)
	}
	if len(g.nodes) >= maxCommandNodes {
		return 0, fmt.Errorf("%w: graph is full", ErrNodeOutOfRange)
	}

	index := int32(len(g.nodes))
	node.Children = nil
	if redirect != nil {
		r := *redirect
		node.Redirect = &r
	} else {
		node.Redirect = nil
	}
	g.nodes = append(g.nodes, node)
	g.nodes[parent].Children = append(g.nodes[parent].Children, index)
	return index, nil
}

// AddChild links an existing node under another existing node
func (g *CommandGraph) AddChild(parent, child int32) error {
	if !g.valid(parent) || !g.valid(child) {
		return fmt.Errorf("%w: %d -> %d", ErrNodeOutOfRange, parent, child)
	}
	for _, c := range g.nodes[parent].Children {
		if c == child {
			return nil
		}
	}
	g.nodes[parent].Children = append(g.nodes[parent].Children, child)
	return nil
}

// CreateLiteral is a shorthand for an executable-or-not literal node
func (g *CommandGraph) CreateLiteral(parent int32, name string, executable bool) (int32, error) {
	return g.CreateNode(parent, CommandNode{Kind: NodeLiteral, Name: name, Executable: executable}, nil)
}

// CreateArgument is a shorthand for an argument node
func (g *CommandGraph) CreateArgument(parent int32, name string, parser Parser, executable bool) (int32, error) {
	return g.CreateNode(parent, CommandNode{Kind: NodeArgument, Name: name, Parser: parser, Executable: executable}, nil)
}

// CreateSimpleCommand adds an executable literal under the root followed by
// an optional greedy string argument. All simple commands share one
// argument node.
func (g *CommandGraph) CreateSimpleCommand(name string) (int32, error) {
	literal, err := g.CreateLiteral(0, name, true)
	if err != nil {
		return 0, err
	}
	if g.sharedArg < 0 {
		arg, err := g.CreateArgument(literal, "args", Parser{Kind: ParserString, StringKind: StringGreedy}, true)
		if err != nil {
			return 0, err
		}
		g.sharedArg = arg
		return literal, nil
	}
	return literal, g.AddChild(literal, g.sharedArg)
}

// Packet snapshots the graph as a Commands packet
func (g *CommandGraph) Packet() *Commands {
	nodes := make([]CommandNode, len(g.nodes))
	for i, n := range g.nodes {
		n.Children = append([]int32(nil), n.Children...)
		nodes[i] = n
	}
	return &Commands{Nodes: nodes, RootIndex: 0}
}

// Commands declares the command tree to the client
type Commands struct {
	Nodes     []CommandNode
	RootIndex int32
}

func (m *Commands) ID() int32 { return IDCommands }

func (m *Commands) EncodeTo(w io.Writer) error {
	if err := WriteVarInt(w, int32(len(m.Nodes))); err != nil {
		return err
	}
	for i := range m.Nodes {
		if err := encodeNode(w, &m.Nodes[i]); err != nil {
			return fmt.Errorf("node %d: %w", i, err)
		}
	}
	return WriteVarInt(w, m.RootIndex)
}

func (m *Commands) Decode(payload []byte) error {
	r := bytes.NewReader(payload)

	n, err := readCount(r, maxCommandNodes)
	if err != nil {
		return err
	}
	m.Nodes = make([]CommandNode, n)
	for i := range m.Nodes {
		if err := decodeNode(r, &m.Nodes[i]); err != nil {
			return fmt.Errorf("node %d: %w", i, err)
		}
	}
	m.RootIndex, err = ReadVarInt(r)
	return err
}

func encodeNode(w io.Writer, n *CommandNode) error {
	flags := uint8(n.Kind) & flagKindMask
	if n.Executable {
		flags |= flagExecutable
	}
	if n.Redirect != nil {
		flags |= flagRedirect
	}
	if n.Suggestion != "" {
		flags |= flagSuggestion
	}
	if err := WriteUint8(w, flags); err != nil {
		return err
	}

	if err := WriteVarInt(w, int32(len(n.Children))); err != nil {
		return err
	}
	for _, c := range n.Children {
		if err := WriteVarInt(w, c); err != nil {
			return err
		}
	}
	if n.Redirect != nil {
		if err := WriteVarInt(w, *n.Redirect); err != nil {
			return err
		}
	}

	switch n.Kind {
	case NodeLiteral:
		if err := WriteString(w, n.Name, maxCommandName); err != nil {
			return err
		}
	case NodeArgument:
		if err := WriteString(w, n.Name, maxCommandName); err != nil {
			return err
		}
		if err := encodeParser(w, n.Parser); err != nil {
			return err
		}
	}
	if n.Suggestion != "" {
		return WriteString(w, n.Suggestion, MaxIdentifierLen)
	}
	return nil
}

func decodeNode(r io.Reader, n *CommandNode) error {
	flags, err := ReadUint8(r)
	if err != nil {
		return err
	}
	n.Kind = NodeKind(flags & flagKindMask)
	n.Executable = flags&flagExecutable != 0

	count, err := readCount(r, maxNodeChildCount)
	if err != nil {
		return err
	}
	n.Children = make([]int32, count)
	for i := range n.Children {
		if n.Children[i], err = ReadVarInt(r); err != nil {
			return err
		}
	}
	if flags&flagRedirect != 0 {
		redirect, err := ReadVarInt(r)
		if err != nil {
			return err
		}
		n.Redirect = &redirect
	}

	switch n.Kind {
	case NodeRoot:
	case NodeLiteral:
		if n.Name, err = ReadString(r, maxCommandName); err != nil {
			return err
		}
	case NodeArgument:
		if n.Name, err = ReadString(r, maxCommandName); err != nil {
			return err
		}
		if n.Parser, err = decodeParser(r); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: node kind %d", ErrUnsupportedField, n.Kind)
	}
	if flags&flagSuggestion != 0 {
		n.Suggestion, err = ReadString(r, MaxIdentifierLen)
		return err
	}
	return nil
}

func encodeParser(w io.Writer, p Parser) error {
	if err := WriteVarInt(w, int32(p.Kind)); err != nil {
		return err
	}

	var hasMin, hasMax bool
	switch p.Kind {
	case ParserBool:
		return nil
	case ParserString:
		return WriteVarInt(w, int32(p.StringKind))
	case ParserFloat, ParserDouble:
		hasMin, hasMax = p.FloatMin != nil, p.FloatMax != nil
	case ParserInteger, ParserLong:
		hasMin, hasMax = p.IntMin != nil, p.IntMax != nil
	default:
		return fmt.Errorf("%w: %d", ErrUnsupportedParser, p.Kind)
	}

	var flags uint8
	if hasMin {
		flags |= numberFlagMin
	}
	if hasMax {
		flags |= numberFlagMax
	}
	if err := WriteUint8(w, flags); err != nil {
		return err
	}

	writeBound := func(i *int64, f *float64) error {
		switch p.Kind {
		case ParserFloat:
			return WriteFloat32(w, float32(*f))
		case ParserDouble:
			return WriteFloat64(w, *f)
		case ParserInteger:
			if *i < math.MinInt32 || *i > math.MaxInt32 {
				return fmt.Errorf("%w: integer bound %d", ErrUnsupportedField, *i)
			}
			return WriteInt32(w, int32(*i))
		default:
			return WriteInt64(w, *i)
		}
	}
	if hasMin {
		if err := writeBound(p.IntMin, p.FloatMin); err != nil {
			return err
		}
	}
	if hasMax {
		if err := writeBound(p.IntMax, p.FloatMax); err != nil {
			return err
		}
	}
	return nil
}

func decodeParser(r io.Reader) (Parser, error) {
	kind, err := ReadVarInt(r)
	if err != nil {
		return Parser{}, err
	}
	p := Parser{Kind: ParserKind(kind)}

	switch p.Kind {
	case ParserBool:
		return p, nil
	case ParserString:
		sk, err := ReadVarInt(r)
		if err != nil {
			return Parser{}, err
		}
		if sk < int32(StringSingleWord) || sk > int32(StringGreedy) {
			return Parser{}, fmt.Errorf("%w: string kind %d", ErrUnsupportedParser, sk)
		}
		p.StringKind = StringKind(sk)
		return p, nil
	case ParserFloat, ParserDouble, ParserInteger, ParserLong:
	default:
		return Parser{}, fmt.Errorf("%w: %d", ErrUnsupportedParser, kind)
	}

	flags, err := ReadUint8(r)
	if err != nil {
		return Parser{}, err
	}
	readBound := func() (*int64, *float64, error) {
		switch p.Kind {
		case ParserFloat:
			v, err := ReadFloat32(r)
			f := float64(v)
			return nil, &f, err
		case ParserDouble:
			v, err := ReadFloat64(r)
			return nil, &v, err
		case ParserInteger:
			v, err := ReadInt32(r)
			i := int64(v)
			return &i, nil, err
		default:
			v, err := ReadInt64(r)
			return &v, nil, err
		}
	}
	if flags&numberFlagMin != 0 {
		if p.IntMin, p.FloatMin, err = readBound(); err != nil {
			return Parser{}, err
		}
	}
	if flags&numberFlagMax != 0 {
		if p.IntMax, p.FloatMax, err = readBound(); err != nil {
			return Parser{}, err
		}
	}
	return p, nil
}
