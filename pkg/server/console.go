package server

import (
	"fmt"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/aeolun/quectocraft/pkg/protocol"
)

// consoleRequest carries one operator command to the server loop
type consoleRequest struct {
	line     string
	operator string
	reply    chan string
}

const consoleHelp = `commands:
  help                      show this text
  list                      online players
  say <text>                broadcast a server message
  msg <player> <text>       message one player
  kick <player> [reason]    disconnect a player`

// submitConsole hands a command to the loop and waits for its output
func (s *Server) submitConsole(line, operator string) string {
	line = strings.TrimSpace(line)
	if line == "" {
		return ""
	}

	req := consoleRequest{line: line, operator: operator, reply: make(chan string, 1)}
	select {
	case s.consoleRequests <- req:
	case <-s.shutdown:
		return "server is stopping"
	}
	select {
	case out := <-req.reply:
		return out
	case <-s.shutdown:
		return "server is stopping"
	}
}

// drainConsole runs console commands waiting on the loop
func (s *Server) drainConsole() {
	for {
		select {
		case req := <-s.consoleRequests:
			req.reply <- s.runConsoleCommand(req.line, req.operator)
		default:
			return
		}
	}
}

// runConsoleCommand executes one command on the loop goroutine
func (s *Server) runConsoleCommand(line, operator string) string {
	name, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	rest = strings.TrimSpace(rest)
	s.logger.Info().Str("operator", operator).Str("command", line).Msg("console command")

	switch strings.ToLower(name) {
	case "help":
		return consoleHelp
	case "list":
		return s.consoleList()
	case "say":
		if rest == "" {
			return "usage: say <text>"
		}
		msg := protocol.Component{Text: "[Server] " + rest, Color: "light_purple"}
		s.broadcast(msg.String())
		s.events.Publish(Event{Type: EventConsole, Player: operator, Message: rest})
		return ""
	case "msg":
		target, text, _ := strings.Cut(rest, " ")
		text = strings.TrimSpace(text)
		if target == "" || text == "" {
			return "usage: msg <player> <text>"
		}
		targets := s.players.Find(target)
		if len(targets) == 0 {
			return fmt.Sprintf("no player %q online", target)
		}
		msg := protocol.Component{Text: "[Server -> you] " + text, Color: "gray", Italic: true}
		for _, c := range targets {
			if err := c.send(&protocol.SystemChatMessage{Content: msg.String()}); err != nil {
				c.markClosed("write failed")
			}
		}
		return ""
	case "kick":
		target, reason, _ := strings.Cut(rest, " ")
		reason = strings.TrimSpace(reason)
		if target == "" {
			return "usage: kick <player> [reason]"
		}
		targets := s.players.Find(target)
		if len(targets) == 0 {
			return fmt.Sprintf("no player %q online", target)
		}
		component := protocol.GenericDisconnect
		if reason != "" {
			component = protocol.Text(reason)
		}
		for _, c := range targets {
			s.kick(c, component.String())
		}
		return fmt.Sprintf("kicked %d player(s)", len(targets))
	default:
		return fmt.Sprintf("unknown command %q, try help", name)
	}
}

// consoleList renders the online players as a table
func (s *Server) consoleList() string {
	players := s.players.List()
	if len(players) == 0 {
		return "no players online"
	}

	var b strings.Builder
	table := tablewriter.NewWriter(&b)
	table.SetHeader([]string{"Name", "UUID", "Remote", "Online"})
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	for _, p := range players {
		c, ok := s.players.Get(p.UUID)
		if !ok {
			continue
		}
		table.Append([]string{
			p.Name,
			p.UUID.String(),
			c.remote,
			time.Since(c.connectedAt).Truncate(time.Second).String(),
		})
	}
	table.Render()
	fmt.Fprintf(&b, "%d/%d players online", len(players), s.config.MaxPlayers)
	return b.String()
}
