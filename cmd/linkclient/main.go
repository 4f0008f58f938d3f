package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"vxi11-gpib-server/internal/discovery"
	"vxi11-gpib-server/internal/vxi11"
	"vxi11-gpib-server/pkg/linkclient"
)

var statusNames = map[string]vxi11.BusStatus{
	"remote":   vxi11.BusStatusRemote,
	"srq":      vxi11.BusStatusSRQ,
	"ndac":     vxi11.BusStatusNDAC,
	"sysctrl":  vxi11.BusStatusSystemController,
	"cic":      vxi11.BusStatusCIC,
	"talker":   vxi11.BusStatusTalker,
	"listener": vxi11.BusStatusListener,
	"addr":     vxi11.BusStatusBusAddress,
}

type shell struct {
	rl      *readline.Instance
	out     io.Writer
	client  *linkclient.Client
	links   map[string]*linkclient.Link
	current *linkclient.Link

	service string
	domain  string
}

func main() {
	host := flag.String("host", "", "server address (host:port)")
	service := flag.String("service", "_gpiblink._tcp", "mDNS service type for discover")
	domain := flag.String("domain", "local.", "mDNS domain for discover")
	flag.Parse()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "gpib> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "readline: %v\n", err)
		os.Exit(1)
	}

	s := &shell{
		rl:      rl,
		out:     rl.Stdout(),
		links:   make(map[string]*linkclient.Link),
		service: *service,
		domain:  *domain,
	}
	defer s.close()

	if *host != "" {
		if err := s.connect(*host); err != nil {
			fmt.Fprintf(s.out, "connect: %v\n", err)
		}
	}
	s.run()
}

func (s *shell) run() {
	defer s.rl.Close()
	s.printHelp()

	for {
		line, err := s.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			return
		}

		parts := strings.Fields(line)
		if len(parts) == 0 {
			continue
		}
		cmd, args := strings.ToLower(parts[0]), parts[1:]
		rest := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), parts[0]))

		switch cmd {
		case "quit", "exit", "q":
			return
		case "help", "?":
			s.printHelp()
		default:
			if err := s.exec(cmd, args, rest); err != nil {
				fmt.Fprintf(s.out, "error: %v\n", err)
			}
		}
	}
}

func (s *shell) exec(cmd string, args []string, rest string) error {
	switch cmd {
	case "connect":
		if len(args) != 1 {
			return errors.New("usage: connect <host:port>")
		}
		return s.connect(args[0])
	case "discover":
		return s.discover()
	case "open":
		if len(args) != 1 {
			return errors.New("usage: open <device>")
		}
		return s.open(args[0])
	case "use":
		if len(args) != 1 {
			return errors.New("usage: use <device>")
		}
		link, ok := s.links[args[0]]
		if !ok {
			return fmt.Errorf("no open link to %s", args[0])
		}
		s.setCurrent(link)
		return nil
	case "links":
		s.listLinks()
		return nil
	}

	link, err := s.link()
	if err != nil {
		return err
	}

	switch cmd {
	case "write":
		return link.Write([]byte(unescape(rest)))
	case "read":
		size := uint32(4096)
		if len(args) > 0 {
			n, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return fmt.Errorf("bad size %q", args[0])
			}
			size = uint32(n)
		}
		data, reason, err := link.Read(size)
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "%q (reason %d)\n", data, reason)
	case "query":
		answer, err := link.Query(unescape(rest))
		if err != nil {
			return err
		}
		fmt.Fprintln(s.out, answer)
	case "clear":
		return link.Clear()
	case "status":
		if len(args) != 1 {
			return errors.New("usage: status <remote|srq|ndac|sysctrl|cic|talker|listener|addr>")
		}
		code, ok := statusNames[strings.ToLower(args[0])]
		if !ok {
			return fmt.Errorf("unknown status %q", args[0])
		}
		set, err := link.BusStatus(code)
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "%s: %v\n", args[0], set)
	case "ren", "atn":
		if len(args) != 1 {
			return fmt.Errorf("usage: %s <on|off>", cmd)
		}
		on, err := parseSwitch(args[0])
		if err != nil {
			return err
		}
		code := vxi11.CmdRENCtrl
		if cmd == "atn" {
			code = vxi11.CmdATNCtrl
		}
		var b byte
		if on {
			b = 1
		}
		_, err = link.DoCmd(code, []byte{b})
		return err
	case "cmd":
		if len(args) == 0 {
			return errors.New("usage: cmd <byte> [byte...]")
		}
		data, err := parseBytes(args)
		if err != nil {
			return err
		}
		out, err := link.DoCmd(vxi11.CmdSendCommand, data)
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "sent % x\n", out)
	case "close":
		err := link.Close()
		delete(s.links, link.Device)
		s.setCurrent(nil)
		return err
	default:
		return fmt.Errorf("unknown command %q (try help)", cmd)
	}
	return nil
}

func (s *shell) connect(addr string) error {
	s.close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := linkclient.Dial(ctx, addr)
	if err != nil {
		return err
	}
	s.client = c
	fmt.Fprintf(s.out, "connected to %s\n", addr)
	return nil
}

func (s *shell) discover() error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	services, err := discovery.Browse(ctx, s.service, s.domain, "")
	if err != nil {
		return err
	}
	if len(services) == 0 {
		fmt.Fprintln(s.out, "no servers found")
		return nil
	}
	for _, svc := range services {
		addr := svc.Host
		if len(svc.Addresses) > 0 {
			addr = svc.Addresses[0]
		}
		fmt.Fprintf(s.out, "%s  %s:%d  devices=%s %s\n",
			svc.Instance, addr, svc.Port, svc.Text["devices"], svc.Text["names"])
	}
	return nil
}

func (s *shell) open(name string) error {
	if s.client == nil {
		return errors.New("not connected")
	}
	if link, ok := s.links[name]; ok {
		s.setCurrent(link)
		return nil
	}
	link, err := s.client.CreateLink(name)
	if err != nil {
		return err
	}
	s.links[name] = link
	s.setCurrent(link)
	fmt.Fprintf(s.out, "link %d -> %s\n", link.ID, name)
	return nil
}

func (s *shell) link() (*linkclient.Link, error) {
	if s.current == nil {
		return nil, errors.New("no device selected (open <device>)")
	}
	return s.current, nil
}

func (s *shell) setCurrent(link *linkclient.Link) {
	s.current = link
	if link == nil {
		s.rl.SetPrompt("gpib> ")
		return
	}
	s.rl.SetPrompt(fmt.Sprintf("gpib %s> ", link.Device))
}

func (s *shell) listLinks() {
	names := make([]string, 0, len(s.links))
	for name := range s.links {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		mark := " "
		if s.links[name] == s.current {
			mark = "*"
		}
		fmt.Fprintf(s.out, "%s %d %s\n", mark, s.links[name].ID, name)
	}
}

func (s *shell) close() {
	if s.client == nil {
		return
	}
	s.client.Close()
	s.client = nil
	s.links = make(map[string]*linkclient.Link)
	s.current = nil
}

func (s *shell) printHelp() {
	fmt.Fprint(s.out, `Commands:
  connect <host:port>   connect to a link server
  discover              browse for link servers on the local network
  open <device>         open a link (gpib0 or gpib0,5) and select it
  use <device>          select an open link
  links                 list open links
  write <text>          write text (\n escapes allowed)
  read [size]           read a response
  query <text>          write text plus newline and read the answer
  clear                 device clear
  status <item>         controller bus status (remote, srq, ndac, ...)
  ren <on|off>          remote enable
  atn <on|off>          assert or release ATN
  cmd <byte>...         send command bytes with ATN asserted
  close                 close the selected link
  help                  show this help
  quit                  exit
`)
}

func unescape(s string) string {
	return strings.NewReplacer(`\n`, "\n", `\r`, "\r", `\t`, "\t").Replace(s)
}

func parseSwitch(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "1", "true":
		return true, nil
	case "off", "0", "false":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", s)
}

func parseBytes(args []string) ([]byte, error) {
	data := make([]byte, 0, len(args))
	for _, a := range args {
		v, err := strconv.ParseUint(a, 0, 8)
		if err != nil {
			return nil, fmt.Errorf("bad byte %q", a)
		}
		data = append(data, byte(v))
	}
	return data, nil
}
