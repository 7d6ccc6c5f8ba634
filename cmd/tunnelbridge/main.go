// Command tunnelbridge runs one side (host or instance) of a localhost P2P
// tunnelling bridge.
package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hashicorp/go-envparse"
	"github.com/pg9182/tunnelbridge/pkg/bridge"
	"github.com/pg9182/tunnelbridge/pkg/p2ptransport"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

var opt struct {
	Help    bool
	EnvFile string
}

func init() {
	pflag.BoolVarP(&opt.Help, "help", "h", false, "Show this help text")
	pflag.StringVar(&opt.EnvFile, "env-file", "", "Read configuration from this env file instead of the process environment")
}

func main() {
	pflag.Parse()
	if opt.Help {
		usage()
		os.Exit(2)
	}

	args := pflag.Args()
	if len(args) == 0 {
		var err error
		if args, err = promptArgs(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		defer waitForExit()
	}

	env := os.Environ()
	if opt.EnvFile != "" {
		var err error
		if env, err = readEnvFile(opt.EnvFile); err != nil {
			fmt.Fprintf(os.Stderr, "error: read env file: %v\n", err)
			os.Exit(1)
		}
	}

	var c bridge.Config
	if err := c.UnmarshalEnv(env, false); err != nil {
		fmt.Fprintf(os.Stderr, "error: parse config: %v\n", err)
		os.Exit(1)
	}

	log, _, err := bridge.ConfigureLogging(&c)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: configure logging: %v\n", err)
		os.Exit(1)
	}

	identity, err := p2ptransport.LoadOrCreateIdentity(c.IdentityFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: load node identity: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if c.MetricsAddr != "" {
		m := bridge.NewMetrics("process")
		go func() {
			if err := m.ListenAndServe(c.MetricsAddr); err != nil {
				log.Warn().Err(err).Msg("metrics server stopped")
			}
		}()
	}

	if err := dispatch(ctx, args, &c, identity, log); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage:
  %[1]s host tcp <local-service-addr>
  %[1]s host udp <local-service-addr>
  %[1]s instance tcp <local-addr> <node-id> <host-addr>
  %[1]s instance udp <local-addr> <node-id> <host-addr>

With no arguments, prompts interactively for role, protocol, and addresses.

options:
%s`, os.Args[0], pflag.CommandLine.FlagUsages())
}

func dispatch(ctx context.Context, args []string, c *bridge.Config, identity p2ptransport.Identity, log zerolog.Logger) error {
	if len(args) < 2 {
		usage()
		return fmt.Errorf("not enough arguments")
	}

	role, protocol := args[0], args[1]
	switch role {
	case "host":
		if len(args) != 3 {
			return fmt.Errorf("usage: host %s <local-service-addr>", protocol)
		}
		m := bridge.NewMetrics("host")
		return runHost(ctx, c, identity, protocol, args[2], log, m)
	case "instance":
		if len(args) != 5 {
			return fmt.Errorf("usage: instance %s <local-addr> <node-id> <host-addr>", protocol)
		}
		m := bridge.NewMetrics("instance")
		return runInstance(ctx, c, identity, protocol, args[2], args[3], args[4], log, m)
	default:
		return fmt.Errorf("unknown role %q (expected host or instance)", role)
	}
}

func runHost(ctx context.Context, c *bridge.Config, identity p2ptransport.Identity, protocol, backingAddr string, log zerolog.Logger, m *bridge.Metrics) error {
	// c.ALPN ("" only if TUNNELBRIDGE_ALPN is explicitly cleared) gives a
	// fixed, reproducible shareable ID across restarts; leaving it cleared
	// falls back to a fresh per-run identifier, matching
	// original_source/src/host/create.rs's nanoid!(32).
	alpn := c.ALPN
	if alpn == "" {
		var err error
		if alpn, err = generateALPN(); err != nil {
			return fmt.Errorf("generate alpn: %w", err)
		}
	}

	listenAddr := net.UDPAddrFromAddrPort(c.ListenAddr)
	ep, err := p2ptransport.NewEndpoint(identity, listenAddr)
	if err != nil {
		return fmt.Errorf("bind transport endpoint: %w", err)
	}
	defer ep.Close()

	nodeID := identity.NodeID(alpn)
	fmt.Printf("Service started, share this ID with instances to let them connect to %s.\n", backingAddr)
	fmt.Printf("ID: %s\n", nodeID.String())

	sess, err := ep.Listen(ctx, alpn)
	if err != nil {
		return fmt.Errorf("accept connection: %w", err)
	}
	defer sess.Close()

	switch protocol {
	case "tcp":
		addr, err := net.ResolveTCPAddr("tcp", backingAddr)
		if err != nil {
			return fmt.Errorf("resolve backing address: %w", err)
		}
		return bridge.RunHostTCP(ctx, sess, addr, log, m, c.ClientChanCapacity)
	case "udp":
		addr, err := net.ResolveUDPAddr("udp", backingAddr)
		if err != nil {
			return fmt.Errorf("resolve backing address: %w", err)
		}
		return bridge.RunHostUDP(ctx, sess, addr, log)
	default:
		return fmt.Errorf("unknown protocol %q (expected tcp or udp)", protocol)
	}
}

func runInstance(ctx context.Context, c *bridge.Config, identity p2ptransport.Identity, protocol, localAddr, nodeIDStr, hostAddrStr string, log zerolog.Logger, m *bridge.Metrics) error {
	nodeID, err := p2ptransport.ParseNodeID(nodeIDStr)
	if err != nil {
		return fmt.Errorf("parse node id: %w", err)
	}
	hostAddr, err := net.ResolveUDPAddr("udp", hostAddrStr)
	if err != nil {
		return fmt.Errorf("resolve host address: %w", err)
	}

	listenAddr := net.UDPAddrFromAddrPort(c.ListenAddr)
	ep, err := p2ptransport.NewEndpoint(identity, listenAddr)
	if err != nil {
		return fmt.Errorf("bind transport endpoint: %w", err)
	}
	defer ep.Close()

	sess, err := ep.Dial(ctx, hostAddr, nodeID)
	if err != nil {
		return fmt.Errorf("connect to host: %w", err)
	}
	defer sess.Close()

	switch protocol {
	case "tcp":
		addr, err := net.ResolveTCPAddr("tcp", localAddr)
		if err != nil {
			return fmt.Errorf("resolve local address: %w", err)
		}
		ln, err := net.ListenTCP("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen on local address: %w", err)
		}
		defer ln.Close()
		return bridge.RunInstanceTCP(ctx, sess, ln, log, m)
	case "udp":
		addr, err := net.ResolveUDPAddr("udp", localAddr)
		if err != nil {
			return fmt.Errorf("resolve local address: %w", err)
		}
		conn, err := net.ListenUDP("udp", addr)
		if err != nil {
			return fmt.Errorf("listen on local address: %w", err)
		}
		defer conn.Close()
		return bridge.RunInstanceUDP(ctx, sess, conn, log, c.ClientChanCapacity, c.UDPFlowIdleTTL)
	default:
		return fmt.Errorf("unknown protocol %q (expected tcp or udp)", protocol)
	}
}

// readEnvFile parses name as a shell-style KEY=VALUE env file (the format
// systemd EnvironmentFile= and docker --env-file use), mirroring
// cmd/atlas/main.go's readEnv.
func readEnvFile(name string) ([]string, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m, err := envparse.Parse(f)
	if err != nil {
		return nil, err
	}

	r := make([]string, 0, len(m))
	for k, v := range m {
		r = append(r, k+"="+v)
	}
	return r, nil
}

// generateALPN produces a fresh 32-character ALPN identifier per host run
// (spec.md §4.8), the Go equivalent of original_source/src/host/create.rs's
// nanoid!(32).
func generateALPN() (string, error) {
	var raw [24]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw[:])[:32], nil
}

// promptArgs implements the interactive fallback described in spec.md §6:
// with no arguments, prompt for role, protocol, and addresses.
func promptArgs() ([]string, error) {
	fmt.Println("No arguments provided. Asking manually...")
	sc := bufio.NewScanner(os.Stdin)

	role, err := promptChoice(sc, "What role do you want to run as? [host/instance]", "host", "instance")
	if err != nil {
		return nil, err
	}
	protocol, err := promptChoice(sc, "What protocol? [tcp/udp]", "tcp", "udp")
	if err != nil {
		return nil, err
	}
	addr, err := promptText(sc, "What local address do you want to attach to?")
	if err != nil {
		return nil, err
	}

	if role == "host" {
		return []string{role, protocol, addr}, nil
	}

	node, err := promptText(sc, "ID of the node you want to connect to:")
	if err != nil {
		return nil, err
	}
	hostAddr, err := promptText(sc, "Address of the host node (host:port):")
	if err != nil {
		return nil, err
	}
	return []string{role, protocol, addr, node, hostAddr}, nil
}

func promptText(sc *bufio.Scanner, prompt string) (string, error) {
	fmt.Print(prompt + " ")
	if !sc.Scan() {
		return "", fmt.Errorf("read input: %w", sc.Err())
	}
	return strings.TrimSpace(sc.Text()), nil
}

func promptChoice(sc *bufio.Scanner, prompt string, choices ...string) (string, error) {
	for {
		v, err := promptText(sc, prompt)
		if err != nil {
			return "", err
		}
		v = strings.ToLower(v)
		for _, c := range choices {
			if v == c {
				return c, nil
			}
		}
		fmt.Printf("please enter one of: %s\n", strings.Join(choices, ", "))
	}
}

// waitForExit blocks on a final stdin read so interactive launches from a
// double-clicked shortcut don't vanish their terminal window immediately
// (spec.md §6 "Exit behavior").
func waitForExit() {
	fmt.Println("\nPress Enter to exit the program...")
	bufio.NewReader(os.Stdin).ReadString('\n')
}
