package cmd

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fzft/go-afdpoll/deps/linenoise"
	"github.com/mattn/go-isatty"
	"github.com/peterh/liner"
)

var (
	CliVersion = "0.1.0"

	CliHisFileEnv     = "ECHOCLI_HISTFILE"
	CliHisFileDefault = ".echocli_history"
	CliDefaultTimeout = 5 * time.Second
)

type CliConnectFlag int

const (
	CCForce CliConnectFlag = 1 << iota // Re-connect if already connected.
	CCQuiet                            // Don't show non-error messages.
)

type CliConnInfo struct {
	hostIp   string
	hostPort int
}

type EchoCliCfg struct {
	connInfo    *CliConnInfo
	timeout     time.Duration
	interactive bool
	prompt      string
}

// EchoCli is the client of the echo server: every line sent comes back as
// the reply.
type EchoCli struct {
	config *EchoCliCfg
	conn   net.Conn
	reader *bufio.Reader
	out    io.Writer
}

func NewEchoCli(out io.Writer) *EchoCli {
	return &EchoCli{
		config: &EchoCliCfg{
			connInfo: &CliConnInfo{hostIp: "127.0.0.1", hostPort: 8080},
			timeout:  CliDefaultTimeout,
		},
		out: out,
	}
}

func (cli *EchoCli) Version(gitSHA1, gitDirty string) string {
	version := CliVersion
	// Add git commit and working tree status when available
	if sha1Int, err := strconv.ParseUint(gitSHA1, 16, 64); err == nil && sha1Int != 0 {
		version = fmt.Sprintf("%s (git:%s", version, gitSHA1)
		if dirtyInt, err := strconv.ParseInt(gitDirty, 10, 64); err == nil && dirtyInt != 0 {
			version = fmt.Sprintf("%s-dirty", version)
		}
		version = fmt.Sprintf("%s)", version)
	}
	return version
}

func (cli *EchoCli) Usage(w io.Writer, gitSHA1, gitDirty string) {
	fmt.Fprintf(w, `echo-cli %s

Usage: afdpoll cli [OPTIONS] [text ...]
  -h <hostname>      Server hostname (default: 127.0.0.1).
  -p <port>          Server port (default: 8080).
  -t <timeout>       Reply timeout (default: %s).
  --help             Output this help and exit.
  --version          Output version and exit.

Without text, lines are read from STDIN: interactively when it is a
terminal, one request per line otherwise.
`, cli.Version(gitSHA1, gitDirty), CliDefaultTimeout)
}

// Run parses args and talks to the server until the input ends.
func (cli *EchoCli) Run(args []string, gitSHA1, gitDirty string) error {
	fs := flag.NewFlagSet("cli", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&cli.config.connInfo.hostIp, "h", cli.config.connInfo.hostIp, "")
	fs.IntVar(&cli.config.connInfo.hostPort, "p", cli.config.connInfo.hostPort, "")
	fs.DurationVar(&cli.config.timeout, "t", cli.config.timeout, "")
	help := fs.Bool("help", false, "")
	version := fs.Bool("version", false, "")

	if err := fs.Parse(args); err != nil {
		cli.Usage(os.Stderr, gitSHA1, gitDirty)
		return err
	}
	switch {
	case *help:
		cli.Usage(cli.out, gitSHA1, gitDirty)
		return nil
	case *version:
		fmt.Fprintf(cli.out, "echo-cli %s\n", cli.Version(gitSHA1, gitDirty))
		return nil
	}

	if err := cli.connect(CCQuiet); err != nil {
		return err
	}
	defer cli.close()

	if fs.NArg() > 0 {
		return cli.request(strings.Join(fs.Args(), " "))
	}
	if isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd()) {
		return cli.repl()
	}
	return cli.pipe(os.Stdin)
}

// connect dials the server.
// flag: CCForce: The connection is performed even if there is already
// a connected socket.
// CCQuiet: Don't print errors if connection fails
func (cli *EchoCli) connect(flag CliConnectFlag) error {
	if cli.conn != nil && flag&CCForce == 0 {
		return nil
	}
	cli.close()

	addr := net.JoinHostPort(cli.config.connInfo.hostIp, strconv.Itoa(cli.config.connInfo.hostPort))
	conn, err := net.DialTimeout("tcp", addr, cli.config.timeout)
	if err != nil {
		if flag&CCQuiet == 0 {
			fmt.Fprintf(cli.out, "Could not connect to %s: %s\n", addr, err)
		}
		cli.cliRefreshPrompt()
		return err
	}
	cli.conn = conn
	cli.reader = bufio.NewReader(conn)
	cli.cliRefreshPrompt()
	return nil
}

func (cli *EchoCli) close() {
	if cli.conn != nil {
		_ = cli.conn.Close()
		cli.conn = nil
		cli.reader = nil
	}
}

// send writes line and waits for the server to echo it back.
func (cli *EchoCli) send(line string) (string, error) {
	if cli.conn == nil {
		return "", errors.New("not connected")
	}
	if err := cli.conn.SetDeadline(time.Now().Add(cli.config.timeout)); err != nil {
		return "", err
	}
	if _, err := io.WriteString(cli.conn, line+"\n"); err != nil {
		return "", err
	}
	reply, err := cli.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(reply, "\n"), nil
}

func (cli *EchoCli) request(line string) error {
	reply, err := cli.send(line)
	if err != nil {
		return err
	}
	fmt.Fprintln(cli.out, reply)
	return nil
}

// pipe sends every line of r and prints the replies.
func (cli *EchoCli) pipe(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if err := cli.request(scanner.Text()); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func (cli *EchoCli) repl() error {
	line := linenoise.New()
	defer line.Close()

	cli.config.interactive = true
	historyFile := getDotfilePath(CliHisFileEnv, CliHisFileDefault)
	if historyFile != "" {
		_ = line.HistoryLoad(historyFile)
	}

	for {
		input, err := line.Prompt(cli.config.prompt)
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		argv := splitArgs(input)
		if len(argv) == 0 {
			continue
		}
		line.AppendHistory(input)
		if historyFile != "" {
			_ = line.HistorySave(historyFile)
		}

		if quit, err := cli.command(argv, input, line); quit || err != nil {
			return err
		}
	}
}

// command runs one line of the interactive session and reports whether the
// session should end.
func (cli *EchoCli) command(argv []string, input string, line *linenoise.LineNoise) (bool, error) {
	switch {
	case strings.EqualFold(argv[0], "quit"), strings.EqualFold(argv[0], "exit"):
		return true, nil
	case strings.EqualFold(argv[0], "connect") && len(argv) == 3:
		port, err := strconv.Atoi(argv[2])
		if err != nil {
			fmt.Fprintln(cli.out, "Invalid port number")
			return false, nil
		}
		cli.config.connInfo.hostIp = argv[1]
		cli.config.connInfo.hostPort = port
		_ = cli.connect(CCForce)
	case strings.EqualFold(argv[0], "clear") && len(argv) == 1 && line != nil:
		_ = line.ClearScreen()
	default:
		if err := cli.connect(0); err != nil {
			return false, nil
		}
		if err := cli.request(input); err != nil {
			fmt.Fprintf(cli.out, "Error: %s\n", err)
			cli.close()
			cli.cliRefreshPrompt()
		}
	}
	return false, nil
}

func splitArgs(line string) []string {
	return strings.Fields(line)
}

func (cli *EchoCli) cliRefreshPrompt() {
	if cli.conn == nil {
		cli.config.prompt = "not connected> "
		return
	}
	cli.config.prompt = fmt.Sprintf("echo://%s> ",
		net.JoinHostPort(cli.config.connInfo.hostIp, strconv.Itoa(cli.config.connInfo.hostPort)))
}

func getDotfilePath(envOverride, dotFilename string) string {
	path := os.Getenv(envOverride)
	if path != "" {
		if path == os.DevNull {
			return ""
		}
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ""
	}
	return filepath.Join(home, dotFilename)
}
