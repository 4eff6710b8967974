// Command portierctl logs in to a Portier-protected service from the terminal.
//
// Usage:
//
//	portierctl [flags] login    log in with an emailed code unless a session is stored
//	portierctl [flags] whoami   print the email of the stored session
//	portierctl [flags] logout   end the stored session
//
// Flags:
//
//	--config <path>     TOML configuration file (or PORTIER_CONFIG)
//	--store <path>      cookie store file
//	--rpc <addr>        RPC service address
//	--broker <addr>     broker address
//	--cookie-domain <d> domain the session cookie is stored under
//	--cookie-name <n>   name of the session cookie
//	--log-level <lvl>   debug, info, warn or error (default warn)
//
// Flags override the configuration file, which overrides the defaults.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"golang.org/x/term"

	portier "github.com/mpwsh/portier-client"
	"github.com/mpwsh/portier-client/client"
	portiererrors "github.com/mpwsh/portier-client/errors"
)

var errUsage = errors.New("usage")

func main() {
	if err := run(os.Args[1:]); err != nil {
		if !errors.Is(err, errUsage) {
			fmt.Fprintln(os.Stderr, errorMessage(err))
		}
		os.Exit(1)
	}
}

// cliFlags holds the parsed command line.
type cliFlags struct {
	configPath string
	logLevel   string
	overrides  portier.Config
	command    string
}

func parseFlags(fs *flag.FlagSet, argv []string) (cliFlags, error) {
	var f cliFlags
	fs.StringVar(&f.configPath, "config", os.Getenv("PORTIER_CONFIG"), "path to TOML configuration file")
	fs.StringVar(&f.overrides.StorePath, "store", "", "path to cookie store file")
	fs.StringVar(&f.overrides.RPCAddr, "rpc", "", "RPC service address")
	fs.StringVar(&f.overrides.BrokerAddr, "broker", "", "broker address")
	fs.StringVar(&f.overrides.SessionCookieDomain, "cookie-domain", "", "domain the session cookie is stored under")
	fs.StringVar(&f.overrides.SessionCookieName, "cookie-name", "", "name of the session cookie")
	fs.StringVar(&f.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")

	if err := fs.Parse(argv); err != nil {
		return cliFlags{}, errUsage
	}

	args := fs.Args()
	if len(args) != 1 {
		return cliFlags{}, errUsage
	}
	f.command = args[0]
	return f, nil
}

// errorMessage prefixes exchange failures with the stage that failed.
func errorMessage(err error) string {
	if stage, ok := portiererrors.StageOf(err); ok {
		return fmt.Sprintf("%s request failed: %v", stage, err)
	}
	return err.Error()
}

func run(argv []string) error {
	fs := flag.NewFlagSet("portierctl", flag.ExitOnError)
	fs.Usage = usage

	f, err := parseFlags(fs, argv)
	if err != nil {
		usage()
		return err
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(f.logLevel)); err != nil {
		return fmt.Errorf("invalid log level %q", f.logLevel)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := loadConfig(f.configPath, f.overrides)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	c, err := client.New(cfg, client.WithLogger(logger))
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	in := bufio.NewReader(os.Stdin)

	switch f.command {
	case "login":
		if err := cmdLogin(ctx, c, in, os.Stdout); err != nil {
			return err
		}
		return cmdWhoAmI(ctx, c, os.Stdout)

	case "whoami":
		return cmdWhoAmI(ctx, c, os.Stdout)

	case "logout":
		return cmdLogout(ctx, c, os.Stdout)

	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand: %s\n", f.command)
		usage()
		return errUsage
	}
}

// loadConfig layers flags over the configuration file over the defaults.
func loadConfig(path string, flags portier.Config) (portier.Config, error) {
	cfg := portier.DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = portier.LoadConfig(path); err != nil {
			return portier.Config{}, err
		}
	}
	return portier.MergeConfig(cfg, flags), nil
}

func cmdLogin(ctx context.Context, agent portier.Agent, in *bufio.Reader, out io.Writer) error {
	if agent.Session() != nil {
		fmt.Fprintln(out, "[~] Found active session")
		return nil
	}

	fmt.Fprintln(out, "[!] Unable to find valid session, please login (You'll receive an email with a code to input next):")
	email, err := promptLine(in, out, "[.] Email: ")
	if err != nil {
		return err
	}
	if email == "" {
		return errors.New("email is required")
	}

	if err := agent.Login(ctx, email); err != nil {
		return err
	}
	fmt.Fprintln(out, "Initializing session")

	code, err := promptSecret(in, out, "[.] Authorization code: ")
	if err != nil {
		return err
	}

	if err := agent.Confirm(ctx, code); err != nil {
		return err
	}
	if err := agent.SaveSession(); err != nil {
		return err
	}

	fmt.Fprintln(out, "[~] Session initialized and saved")
	return nil
}

func cmdWhoAmI(ctx context.Context, agent portier.Agent, out io.Writer) error {
	user, err := agent.WhoAmI(ctx)
	if err != nil {
		return fmt.Errorf("[!] Unable to retrieve user data. Please try logging in again: %w", err)
	}

	if email, ok := user.EmailAddress(); ok {
		fmt.Fprintf(out, "[~] Logged in as: %s\n", email)
	} else {
		fmt.Fprintln(out, "[!] Logged in, but unable to retrieve email")
	}
	return nil
}

func cmdLogout(ctx context.Context, agent portier.Agent, out io.Writer) error {
	if err := agent.Logout(ctx); err != nil {
		return err
	}
	if agent.Unsaved() {
		if err := agent.SaveSession(); err != nil {
			return err
		}
	}
	fmt.Fprintln(out, "[~] Logged out")
	return nil
}

func promptLine(in *bufio.Reader, out io.Writer, prompt string) (string, error) {
	fmt.Fprint(out, prompt)
	line, err := in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// promptSecret hides the input when stdin is a terminal.
func promptSecret(in *bufio.Reader, out io.Writer, prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return promptLine(in, out, prompt)
	}

	fmt.Fprint(out, prompt)
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(out) // newline after hidden input
	if err != nil {
		return "", fmt.Errorf("read code: %w", err)
	}
	return strings.TrimSpace(string(raw)), nil
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage:
  portierctl [flags] login    log in with an emailed code unless a session is stored
  portierctl [flags] whoami   print the email of the stored session
  portierctl [flags] logout   end the stored session

Flags:
  --config <path>     TOML configuration file
  --store <path>      cookie store file
  --rpc <addr>        RPC service address
  --broker <addr>     broker address
  --cookie-domain <d> domain the session cookie is stored under
  --cookie-name <n>   name of the session cookie
  --log-level <lvl>   debug, info, warn or error (default warn)

The configuration file can also be set via PORTIER_CONFIG.
`)
}
