package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"

	"github.com/counterwallet/xcpsigner"
	"github.com/counterwallet/xcpsigner/build"
	"github.com/urfave/cli"
	"golang.org/x/term"
)

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "[xcpsigner] %v\n", err)
	os.Exit(1)
}

func main() {
	app := cli.NewApp()
	app.Name = "xcpsigner"
	app.Version = build.Version() + " commit=" + build.Commit
	app.Usage = "sign and consolidate Counterparty bare multisig outputs"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "configfile",
			Value: xcpsigner.DefaultConfigFile,
			Usage: "path to the config file",
		},
		cli.StringFlag{
			Name:  "appdir",
			Usage: "base directory of the data and log directories",
		},
		cli.StringFlag{
			Name: "network, n",
			Usage: "the network to operate on {mainnet, testnet, " +
				"regtest, signet}",
		},
		cli.StringFlag{
			Name:  "debuglevel",
			Usage: "logging level for all subsystems",
		},
		cli.StringFlag{
			Name:  "esplora",
			Usage: "base URL of the Esplora API",
		},
		cli.BoolFlag{
			Name: "nopersist",
			Usage: "keep session metadata in memory so every run " +
				"starts locked",
		},
	}
	app.Commands = []cli.Command{
		classifyCommand,
		consolidateCommand,
		recoverCommand,
		lockCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fatal(err)
	}
}

// loadConfig reads the config file and applies the global flags on top.
func loadConfig(ctx *cli.Context) (*xcpsigner.Config, error) {
	loaded, err := xcpsigner.LoadConfig(ctx.GlobalString("configfile"))
	if err != nil {
		return nil, err
	}

	if ctx.GlobalIsSet("appdir") {
		loaded.AppDir = ctx.GlobalString("appdir")
	}
	if ctx.GlobalIsSet("network") {
		loaded.Network = ctx.GlobalString("network")
	}
	if ctx.GlobalIsSet("debuglevel") {
		loaded.DebugLevel = ctx.GlobalString("debuglevel")
	}
	if ctx.GlobalIsSet("esplora") {
		loaded.Esplora.URL = ctx.GlobalString("esplora")
	}
	if ctx.GlobalIsSet("nopersist") {
		loaded.NoPersist = ctx.GlobalBool("nopersist")
	}

	return xcpsigner.ValidateConfig(*loaded)
}

// setupLogging directs every subsystem logger to stderr and the rotated log
// file. The returned writer must be closed on exit.
func setupLogging(cfg *xcpsigner.Config) (*build.RotatingLogWriter, error) {
	logWriter := build.NewRotatingLogWriter()
	err := logWriter.InitLogRotator(cfg.LogConfig, cfg.LogFile())
	if err != nil {
		return nil, err
	}

	root := build.NewSubLoggerManager(io.MultiWriter(os.Stderr, logWriter))
	xcpsigner.SetupLoggers(root)

	err = build.ParseAndSetDebugLevels(cfg.DebugLevel, root)
	if err != nil {
		_ = logWriter.Close()
		return nil, err
	}

	return logWriter, nil
}

// readSecret prompts for a secret without echo, or reads one line from
// stdin when it is not a terminal.
func readSecret(prompt string) ([]byte, error) {
	// The variable syscall.Stdin is of a different type in the Windows API
	// that's why we need the explicit cast. And of course the linter
	// doesn't like it either.
	stdin := int(syscall.Stdin) // nolint:unconvert

	if !term.IsTerminal(stdin) {
		line, err := bufio.NewReader(os.Stdin).ReadBytes('\n')
		if err != nil && err != io.EOF {
			return nil, err
		}

		return bytes.TrimSpace(line), nil
	}

	fmt.Fprint(os.Stderr, prompt)
	secret, err := term.ReadPassword(stdin)
	fmt.Fprintln(os.Stderr)

	return secret, err
}

func printJSON(resp interface{}) {
	b, err := json.Marshal(resp)
	if err != nil {
		fatal(err)
	}

	var out bytes.Buffer
	_ = json.Indent(&out, b, "", "    ")
	_, _ = out.WriteString("\n")
	_, _ = out.WriteTo(os.Stdout)
}

// trimHex strips whitespace and an optional 0x prefix.
func trimHex(s string) string {
	return strings.TrimPrefix(strings.TrimSpace(s), "0x")
}
