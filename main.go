// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/petervdpas/duocall/internal/app"
	"github.com/petervdpas/duocall/internal/config"
)

const configFile = "duocall.json"

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Usage = showUsage
	flag.Parse()

	if *version {
		fmt.Printf("duocall v%s\n", appVersion)
		return
	}

	args := flag.Args()
	if *showHelp || len(args) == 0 {
		showUsage()
		return
	}

	switch args[0] {
	case "client":
		runClient(args[1:])
	case "hub":
		runHub(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n\n", args[0])
		showUsage()
		os.Exit(1)
	}
}

func runClient(args []string) {
	fs := flag.NewFlagSet("client", flag.ExitOnError)
	id := fs.String("id", "", "identity for a new config (default: directory name)")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: duocall client [-id <user>] <client-directory>")
		os.Exit(1)
	}

	dir := mustDir(fs.Arg(0))
	if *id == "" {
		*id = filepath.Base(dir)
	}
	cfgPath := filepath.Join(dir, configFile)
	cfg, created, err := config.Ensure(cfgPath, *id)
	if err != nil {
		fatalf("Failed to load config: %v", err)
	}
	if created {
		fmt.Printf("Created %s for %q\n", cfgPath, cfg.Identity.ID)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, app.Options{Dir: dir, CfgPath: cfgPath, Cfg: cfg}); err != nil {
		fatalf("Client failed: %v", err)
	}
}

func runHub(args []string) {
	fs := flag.NewFlagSet("hub", flag.ExitOnError)
	listen := fs.String("listen", "", "listen address (overrides hub.listen_addr)")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: duocall hub [-listen host:port] <hub-directory>")
		os.Exit(1)
	}

	dir := mustDir(fs.Arg(0))
	cfg := config.Default()
	cfgPath := filepath.Join(dir, configFile)
	if _, err := os.Stat(cfgPath); err == nil {
		if cfg, err = config.LoadPartial(cfgPath); err != nil {
			fatalf("Failed to load config: %v", err)
		}
	}
	if *listen != "" {
		cfg.Hub.ListenAddr = *listen
	}
	if err := cfg.ValidateHub(); err != nil {
		fatalf("Invalid config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunHub(ctx, dir, cfg); err != nil {
		fatalf("Hub failed: %v", err)
	}
}

func mustDir(arg string) string {
	dir, err := filepath.Abs(arg)
	if err != nil {
		fatalf("Invalid directory: %v", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		fatalf("Cannot create directory %s: %v", dir, err)
	}
	return dir
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func showUsage() {
	fmt.Println("duocall - two-party voice and video calls")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  duocall client [-id <user>] <directory>   Run a client")
	fmt.Println("  duocall hub [-listen host:port] <directory>  Share a store with remote clients")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  client <directory>")
	fmt.Println("        Run a client from the directory. A duocall.json is created on")
	fmt.Println("        first start with the directory name (or -id) as identity.")
	fmt.Println("        The UI API listens on viewer.http_addr (default 127.0.0.1:8780).")
	fmt.Println()
	fmt.Println("  hub <directory>")
	fmt.Println("        Serve the SQLite store in the directory over WebSocket so clients")
	fmt.Println("        on other machines can use store.driver \"remote\".")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  # Two clients on one machine sharing ./shared/docs.db")
	fmt.Println("  duocall client -id alice ./alice")
	fmt.Println("  duocall client -id bob ./bob")
}
