// warden - Urban Terror server administration daemon and tools
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/ernie/urtwarden/internal/collector"
	"github.com/ernie/urtwarden/internal/config"
	"github.com/ernie/urtwarden/internal/eventbus"
	"github.com/ernie/urtwarden/internal/metrics"
	"github.com/ernie/urtwarden/internal/rcon"
	"github.com/ernie/urtwarden/internal/relay"
	"github.com/ernie/urtwarden/internal/storage"
)

var version = "dev"

const defaultConfigPath = "/etc/warden/config.yml"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = cmdServe(os.Args[2:])
	case "rcon":
		err = cmdRcon(os.Args[2:])
	case "test":
		err = cmdTest(os.Args[2:])
	case "players":
		err = cmdPlayers(os.Args[2:])
	case "level":
		err = cmdLevel(os.Args[2:])
	case "runs":
		err = cmdRuns(os.Args[2:])
	case "version":
		fmt.Printf("warden %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: warden <command> [options] [args]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                               Manage every configured server")
	fmt.Println("  rcon --server NAME <command...>     Send one rcon command and print the reply")
	fmt.Println("  test                                Check rcon access to every configured server")
	fmt.Println("  players [--limit N] [query]         Search known players by name or GUID")
	fmt.Println("  level <guid> <level>                Set a player's access level")
	fmt.Println("  runs --server NAME [--limit N]      Show recent connect spans of a server")
	fmt.Println("  version                             Show version")
	fmt.Println("  help                                Show this help")
	fmt.Println()
	fmt.Println("Global Options:")
	fmt.Println("  --config <path>    Path to configuration file (default /etc/warden/config.yml)")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  warden serve --config /etc/warden/config.yml")
	fmt.Println("  warden rcon --server main status")
	fmt.Println("  warden level 0123456789ABCDEF0123456789ABCDEF 80")
}

// newLogger builds the process logger at the configured level
func newLogger(cfg *config.Config) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if cfg != nil {
		if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
			log.SetLevel(level)
		}
	}
	return log
}

// cmdServe runs every configured session until interrupted
func cmdServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to configuration file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log := newLogger(cfg)
	log.WithField("version", version).WithField("servers", len(cfg.Servers)).Info("warden starting")

	store, err := storage.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	defer store.Close()
	log.WithField("path", cfg.Database.Path).Info("database initialized")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bus := eventbus.NewDefault(log)

	if cfg.NATS.URL != "" {
		r, err := relay.Connect(cfg.NATS.URL, cfg.NATS.SubjectPrefix, log)
		if err != nil {
			return err
		}
		defer r.Close()
		if err := r.Attach(bus); err != nil {
			return err
		}
		log.WithField("prefix", cfg.NATS.SubjectPrefix).Info("relaying events to nats")
	}

	if cfg.Metrics.ListenAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.ListenAddr, log); err != nil {
				log.WithError(err).Error("metrics server")
			}
		}()
	}

	manager := collector.NewServerManager(cfg, bus, store, log)
	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("starting server manager: %w", err)
	}

	<-ctx.Done()
	log.Info("received signal, shutting down...")
	manager.Stop()
	return nil
}

func loadConfig(fs *flag.FlagSet, args []string) (*config.Config, error) {
	configPath := fs.String("config", defaultConfigPath, "path to configuration file")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func rconOptions(cfg *config.Config, log logrus.FieldLogger) rcon.Options {
	return rcon.Options{
		Interval:        cfg.Rcon.Interval,
		WaitingInterval: cfg.Rcon.WaitingInterval,
		Timeout:         cfg.Rcon.Timeout,
		Logger:          log,
	}
}

// cmdRcon sends one command. The password is prompted for when the server
// has none configured.
func cmdRcon(args []string) error {
	fs := flag.NewFlagSet("rcon", flag.ExitOnError)
	serverName := fs.String("server", "", "configured server name")
	cfg, err := loadConfig(fs, args)
	if err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("usage: warden rcon --server NAME <command...>")
	}

	name := *serverName
	if name == "" && len(cfg.Servers) == 1 {
		name = cfg.Servers[0].Name
	}
	srv, ok := cfg.Server(name)
	if !ok {
		return fmt.Errorf("unknown server %q", name)
	}

	password := srv.RconPassword
	if password == "" {
		fmt.Print("Enter rcon password: ")
		pw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			return fmt.Errorf("failed to read password: %w", err)
		}
		password = string(pw)
	}

	log := newLogger(cfg)
	log.SetLevel(logrus.ErrorLevel)
	t := rcon.New(srv.Address, password, rconOptions(cfg, log))
	defer t.Close()

	reply, err := t.Query(strings.Join(fs.Args(), " "), cfg.Rcon.Timeout)
	if err != nil {
		return fmt.Errorf("%s: %w", srv.Name, err)
	}
	fmt.Println(strings.TrimRight(string(reply), "\n"))
	return nil
}

// cmdTest checks rcon access to every server and tells an unreachable server
// apart from a rejected password
func cmdTest(args []string) error {
	fs := flag.NewFlagSet("test", flag.ExitOnError)
	cfg, err := loadConfig(fs, args)
	if err != nil {
		return err
	}
	log := newLogger(cfg)
	log.SetLevel(logrus.ErrorLevel)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SERVER\tADDRESS\tHOSTNAME\tPLAYERS\tRCON")
	fmt.Fprintln(w, "------\t-------\t--------\t-------\t----")

	failed := 0
	for _, srv := range cfg.Servers {
		hostname, players := "-", "-"
		if status, err := rcon.GetStatus(srv.Address, cfg.Rcon.Timeout); err == nil {
			hostname = status.Hostname()
			players = strconv.Itoa(len(status.Players))
		}

		t := rcon.New(srv.Address, srv.RconPassword, rconOptions(cfg, log))
		result := "OK"
		if !t.Test(cfg.Rcon.Timeout) {
			result = t.LastError().String()
			failed++
		}
		t.Close()
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", srv.Name, srv.Address, hostname, players, result)
	}
	w.Flush()

	if failed > 0 {
		return fmt.Errorf("%d of %d servers failed", failed, len(cfg.Servers))
	}
	return nil
}

func openStore(cfg *config.Config) (*storage.Store, error) {
	store, err := storage.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return store, nil
}

func cmdPlayers(args []string) error {
	fs := flag.NewFlagSet("players", flag.ExitOnError)
	limit := fs.Int("limit", 20, "maximum number of players")
	cfg, err := loadConfig(fs, args)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	players, err := store.SearchPlayers(ctx, strings.Join(fs.Args(), " "), *limit)
	if err != nil {
		return err
	}
	if len(players) == 0 {
		fmt.Println("No players found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "GUID\tNAME\tLEVEL\tLAST SEEN\tALIASES")
	fmt.Fprintln(w, "----\t----\t-----\t---------\t-------")
	for _, p := range players {
		var aliases []string
		if names, err := store.GetPlayerNames(ctx, p.GUID); err == nil {
			for _, n := range names {
				if n.CleanName != p.CleanName {
					aliases = append(aliases, n.CleanName)
				}
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", p.GUID, p.CleanName, p.Level,
			p.LastSeen.Local().Format("2006-01-02 15:04"), strings.Join(aliases, ", "))
	}
	return w.Flush()
}

func cmdLevel(args []string) error {
	fs := flag.NewFlagSet("level", flag.ExitOnError)
	cfg, err := loadConfig(fs, args)
	if err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return errors.New("usage: warden level <guid> <level>")
	}
	guid := fs.Arg(0)
	level, err := strconv.Atoi(fs.Arg(1))
	if err != nil {
		return fmt.Errorf("invalid level %q", fs.Arg(1))
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.SetPlayerLevel(context.Background(), guid, level); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("player %s has never been seen", guid)
		}
		return err
	}
	fmt.Printf("Player %s is now level %d\n", guid, level)
	return nil
}

func cmdRuns(args []string) error {
	fs := flag.NewFlagSet("runs", flag.ExitOnError)
	serverName := fs.String("server", "", "configured server name")
	limit := fs.Int("limit", 20, "maximum number of runs")
	cfg, err := loadConfig(fs, args)
	if err != nil {
		return err
	}
	if _, ok := cfg.Server(*serverName); !ok {
		return fmt.Errorf("unknown server %q", *serverName)
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.GetRuns(context.Background(), *serverName, *limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tSTARTED\tDURATION\tEND")
	fmt.Fprintln(w, "---\t-------\t--------\t---")
	for _, r := range runs {
		duration, reason := "running", "-"
		if r.EndedAt != nil {
			duration = r.EndedAt.Sub(r.StartedAt).Round(time.Second).String()
			reason = r.EndReason
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.ID, r.StartedAt.Local().Format("2006-01-02 15:04:05"), duration, reason)
	}
	return w.Flush()
}
