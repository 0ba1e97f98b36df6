// Package cli provides the command-line interface for tunnelpanel.
package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mstiles/tunnelpanel/internal/appconfig"
	"github.com/mstiles/tunnelpanel/internal/doctor"
	"github.com/mstiles/tunnelpanel/internal/events"
	"github.com/mstiles/tunnelpanel/internal/model"
	"github.com/mstiles/tunnelpanel/internal/panel"
	"github.com/mstiles/tunnelpanel/internal/session"
	"github.com/mstiles/tunnelpanel/internal/ui"
	"github.com/mstiles/tunnelpanel/internal/util"
)

// NewRootCommand creates the root cobra command. Without a subcommand it
// launches the dashboard.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "tunnelpanel",
		Short: "Control panel for managed tunnel clients",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := panel.New(session.NewDialer())
			if err != nil {
				return err
			}
			defer p.Close()
			p.Reconcile()
			return ui.Run(p)
		},
	}

	root.AddCommand(newClientCmd())
	root.AddCommand(newStartCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newLogsCmd())
	root.AddCommand(newSettingsCmd())
	root.AddCommand(newDoctorCmd())
	return root
}

func newClientCmd() *cobra.Command {
	root := &cobra.Command{Use: "client", Short: "Manage client specs"}

	var addr, key string
	var useTLS, autoStart bool
	add := &cobra.Command{
		Use:   "add <name>",
		Short: "Add a client spec",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := panel.New(session.NewDialer())
			if err != nil {
				return err
			}
			defer p.Close()
			spec := model.ClientSpec{
				Name:      args[0],
				Addr:      addr,
				Key:       key,
				TLS:       useTLS,
				AutoStart: autoStart,
			}
			if err := p.AddClient(spec); err != nil {
				return err
			}
			fmt.Printf("added %s (%s)\n", spec.Name, spec.Addr)
			return nil
		},
	}
	add.Flags().StringVar(&addr, "addr", "", "remote endpoint (host:port or ws(s)://host/path)")
	add.Flags().StringVar(&key, "key", "", "auth key")
	add.Flags().BoolVar(&useTLS, "tls", false, "wrap the transport in TLS")
	add.Flags().BoolVar(&autoStart, "auto-start", false, "start this client automatically on panel startup")
	_ = add.MarkFlagRequired("addr")
	_ = add.MarkFlagRequired("key")

	rm := &cobra.Command{
		Use:   "rm <name>",
		Short: "Remove a client spec (stops it first if running)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := panel.New(session.NewDialer())
			if err != nil {
				return err
			}
			defer p.Close()
			if err := p.RemoveClient(args[0]); err != nil {
				return err
			}
			fmt.Printf("removed %s\n", args[0])
			return nil
		},
	}

	ls := &cobra.Command{
		Use:   "ls",
		Short: "List client specs",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := panel.New(session.NewDialer())
			if err != nil {
				return err
			}
			defer p.Close()
			fmt.Printf("%-20s %-32s %-6s %-6s %s\n", "NAME", "ADDR", "TLS", "AUTO", "KEY")
			for _, c := range p.ListClients() {
				fmt.Printf("%-20s %-32s %-6v %-6v %s\n", c.Name, c.Addr, c.TLS, c.AutoStart, c.Key)
			}
			return nil
		},
	}

	root.AddCommand(add, rm, ls)
	return root
}

func newStartCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "start [name...]",
		Short: "Run clients in the foreground until interrupted",
		Long: "Starts the named clients (or all stored clients with --all) and " +
			"streams their connection events to stdout. Ctrl+C stops every " +
			"client and exits.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && len(args) == 0 {
				return fmt.Errorf("name one or more clients or pass --all")
			}
			p, err := panel.New(session.NewDialer())
			if err != nil {
				return err
			}
			defer p.Close()

			names := args
			if all {
				names = nil
				for _, c := range p.ListClients() {
					names = append(names, c.Name)
				}
			}
			id, feed := p.SubscribeLogs()
			defer p.UnsubscribeLogs(id)
			for _, name := range names {
				if err := p.StartClient(name); err != nil {
					return err
				}
				fmt.Printf("starting %s\n", name)
			}

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			for {
				select {
				case e := <-feed:
					printEntry(e)
				case <-sig:
					fmt.Println("stopping clients")
					return nil
				}
			}
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "start every stored client")
	return cmd
}

func newStatusCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a snapshot of all clients",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := panel.New(session.NewDialer())
			if err != nil {
				return err
			}
			defer p.Close()
			sn := p.ListClients()
			if jsonOut {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(sn)
			}
			fmt.Printf("%-20s %-32s %-14s %-8s %-8s %s\n", "NAME", "ADDR", "STATE", "RUNNING", "UP(s)", "LAST ERROR")
			for _, c := range sn {
				fmt.Printf("%-20s %-32s %-14s %-8v %-8d %s\n", c.Name, c.Addr, c.State, c.Running, c.UptimeSec, util.EmptyDash(c.LastError))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func newLogsCmd() *cobra.Command {
	var limit int
	var clientID, entryType, since string
	var clear bool
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Read or clear the persistent connection log",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := panel.New(session.NewDialer())
			if err != nil {
				return err
			}
			defer p.Close()
			if clear {
				if err := p.ClearLogs(); err != nil {
					return err
				}
				fmt.Println("connection log cleared")
				return nil
			}
			q := events.Query{
				ClientID: clientID,
				Type:     model.EntryType(entryType),
				Limit:    limit,
			}
			if since != "" {
				d, err := time.ParseDuration(since)
				if err != nil {
					return fmt.Errorf("invalid --since duration: %w", err)
				}
				q.Since = time.Now().Add(-d)
			}
			entries, err := p.History(q)
			if err != nil {
				return err
			}
			for _, e := range entries {
				printEntry(e)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 100, "maximum entries to show")
	cmd.Flags().StringVar(&clientID, "client", "", "filter by client name")
	cmd.Flags().StringVar(&entryType, "type", "", "filter by entry type (connected|disconnected|error|stopped|manager)")
	cmd.Flags().StringVar(&since, "since", "", "only entries newer than this duration (e.g. 2h)")
	cmd.Flags().BoolVar(&clear, "clear", false, "delete the persisted connection log")
	return cmd
}

func newSettingsCmd() *cobra.Command {
	root := &cobra.Command{Use: "settings", Short: "Show or change panel settings"}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print current settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := appconfig.Load()
			if err != nil {
				return err
			}
			fmt.Printf("startup_enabled:       %v\n", s.StartupEnabled)
			fmt.Printf("remember_client_state: %v\n", s.RememberClientState)
			fmt.Printf("log_dir:               %s\n", s.LogDir)
			fmt.Printf("theme_mode:            %s\n", s.ThemeMode)
			fmt.Printf("refresh_seconds:       %d\n", s.RefreshSeconds)
			return nil
		},
	}

	set := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Change one setting",
		Long:  "Keys: startup, remember, log-dir, theme, refresh.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := appconfig.Load()
			if err != nil {
				return err
			}
			switch args[0] {
			case "startup":
				v, err := strconv.ParseBool(args[1])
				if err != nil {
					return fmt.Errorf("startup wants true/false: %w", err)
				}
				s.StartupEnabled = v
			case "remember":
				v, err := strconv.ParseBool(args[1])
				if err != nil {
					return fmt.Errorf("remember wants true/false: %w", err)
				}
				s.RememberClientState = v
			case "log-dir":
				s.LogDir = args[1]
			case "theme":
				mode := appconfig.ThemeMode(args[1])
				if mode != appconfig.ThemeDark && mode != appconfig.ThemeLight {
					return fmt.Errorf("theme wants dark or light")
				}
				s.ThemeMode = mode
			case "refresh":
				v, err := strconv.Atoi(args[1])
				if err != nil || v <= 0 {
					return fmt.Errorf("refresh wants a positive integer")
				}
				s.RefreshSeconds = v
			default:
				return fmt.Errorf("unknown setting: %s", args[0])
			}
			if err := appconfig.Save(s); err != nil {
				return err
			}
			fmt.Printf("set %s\n", args[0])
			return nil
		},
	}

	root.AddCommand(show, set)
	return root
}

func newDoctorCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run local diagnostics",
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := doctor.Run()
			if err != nil {
				return err
			}
			if jsonOut {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			if len(report.Issues) == 0 {
				fmt.Println("no issues found")
				return nil
			}
			for _, issue := range report.Issues {
				fmt.Printf("[%s] %s (%s): %s\n    fix: %s\n", issue.Severity, issue.Check, issue.Target, issue.Message, issue.Recommendation)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func printEntry(e model.LogEntry) {
	id := e.ClientID
	if id == "" {
		id = "manager"
	}
	fmt.Printf("%s  %-12s %-13s %s\n", e.Timestamp.Format("2006-01-02 15:04:05"), id, e.Type, e.Message)
}
