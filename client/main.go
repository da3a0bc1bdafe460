// Command collabtext is a terminal participant in a collaborative document.
// Lines typed on stdin are appended to the shared text; lines starting with
// a slash are commands.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"collabtext/collab"
	"collabtext/identity"
	"collabtext/internal/config"
	"collabtext/internal/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string
	var c config.ClientConfig
	cmd := &cobra.Command{
		Use:          "collabtext",
		Short:        "Edit a shared document from the terminal",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			overrideClient(&cfg.Client, c, cmd)
			return run(cmd.Context(), cfg, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	f := cmd.Flags()
	f.StringVarP(&cfgPath, "config", "c", "", "config file (default ./collabtext.yaml)")
	f.StringVar(&c.Room, "room", "", "relay room")
	f.StringVar(&c.Host, "host", "", "relay host, e.g. ws://localhost:8080")
	f.StringVar(&c.Document, "doc", "", "document name for peer-to-peer mode")
	f.StringSliceVar(&c.Signaling, "signal", nil, "signaling servers (ws URL or mdns:)")
	f.StringVar(&c.ListenAddr, "listen", "", "peer listener address")
	f.StringVar(&c.PersistPath, "persist", "", "bbolt file for offline persistence")
	f.StringVar(&c.Name, "name", "", "display name")
	f.StringVar(&c.Color, "color", "", "cursor color (#rrggbb)")
	return cmd
}

// overrideClient copies the flags the user actually set over the loaded
// configuration.
func overrideClient(dst *config.ClientConfig, src config.ClientConfig, cmd *cobra.Command) {
	set := cmd.Flags().Changed
	if set("room") {
		dst.Room = src.Room
	}
	if set("host") {
		dst.Host = src.Host
	}
	if set("doc") {
		dst.Document = src.Document
	}
	if set("signal") {
		dst.Signaling = src.Signaling
	}
	if set("listen") {
		dst.ListenAddr = src.ListenAddr
	}
	if set("persist") {
		dst.PersistPath = src.PersistPath
	}
	if set("name") {
		dst.Name = src.Name
	}
	if set("color") {
		dst.Color = src.Color
	}
}

func sessionConfig(c config.ClientConfig) collab.Config {
	cfg := collab.Config{
		Room:             c.Room,
		Host:             c.Host,
		DocumentName:     c.Document,
		SignalingServers: c.Signaling,
		ListenAddr:       c.ListenAddr,
		PersistPath:      c.PersistPath,
	}
	if c.Name != "" || c.Color != "" {
		cfg.User = &identity.User{Name: c.Name, Color: c.Color}
	}
	return cfg
}

func run(ctx context.Context, cfg *config.Config, in io.Reader, out io.Writer) error {
	log, err := logging.SetupLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess := collab.New(sessionConfig(cfg.Client), collab.WithLogger(log))
	defer sess.Destroy()
	if !sess.Enabled() {
		fmt.Fprintln(out, "collaboration disabled: pass --room and --host, or --doc")
		return nil
	}

	var (
		mu   sync.Mutex
		last collab.State
	)
	unwatch := sess.Watch(func(st collab.State) {
		mu.Lock()
		defer mu.Unlock()
		if st.Status != last.Status {
			fmt.Fprintf(out, "* %s\n", st.Status)
		}
		if len(st.Users) != len(last.Users) {
			fmt.Fprintf(out, "* %d user(s) online\n", len(st.Users))
		}
		last = st
	})
	defer unwatch()

	if err := sess.WaitReady(ctx); err != nil {
		log.Error("session failed to start", zap.Error(err))
		return err
	}
	me := sess.LocalUser()
	fmt.Fprintf(out, "joined as %s (%s) via %s\n", me.Name, me.Color, sess.Backend())

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleLine(sess, line, out); quit {
				return nil
			}
		}
	}
}

// handleLine applies one line of input and reports whether the user asked
// to quit.
func handleLine(sess *collab.Session, line string, out io.Writer) bool {
	if !strings.HasPrefix(line, "/") {
		frag := sess.Replica().Fragment()
		if err := frag.Insert(frag.Len(), line+"\n"); err != nil {
			fmt.Fprintf(out, "! %v\n", err)
		}
		return false
	}
	cmd, arg, _ := strings.Cut(strings.TrimPrefix(line, "/"), " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "quit", "q":
		return true
	case "show":
		fmt.Fprint(out, sess.Replica().Fragment().String())
	case "users":
		for _, u := range sess.ConnectedUsers() {
			fmt.Fprintf(out, "  %s %s\n", u.Color, u.Name)
		}
	case "name":
		sess.UpdateUser(collab.UserPatch{Name: &arg})
	case "color":
		sess.UpdateUser(collab.UserPatch{Color: &arg})
	default:
		fmt.Fprintf(out, "! unknown command /%s (try /show, /users, /name, /color, /quit)\n", cmd)
	}
	return false
}
