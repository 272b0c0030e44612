package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/petervdpas/callkit"
	"github.com/petervdpas/callkit/internal/call"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
	video    = flag.Bool("video", false, "Start a video call instead of audio")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("callkit v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}

	dir, err := filepath.Abs(args[0])
	if err != nil {
		log.Fatalf("Invalid directory: %v", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Fatalf("Cannot create directory %s: %v", dir, err)
	}
	cfgPath := filepath.Join(dir, "callkit.json")

	command := "listen"
	if len(args) > 1 {
		command = args[1]
	}

	switch command {
	case "listen":
		runClient(cfgPath, nil)

	case "call":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: callkit <directory> call <user-id>")
			os.Exit(1)
		}
		runClient(cfgPath, func(ctx context.Context, c *callkit.Client) error {
			kind := callkit.KindAudio
			if *video {
				kind = callkit.KindVideo
			}
			_, err := c.StartCall(ctx, roomWith(c, args[2]), args[2], kind)
			return err
		})

	case "group":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: callkit <directory> group <user-id,user-id,...>")
			os.Exit(1)
		}
		runClient(cfgPath, func(ctx context.Context, c *callkit.Client) error {
			ids := strings.Split(args[2], ",")
			kind := callkit.KindAudio
			if *video {
				kind = callkit.KindVideo
			}
			_, err := c.StartGroupCall(ctx, "group:"+args[2], kind, ids)
			return err
		})

	case "history":
		runHistory(cfgPath)

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n\n", command)
		showUsage()
		os.Exit(1)
	}
}

// roomWith derives a deterministic 1:1 room id both sides compute the same
// way, for running without a chat server assigning rooms.
func roomWith(c *callkit.Client, peerID string) string {
	self := c.Config().Identity.UserID
	if self < peerID {
		return "dm:" + self + ":" + peerID
	}
	return "dm:" + peerID + ":" + self
}

func runClient(cfgPath string, start func(context.Context, *callkit.Client) error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	incoming := make(chan *callkit.Session, 1)
	client, err := callkit.New(ctx, callkit.Options{
		ConfigPath: cfgPath,
		UserID:     defaultUserID(),
		OnIncoming: func(s *callkit.Session) {
			select {
			case incoming <- s:
			default:
			}
		},
		Hooks: callkit.Hooks{
			OnState: func(s *callkit.Session, state call.State) {
				fmt.Printf("  [%s] %s\n", s.ID()[:8], state)
			},
			OnParticipants: func(s *callkit.Session) {
				for _, p := range s.Participants() {
					fmt.Printf("  - %s (%s) %s\n", p.UserID, p.Name, p.Status)
				}
			},
			OnEnded: func(s *callkit.Session, sum callkit.Summary) {
				fmt.Printf("  call over: %s after %s\n", sum.Outcome, call.FormatDuration(sum.Duration))
			},
		},
	})
	if err != nil {
		log.Fatalf("Failed to start: %v", err)
	}
	defer client.Close()

	cfg := client.Config()
	fmt.Printf("callkit v%s\n", appVersion)
	fmt.Printf("  user:      %s\n", cfg.Identity.UserID)
	fmt.Printf("  signaling: %s\n", cfg.Signaling.Mode)
	fmt.Printf("  media:     %s\n", cfg.Media.Strategy)
	fmt.Println()

	if start != nil {
		if err := start(ctx, client); err != nil {
			log.Fatalf("Failed to start call: %v", err)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- strings.TrimSpace(sc.Text())
		}
		close(lines)
	}()

	fmt.Println("commands: a=accept  r=reject  h=hangup  m=mic  c=cam  s=stats  q=quit")
	for {
		select {
		case <-sigCh:
			fmt.Println("\nShutting down gracefully...")
			return

		case s := <-incoming:
			kind := "audio"
			if s.Kind() == callkit.KindVideo {
				kind = "video"
			}
			from := "?"
			if p := s.Participants(); len(p) > 0 {
				from = p[0].UserID
			}
			fmt.Printf("incoming %s call from %s  (a=accept, r=reject)\n", kind, from)

		case line, ok := <-lines:
			if !ok {
				return
			}
			handleCommand(ctx, client, line)
			if line == "q" {
				return
			}
		}
	}
}

func handleCommand(ctx context.Context, client *callkit.Client, line string) {
	s := client.Active()
	switch line {
	case "a":
		if s == nil {
			fmt.Println("no call")
			return
		}
		if err := s.Accept(ctx); err != nil {
			fmt.Printf("accept failed: %v\n", err)
		}
	case "r":
		if s == nil {
			fmt.Println("no call")
			return
		}
		if err := s.Reject(ctx); err != nil {
			fmt.Printf("reject failed: %v\n", err)
		}
	case "h":
		if s == nil {
			fmt.Println("no call")
			return
		}
		s.Hangup(ctx)
	case "m":
		if s == nil {
			fmt.Println("no call")
			return
		}
		fmt.Printf("muted: %v\n", s.ToggleMic(ctx))
	case "c":
		if s == nil {
			fmt.Println("no call")
			return
		}
		fmt.Printf("camera off: %v\n", s.ToggleCam(ctx))
	case "s":
		if s != nil {
			fmt.Printf("in call for %s\n", call.FormatDuration(s.Duration()))
		}
		for key, st := range client.RemoteStreams() {
			fmt.Printf("  %-24s %8d pkts  %10d bytes\n", key, st.Packets, st.Bytes)
		}
	case "q", "":
	default:
		fmt.Println("commands: a=accept  r=reject  h=hangup  m=mic  c=cam  s=stats  q=quit")
	}
}

func runHistory(cfgPath string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := callkit.New(ctx, callkit.Options{ConfigPath: cfgPath, UserID: defaultUserID()})
	if err != nil {
		log.Fatalf("Failed to start: %v", err)
	}
	defer client.Close()

	entries, err := client.RecentCalls(25)
	if err != nil {
		log.Fatalf("Failed to read history: %v", err)
	}
	if len(entries) == 0 {
		fmt.Println("no calls recorded")
		return
	}
	missed, _ := client.MissedCalls()
	fmt.Printf("%d recent calls, %d missed\n\n", len(entries), missed)
	for _, e := range entries {
		dir := "in "
		if e.Outgoing {
			dir = "out"
		}
		fmt.Printf("%s  %s  %-9s %-6s %-20s %s\n",
			e.StartedAt.Format("2006-01-02 15:04"), dir, e.Outcome, e.Kind,
			e.PeerID, call.FormatDuration(e.Duration))
	}
}

func defaultUserID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "anonymous"
}

func showUsage() {
	fmt.Println("callkit - call signaling over chat transports")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  callkit <directory>                      Listen for incoming calls")
	fmt.Println("  callkit <directory> call <user-id>       Ring one user")
	fmt.Println("  callkit <directory> group <ids>          Start a group call (comma separated)")
	fmt.Println("  callkit <directory> history              Show the call log")
	fmt.Println()
	fmt.Println("The directory holds callkit.json; a default is written on first run.")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -video    Start video calls instead of audio")
	fmt.Println("  -version  Show version")
}
