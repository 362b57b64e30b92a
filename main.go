package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/mdp/qrterminal/v3"
	"golang.org/x/term"

	"github.com/pocketcode/client/chat"
	"github.com/pocketcode/client/history"
	"github.com/pocketcode/client/ledger"
	"github.com/pocketcode/client/logger"
	"github.com/pocketcode/client/session"
	"github.com/pocketcode/client/transport"
)

func main() {
	_ = godotenv.Load()

	var (
		pair    = flag.Bool("pair", false, "print a pairing QR code for the endpoint and exit")
		resume  = flag.String("resume", "", "session id to resume")
		dev     = flag.Bool("dev", false, "log to stdout instead of the data dir")
		project = flag.String("project", envOr("PROJECT_PATH", "."), "project path forwarded with every command")
	)
	flag.Parse()

	endpoint := envOr("CHAT_ENDPOINT", "ws://localhost:8080/ws")
	dataDir := envOr("DATA_DIR", defaultDataDir())

	logger.Init(logger.Config{DataDir: dataDir, DevMode: *dev})

	token := os.Getenv("AUTH_TOKEN")
	if token == "" {
		var err error
		token, err = promptToken()
		if err != nil {
			log.Fatalf("read token: %v", err)
		}
	}
	if token == "" {
		log.Fatal("AUTH_TOKEN is required")
	}

	if *pair {
		printPairQR(endpoint, token)
		return
	}

	store, err := history.OpenSQLite(filepath.Join(dataDir, "history.db"))
	if err != nil {
		log.Fatalf("open history store: %v", err)
	}
	defer store.Close()

	var sess session.Session
	if *resume != "" {
		sess = session.Resume(*resume, *project)
	} else {
		sess = session.New(*project)
	}

	cfg := chat.Config{
		Endpoint:    endpoint,
		Token:       token,
		ProjectPath: *project,
	}
	coord := chat.New(cfg, transport.WebSocketDialer{}, sess, consoleSink{},
		chat.WithHistory(store, store))
	defer coord.Close()

	if err := coord.Open(); err != nil {
		log.Fatalf("open session: %v", err)
	}

	fmt.Printf("connecting to %s (project %s)\n", endpoint, *project)
	fmt.Println("type a message, or /more /retry <id> /abort /quit")
	repl(coord)
}

func repl(coord *chat.Coordinator) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit":
			return
		case line == "/more":
			page, err := coord.LoadMore(context.Background())
			if err != nil {
				fmt.Printf("! %v\n", err)
				continue
			}
			for _, msg := range page {
				printMessage(msg)
			}
			if len(page) == 0 {
				fmt.Println("(no older history)")
			}
		case line == "/abort":
			if err := coord.Abort(); err != nil {
				fmt.Printf("! %v\n", err)
			}
		case strings.HasPrefix(line, "/retry "):
			id := strings.TrimSpace(strings.TrimPrefix(line, "/retry "))
			if err := coord.Retry(id); err != nil {
				fmt.Printf("! %v\n", err)
			}
		default:
			if _, err := coord.Send(line); err != nil {
				fmt.Printf("! %v\n", err)
			}
		}
	}
}

// consoleSink renders coordinator events on stdout.
type consoleSink struct{}

func (consoleSink) OnConnectionState(change transport.StateChange) {
	if change.Err != nil {
		fmt.Printf("* connection: %s (%v)\n", change.State, change.Err)
		return
	}
	fmt.Printf("* connection: %s\n", change.State)
}

func (consoleSink) OnTyping(isTyping bool) {
	if isTyping {
		fmt.Println("* assistant is typing...")
	}
}

func (consoleSink) OnMessage(msg ledger.Message) {
	printMessage(msg)
}

func (consoleSink) OnSessionError(err error) {
	fmt.Printf("! session error: %v\n", err)
}

func printMessage(msg ledger.Message) {
	fmt.Printf("[%s] %s: %s\n", msg.Status, msg.Role, msg.Content)
}

func promptToken() (string, error) {
	fmt.Fprint(os.Stderr, "token: ")
	data, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// printPairQR renders the connection URL as a QR code so a mobile client
// can pick up the endpoint and token in one scan.
func printPairQR(endpoint, token string) {
	u, err := url.Parse(endpoint)
	if err != nil {
		log.Fatalf("parse endpoint: %v", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	qrterminal.GenerateWithConfig(u.String(), qrterminal.Config{
		Level:     qrterminal.L,
		Writer:    os.Stdout,
		BlackChar: qrterminal.BLACK,
		WhiteChar: qrterminal.WHITE,
		QuietZone: 1,
	})
	fmt.Println(u.String())
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pocketcode"
	}
	return filepath.Join(home, ".pocketcode")
}
