package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/gorilla/websocket"

	"github.com/InsulaLabs/snipcast/config"
	"github.com/InsulaLabs/snipcast/internal/identity"
	"github.com/InsulaLabs/snipcast/models"
)

var (
	logger     *slog.Logger
	configPath string
	serverAddr string
	authToken  string
)

func init() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	flag.StringVar(&configPath, "config", "snipcast.yaml", "Path to the configuration file (used for token minting)")
	flag.StringVar(&serverAddr, "server", "localhost:8080", "Server host:port")
	flag.StringVar(&authToken, "token", "", "Bearer token (sent as 'JWT <token>')")
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: snipcast [flags] <command> [args]

Commands:
  mint-token <username> [user-id]     issue a dev token using the config signing secret
  create <title> <body>               create a snippet
  update <id> <title> <body>          update a snippet
  delete <id>                         delete a snippet
  get <id>                            fetch one snippet
  list                                list snippets
  watch [topic]                       subscribe and print events (empty topic = everything)

Flags:
`)
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	var err error
	switch args[0] {
	case "mint-token":
		err = mintToken(args[1:])
	case "create":
		err = createSnippet(args[1:])
	case "update":
		err = updateSnippet(args[1:])
	case "delete":
		err = deleteSnippet(args[1:])
	case "get":
		err = getSnippet(args[1:])
	case "list":
		err = listSnippets(args[1:])
	case "watch":
		err = watch(args[1:])
	default:
		usage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("error: %v", err)
		os.Exit(1)
	}
}

func mintToken(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("mint-token requires a username")
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	id := models.Identity{Username: args[0]}
	if len(args) > 1 {
		id.ID = args[1]
	}

	verifier := identity.NewHMACVerifier([]byte(cfg.Auth.SigningSecret))
	token, err := verifier.Mint(id, cfg.Auth.TokenTTL)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func apiURL(path string) string {
	return fmt.Sprintf("http://%s%s", serverAddr, path)
}

func doRequest(method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequest(method, apiURL(path), reader)
	if err != nil {
		return nil, err
	}
	if authToken != "" {
		req.Header.Set("Authorization", identity.CredentialScheme+authToken)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 10 * time.Second}
	return client.Do(req)
}

func printResponse(resp *http.Response) error {
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("server responded %s: %s", resp.Status, bytes.TrimSpace(raw))
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		fmt.Println(string(raw))
		return nil
	}
	fmt.Println(pretty.String())
	return nil
}

func createSnippet(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("create requires <title> <body>")
	}
	resp, err := doRequest(http.MethodPost, "/api/v1/snippets", models.SnippetInput{
		Title: args[0],
		Body:  args[1],
	})
	if err != nil {
		return err
	}
	return printResponse(resp)
}

func updateSnippet(args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("update requires <id> <title> <body>")
	}
	resp, err := doRequest(http.MethodPut, "/api/v1/snippets/"+url.PathEscape(args[0]), models.SnippetInput{
		Title: args[1],
		Body:  args[2],
	})
	if err != nil {
		return err
	}
	return printResponse(resp)
}

func deleteSnippet(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("delete requires <id>")
	}
	resp, err := doRequest(http.MethodDelete, "/api/v1/snippets/"+url.PathEscape(args[0]), nil)
	if err != nil {
		return err
	}
	return printResponse(resp)
}

func getSnippet(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("get requires <id>")
	}
	resp, err := doRequest(http.MethodGet, "/api/v1/snippets/"+url.PathEscape(args[0]), nil)
	if err != nil {
		return err
	}
	return printResponse(resp)
}

func listSnippets(args []string) error {
	resp, err := doRequest(http.MethodGet, "/api/v1/snippets", nil)
	if err != nil {
		return err
	}
	return printResponse(resp)
}

func watch(args []string) error {
	topic := ""
	if len(args) > 0 {
		topic = args[0]
	}

	wsURL := url.URL{Scheme: "ws", Host: serverAddr, Path: "/api/v1/subscribe"}
	header := http.Header{}
	if authToken != "" {
		header.Set("Authorization", identity.CredentialScheme+authToken)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL.String(), header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", wsURL.String(), err)
	}
	defer conn.Close()

	start := models.NewFrame(models.FrameStart, "watch-1", models.SubscriptionArgs{Topic: topic})
	if err := conn.WriteJSON(start); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		conn.WriteJSON(models.NewFrame(models.FrameStop, "watch-1", nil))
		conn.Close()
	}()

	heading := color.New(color.FgCyan, color.Bold)
	sender := color.New(color.FgYellow)

	if topic == "" {
		heading.Println("watching all snippet events")
	} else {
		heading.Printf("watching topic %s\n", topic)
	}

	for {
		var f models.Frame
		if err := conn.ReadJSON(&f); err != nil {
			return nil
		}

		switch f.Type {
		case models.FrameData:
			var payload models.DataPayload
			if err := json.Unmarshal(f.Payload, &payload); err != nil {
				logger.Warn("undecodable data frame", "error", err)
				continue
			}
			if payload.Data == nil {
				heading.Println("subscription confirmed")
				continue
			}
			sender.Printf("%s ", payload.Data.Sender)
			fmt.Printf("%s ", payload.Data.Topic)
			encoded, _ := json.Marshal(payload.Data.Snippet)
			fmt.Println(string(encoded))
		case models.FrameComplete:
			heading.Println("subscription complete")
			return nil
		case models.FrameError:
			var payload models.ErrorPayload
			_ = json.Unmarshal(f.Payload, &payload)
			for _, e := range payload.Errors {
				color.Red("server error: %s", e.Message)
			}
		}
	}
}
