// Relay CLI - command line client for the relay chat server
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/eldtechnologies/relay/clients/go/relay"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	client := relay.NewClient(os.Getenv("RELAY_URL"), os.Getenv("RELAY_WS_URL"), os.Getenv("RELAY_TOKEN"))
	cmd := os.Args[1]

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case "health":
		resp, err := client.Health(ctx)
		exitOnError(err)
		printJSON(resp)

	case "send":
		if len(os.Args) < 4 {
			fmt.Fprintln(os.Stderr, "Usage: relay send <to> <message>")
			os.Exit(1)
		}
		conn, err := client.Connect(ctx)
		exitOnError(err)
		exitOnError(conn.Send(ctx, os.Args[2], os.Args[3]))
		// Give the server a moment to read the frame before closing.
		time.Sleep(200 * time.Millisecond)
		conn.Close()
		fmt.Printf("Sent to %s\n", os.Args[2])

	case "listen":
		conn, err := client.Connect(ctx)
		exitOnError(err)
		defer conn.Close()
		for {
			msg, err := conn.Receive(ctx)
			if errors.Is(err, context.Canceled) {
				return
			}
			exitOnError(err)
			printMessage(msg)
		}

	case "history":
		var (
			messages []relay.Message
			err      error
		)
		if len(os.Args) > 2 {
			messages, err = client.Conversation(ctx, os.Args[2])
		} else {
			messages, err = client.History(ctx)
		}
		exitOnError(err)
		for i := range messages {
			printMessage(&messages[i])
		}

	case "help", "--help", "-h":
		usage()

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`Relay CLI - presence-aware message relay

Usage: relay <command> [options]

Commands:
  send <to> <message>     Send a message
  listen                  Print incoming messages until interrupted
  history [contact]       Show conversation with contact, or all messages
  health                  Check server health

Environment:
  RELAY_URL      HTTP API URL (default: http://localhost:8080)
  RELAY_WS_URL   WebSocket URL (default: ws://localhost:8081)
  RELAY_TOKEN    Credential passed to the identity verifier`)
}

func printMessage(msg *relay.Message) {
	fmt.Printf("[%s] %s -> %s: %s\n", msg.Timestamp.Local().Format("2006-01-02 15:04:05"), msg.From, msg.To, msg.Body)
}

func exitOnError(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func printJSON(v interface{}) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}
