package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/vovakirdan/resultrelay/internal/proto"
)

// ws_smoke opens two connections in one room and checks that a submitted
// result reaches both of them.
func main() {
	if err := run(); err != nil {
		log.Printf("ws_smoke: %v", err)
		os.Exit(1)
	}
}

func run() error {
	addr := flag.String("addr", "ws://localhost:8080/ws", "WebSocket address")
	room := flag.String("room", "smoke-room", "room id")
	mode := flag.Int("mode", 3, "game mode (1-6)")
	result := flag.String("result", "smoke-result", "result payload to relay")
	timeout := flag.Duration("timeout", 5*time.Second, "total timeout for the run")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	u, err := url.Parse(*addr)
	if err != nil {
		return fmt.Errorf("parse addr: %w", err)
	}
	q := u.Query()
	q.Set("roomId", *room)
	q.Set("mode", fmt.Sprint(*mode))
	u.RawQuery = q.Encode()

	sender, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial sender: %w", err)
	}
	defer sender.Close(websocket.StatusNormalClosure, "bye")

	peer, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial peer: %w", err)
	}
	defer peer.Close(websocket.StatusNormalClosure, "bye")

	// give the server a moment to finish registering both upgrades
	time.Sleep(100 * time.Millisecond)

	msg := map[string]any{
		"roomId": *room,
		"userId": "smoke-user",
		"name":   "smoke",
		"result": *result,
		"mode":   *mode,
	}
	if err := wsjson.Write(ctx, sender, msg); err != nil {
		return fmt.Errorf("send result: %w", err)
	}

	for name, conn := range map[string]*websocket.Conn{"sender": sender, "peer": peer} {
		var got proto.RelayMessage
		if err := wsjson.Read(ctx, conn, &got); err != nil {
			return fmt.Errorf("%s read: %w", name, err)
		}
		if got.Result != *result {
			return fmt.Errorf("%s got result %q, want %q", name, got.Result, *result)
		}
		log.Printf("%s received result from %s (operation=%s)", name, got.Name, got.Operation)
	}

	log.Println("smoke test ok")
	return nil
}
