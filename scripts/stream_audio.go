// Dev helper: stream a raw audio file into a running gateway and print the
// transcript messages as they arrive.
//
//	go run scripts/stream_audio.go -addr ws://localhost:8765/ws/transcribe -file sample.raw
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

func main() {
	addr := flag.String("addr", "ws://localhost:8765/ws/transcribe", "gateway websocket URL")
	token := flag.String("token", "", "auth token, if the gateway requires one")
	file := flag.String("file", "", "raw audio file to stream")
	webhookURL := flag.String("webhook", "", "per-session webhook override")
	chunk := flag.Int("chunk", 3200, "bytes per audio frame")
	interval := flag.Duration("interval", 100*time.Millisecond, "delay between frames")
	flag.Parse()

	if *file == "" {
		fmt.Fprintln(os.Stderr, "missing -file")
		os.Exit(2)
	}
	audio, err := os.ReadFile(*file)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read audio:", err)
		os.Exit(1)
	}

	conn, _, err := websocket.DefaultDialer.Dial(*addr, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "dial:", err)
		os.Exit(1)
	}
	defer conn.Close()

	init := map[string]any{
		"type":            "init",
		"participantInfo": map[string]any{"name": "stream_audio", "source": "script"},
	}
	if *token != "" {
		init["authToken"] = *token
	}
	if *webhookURL != "" {
		init["webhookUrl"] = *webhookURL
		init["enableWebhook"] = true
	}
	if err := conn.WriteJSON(init); err != nil {
		fmt.Fprintln(os.Stderr, "init:", err)
		os.Exit(1)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg map[string]any
			if json.Unmarshal(raw, &msg) != nil {
				continue
			}
			switch msg["type"] {
			case "ready":
				fmt.Printf("session %v (model %v)\n", msg["sessionId"], msg["model"])
			case "transcript":
				marker := " "
				if msg["isFinal"] == true {
					marker = "*"
				}
				fmt.Printf("%s %v\n", marker, msg["text"])
			case "final_webhook_status":
				b, _ := json.MarshalIndent(msg["deliveryStatus"], "", "  ")
				fmt.Printf("final delivery:\n%s\n", b)
				return
			case "error":
				fmt.Fprintln(os.Stderr, "server error:", msg["message"])
			}
		}
	}()

	for off := 0; off < len(audio); off += *chunk {
		end := off + *chunk
		if end > len(audio) {
			end = len(audio)
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, audio[off:end]); err != nil {
			fmt.Fprintln(os.Stderr, "send audio:", err)
			break
		}
		time.Sleep(*interval)
	}

	_ = conn.WriteJSON(map[string]any{"type": "stop"})
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		fmt.Fprintln(os.Stderr, "timed out waiting for teardown")
	}
}
