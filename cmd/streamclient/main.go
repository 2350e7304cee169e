// streamclient connects to a running gateway and prints stream frames
// to the console. It speaks both transports: the v2 WebSocket protocol
// and SSE.
//
// Usage:
//
//	go run ./cmd/streamclient --url ws://localhost:8001 --contract 265598 --tick-types last,bid_ask
//	go run ./cmd/streamclient --sse --url http://localhost:8001 --contract 265598 --tick-types last
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

func main() {
	url := flag.String("url", "ws://localhost:8001", "gateway base URL")
	contract := flag.Int64("contract", 0, "contract id to stream")
	tickTypes := flag.String("tick-types", "last", "comma-separated tick types")
	useSSE := flag.Bool("sse", false, "use SSE instead of WebSocket")
	verbose := flag.Bool("verbose", false, "print full frame JSON")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if *contract == 0 {
		logger.Error("--contract is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	if *useSSE {
		err = runSSE(ctx, *url, *contract, *tickTypes, *verbose, logger)
	} else {
		err = runWS(ctx, *url, *contract, *tickTypes, *verbose, logger)
	}
	if err != nil && ctx.Err() == nil {
		logger.Error("stream failed", "error", err)
		os.Exit(1)
	}
}

func runWS(ctx context.Context, base string, contract int64, tickTypes string, verbose bool, logger *slog.Logger) error {
	url := strings.TrimSuffix(base, "/") + "/v2/ws/stream"
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	sub := map[string]any{
		"type": "subscribe",
		"id":   "streamclient-1",
		"data": map[string]any{
			"contract_id": contract,
			"tick_types":  strings.Split(tickTypes, ","),
		},
	}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	logger.Info("streaming started - press Ctrl+C to stop")
	for {
		var frame map[string]any
		if err := conn.ReadJSON(&frame); err != nil {
			return err
		}
		printFrame(frame, verbose)
	}
}

func runSSE(ctx context.Context, base string, contract int64, tickTypes string, verbose bool, logger *slog.Logger) error {
	url := fmt.Sprintf("%s/v2/stream/%d/live?tick_types=%s",
		strings.TrimSuffix(base, "/"), contract, tickTypes)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("connect %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway answered %s", resp.Status)
	}

	logger.Info("streaming started - press Ctrl+C to stop",
		"protocol", resp.Header.Get("X-Stream-Protocol"))

	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var frame map[string]any
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &frame); err != nil {
			logger.Warn("bad frame", "error", err)
			continue
		}
		printFrame(frame, verbose)
	}
	return sc.Err()
}

func printFrame(frame map[string]any, verbose bool) {
	if verbose {
		data, _ := json.MarshalIndent(frame, "", "  ")
		fmt.Printf("%s\n", data)
		return
	}

	frameType, _ := frame["type"].(string)
	switch frameType {
	case "tick":
		data, _ := frame["data"].(map[string]any)
		ts := time.UnixMicro(int64(num(data["ts"]))).UTC().Format("15:04:05.000000")
		switch data["tt"] {
		case "bid_ask":
			fmt.Printf("[BID_ASK] %s cid=%d bid=%.2fx%.0f ask=%.2fx%.0f\n",
				ts, int64(num(data["cid"])),
				num(data["bid_price"]), num(data["bid_size"]),
				num(data["ask_price"]), num(data["ask_size"]))
		case "mid_point":
			fmt.Printf("[MIDPOINT] %s cid=%d mid=%.4f\n",
				ts, int64(num(data["cid"])), num(data["mid_point"]))
		default:
			fmt.Printf("[TRADE] %s cid=%d price=%.2f size=%.0f\n",
				ts, int64(num(data["cid"])), num(data["price"]), num(data["size"]))
		}
	case "heartbeat":
		// quiet
	default:
		data, _ := json.Marshal(frame["data"])
		fmt.Printf("[%s] %s\n", strings.ToUpper(frameType), data)
	}
}

func num(v any) float64 {
	f, _ := v.(float64)
	return f
}
