// busmon taps the Alicia bus and pretty-prints every envelope as it flies
// by. It can also record the tap to a msgpack capture file and replay a
// capture later at original (or scaled) speed.
package main

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/alicia-home/alicia/internal/id"
	"github.com/alicia-home/alicia/internal/protocol"
)

// ANSI colors
const (
	reset   = "\033[0m"
	bold    = "\033[1m"
	dim     = "\033[2m"
	red     = "\033[31m"
	green   = "\033[32m"
	yellow  = "\033[33m"
	blue    = "\033[34m"
	magenta = "\033[35m"
	cyan    = "\033[36m"
	white   = "\033[37m"
	bgGray  = "\033[48;5;236m"
)

// busFrame is one captured message in a recording.
type busFrame struct {
	Topic   string    `msgpack:"topic"`
	Payload []byte    `msgpack:"payload"`
	At      time.Time `msgpack:"at"`
}

type rawMessage struct {
	topic   string
	payload []byte
	ts      time.Time
}

var typeColors = map[protocol.MessageType]string{
	protocol.TypeRequest:   green,
	protocol.TypeResponse:  cyan,
	protocol.TypeEvent:     yellow,
	protocol.TypeHeartbeat: dim,
	protocol.TypeCommand:   magenta,
	protocol.TypeError:     red,
}

var routeColors = map[string]string{
	protocol.ServiceVoiceRouter:   magenta,
	protocol.ServiceDeviceManager: yellow,
	protocol.ServiceHealthMonitor: blue,
	protocol.ServiceSTT:           green,
	protocol.ServiceAI:            cyan,
	protocol.ServiceTTS:           green,
}

func main() {
	broker := flag.String("broker", "tcp://localhost:1883", "MQTT broker URL")
	topic := flag.String("topic", protocol.FilterAll, "topic filter to tap")
	username := flag.String("username", "", "MQTT username (optional)")
	password := flag.String("password", "", "MQTT password (optional)")
	record := flag.String("record", "", "append the tap to a msgpack capture file")
	replay := flag.String("replay", "", "replay a capture file instead of connecting")
	speed := flag.Float64("speed", 1.0, "replay speed multiplier (0 = no pacing)")
	flag.Parse()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	if *replay != "" {
		if err := replayCapture(*replay, *speed, interrupt); err != nil {
			fmt.Printf("%s✗ %v%s\n", red, err, reset)
			os.Exit(1)
		}
		return
	}

	fmt.Printf("%s%s╔══════════════════════════════════════╗%s\n", bold, blue, reset)
	fmt.Printf("%s%s║        Alicia Bus Monitor            ║%s\n", bold, blue, reset)
	fmt.Printf("%s%s╚══════════════════════════════════════╝%s\n", bold, blue, reset)
	fmt.Printf("%sBroker: %s%s  %sfilter: %s%s\n", dim, reset, *broker, dim, reset, *topic)

	var recorder *msgpack.Encoder
	if *record != "" {
		f, err := os.OpenFile(*record, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Printf("%s✗ open capture file: %v%s\n", red, err, reset)
			os.Exit(1)
		}
		defer f.Close()
		recorder = msgpack.NewEncoder(f)
		fmt.Printf("%sRecording to: %s%s\n", dim, reset, *record)
	}

	msgCh := make(chan rawMessage, 1024)
	var dropped atomic.Int64

	opts := mqtt.NewClientOptions().
		AddBroker(*broker).
		SetClientID(id.ClientID("busmon")).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(time.Second).
		SetOrderMatters(false)
	if *username != "" {
		opts.SetUsername(*username)
		opts.SetPassword(*password)
	}
	opts.OnConnect = func(c mqtt.Client) {
		// Re-subscribes after every reconnect.
		token := c.Subscribe(*topic, 0, func(_ mqtt.Client, m mqtt.Message) {
			// Never block the paho router.
			select {
			case msgCh <- rawMessage{topic: m.Topic(), payload: m.Payload(), ts: time.Now()}:
			default:
				dropped.Add(1)
			}
		})
		token.Wait()
		if err := token.Error(); err != nil {
			fmt.Printf("%s✗ subscribe failed: %v%s\n", red, err, reset)
			return
		}
		fmt.Printf("%s%s✓ Connected, tapping %s%s\n\n", bold, green, *topic, reset)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		fmt.Printf("%s%s─── connection lost: %v, reconnecting... ───%s\n", dim, yellow, err, reset)
	}

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		fmt.Printf("%s✗ connect failed: %v%s\n", red, token.Error(), reset)
		os.Exit(1)
	}

	msgNum := 0
	recorded := 0
	for {
		select {
		case msg := <-msgCh:
			msgNum++
			printMessage(msgNum, msg)
			if recorder != nil {
				frame := busFrame{Topic: msg.topic, Payload: msg.payload, At: msg.ts}
				if err := recorder.Encode(&frame); err != nil {
					fmt.Printf("%s✗ record failed: %v%s\n", red, err, reset)
					recorder = nil
				} else {
					recorded++
				}
			}
		case <-interrupt:
			fmt.Printf("\n%s%s─── interrupted ───%s\n", dim, yellow, reset)
			client.Disconnect(250)
			if recorded > 0 {
				fmt.Printf("%sRecorded %d messages to %s%s\n", dim, recorded, *record, reset)
			}
			if n := dropped.Load(); n > 0 {
				fmt.Printf("%sDropped %d messages (terminal too slow)%s\n", dim, n, reset)
			}
			return
		}
	}
}

// replayCapture prints a recorded tap, pacing output by the captured
// timestamps divided by speed.
func replayCapture(path string, speed float64, interrupt <-chan os.Signal) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open capture file: %w", err)
	}
	defer f.Close()

	fmt.Printf("%sReplaying: %s%s\n\n", dim, reset, path)

	dec := msgpack.NewDecoder(f)
	var prev time.Time
	num := 0
	for {
		var frame busFrame
		if err := dec.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("decode frame %d: %w", num+1, err)
		}
		if !prev.IsZero() && speed > 0 {
			wait := time.Duration(float64(frame.At.Sub(prev)) / speed)
			if wait > 0 {
				select {
				case <-time.After(wait):
				case <-interrupt:
					fmt.Printf("\n%s%s─── interrupted ───%s\n", dim, yellow, reset)
					return nil
				}
			}
		}
		prev = frame.At
		num++
		printMessage(num, rawMessage{topic: frame.Topic, payload: frame.Payload, ts: frame.At})
	}
	fmt.Printf("%s─── %d messages replayed ───%s\n", dim, num, reset)
	return nil
}

func printMessage(num int, msg rawMessage) {
	timestamp := msg.ts.Format("15:04:05.000")

	env, err := protocol.DecodeEnvelope(msg.payload)
	if err != nil {
		printRawMessage(num, timestamp, msg.topic, msg.payload, err)
		fmt.Println()
		return
	}

	color := typeColors[env.Type]
	if color == "" {
		color = white
	}

	// Header line
	fmt.Printf("%s%s#%d%s %s%s%s %s%s%-9s%s %s",
		dim, bgGray, num, reset,
		dim, timestamp, reset,
		bold, color, env.Type, reset,
		formatRoute(env.Source, env.Destination))
	fmt.Printf(" %s[%s]%s", dim, msg.topic, reset)
	if env.CorrelationID != "" {
		fmt.Printf(" %scorr:%s %s", dim, reset, shortID(env.CorrelationID))
	}
	fmt.Printf("%s\n", reset)

	// Trace context
	if env.TraceID != "" {
		fmt.Printf("  %strace:%s %s", dim, reset, shortID(env.TraceID))
		if env.SpanID != "" {
			fmt.Printf(" %sspan:%s %s", dim, reset, env.SpanID)
		}
		fmt.Println()
	}

	printBody(msg.topic, env)

	fmt.Printf("  %s(%d bytes)%s\n", dim, len(msg.payload), reset)
	fmt.Println()
}

func formatRoute(src, dst string) string {
	srcColor := routeColors[src]
	if srcColor == "" {
		srcColor = white
	}
	if dst == "" || dst == protocol.BroadcastDestination {
		return fmt.Sprintf("%s%s%s %s→ *%s", srcColor, src, reset, dim, reset)
	}
	dstColor := routeColors[dst]
	if dstColor == "" {
		dstColor = white
	}
	return fmt.Sprintf("%s%s%s %s→%s %s%s%s", srcColor, src, reset, dim, reset, dstColor, dst, reset)
}

// printBody renders the payload per message type, with topic-specific
// treatment of the well-known events.
func printBody(topic string, env *protocol.Envelope) {
	if len(env.Payload) == 0 {
		return
	}

	switch env.Type {
	case protocol.TypeRequest:
		var req protocol.RPCRequest
		if json.Unmarshal(env.Payload, &req) == nil && req.Op != "" {
			fmt.Printf("  %s⚙%s  %s%s%s", yellow, reset, bold, req.Op, reset)
			if len(req.Args) > 0 {
				fmt.Printf(" %s%s%s", dim, truncate(string(req.Args), 100), reset)
			}
			fmt.Println()
			return
		}

	case protocol.TypeError:
		var perr protocol.ErrorPayload
		if json.Unmarshal(env.Payload, &perr) == nil && perr.Code != "" {
			fmt.Printf("  %s%s: %s%s\n", red, perr.Code, perr.Message, reset)
			return
		}

	case protocol.TypeHeartbeat:
		var snap protocol.HealthSnapshot
		if json.Unmarshal(env.Payload, &snap) == nil && snap.Service != "" {
			stateColor := green
			if snap.State != "ready" {
				stateColor = yellow
			}
			fmt.Printf("  %s♥%s %s %s%s%s up %s", dim, reset, snap.Service,
				stateColor, snap.State, reset,
				(time.Duration(snap.UptimeMs) * time.Millisecond).Round(time.Second))
			if snap.Errors > 0 {
				fmt.Printf(" %serrors: %d%s", red, snap.Errors, reset)
			}
			fmt.Println()
			return
		}

	case protocol.TypeCommand:
		var cmd protocol.DeviceCommand
		if json.Unmarshal(env.Payload, &cmd) == nil && cmd.CommandID != "" {
			fmt.Printf("  %s⚡%s %s%s%s %s", magenta, reset, bold, cmd.Capability, reset, shortID(cmd.CommandID))
			if cmd.Attempt > 1 {
				fmt.Printf(" %sattempt %d%s", yellow, cmd.Attempt, reset)
			}
			if len(cmd.Parameters) > 0 {
				data, _ := json.Marshal(cmd.Parameters)
				fmt.Printf(" %s%s%s", dim, truncate(string(data), 80), reset)
			}
			fmt.Println()
			return
		}

	case protocol.TypeEvent:
		if printEventBody(topic, env.Payload) {
			return
		}
	}

	printGenericBody(env.Payload)
}

// printEventBody handles the well-known event topics; false means the
// caller should fall back to the generic key-value dump.
func printEventBody(topic string, payload []byte) bool {
	switch {
	case topic == protocol.TopicVoiceSession:
		var st protocol.SessionStatus
		if json.Unmarshal(payload, &st) != nil || st.SessionID == "" {
			return false
		}
		fmt.Printf("  %s●%s %s %s%s%s", cyan, reset, st.SessionID, sessionColor(st.State), st.State, reset)
		if st.Transcript != "" {
			fmt.Printf(" %s▶ %s%s", dim, truncate(st.Transcript, 60), reset)
		}
		if st.FailureReason != "" {
			fmt.Printf(" %s(%s)%s", red, st.FailureReason, reset)
		}
		fmt.Println()
		return true

	case topic == protocol.TopicVoiceResponse:
		var vr protocol.VoiceResponse
		if json.Unmarshal(payload, &vr) != nil || vr.SessionID == "" {
			return false
		}
		marker := cyan + "◀" + reset
		if vr.Fallback {
			marker = yellow + "◁" + reset + " " + dim + "fallback" + reset
		}
		fmt.Printf("  %s %s %s\n", marker, vr.SessionID, truncate(vr.Text, 100))
		return true

	case protocol.CommandIDFromTopic(topic) != "":
		var cs protocol.CommandStatus
		if json.Unmarshal(payload, &cs) != nil || cs.CommandID == "" {
			return false
		}
		stateColor := yellow
		switch cs.State {
		case "completed":
			stateColor = green
		case "failed", "offline_expired":
			stateColor = red
		case "cancelled":
			stateColor = dim
		}
		fmt.Printf("  %s⚡%s %s %s%s%s", magenta, reset, shortID(cs.CommandID), stateColor, cs.State, reset)
		if cs.DeviceID != "" {
			fmt.Printf(" %s@ %s%s", dim, cs.DeviceID, reset)
		}
		if cs.Terminal {
			fmt.Printf(" %s■%s", bold, reset)
			for _, o := range cs.Outcomes {
				fmt.Printf(" %s%s=%s%s", dim, o.DeviceID, o.State, reset)
			}
		}
		if cs.Error != "" {
			fmt.Printf(" %s%s%s", red, truncate(cs.Error, 60), reset)
		}
		fmt.Println()
		return true

	case topic == protocol.TopicHealthFleet:
		var view protocol.FleetView
		if json.Unmarshal(payload, &view) != nil {
			return false
		}
		online := 0
		for _, e := range view.Services {
			if e.Online {
				online++
			}
		}
		fmt.Printf("  %s☰%s fleet: %d services, %s%d online%s\n", blue, reset, len(view.Services), green, online, reset)
		for _, e := range view.Services {
			mark := green + "●" + reset
			if !e.Online {
				mark = red + "○" + reset
			}
			fmt.Printf("    %s %s\n", mark, e.Service)
		}
		return true

	case topic == protocol.TopicDeviceStatusChanged:
		var ev protocol.DeviceStatusChanged
		if json.Unmarshal(payload, &ev) != nil || ev.DeviceID == "" {
			return false
		}
		toColor := green
		if ev.To == "offline" || ev.To == "faulted" {
			toColor = red
		}
		fmt.Printf("  %s◈%s %s %s %s→%s %s%s%s", yellow, reset, ev.DeviceID, ev.From, dim, reset, toColor, ev.To, reset)
		if ev.Reason != "" {
			fmt.Printf(" %s(%s)%s", dim, ev.Reason, reset)
		}
		fmt.Println()
		return true
	}
	return false
}

func sessionColor(state string) string {
	switch state {
	case "complete":
		return green
	case "failed":
		return red
	case "cancelled":
		return dim
	default:
		return cyan
	}
}

func printGenericBody(payload []byte) {
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		fmt.Printf("  %s%s%s\n", dim, truncate(string(payload), 120), reset)
		return
	}
	for k, v := range m {
		valStr := fmt.Sprintf("%v", v)
		if len(valStr) > 100 {
			valStr = valStr[:97] + "..."
		}
		fmt.Printf("  %s%s:%s %s\n", dim, k, reset, valStr)
	}
}

func printRawMessage(num int, timestamp, topic string, data []byte, decodeErr error) {
	fmt.Printf("%s%s#%d%s %s%s%s %s[RAW]%s %s[%s]%s (%d bytes)\n",
		dim, bgGray, num, reset,
		dim, timestamp, reset,
		red, reset,
		dim, topic, reset,
		len(data))

	if decodeErr != nil {
		fmt.Printf("  %sdecode error: %v%s\n", dim, decodeErr, reset)
	}

	// Print hex dump (first 64 bytes)
	hexStr := hex.EncodeToString(data)
	if len(hexStr) > 128 {
		hexStr = hexStr[:128] + "..."
	}
	var formatted strings.Builder
	for i := 0; i < len(hexStr); i += 2 {
		if i > 0 {
			formatted.WriteByte(' ')
		}
		end := i + 2
		if end > len(hexStr) {
			end = len(hexStr)
		}
		formatted.WriteString(hexStr[i:end])
	}
	fmt.Printf("  %s%s%s\n", dim, formatted.String(), reset)
}

func shortID(s string) string {
	if len(s) > 12 {
		return s[:12]
	}
	return s
}

func truncate(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", "↵")
	if len(s) > max {
		return s[:max-3] + "..."
	}
	return s
}
