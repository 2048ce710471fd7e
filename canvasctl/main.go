package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/gin-gonic/gin"
	"github.com/golang/glog"
	"github.com/mattn/go-shellwords"
	"golang.org/x/term"

	"github.com/gyozanisonline/colab-sub000/canvas"
	"github.com/gyozanisonline/colab-sub000/protocol"
)

const DefaultPort = 3000
const DefaultUrl = "ws://127.0.0.1:3000/ws"

const CanvasCtlVersion = "0.0.1"

func main() {
	usage := fmt.Sprintf(
		`Shared canvas control.

The default coordinator url is:
    url: %s

Usage:
    canvasctl serve [--port=<port>] [--config=<config>] [--snapshot=<path>] [--log_v=<level>]
    canvasctl join [--url=<url>] [--name=<name>] [--color=<color>] [--config=<config>] [--log_v=<level>]
    canvasctl snapshot [--url=<url>] [--log_v=<level>]

Options:
    -h --help              Show this screen.
    --version              Show version.
    -p --port=<port>       Listen port.
    --config=<config>      TOML config file.
    --snapshot=<path>      Persist the shared state to this file.
    --url=<url>            Coordinator websocket url.
    --name=<name>          Display name [default: anonymous].
    --color=<color>        Display color [default: #888888].
    --log_v=<level>        Log verbosity [default: 0].`,
		DefaultUrl,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CanvasCtlVersion)
	if err != nil {
		panic(err)
	}

	initGlog(opts)
	defer glog.Flush()

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	} else if join_, _ := opts.Bool("join"); join_ {
		join(opts)
	} else if snapshot_, _ := opts.Bool("snapshot"); snapshot_ {
		snapshot(opts)
	} else {
		docopt.PrintHelpAndExit(nil, usage)
	}
}

func initGlog(opts docopt.Opts) {
	level, _ := opts.String("--log_v")
	flag.Set("logtostderr", "true")
	flag.Set("v", level)
	flag.CommandLine.Parse([]string{})
}

func requireConfig(opts docopt.Opts) *config {
	configPath, _ := opts.String("--config")
	if configPath == "" {
		return defaultConfig()
	}
	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "canvasctl: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
}

func serve(opts docopt.Opts) {
	cfg := requireConfig(opts)
	if port, err := opts.Int("--port"); err == nil {
		cfg.Port = port
	}
	if snapshotPath, _ := opts.String("--snapshot"); snapshotPath != "" {
		cfg.SnapshotPath = snapshotPath
	}

	ctx, cancel := signalContext()
	defer cancel()

	store := canvas.NewStore()
	if cfg.SnapshotPath != "" {
		var err error
		store, err = canvas.LoadStoreFile(cfg.SnapshotPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "canvasctl: %v\n", err)
			os.Exit(1)
		}
	}

	gin.SetMode(gin.ReleaseMode)
	relay := canvas.NewRelay(ctx, store, cfg.Registry, cfg.RelaySettings)
	server := canvas.NewServer(ctx, relay, cfg.ServerSettings)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: server,
	}

	go func() {
		defer cancel()
		err := httpServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			fmt.Printf("serve error: %s\n", err)
		}
	}()

	if cfg.SnapshotPath != "" && 0 < cfg.SnapshotInterval {
		go func() {
			ticker := time.NewTicker(cfg.SnapshotInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					saveSnapshot(store, cfg.SnapshotPath)
				}
			}
		}()
	}

	fmt.Printf("Serving %s on *:%d\n", CanvasCtlVersion, cfg.Port)

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)
	relay.Close()

	if cfg.SnapshotPath != "" {
		saveSnapshot(store, cfg.SnapshotPath)
	}
	stats := relay.Stats()
	fmt.Printf(
		"updates=%d presence=%d chat=%d dropped=%d evicted=%d\n",
		stats.Updates,
		stats.Presence,
		stats.Chat,
		stats.Dropped,
		stats.Evicted,
	)
}

func saveSnapshot(store *canvas.Store, path string) error {
	save := func() (canvas.StoreStats, error) {
		if err := store.SaveFile(path); err != nil {
			return canvas.StoreStats{}, err
		}
		return store.Stats(), nil
	}

	var stats canvas.StoreStats
	var err error
	if glog.V(1) {
		stats, err = canvas.TraceWithReturnError(fmt.Sprintf("[ctl]snapshot save %s", path), save)
	} else {
		stats, err = save()
	}
	if err != nil {
		glog.Infof("[ctl]snapshot save error = %s\n", err)
		return err
	}
	glog.V(1).Infof("[ctl]snapshot saved (text=%d params=%d)\n", stats.TextLength, stats.Params)
	return nil
}

func join(opts docopt.Opts) {
	cfg := requireConfig(opts)
	if url, _ := opts.String("--url"); url != "" {
		cfg.Url = url
	}
	name, _ := opts.String("--name")
	color, _ := opts.String("--color")

	ctx, cancel := signalContext()
	defer cancel()

	// `/move` takes normalized coordinates
	client := canvas.NewClient(ctx, cfg.Url, name, color, cfg.Registry, canvas.FixedViewport{Width: 1, Height: 1}, cfg.ClientSettings)
	defer client.Close()

	client.LocalState().AddChangeCallback(func(field canvas.Field, value any) {
		valueJson, _ := json.Marshal(value)
		fmt.Printf("* %s = %s\n", field, valueJson)
	})
	client.Presence().AddPresenceCallback(func(entry canvas.PresenceEntry, removed bool) {
		if removed {
			fmt.Printf("* %s left\n", entry.Name)
		}
	})
	client.Proximity().AddProximityCallback(func(peer canvas.PresenceEntry, distance float64) {
		fmt.Printf("* near %s (%.3f)\n", peer.Name, distance)
	})
	client.Chat().AddChatCallback(func(entry canvas.ChatEntry) {
		if !entry.Local {
			fmt.Printf("<%s> %s\n", entry.Name, entry.Text)
		}
	})

	go func() {
		defer cancel()
		client.Run()
	}()

	interactive := term.IsTerminal(int(os.Stdin.Fd()))

	lines := make(chan string)
	go func() {
		defer cancel()
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case <-ctx.Done():
				return
			case lines <- scanner.Text():
			}
		}
	}()

	for {
		if interactive {
			fmt.Print("> ")
		}
		select {
		case <-ctx.Done():
			return
		case line := <-lines:
			if err := joinCommand(client, line); err != nil {
				fmt.Printf("error: %s\n", err)
			}
		}
	}
}

const joinUsage = `Canvas commands. Any line not starting with / is sent as chat.

Usage:
    canvas text <body>...
    canvas set <key> <value>
    canvas move <x> <y>
    canvas who
    canvas state

<value> is json, or a plain string when it does not parse as json.
<x> and <y> are normalized to [0, 1].
`

var joinParser = &docopt.Parser{
	HelpHandler: func(err error, usage string) {
		if err == nil {
			fmt.Println(usage)
		}
	},
}

func joinCommand(client *canvas.Client, line string) error {
	if !strings.HasPrefix(line, "/") {
		if !client.SendChat(line) && strings.TrimSpace(line) != "" {
			return fmt.Errorf("not connected")
		}
		return nil
	}

	// enables quotation marks, e.g. /set bg-settings '{"speed": 2}'
	args, err := shellwords.Parse(strings.TrimPrefix(line, "/"))
	if err != nil {
		return err
	}
	opts, err := joinParser.ParseArgs(joinUsage, args, "")
	if err != nil {
		return fmt.Errorf("invalid command, use /--help")
	}

	if text_, _ := opts.Bool("text"); text_ {
		body, _ := opts["<body>"].([]string)
		return client.SetText(strings.Join(body, " "))
	} else if set_, _ := opts.Bool("set"); set_ {
		key, _ := opts.String("<key>")
		valueStr, _ := opts.String("<value>")
		var value any
		if err := json.Unmarshal([]byte(valueStr), &value); err != nil {
			value = valueStr
		}
		return client.SetParam(key, value)
	} else if move_, _ := opts.Bool("move"); move_ {
		x, err := opts.Float64("<x>")
		if err != nil {
			return err
		}
		y, err := opts.Float64("<y>")
		if err != nil {
			return err
		}
		client.Move(x, y)
		return nil
	} else if who_, _ := opts.Bool("who"); who_ {
		for _, entry := range client.Presence().Entries() {
			fmt.Printf("%s %s (%.3f, %.3f)\n", entry.Id, entry.Name, entry.Position.X, entry.Position.Y)
		}
		return nil
	} else if state_, _ := opts.Bool("state"); state_ {
		stateJson, _ := json.MarshalIndent(&protocol.InitialState{
			Text:   client.LocalState().Text(),
			Params: client.LocalState().Params(),
		}, "", "    ")
		fmt.Printf("%s\n", stateJson)
		return nil
	}
	return nil
}

func snapshot(opts docopt.Opts) {
	url, _ := opts.String("--url")
	if url == "" {
		url = DefaultUrl
	}

	ctx, cancel := signalContext()
	defer cancel()

	settings := canvas.DefaultClientTransportSettings()
	transport := canvas.NewClientTransport(ctx, url, settings)
	defer transport.Close()

	transport.AddReceiveCallback(func(frame *protocol.Frame) {
		if frame.Event != protocol.EventInitialState {
			return
		}
		initialState := &protocol.InitialState{}
		if err := frame.DecodeData(initialState); err != nil {
			fmt.Fprintf(os.Stderr, "canvasctl: %v\n", err)
		} else {
			stateJson, _ := json.MarshalIndent(initialState, "", "    ")
			fmt.Printf("%s\n", stateJson)
		}
		transport.Close()
	})

	go transport.Run()

	select {
	case <-transport.Done():
	case <-time.After(10 * time.Second):
		fmt.Fprintf(os.Stderr, "canvasctl: no snapshot from %s\n", url)
		os.Exit(1)
	}
}
