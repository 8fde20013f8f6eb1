package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/urfave/cli"

	"github.com/danmuck/blelink/internal/bridge"
	"github.com/danmuck/blelink/internal/link"
)

func main() {
	app := cli.NewApp()

	app.Name = "blelinkctl"
	app.Usage = "Control a blelinkd daemon"
	app.Version = "0.1.0"
	app.Action = cli.ShowAppHelp
	app.Flags = []cli.Flag{flgAddr, flgTimeout, flgJSON}

	app.Commands = []cli.Command{
		{
			Name:   "id",
			Usage:  "Generate a random ble id",
			Action: cmdID,
		},
		{
			Name:    "scan",
			Aliases: []string{"s"},
			Usage:   "Scan for a peer advertising the given ble id",
			Action:  cmdScan,
			Flags:   []cli.Flag{flgFilter, flgStopIfFound, flgScanTimeout},
			Subcommands: []cli.Command{
				{
					Name:   "stop",
					Usage:  "Cancel a running scan",
					Action: post("/ble/scan/stop", "scan stopped"),
				},
			},
		},
		{
			Name:   "peers",
			Usage:  "List peers seen by scans",
			Action: cmdPeers,
		},
		{
			Name:    "connect",
			Aliases: []string{"c"},
			Usage:   "Connect to a scanned peer as central",
			Action:  cmdConnect,
			Flags:   []cli.Flag{flgPeer},
		},
		{
			Name:   "disconnect",
			Usage:  "Disconnect the central link",
			Action: post("/ble/disconnect", "disconnected"),
		},
		{
			Name:      "advertise",
			Aliases:   []string{"a"},
			Usage:     "Advertise a ble id as peripheral",
			ArgsUsage: "<ble-id>",
			Action:    cmdAdvertise,
			Subcommands: []cli.Command{
				{
					Name:   "stop",
					Usage:  "Stop advertising",
					Action: post("/ble/advertise/stop", "advertising stopped"),
				},
			},
		},
		{
			Name:      "send",
			Usage:     "Send a message to the connected peer",
			ArgsUsage: "<message>",
			Action:    cmdSend,
		},
		{
			Name:   "finish",
			Usage:  "Tear down every link, scan and advertisement",
			Action: post("/ble/finish", "finished"),
		},
		{
			Name:   "status",
			Usage:  "Show role states",
			Action: cmdStatus,
		},
		{
			Name:    "events",
			Aliases: []string{"ev"},
			Usage:   "Stream session events",
			Action:  cmdEvents,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", red("error:"), err)
		os.Exit(1)
	}
}

func clientFor(c *cli.Context) (*apiClient, context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), c.GlobalDuration("tmo"))
	return newAPIClient(c.GlobalString("addr")), ctx, cancel
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func cmdID(c *cli.Context) error {
	api, ctx, cancel := clientFor(c)
	defer cancel()
	var out struct {
		BleID string `json:"ble_id"`
	}
	if err := api.get(ctx, "/ble/id", &out); err != nil {
		return err
	}
	fmt.Println(out.BleID)
	return nil
}

func cmdScan(c *cli.Context) error {
	filter := strings.TrimSpace(c.String("id"))
	if filter == "" {
		filter = strings.TrimSpace(c.Args().First())
	}
	if filter == "" {
		return cli.NewExitError("scan needs --id or a ble id argument", 2)
	}
	req := map[string]any{
		"filter_ble_id": filter,
		"stop_if_found": c.BoolT("stop"),
	}
	if d := c.Duration("scan-timeout"); d > 0 {
		req["timeout"] = d.String()
	}
	api, ctx, cancel := clientFor(c)
	defer cancel()
	var out struct {
		PeerID string `json:"peer_id"`
	}
	fmt.Printf("Scanning for %s ...\n", cyan(filter))
	if err := api.post(ctx, "/ble/scan", req, &out); err != nil {
		return err
	}
	fmt.Printf("%s %s\n", green("found"), out.PeerID)
	return nil
}

func cmdPeers(c *cli.Context) error {
	api, ctx, cancel := clientFor(c)
	defer cancel()
	var out struct {
		Peers []link.Peer `json:"peers"`
	}
	if err := api.get(ctx, "/ble/peers", &out); err != nil {
		return err
	}
	if c.GlobalBool("json") {
		return printJSON(out)
	}
	if len(out.Peers) == 0 {
		fmt.Println(yellow("no peers cached"))
		return nil
	}
	for _, p := range out.Peers {
		fmt.Printf("%s  name=%q rssi=%d seen=%s\n", cyan(p.ID), p.Name, p.RSSI, p.LastSeen.Format(time.RFC3339))
	}
	return nil
}

func cmdConnect(c *cli.Context) error {
	peer := strings.TrimSpace(c.String("peer"))
	if peer == "" {
		peer = strings.TrimSpace(c.Args().First())
	}
	if peer == "" {
		return cli.NewExitError("connect needs --peer or a peer id argument", 2)
	}
	api, ctx, cancel := clientFor(c)
	defer cancel()
	if err := api.post(ctx, "/ble/connect", map[string]string{"peer_id": peer}, nil); err != nil {
		return err
	}
	fmt.Printf("%s %s\n", green("connected"), peer)
	return nil
}

func cmdAdvertise(c *cli.Context) error {
	bleID := strings.TrimSpace(c.Args().First())
	api, ctx, cancel := clientFor(c)
	defer cancel()
	if bleID == "" {
		var out struct {
			BleID string `json:"ble_id"`
		}
		if err := api.get(ctx, "/ble/id", &out); err != nil {
			return err
		}
		bleID = out.BleID
	}
	if err := api.post(ctx, "/ble/advertise", map[string]string{"ble_id": bleID}, nil); err != nil {
		return err
	}
	fmt.Printf("%s as %s\n", green("advertising"), cyan(bleID))
	return nil
}

func cmdSend(c *cli.Context) error {
	if c.NArg() == 0 {
		return cli.NewExitError("send needs a message", 2)
	}
	msg := strings.Join(c.Args(), " ")
	api, ctx, cancel := clientFor(c)
	defer cancel()
	if err := api.post(ctx, "/ble/messages", map[string]string{"message": msg}, nil); err != nil {
		return err
	}
	fmt.Println(green("sent"))
	return nil
}

func cmdStatus(c *cli.Context) error {
	api, ctx, cancel := clientFor(c)
	defer cancel()
	var out struct {
		Status      link.Status `json:"status"`
		Subscribers int         `json:"subscribers"`
	}
	if err := api.get(ctx, "/ble/status", &out); err != nil {
		return err
	}
	if c.GlobalBool("json") {
		return printJSON(out)
	}
	st := out.Status
	printRole("central", st.Central.Available, st.Central.State, st.Central.Peer)
	if st.Central.LastError != "" {
		fmt.Printf("  last error: %s\n", red(st.Central.LastError))
	}
	printRole("peripheral", st.Peripheral.Available, st.Peripheral.State, st.Peripheral.Client)
	if st.Peripheral.Advertising {
		fmt.Printf("  advertising %s\n", cyan(st.Peripheral.BleID))
	}
	fmt.Printf("scanning=%v cached_peers=%d event_subscribers=%d\n", st.Scanning, st.CachedPeers, out.Subscribers)
	return nil
}

func printRole(role string, available bool, state, peer string) {
	if !available {
		fmt.Printf("%-11s %s\n", role, yellow("unavailable"))
		return
	}
	label := state
	if state == "ready" {
		label = green(state)
	}
	if peer != "" {
		fmt.Printf("%-11s %s peer=%s\n", role, label, cyan(peer))
		return
	}
	fmt.Printf("%-11s %s\n", role, label)
}

// post returns an action for body-less POST routes.
func post(path, done string) func(*cli.Context) error {
	return func(c *cli.Context) error {
		api, ctx, cancel := clientFor(c)
		defer cancel()
		if err := api.post(ctx, path, nil, nil); err != nil {
			return err
		}
		fmt.Println(green(done))
		return nil
	}
}

func cmdEvents(c *cli.Context) error {
	target, err := eventsURL(c.GlobalString("addr"))
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", target, err)
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	asJSON := c.GlobalBool("json")
	for {
		var msg bridge.Message
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("event stream: %w", err)
		}
		if asJSON {
			if err := printJSON(msg); err != nil {
				return err
			}
			continue
		}
		fmt.Println(formatEvent(msg))
	}
}

func formatEvent(msg bridge.Message) string {
	var b strings.Builder
	b.WriteString(msg.Timestamp.Format("15:04:05.000"))
	b.WriteString(" ")
	b.WriteString(magenta(msg.Type))
	b.WriteString(" role=")
	b.WriteString(msg.Role)
	if msg.Peer != "" {
		b.WriteString(" peer=")
		b.WriteString(msg.Peer)
	}
	if msg.Payload != "" {
		fmt.Fprintf(&b, " payload=%q", msg.Payload)
	}
	if msg.Error != "" {
		b.WriteString(" ")
		b.WriteString(red("error=" + msg.Error))
	}
	return b.String()
}
