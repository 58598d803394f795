package tabclient

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/AugusDogus/opentab/pkg/tabcrypto"
)

const (
	defaultServerURL = "http://localhost:8080"
)

func defaultKeystorePath() string {
	if v := os.Getenv("TABCTL_STATE_PATH"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "tabctl.db"
	}
	return filepath.Join(home, ".opentab", "tabctl.db")
}

// RunCLI dispatches a tabctl subcommand.
func RunCLI(prog string, args []string, stderr io.Writer) error {
	if len(args) < 1 {
		return UsageError{Program: prog}
	}
	cmd := args[0]
	rest := args[1:]
	var err error
	switch cmd {
	case "register":
		err = runRegister(rest)
	case "devices":
		err = runDevices(rest)
	case "send":
		err = runSend(rest)
	case "pending":
		err = runPending(rest)
	case "listen":
		err = runListen(rest)
	case "remove":
		err = runRemove(rest)
	default:
		return UsageError{Program: prog}
	}
	if err != nil {
		if stderr == nil {
			stderr = os.Stderr
		}
		fmt.Fprintf(stderr, "error: %v\n", err)
	}
	return err
}

// UsageError is returned when no valid subcommand was given.
type UsageError struct {
	Program string
}

func (u UsageError) Error() string {
	if u.Program == "" {
		u.Program = "tabctl"
	}
	return fmt.Sprintf("Usage: %s <command> [options]", u.Program)
}

func (UsageError) UsageLines() []string {
	return []string{
		"Commands:",
		"  register  Generate a keypair and register this device",
		"  devices   List registered devices",
		"  send      Encrypt a tab and send it to other devices",
		"  pending   Fetch, decrypt and acknowledge queued tabs",
		"  listen    Stream tabs over the realtime channel",
		"  remove    Remove a device and its queued tabs",
	}
}

type cliContext struct {
	client   *Client
	keystore *Keystore
}

func newCLIContext(fs *flag.FlagSet, args []string) (*cliContext, error) {
	server := fs.String("server", getenv("TABCTL_SERVER", defaultServerURL), "server base URL")
	token := fs.String("token", os.Getenv("TABCTL_TOKEN"), "bearer token")
	statePath := fs.String("state", defaultKeystorePath(), "keystore path")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	ks, err := OpenKeystore(*statePath)
	if err != nil {
		return nil, err
	}
	auth := *token
	if auth == "" {
		auth = ks.Token()
	}
	if auth == "" {
		ks.Close()
		return nil, errors.New("no token: pass -token or set TABCTL_TOKEN")
	}
	if auth != ks.Token() {
		if err := ks.SetToken(auth); err != nil {
			ks.Close()
			return nil, err
		}
	}
	return &cliContext{
		client:   NewClient(*server, auth, nil),
		keystore: ks,
	}, nil
}

func (c *cliContext) close() {
	_ = c.keystore.Close()
}

// deviceIdentifier returns the stored identifier, minting one on first use.
func (c *cliContext) deviceIdentifier() (string, error) {
	if id := c.keystore.DeviceIdentifier(); id != "" {
		return id, nil
	}
	id := uuid.New().String()
	if err := c.keystore.SetDeviceIdentifier(id); err != nil {
		return "", err
	}
	return id, nil
}

func runRegister(args []string) error {
	fs := flag.NewFlagSet("register", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	name := fs.String("name", "", "human readable device name")
	devType := fs.String("type", "browser_extension", "device type (mobile or browser_extension)")
	pushToken := fs.String("push-token", "", "push token for mobile devices")
	cli, err := newCLIContext(fs, args)
	if err != nil {
		return err
	}
	defer cli.close()

	pair, err := cli.keystore.EnsureKeyPair()
	if err != nil {
		return err
	}
	identifier, err := cli.deviceIdentifier()
	if err != nil {
		return err
	}
	dev, err := cli.client.Register(context.Background(), RegisterDeviceRequest{
		DeviceIdentifier: identifier,
		DeviceType:       *devType,
		DeviceName:       *name,
		PushToken:        *pushToken,
		PublicKey:        pair.PublicKey,
	})
	if err != nil {
		return err
	}
	fmt.Printf("device registered: id=%s identifier=%s type=%s\n", dev.ID, dev.DeviceIdentifier, dev.DeviceType)
	return nil
}

func runDevices(args []string) error {
	fs := flag.NewFlagSet("devices", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	cli, err := newCLIContext(fs, args)
	if err != nil {
		return err
	}
	defer cli.close()

	devices, err := cli.client.Devices(context.Background())
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Println("no devices registered")
		return nil
	}
	for _, d := range devices {
		push := ""
		if d.PushToken != "" {
			push = " push"
		}
		fmt.Printf("%s  %-17s %s%s\n", d.ID, d.DeviceType, d.DeviceName, push)
	}
	return nil
}

func runSend(args []string) error {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	tabURL := fs.String("url", "", "URL to share")
	title := fs.String("title", "", "optional page title")
	cli, err := newCLIContext(fs, args)
	if err != nil {
		return err
	}
	defer cli.close()

	if *tabURL == "" {
		return errors.New("url is required")
	}
	pair, err := cli.keystore.KeyPair()
	if err != nil {
		return err
	}
	if pair == nil {
		return errors.New("no keypair: run register first")
	}
	identifier := cli.keystore.DeviceIdentifier()
	if identifier == "" {
		return errors.New("no device identifier: run register first")
	}

	ctx := context.Background()
	targets, err := cli.client.Targets(ctx, identifier)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		return errors.New("no target devices with public keys")
	}

	keys := make([]tabcrypto.DeviceKey, 0, len(targets))
	for _, t := range targets {
		keys = append(keys, tabcrypto.DeviceKey{ID: t.ID.String(), PublicKey: t.PublicKey})
	}
	payloads, err := tabcrypto.EncryptForDevices(
		tabcrypto.TabData{URL: *tabURL, Title: *title},
		keys, pair.SecretKey, pair.PublicKey,
	)
	if err != nil {
		return err
	}

	req := SendEncryptedRequest{
		SourceDeviceIdentifier: identifier,
		SenderPublicKey:        pair.PublicKey,
	}
	for _, p := range payloads {
		id, err := uuid.Parse(p.DeviceID)
		if err != nil {
			return fmt.Errorf("invalid target device id %q: %w", p.DeviceID, err)
		}
		serialized, err := tabcrypto.Serialize(p.Encrypted)
		if err != nil {
			return err
		}
		req.Targets = append(req.Targets, TargetPayload{TargetDeviceID: id, EncryptedData: serialized})
	}

	result, err := cli.client.SendEncrypted(ctx, req)
	if err != nil {
		return err
	}
	fmt.Printf("sent: mobile=%d extensions=%d\n", result.SentToMobile, result.SentToExtensions)
	return nil
}

func runPending(args []string) error {
	fs := flag.NewFlagSet("pending", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	keep := fs.Bool("keep", false, "do not acknowledge fetched tabs")
	cli, err := newCLIContext(fs, args)
	if err != nil {
		return err
	}
	defer cli.close()

	pair, err := cli.keystore.KeyPair()
	if err != nil {
		return err
	}
	if pair == nil {
		return errors.New("no keypair: run register first")
	}
	identifier := cli.keystore.DeviceIdentifier()
	if identifier == "" {
		return errors.New("no device identifier: run register first")
	}

	ctx := context.Background()
	tabs, err := cli.client.Pending(ctx, identifier)
	if err != nil {
		return err
	}
	for _, tab := range tabs {
		if err := printDecryptedTab(tab.EncryptedData, tab.CreatedAt, pair.SecretKey); err != nil {
			fmt.Fprintf(os.Stderr, "tab %s: %v\n", tab.ID, err)
			continue
		}
		if !*keep {
			if err := cli.client.MarkDelivered(ctx, tab.ID); err != nil {
				fmt.Fprintf(os.Stderr, "ack %s: %v\n", tab.ID, err)
			}
		}
	}
	if len(tabs) == 0 {
		fmt.Println("no pending tabs")
	}
	return nil
}

func printDecryptedTab(serialized string, createdAt time.Time, secretKey string) error {
	payload, err := tabcrypto.Deserialize(serialized)
	if err != nil {
		return err
	}
	data, err := tabcrypto.DecryptFromDevice(payload, secretKey)
	if err != nil {
		return err
	}
	when := ""
	if !createdAt.IsZero() {
		when = "[" + createdAt.Format(time.RFC3339) + "] "
	}
	if data.Title != "" {
		fmt.Printf("%s%s  %s\n", when, data.URL, data.Title)
	} else {
		fmt.Printf("%s%s\n", when, data.URL)
	}
	return nil
}

func runListen(args []string) error {
	fs := flag.NewFlagSet("listen", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	cli, err := newCLIContext(fs, args)
	if err != nil {
		return err
	}
	defer cli.close()

	pair, err := cli.keystore.KeyPair()
	if err != nil {
		return err
	}
	if pair == nil {
		return errors.New("no keypair: run register first")
	}
	identifier := cli.keystore.DeviceIdentifier()
	if identifier == "" {
		return errors.New("no device identifier: run register first")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deviceID, err := cli.client.DeviceID(ctx, identifier)
	if err != nil {
		return err
	}
	channel := "device-" + deviceID.String()

	wsURL, err := cli.client.RealtimeURL()
	if err != nil {
		return err
	}
	rt := NewRealtimeClient(RealtimeOptions{
		URL:   wsURL,
		Token: cli.client.Token(),
		OnStatusChange: func(s Status) {
			fmt.Fprintf(os.Stderr, "realtime: %s\n", s)
		},
	})
	defer rt.Close()

	// Resume from the cursor persisted by the previous run.
	if ack := cli.keystore.LastAck(channel); ack != "" {
		rt.SetLastAck(channel, ack)
	}

	rt.Subscribe(SubscriptionOptions{
		Channels: []string{channel},
		Events:   []string{"tab.new"},
		OnData: func(ev UserEvent) {
			var tab struct {
				ID              string `json:"id"`
				EncryptedData   string `json:"encryptedData"`
				SenderPublicKey string `json:"senderPublicKey"`
			}
			if err := json.Unmarshal(ev.Data, &tab); err != nil {
				fmt.Fprintf(os.Stderr, "bad event payload: %v\n", err)
				return
			}
			if err := printDecryptedTab(tab.EncryptedData, time.Time{}, pair.SecretKey); err != nil {
				fmt.Fprintf(os.Stderr, "decrypt: %v\n", err)
				return
			}
			_ = cli.keystore.SetLastAck(channel, ev.ID)
			if id, err := uuid.Parse(tab.ID); err == nil {
				_ = cli.client.MarkDelivered(context.Background(), id)
			}
		},
	})

	<-ctx.Done()
	return nil
}

func runRemove(args []string) error {
	fs := flag.NewFlagSet("remove", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	idStr := fs.String("id", "", "device id to remove")
	cli, err := newCLIContext(fs, args)
	if err != nil {
		return err
	}
	defer cli.close()

	if *idStr == "" {
		return errors.New("device id is required")
	}
	id, err := uuid.Parse(*idStr)
	if err != nil {
		return fmt.Errorf("invalid device id: %w", err)
	}
	if err := cli.client.RemoveDevice(context.Background(), id); err != nil {
		return err
	}
	fmt.Println("device removed")
	return nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
