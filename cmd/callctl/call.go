package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/spf13/cobra"

	"github.com/eduease/call-relay/internal/call"
	"github.com/eduease/call-relay/internal/media"
	"github.com/eduease/call-relay/internal/sigclient"
)

var (
	flagServer      string
	flagRoom        string
	flagParticipant string
	flagToken       string
	flagSTUN        []string
	flagTURN        string
	flagTURNUser    string
	flagTURNPass    string
	flagVerbose     bool
)

var callCmd = &cobra.Command{
	Use:     "call",
	Aliases: []string{"start", "join"},
	Short:   "Join a room and run a call until either side hangs up",
	Long: `Join a room on the relay and run a call with synthetic audio and video.

The first participant into the room waits; the second triggers negotiation.
While the call runs, type "m" to toggle the microphone, "v" to toggle the
camera, and "q" to hang up.

Examples:
  callctl call --room lesson-42
  callctl call --server https://relay.example.com --room lesson-42 --token $JWT`,
	RunE: runCall,
}

func init() {
	rootCmd.AddCommand(callCmd)

	callCmd.Flags().StringVar(&flagServer, "server", "http://127.0.0.1:8080", "Relay base URL")
	callCmd.Flags().StringVar(&flagRoom, "room", "", "Room to join (generated when empty)")
	callCmd.Flags().StringVar(&flagParticipant, "participant", "", "Participant ID (generated when empty)")
	callCmd.Flags().StringVar(&flagToken, "token", "", "Bearer token for relays running JWT auth")
	callCmd.Flags().StringSliceVar(&flagSTUN, "stun", nil, "STUN URLs (skips the relay's ICE endpoint)")
	callCmd.Flags().StringVar(&flagTURN, "turn", "", "TURN URL")
	callCmd.Flags().StringVar(&flagTURNUser, "turn-user", "", "TURN username")
	callCmd.Flags().StringVar(&flagTURNPass, "turn-pass", "", "TURN credential")
	callCmd.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "Debug logging")
}

func runCall(cmd *cobra.Command, args []string) error {
	logger := newCLILogger(flagVerbose)

	roomID := flagRoom
	if roomID == "" {
		roomID = uuid.NewString()
		fmt.Printf("room: %s (share this with the other side)\n", roomID)
	}
	participantID := flagParticipant
	if participantID == "" {
		participantID = "cli-" + uuid.NewString()[:8]
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	iceServers, err := resolveICEServers(ctx)
	if err != nil {
		return err
	}

	wsURL, err := signalingURL(flagServer)
	if err != nil {
		return err
	}

	sc, err := sigclient.Dial(ctx, sigclient.Options{
		URL:    wsURL,
		Token:  flagToken,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	c, err := call.New(call.Options{
		Logger:        logger,
		Signaler:      sc,
		Media:         media.NewSyntheticSource(logger),
		NewPeer:       call.PionPeerFactory(nil, iceServers),
		RoomID:        roomID,
		ParticipantID: participantID,
		OnPhaseChange: func(p call.Phase) {
			fmt.Printf("[%s] %s\n", time.Now().Format("15:04:05"), p)
		},
	})
	if err != nil {
		return err
	}

	go readKeys(c)

	if err := c.Run(ctx); err != nil {
		return fmt.Errorf("call failed: %w", err)
	}
	return nil
}

// readKeys drives the call from stdin. EOF stops the reader without ending
// the call, so piping works.
func readKeys(c *call.Call) {
	muted := false
	cameraOff := false

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		switch strings.TrimSpace(scanner.Text()) {
		case "m":
			muted = !muted
			c.SetMuted(muted)
			fmt.Printf("microphone %s\n", onOff(!muted))
		case "v":
			cameraOff = !cameraOff
			c.SetCameraEnabled(!cameraOff)
			fmt.Printf("camera %s\n", onOff(!cameraOff))
		case "q":
			c.Hangup()
			return
		}
	}
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

// resolveICEServers prefers explicit flags and otherwise asks the relay.
func resolveICEServers(ctx context.Context) ([]webrtc.ICEServer, error) {
	if len(flagSTUN) > 0 || flagTURN != "" {
		var servers []webrtc.ICEServer
		if len(flagSTUN) > 0 {
			servers = append(servers, webrtc.ICEServer{URLs: flagSTUN})
		}
		if flagTURN != "" {
			servers = append(servers, webrtc.ICEServer{
				URLs:       []string{flagTURN},
				Username:   flagTURNUser,
				Credential: flagTURNPass,
			})
		}
		return servers, nil
	}
	return fetchICEServers(ctx, flagServer)
}

func fetchICEServers(ctx context.Context, base string) ([]webrtc.ICEServer, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(base, "/")+"/webrtc/ice", nil)
	if err != nil {
		return nil, err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch ice servers: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch ice servers: relay returned %s", resp.Status)
	}

	var payload struct {
		ICEServers []webrtc.ICEServer `json:"iceServers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode ice servers: %w", err)
	}
	return payload.ICEServers, nil
}

// signalingURL turns the HTTP base URL into the websocket endpoint.
func signalingURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid server URL scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

func newCLILogger(verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
