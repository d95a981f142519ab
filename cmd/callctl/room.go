package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var roomFlagServer string

var roomCmd = &cobra.Command{
	Use:   "room <id>",
	Short: "Show a room's occupancy",
	Args:  cobra.ExactArgs(1),
	RunE:  runRoom,
}

func init() {
	rootCmd.AddCommand(roomCmd)
	roomCmd.Flags().StringVar(&roomFlagServer, "server", "http://127.0.0.1:8080", "Relay base URL")
}

func runRoom(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	endpoint := strings.TrimRight(roomFlagServer, "/") + "/rooms/" + args[0]
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return fmt.Errorf("room %q not found", args[0])
	default:
		return fmt.Errorf("relay returned %s", resp.Status)
	}

	var info struct {
		ID           string    `json:"id"`
		Participants []string  `json:"participants"`
		CreatedAt    time.Time `json:"createdAt"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return err
	}

	fmt.Printf("room %s\n", info.ID)
	fmt.Printf("  created      %s\n", info.CreatedAt.Format(time.RFC3339))
	fmt.Printf("  participants %s\n", strings.Join(info.Participants, ", "))
	return nil
}
