package cli

import (
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/tabbridge/tabbridge/internal/httputil"
)

// StatusCmd creates the status command
func StatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the connection status of a running bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			client := &http.Client{Timeout: 3 * time.Second}

			var st struct {
				State    string    `json:"state"`
				Color    string    `json:"color"`
				Label    string    `json:"label"`
				Gateway  string    `json:"gateway"`
				Since    time.Time `json:"since"`
				Attempts int       `json:"attempts"`
				LastErr  string    `json:"lastError"`
			}
			url := "http://" + cfg.Status.Addr + "/status"
			if err := httputil.GetJSON(client, url, &st); err != nil {
				return fmt.Errorf("bridge not reachable at %s: %w", cfg.Status.Addr, err)
			}

			fmt.Printf("state:    %s [%s]\n", st.State, st.Label)
			fmt.Printf("gateway:  %s\n", st.Gateway)
			fmt.Printf("since:    %s\n", st.Since.Format(time.RFC3339))
			if st.Attempts > 0 {
				fmt.Printf("attempts: %d\n", st.Attempts)
			}
			if st.LastErr != "" {
				fmt.Printf("error:    %s\n", st.LastErr)
			}
			return nil
		},
	}
}

// ReconnectCmd creates the reconnect command
func ReconnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconnect",
		Short: "Force a running bridge to drop and redial its channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			client := &http.Client{Timeout: 3 * time.Second}

			url := "http://" + cfg.Status.Addr + "/reconnect"
			resp, err := client.Post(url, "application/json", nil)
			if err != nil {
				return fmt.Errorf("bridge not reachable at %s: %w", cfg.Status.Addr, err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("reconnect failed: %s", resp.Status)
			}
			fmt.Println("reconnect requested")
			return nil
		},
	}
}
