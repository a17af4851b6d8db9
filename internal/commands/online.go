package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"whisp/internal/api"
	"whisp/internal/config"
)

// Online prints the users with a live channel, one per line.
func Online(out io.Writer, cfg *config.Config) error {
	url := fmt.Sprintf("http://%s/admin/presence", cfg.AdminAddr)
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("failed to call admin API: %w. Is the server running?", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("failed to list online users (Status: %d): %s", resp.StatusCode, string(body))
	}

	var result api.PresenceResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if len(result.UserIDs) == 0 {
		fmt.Fprintln(out, "Nobody is online.")
		return nil
	}
	for _, id := range result.UserIDs {
		fmt.Fprintln(out, id)
	}
	return nil
}
