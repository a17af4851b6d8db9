package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"whisp/internal/api"
	"whisp/internal/auth"
	"whisp/internal/config"
)

func AddUser(out io.Writer, req auth.SignupRequest, cfg *config.Config) error {
	reqBody, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("http://%s/admin/users", cfg.AdminAddr)
	resp, err := http.Post(url, "application/json", bytes.NewBuffer(reqBody))
	if err != nil {
		return fmt.Errorf("failed to call admin API: %w. Is the server running?", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("failed to add user (Status: %d): %s", resp.StatusCode, string(body))
	}

	var result api.AddUserResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if result.User == nil {
		return fmt.Errorf("admin API returned no user")
	}

	fmt.Fprintf(out, "\nUser Created Successfully!\n")
	fmt.Fprintf(out, "ID:        %s\n", result.User.ID)
	fmt.Fprintf(out, "Email:     %s\n", result.User.Email)
	fmt.Fprintf(out, "Full name: %s\n\n", result.User.FullName)
	fmt.Fprintf(out, "They can log in at %s\n", cfg.BaseURL)
	return nil
}
