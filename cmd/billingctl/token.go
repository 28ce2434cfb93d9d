package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// SignInRequest represents the request body for Supabase sign in
type SignInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthResponse represents the response from Supabase auth
type AuthResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	User         struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	} `json:"user"`
}

func tokenCmd() *cobra.Command {
	var (
		envFile  string
		email    string
		password string
		verbose  bool
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign in to Supabase and print an access token for API testing",
		Long: `Sign in to Supabase with email and password and print the access token.

SUPABASE_URL and SUPABASE_KEY are read from the environment or the .env file.
The password may also be given as BILLINGCTL_PASSWORD.

Example:
  billingctl token --email testuser@example.com`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := godotenv.Load(envFile); err != nil && verbose {
				fmt.Fprintf(cmd.ErrOrStderr(), "Note: could not load %s: %v\n", envFile, err)
			}

			supabaseURL := os.Getenv("SUPABASE_URL")
			supabaseKey := os.Getenv("SUPABASE_KEY")
			if supabaseURL == "" || supabaseKey == "" {
				return fmt.Errorf("SUPABASE_URL and SUPABASE_KEY are required")
			}
			if password == "" {
				password = os.Getenv("BILLINGCTL_PASSWORD")
			}
			if password == "" {
				return fmt.Errorf("--password or BILLINGCTL_PASSWORD is required")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()
			resp, err := signIn(ctx, http.DefaultClient, supabaseURL, supabaseKey, email, password)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, resp.AccessToken)
			if verbose {
				fmt.Fprintf(out, "\nUser ID: %s\nExpires in: %ds\nAuthorization: Bearer %s\n",
					resp.User.ID, resp.ExpiresIn, resp.AccessToken)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&envFile, "env", ".env", "path to .env file")
	cmd.Flags().StringVarP(&email, "email", "e", "", "account email")
	cmd.Flags().StringVarP(&password, "password", "p", "", "account password")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	_ = cmd.MarkFlagRequired("email")

	return cmd
}

// signIn runs the Supabase password grant
func signIn(ctx context.Context, client *http.Client, supabaseURL, apiKey, email, password string) (*AuthResponse, error) {
	reqBody, err := json.Marshal(SignInRequest{Email: email, Password: password})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := strings.TrimRight(supabaseURL, "/") + "/auth/v1/token?grant_type=password"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", apiKey)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("authentication failed (status %d): %s", resp.StatusCode, string(body))
	}

	var authResp AuthResponse
	if err := json.Unmarshal(body, &authResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if authResp.AccessToken == "" {
		return nil, fmt.Errorf("authentication response carried no access token")
	}
	return &authResp, nil
}
