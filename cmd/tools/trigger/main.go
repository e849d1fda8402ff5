package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/riley-ailsa/innovate-uk-scraper/internal/auth"
)

func main() {
	baseURL := flag.String("server", "http://localhost:8081", "API base URL")
	user := flag.String("user", "operator", "operator username")
	hash := flag.Bool("hash", false, "print a bcrypt hash of OPERATOR_PASSWORD for auth.operator_password_hash and exit")
	flag.Parse()

	password := strings.TrimSpace(os.Getenv("OPERATOR_PASSWORD"))
	if password == "" {
		fmt.Println("Missing OPERATOR_PASSWORD environment variable")
		os.Exit(1)
	}

	if *hash {
		h, err := auth.HashPassword(password)
		if err != nil {
			fmt.Printf("Error hashing password: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(h)
		return
	}

	client := &http.Client{Timeout: 30 * time.Second}

	body, _ := json.Marshal(auth.LoginRequest{Username: *user, Password: password})
	resp, err := client.Post(*baseURL+"/api/v1/auth/token", "application/json", bytes.NewReader(body))
	if err != nil {
		fmt.Printf("Error requesting token: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Printf("Login failed: %s\n", resp.Status)
		os.Exit(1)
	}
	var token auth.TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		fmt.Printf("Error decoding token: %v\n", err)
		os.Exit(1)
	}

	req, err := http.NewRequest(http.MethodPost, *baseURL+"/api/v1/runs", nil)
	if err != nil {
		fmt.Printf("Error creating request: %v\n", err)
		os.Exit(1)
	}
	req.Header.Set("Authorization", "Bearer "+token.Token)

	runResp, err := client.Do(req)
	if err != nil {
		fmt.Printf("Error sending request: %v\n", err)
		os.Exit(1)
	}
	defer runResp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(runResp.Body).Decode(&out)
	fmt.Printf("Response Status: %s\n", runResp.Status)
	for k, v := range out {
		fmt.Printf("  %s: %v\n", k, v)
	}
	if runResp.StatusCode != http.StatusAccepted {
		os.Exit(1)
	}
}
